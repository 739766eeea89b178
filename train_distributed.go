package graphsage

import (
	gocontext "context"
	"fmt"
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphsage/distributed"
	"github.com/gomlx/graphsage/sampler"
)

const (
	// ParamNumWorkers is the number of data-parallel workers (one per device).
	ParamNumWorkers = "num_workers"

	// ParamNumEpochs is the number of epochs of distributed training: each
	// worker runs one epoch over its partition between synchronization points.
	ParamNumEpochs = "num_epochs"
)

// averageTrainableVariables replaces every trainable float32 variable of ctx
// with its mean across all workers. After it returns (on every worker), the
// model replicas are bit-identical.
//
// Variables are visited in scope/name order so all workers issue the same
// sequence of collectives.
func averageTrainableVariables(ctx *context.Context, comm distributed.Comm) error {
	var variables []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.Shape().DType == dtypes.Float32 {
			variables = append(variables, v)
		}
	})
	sort.Slice(variables, func(i, j int) bool {
		vi, vj := variables[i], variables[j]
		if vi.Scope() != vj.Scope() {
			return vi.Scope() < vj.Scope()
		}
		return vi.Name() < vj.Name()
	})

	worldSize := float32(comm.WorldSize())
	for _, v := range variables {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading variable %s for averaging", v)
		}
		flat := tensors.MustCopyFlatData[float32](value)
		comm.AllReduceSum(flat)
		for ii := range flat {
			flat[ii] /= worldSize
		}
		averaged := tensors.FromFlatDataAndDimensions(flat, value.Shape().Dimensions...)
		if err := v.SetValue(averaged); err != nil {
			return errors.WithMessagef(err, "writing averaged variable %s", v)
		}
	}
	return nil
}

// TrainDistributed trains the link prediction model data-parallel: one worker
// goroutine per device, each training on a contiguous partition of trainEdges
// and averaging model parameters with its peers after every step. The
// coordinator (rank 0) additionally runs the linear probe after each epoch and
// checkpoints on strict validation improvement.
//
// baseCtx is cloned per worker, so the caller's context is left untouched; the
// coordinator's final probe result is returned.
func TrainDistributed(baseCtx *context.Context, g *sampler.Graph, nodeSplit *sampler.Split,
	numClasses int, trainEdges []int32) (ProbeResult, error) {
	numWorkers := context.GetParamOr(baseCtx, ParamNumWorkers, 1)
	numEpochs := context.GetParamOr(baseCtx, ParamNumEpochs, 10)
	batchSize := context.GetParamOr(baseCtx, ParamBatchSize, 256)
	negativeRatio := context.GetParamOr(baseCtx, ParamNegativeRatio, 1)

	var finalResult ProbeResult
	err := distributed.Launch(gocontext.Background(), numWorkers,
		func(goCtx gocontext.Context, info *distributed.WorkerInfo) error {
			backend := backends.MustNew()
			ctx, err := baseCtx.Clone()
			if err != nil {
				return errors.WithMessagef(err, "cloning context")
			}
			if info.Role != distributed.Coordinator {
				// Only the coordinator checkpoints.
				ctx.SetParam("train_dir", "")
			}
			session, err := NewSession(backend, ctx, g, nodeSplit, numClasses)
			if err != nil {
				return err
			}

			workerEdges := distributed.Partition(trainEdges, info.Rank(), info.WorldSize())
			klog.V(1).Infof("%s %d: training on %d of %d edges", info.Role, info.Rank(),
				len(workerEdges), len(trainEdges))
			neighborSampler := sampler.NewNeighborSampler(g, FanOuts(ctx)...)
			trainDS := sampler.NewEdgeDataset(fmt.Sprintf("train-%d", info.Rank()), neighborSampler, workerEdges).
				BatchSize(batchSize, true).
				Shuffle().
				NegativeRatio(negativeRatio).
				Epochs(1)

			trainer := session.newTrainer()
			loop := train.NewLoop(trainer)
			loop.OnStep("parameter averaging", 120, func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return averageTrainableVariables(ctx, info.Comm)
			})

			// All replicas are in place before training starts.
			info.Comm.Barrier()

			for epoch := 0; epoch < numEpochs; epoch++ {
				trainDS.Reset()
				if _, err := loop.RunEpochs(trainDS, 1); err != nil {
					return errors.WithMessagef(err, "epoch %d", epoch)
				}
				info.Comm.Barrier() // Everyone finished the epoch.
				if info.Role == distributed.Coordinator {
					result, err := session.Evaluate(loop.LoopStep)
					if err != nil {
						return err
					}
					finalResult = result
				}
				info.Comm.Barrier() // Evaluation done, next epoch may start.
			}

			if info.Role == distributed.Coordinator {
				fmt.Printf("Best validation accuracy: %.2f%% at step %d\n",
					100*session.BestValidation, session.BestStep)
			}
			return nil
		})
	return finalResult, err
}
