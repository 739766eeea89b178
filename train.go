package graphsage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphsage/sampler"

	. "github.com/gomlx/exceptions"
)

// Session holds everything needed to train and evaluate one link prediction
// model: the backend, the model context, the graph with its node split for the
// linear probe, and the best-validation checkpointing state.
type Session struct {
	Backend backends.Backend
	Context *context.Context

	Graph      *sampler.Graph
	NodeSplit  *sampler.Split
	NumClasses int

	Checkpoint *checkpoints.Handler

	// BestValidation is the best linear probe validation accuracy seen so far,
	// and BestStep the global step at which it was reached. A checkpoint is only
	// saved when validation accuracy strictly improves on BestValidation.
	BestValidation float64
	BestStep       int
}

// FanOuts parses the ParamFanOuts hyperparameter into per-layer sample sizes.
// It panics if the parameter doesn't parse or disagrees with ParamNumLayers.
func FanOuts(ctx *context.Context) []int {
	spec := context.GetParamOr(ctx, ParamFanOuts, "10,25")
	parts := strings.Split(spec, ",")
	fanOuts := make([]int, 0, len(parts))
	for _, part := range parts {
		fanOut, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || fanOut <= 0 {
			Panicf("invalid %s=%q: each entry must be a positive integer", ParamFanOuts, spec)
		}
		fanOuts = append(fanOuts, fanOut)
	}
	if numLayers := context.GetParamOr(ctx, ParamNumLayers, 2); numLayers != len(fanOuts) {
		Panicf("%s=%q lists %d layers, but %s=%d", ParamFanOuts, spec, len(fanOuts), ParamNumLayers, numLayers)
	}
	return fanOuts
}

// NewSession prepares a training session: it uploads the graph data to the
// context and, if the context's "train_dir" parameter is set, attaches a
// checkpoint handler (loading any previous checkpoint found there).
func NewSession(backend backends.Backend, ctx *context.Context, g *sampler.Graph,
	nodeSplit *sampler.Split, numClasses int) (*Session, error) {
	UploadGraphVariables(ctx, g)
	uploadEdgeVariables(ctx, g)
	session := &Session{
		Backend:    backend,
		Context:    ctx,
		Graph:      g,
		NodeSplit:  nodeSplit,
		NumClasses: numClasses,
	}
	if trainDir := context.GetParamOr(ctx, "train_dir", ""); trainDir != "" {
		// The frozen graph data takes most of the space, no point saving it.
		var varsToExclude []*context.Variable
		ctx.InAbsPath(GraphVariablesScope).EnumerateVariablesInScope(func(v *context.Variable) {
			varsToExclude = append(varsToExclude, v)
		})
		var err error
		session.Checkpoint, err = checkpoints.Build(ctx).
			Dir(trainDir).
			Keep(1).
			ExcludeParams("train_dir").
			ExcludeVars(varsToExclude...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "creating checkpoint handler in %q", trainDir)
		}
	}
	return session, nil
}

// newTrainer builds the link prediction trainer with BCE loss and the binary
// accuracy metrics.
func (s *Session) newTrainer() *train.Trainer {
	meanAccuracy := metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc")
	movingAccuracy := metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01)
	return train.NewTrainer(s.Backend, s.Context, LinkModelGraph,
		losses.BinaryCrossentropyLogits,
		optimizers.FromContext(s.Context),
		[]metrics.Interface{movingAccuracy},
		[]metrics.Interface{meanAccuracy})
}

// Evaluate computes the full-graph embeddings, trains the linear probe on them,
// saves a checkpoint if the validation accuracy strictly improved, and returns
// the probe result.
func (s *Session) Evaluate(step int) (ProbeResult, error) {
	embeddings := LayerWiseEmbeddings(s.Backend, s.Context, s.Graph)
	result, err := LinearProbe(s.Backend, s.Context, embeddings, s.Graph.Labels(), s.NodeSplit, s.NumClasses)
	if err != nil {
		return result, err
	}
	klog.V(1).Infof("step %d: probe validation=%.2f%%, test=%.2f%% (%d probe iterations)",
		step, 100*result.ValidationAccuracy, 100*result.TestAccuracy, result.Iterations)
	if result.ValidationAccuracy > s.BestValidation {
		s.BestValidation = result.ValidationAccuracy
		s.BestStep = step
		if s.Checkpoint != nil {
			if err := s.Checkpoint.Save(); err != nil {
				return result, errors.WithMessagef(err, "saving checkpoint at step %d", step)
			}
			klog.V(1).Infof("step %d: checkpoint saved (new best validation)", step)
		}
	}
	return result, nil
}

// Train runs the link prediction training loop: minibatches of positive edges
// from trainEdges plus sampled negatives, with a periodic linear probe
// evaluation and best-validation checkpointing. It trains for the context's
// ParamTrainSteps steps (continuing from the checkpoint's global step, if any),
// and returns the final probe result.
func (s *Session) Train(trainEdges []int32) (ProbeResult, error) {
	ctx := s.Context
	var finalResult ProbeResult

	neighborSampler := sampler.NewNeighborSampler(s.Graph, FanOuts(ctx)...)
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 256)
	negativeRatio := context.GetParamOr(ctx, ParamNegativeRatio, 1)
	trainDS := sampler.NewEdgeDataset("train", neighborSampler, trainEdges).
		BatchSize(batchSize, false).
		Shuffle().
		NegativeRatio(negativeRatio).
		Infinite()

	trainer := s.newTrainer()
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	evalEvery := context.GetParamOr(ctx, ParamEvalEverySteps, 200)
	train.EveryNSteps(loop, evalEvery, "linear probe evaluation", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			_, err := s.Evaluate(loop.LoopStep)
			return err
		})

	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 2000)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		if _, err := loop.RunSteps(trainDS, numTrainSteps-globalStep); err != nil {
			return finalResult, errors.WithMessagef(err, "training failed")
		}
	}

	var err error
	finalResult, err = s.Evaluate(loop.LoopStep)
	if err != nil {
		return finalResult, err
	}
	fmt.Printf("Best validation accuracy: %.2f%% at step %d\n", 100*s.BestValidation, s.BestStep)
	return finalResult, nil
}
