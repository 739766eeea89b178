package graphsage

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"

	"github.com/gomlx/graphsage/sampler"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ProbeResult is the outcome of a linear probe evaluation: the accuracy of a
// logistic regression trained on the frozen embeddings of the training nodes,
// measured on the validation and test nodes.
type ProbeResult struct {
	ValidationAccuracy, TestAccuracy float64

	// Iterations actually run before the loss converged (or the cap was hit).
	Iterations int
}

// probeConfig carries the linear probe hyperparameters, read from the main
// model's context but trained on a context of its own.
type probeConfig struct {
	learningRate  float64
	tolerance     float64
	maxIterations int
}

func probeConfigFromContext(ctx *context.Context) probeConfig {
	return probeConfig{
		learningRate:  context.GetParamOr(ctx, ParamProbeLearningRate, 0.1),
		tolerance:     context.GetParamOr(ctx, ParamProbeTolerance, 1e-4),
		maxIterations: context.GetParamOr(ctx, ParamProbeMaxIterations, 1000),
	}
}

// gatherRows selects the given rows of a [numRows, dim] float32 tensor into a
// new tensor, host-side.
func gatherRows(t *tensors.Tensor, rows []int32) *tensors.Tensor {
	dim := t.Shape().Dimensions[1]
	flat := tensors.MustCopyFlatData[float32](t)
	selected := make([]float32, len(rows)*dim)
	for ii, row := range rows {
		copy(selected[ii*dim:(ii+1)*dim], flat[int(row)*dim:(int(row)+1)*dim])
	}
	return tensors.FromFlatDataAndDimensions(selected, len(rows), dim)
}

// gatherLabels selects the given rows of a [numRows, 1] int32 labels tensor.
func gatherLabels(t *tensors.Tensor, rows []int32) *tensors.Tensor {
	flat := tensors.MustCopyFlatData[int32](t)
	selected := make([]int32, len(rows))
	for ii, row := range rows {
		selected[ii] = flat[row]
	}
	return tensors.FromFlatDataAndDimensions(selected, len(rows), 1)
}

// LinearProbe trains a logistic regression classifier on the embeddings of the
// training nodes and reports its accuracy on the validation and test nodes.
// The embeddings themselves are frozen: only the probe's dense layer is trained,
// in a context of its own, full-batch, until the loss improves by less than the
// configured tolerance between consecutive iterations (or the iteration cap).
//
// embeddings must be shaped (Float32)[numNodes, embedDim] and labels
// (Int32)[numNodes, 1]. split selects the node ids of each subset.
func LinearProbe(backend backends.Backend, ctx *context.Context, embeddings, labels *tensors.Tensor,
	split *sampler.Split, numClasses int) (ProbeResult, error) {
	var result ProbeResult
	if len(split.Train) == 0 {
		return result, errors.New("linear probe requires a non-empty train split")
	}
	cfg := probeConfigFromContext(ctx)

	probeCtx := context.New()
	probeCtx.ResetRNGState()
	probeCtx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: cfg.learningRate,
	})

	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		return []*Node{layers.Dense(ctx.In("probe"), inputs[0], true, numClasses)}
	}
	trainer := train.NewTrainer(backend, probeCtx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(probeCtx),
		nil, nil)

	trainInputs := []*tensors.Tensor{gatherRows(embeddings, split.Train)}
	trainLabels := []*tensors.Tensor{gatherLabels(labels, split.Train)}

	lastLoss := math.Inf(1)
	for result.Iterations < cfg.maxIterations {
		metrics, err := trainer.TrainStep(nil, trainInputs, trainLabels)
		if err != nil {
			return result, errors.WithMessagef(err, "linear probe iteration %d", result.Iterations)
		}
		result.Iterations++
		loss := float64(metrics[0].Value().(float32))
		if math.Abs(lastLoss-loss) < cfg.tolerance {
			break
		}
		lastLoss = loss
	}

	predict := context.MustNewExec(backend, probeCtx.Reuse(), func(ctx *context.Context, embedded *Node) *Node {
		logits := layers.Dense(ctx.In("probe"), embedded, true, numClasses)
		return ArgMax(logits, -1)
	})
	result.ValidationAccuracy = probeAccuracy(predict, embeddings, labels, split.Valid)
	result.TestAccuracy = probeAccuracy(predict, embeddings, labels, split.Test)
	return result, nil
}

// probeAccuracy runs the probe's prediction exec on the embeddings of the given
// node ids and compares against the true labels, host-side.
func probeAccuracy(predict *context.Exec, embeddings, labels *tensors.Tensor, ids []int32) float64 {
	if len(ids) == 0 {
		return 0
	}
	predictions := predict.MustExec(gatherRows(embeddings, ids))[0]
	predicted := tensors.MustCopyFlatData[int32](predictions)
	truth := tensors.MustCopyFlatData[int32](gatherLabels(labels, ids))
	if len(predicted) != len(truth) {
		Panicf("probe predictions (%d) and labels (%d) have different sizes", len(predicted), len(truth))
	}
	numCorrect := 0
	for ii, label := range truth {
		if predicted[ii] == label {
			numCorrect++
		}
	}
	return float64(numCorrect) / float64(len(truth))
}
