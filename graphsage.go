// Package graphsage implements GraphSAGE link prediction training on sampled
// minibatches, with layer-wise (full graph) inference and a linear probe to
// measure the quality of the learned node embeddings.
//
// The model is trained as a self-supervised link predictor: minibatches of
// edges are drawn from the training split, matched with uniformly sampled
// negative edges, and scored by the dot product of the GraphSAGE embeddings of
// their endpoints, under a binary cross-entropy loss.
//
// The main entry points are Train (single process) and TrainDistributed (one
// worker per device). Both periodically evaluate the current embeddings with
// a linear probe on the node labels and checkpoint whenever the validation
// accuracy strictly improves.
package graphsage

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/gomlx/graphsage/sampler"

	. "github.com/gomlx/exceptions"
)

const (
	// ParamNumLayers is the number of GraphSAGE convolution layers.
	// It must match the number of fan-outs given to the neighbor sampler.
	ParamNumLayers = "sage_num_layers"

	// ParamHiddenDim is the output dimension of every convolution layer but the last.
	ParamHiddenDim = "sage_hidden_dim"

	// ParamEmbedDim is the output dimension of the last convolution layer, hence
	// the dimension of the final node embeddings.
	ParamEmbedDim = "sage_embed_dim"

	// ParamFanOuts is a comma-separated list of per-layer neighbor sample sizes,
	// ordered from the layer closest to the input features to the output layer.
	ParamFanOuts = "sage_fan_outs"

	// ParamBatchSize is the number of positive (true) edges per training batch.
	ParamBatchSize = "batch_size"

	// ParamNegativeRatio is the number of negative edges sampled per positive edge.
	ParamNegativeRatio = "negative_ratio"

	// ParamTrainSteps is the total number of training steps to run.
	ParamTrainSteps = "train_steps"

	// ParamEvalEverySteps is the period, in training steps, of the linear probe
	// evaluation (and best-validation checkpointing).
	ParamEvalEverySteps = "eval_every_steps"

	// ParamProbeLearningRate is the learning rate of the linear probe classifier.
	ParamProbeLearningRate = "probe_learning_rate"

	// ParamProbeTolerance is the loss-delta convergence tolerance of the linear probe.
	ParamProbeTolerance = "probe_tolerance"

	// ParamProbeMaxIterations caps the number of full-batch iterations of the linear probe.
	ParamProbeMaxIterations = "probe_max_iterations"
)

// GraphVariablesScope is the absolute context scope under which the frozen
// graph data (node features and labels) is stored as non-trainable variables.
const GraphVariablesScope = "/graphsage_data"

// CreateDefaultContext creates a context with the default hyperparameters used
// for Cora link prediction. Any of them can be overridden before training starts.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_dir": "",

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,

		ParamNumLayers:     2,
		ParamHiddenDim:     128,
		ParamEmbedDim:      16,
		ParamFanOuts:       "10,25",
		ParamBatchSize:     256,
		ParamNegativeRatio: 1,

		ParamTrainSteps:     2000,
		ParamEvalEverySteps: 200,
		ParamNumWorkers:     1,
		ParamNumEpochs:      10,

		ParamProbeLearningRate:  0.1,
		ParamProbeTolerance:     1e-4,
		ParamProbeMaxIterations: 1000,
	})
	return ctx
}

// UploadGraphVariables stores the graph's node features and labels as frozen
// (non-trainable) variables under GraphVariablesScope, so models can gather
// from them inside the computation graph.
//
// The graph must already have features set; labels are optional and only
// needed by the linear probe.
func UploadGraphVariables(ctx *context.Context, g *sampler.Graph) {
	if g.Features() == nil {
		Panicf("UploadGraphVariables: graph has no node features set")
	}
	ctxData := ctx.InAbsPath(GraphVariablesScope)
	vFeatures := ctxData.VariableWithValue("features", g.Features())
	vFeatures.Trainable = false
	if g.Labels() != nil {
		vLabels := ctxData.VariableWithValue("labels", g.Labels())
		vLabels.Trainable = false
	}
}

// getGraphVar returns the variable uploaded by UploadGraphVariables with the
// given name, or panics if it is missing.
func getGraphVar(ctx *context.Context, name string) *context.Variable {
	v := ctx.GetVariableByScopeAndName(GraphVariablesScope, name)
	if v == nil {
		Panicf("variable %q not found in scope %q -- did you call UploadGraphVariables?",
			name, GraphVariablesScope)
	}
	return v
}
