package graphsage

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/graphsage/sampler"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// toyGraph builds two overlaid rings over 10 nodes (20 directed edges, 40 after
// adding the reverse edges) with simple deterministic features and binary labels.
func toyGraph() *sampler.Graph {
	const numNodes = 10
	g := sampler.NewGraph(numNodes)
	for ii := 0; ii < numNodes; ii++ {
		g.AddEdge(int32(ii), int32((ii+1)%numNodes))
		g.AddEdge(int32(ii), int32((ii+2)%numNodes))
	}
	g.AddReverseEdges()

	features := make([]float32, numNodes*4)
	labels := make([]int32, numNodes)
	for ii := 0; ii < numNodes; ii++ {
		features[4*ii] = float32(ii)
		features[4*ii+1] = float32(ii) / 2
		features[4*ii+2] = 1
		features[4*ii+3] = -float32(ii)
		labels[ii] = int32(ii % 2)
	}
	g.SetFeatures(tensors.FromFlatDataAndDimensions(features, numNodes, 4))
	g.SetLabels(tensors.FromFlatDataAndDimensions(labels, numNodes, 1))
	return g
}

// toyContext returns a context with hyperparameters small enough for tests.
func toyContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamHiddenDim:          8,
		ParamEmbedDim:           4,
		ParamFanOuts:            "3,3",
		ParamBatchSize:          4,
		ParamTrainSteps:         6,
		ParamEvalEverySteps:     3,
		ParamProbeMaxIterations: 50,
	})
	return ctx
}

func TestMeanPoolByTarget(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	state := tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}})
	edgesSource := tensors.FromValue([][]int32{{0}, {1}, {2}})
	edgesTarget := tensors.FromValue([][]int32{{0}, {0}, {1}})

	got, err := ExecOnce(backend, func(state, edgesSource, edgesTarget *Node) *Node {
		return meanPoolByTarget(state, edgesSource, edgesTarget, 3)
	}, state, edgesSource, edgesTarget)
	require.NoError(t, err)
	require.NoError(t, got.Shape().Check(dtypes.Float32, 3, 2))

	// Target 0 averages sources 0 and 1, target 1 receives only source 2, and
	// target 2 has no incoming edge, so it stays zero.
	assert.EqualValues(t, []float32{2, 3, 5, 6, 0, 0}, tensors.MustCopyFlatData[float32](got))
}

func TestEdgeScore(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	embeddings := tensors.FromValue([][]float32{{1, 0}, {0, 2}, {3, 4}})
	pairs := tensors.FromValue([][]int32{{0, 1}, {1, 2}, {0, 0}})

	got, err := ExecOnce(backend, func(embeddings, pairs *Node) *Node {
		return EdgeScore(embeddings, pairs)
	}, embeddings, pairs)
	require.NoError(t, err)
	require.NoError(t, got.Shape().Check(dtypes.Float32, 3, 1))
	assert.EqualValues(t, []float32{0, 8, 1}, tensors.MustCopyFlatData[float32](got))
}

func TestLinkModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := toyContext()
	g := toyGraph()
	UploadGraphVariables(ctx, g)

	neighborSampler := sampler.NewNeighborSampler(g, FanOuts(ctx)...)
	ds := sampler.NewEdgeDataset("test", neighborSampler, allEdges(g)).
		BatchSize(4, false).
		NegativeRatio(1).
		Infinite()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)

	args := make([]any, len(inputs))
	for ii, input := range inputs {
		args[ii] = input
	}
	logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return LinkModelGraph(ctx, nil, inputs)[0]
	}, args...)

	// 4 positive pairs and 4 negatives, one logit each.
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 8, 1))
	for _, logit := range tensors.MustCopyFlatData[float32](logits) {
		assert.False(t, logit != logit, "logit is NaN")
	}
}

func TestLinkTrainStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := toyContext()
	g := toyGraph()
	UploadGraphVariables(ctx, g)

	neighborSampler := sampler.NewNeighborSampler(g, FanOuts(ctx)...)
	ds := sampler.NewEdgeDataset("train-step", neighborSampler, allEdges(g)).
		BatchSize(4, false).
		NegativeRatio(1).
		Infinite()
	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)

	trainer := train.NewTrainer(backend, ctx, LinkModelGraph,
		losses.BinaryCrossentropyLogits,
		optimizers.FromContext(ctx),
		nil, nil)
	trainMetrics, err := trainer.TrainStep(spec, inputs, labels)
	require.NoError(t, err)

	loss := float64(trainMetrics[0].Value().(float32))
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss=%v", loss)
	assert.GreaterOrEqual(t, loss, 0.0)
}

func TestParseLinkInputsValidation(t *testing.T) {
	assert.Panics(t, func() { parseLinkInputs(make([]*Node, 2)) })
	assert.Panics(t, func() { parseLinkInputs(make([]*Node, 4)) })
}
