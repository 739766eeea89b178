package graphsage

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/graphsage/sampler"
)

// separableEmbeddings builds 60 2-dim embeddings in two well separated
// clusters, labeled by cluster.
func separableEmbeddings() (embeddings, labels *tensors.Tensor) {
	const numNodes = 60
	flat := make([]float32, numNodes*2)
	classes := make([]int32, numNodes)
	for ii := 0; ii < numNodes; ii++ {
		center := float32(-1)
		if ii%2 == 1 {
			center = 1
			classes[ii] = 1
		}
		jitter := float32(ii%5) * 0.02
		flat[2*ii] = center + jitter
		flat[2*ii+1] = center - jitter
	}
	return tensors.FromFlatDataAndDimensions(flat, numNodes, 2),
		tensors.FromFlatDataAndDimensions(classes, numNodes, 1)
}

func TestLinearProbe(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := toyContext()
	ctx.SetParam(ParamProbeMaxIterations, 1000)
	embeddings, labels := separableEmbeddings()
	split := sampler.NewSplit(60, 0.2, 0.2, false)

	result, err := LinearProbe(backend, ctx, embeddings, labels, split, 2)
	require.NoError(t, err)
	assert.Greater(t, result.Iterations, 0)

	// Two far apart clusters: a linear classifier separates them perfectly.
	assert.Equal(t, 1.0, result.ValidationAccuracy)
	assert.Equal(t, 1.0, result.TestAccuracy)
}

func TestLinearProbeEmptyTrainSplit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := toyContext()
	embeddings, labels := separableEmbeddings()
	split := &sampler.Split{Valid: []int32{0, 1}, Test: []int32{2, 3}}

	_, err := LinearProbe(backend, ctx, embeddings, labels, split, 2)
	require.Error(t, err)
}
