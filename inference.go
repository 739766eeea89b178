package graphsage

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"

	"github.com/gomlx/graphsage/sampler"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// layerWiseModelGraph builds the full-graph version of the encoder: every layer
// is applied to all nodes at once over the complete edge list, reusing the
// variables trained on sampled minibatches.
//
// edgeSources and edgeTargets are the graph's directed edges, shaped
// (Int32)[numEdges, 1]. Messages flow against the stored direction: an edge
// (s, t) means t is a sampled neighbor of s, so t's state is pooled into s.
func layerWiseModelGraph(ctx *context.Context, g *Graph, numNodes, numLayers int) *Node {
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	features := getGraphVar(ctx, "features").ValueGraph(g)
	edgeSources := getGraphVar(ctx, "edge_sources").ValueGraph(g)
	edgeTargets := getGraphVar(ctx, "edge_targets").ValueGraph(g)

	allNodes := IotaFull(g, shapes.Make(dtypes.Int32, numNodes))
	edgePairs := Concatenate([]*Node{edgeTargets, edgeSources}, -1)
	layersInputs := make([]LayerInputs, numLayers)
	for ii := range layersInputs {
		layersInputs[ii] = LayerInputs{DstNodes: allNodes, EdgePairs: edgePairs}
	}
	return SageEncoder(ctx.In("model").Checked(false), features, layersInputs)
}

// uploadEdgeVariables stores the graph's full edge list as frozen variables, so
// layer-wise inference can read it inside the computation graph. It is a no-op
// if the variables were already uploaded.
func uploadEdgeVariables(ctx *context.Context, g *sampler.Graph) {
	ctxData := ctx.InAbsPath(GraphVariablesScope)
	if ctx.GetVariableByScopeAndName(GraphVariablesScope, "edge_sources") != nil {
		return
	}
	sources, targets := g.EdgeListTensors()
	vSources := ctxData.VariableWithValue("edge_sources", sources)
	vSources.Trainable = false
	vTargets := ctxData.VariableWithValue("edge_targets", targets)
	vTargets.Trainable = false
}

// LayerWiseEmbeddings computes the embeddings of every node of the graph with
// the current model variables, running each layer over the full graph instead
// of sampled neighborhoods. The result is shaped (Float32)[numNodes, embedDim].
//
// The same variables drive both the sampled minibatch model and this one, so
// calling it repeatedly without training in between returns identical values.
func LayerWiseEmbeddings(backend backends.Backend, ctx *context.Context, g *sampler.Graph) *tensors.Tensor {
	uploadEdgeVariables(ctx, g)
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 2)
	numNodes := int(g.NumNodes)
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, g *Graph) *Node {
		return layerWiseModelGraph(ctx, g, numNodes, numLayers)
	})
	return exec.MustExec()[0]
}
