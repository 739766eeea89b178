package graphsage

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// LayerInputs holds the graph nodes of one message-flow layer of a sampled batch:
// the destination ids of the layer and the (source, target) edge pairs in the
// layer's local index space. See sampler.MFG for the layout.
type LayerInputs struct {
	// DstNodes is shaped (Int32)[numDst]: the nodes updated by this layer. They
	// are always the leading prefix of the layer's source nodes.
	DstNodes *Node

	// EdgePairs is shaped (Int32)[numEdges, 2], rows are (source, target) in local
	// indices: source indexes the layer's input state, target indexes [0, numDst).
	EdgePairs *Node
}

// LinkBatch is the parsed form of the inputs yielded by sampler.EdgeDataset.
type LinkBatch struct {
	// InputNodes is shaped (Int32)[numInputs]: the global ids of the nodes whose
	// features feed the first layer.
	InputNodes *Node

	// PosPairs and NegPairs are shaped (Int32)[n, 2], rows are (source, destination)
	// indices into the final layer's destination set (the seed nodes).
	PosPairs, NegPairs *Node

	// Layers are ordered from the layer closest to the input features to the one
	// that produces the seed embeddings.
	Layers []LayerInputs
}

// parseLinkInputs splits the flat inputs slice yielded by sampler.EdgeDataset
// back into its parts. It panics on a malformed inputs slice.
func parseLinkInputs(inputs []*Node) *LinkBatch {
	if len(inputs) < 5 || len(inputs)%2 == 0 {
		Panicf("link prediction batch requires 3+2*numLayers input tensors, got %d", len(inputs))
	}
	batch := &LinkBatch{
		InputNodes: inputs[0],
		PosPairs:   inputs[1],
		NegPairs:   inputs[2],
	}
	numLayers := (len(inputs) - 3) / 2
	batch.Layers = make([]LayerInputs, numLayers)
	for ii := range batch.Layers {
		batch.Layers[ii] = LayerInputs{
			DstNodes:  inputs[3+2*ii],
			EdgePairs: inputs[4+2*ii],
		}
	}
	return batch
}

// meanPoolByTarget aggregates rows of source (shaped [numSources, dim]) into
// targetSize buckets: for each edge, source[edgesSource[e]] is added to bucket
// edgesTarget[e], and each bucket is divided by its edge count. Buckets with no
// incoming edges stay zero.
//
// edgesSource and edgesTarget must be shaped (Int32)[numEdges, 1].
func meanPoolByTarget(source, edgesSource, edgesTarget *Node, targetSize int) *Node {
	g := source.Graph()
	dtype := source.DType()
	numEdges := edgesSource.Shape().Dimensions[0]
	dim := source.Shape().Dimensions[1]

	messages := Gather(source, edgesSource)
	pooled := Scatter(edgesTarget, messages, shapes.Make(dtype, targetSize, dim), false, false)
	counts := Scatter(edgesTarget, Ones(g, shapes.Make(dtype, numEdges, 1)),
		shapes.Make(dtype, targetSize, 1), false, false)
	counts = MaxScalar(counts, 1) // Avoids division by zero for isolated targets.
	return Div(pooled, counts)
}

// sageConvolution is one GraphSAGE mean-aggregation layer: the mean of the
// neighbor states is concatenated with the node's own state and projected by a
// dense layer to outputDim.
//
// state is shaped [numSources, dim] and the result [numDst, outputDim], where
// the destinations are the leading numDst rows of state.
func sageConvolution(ctx *context.Context, state *Node, layer LayerInputs, outputDim int) *Node {
	numDst := layer.DstNodes.Shape().Dimensions[0]
	edgesSource := Slice(layer.EdgePairs, AxisRange(), AxisElem(0))
	edgesTarget := Slice(layer.EdgePairs, AxisRange(), AxisElem(1))

	self := Slice(state, AxisRangeFromStart(numDst), AxisRange())
	neighbors := meanPoolByTarget(state, edgesSource, edgesTarget, numDst)
	combined := Concatenate([]*Node{self, neighbors}, -1)
	return layers.Dense(ctx, combined, true, outputDim)
}

// SageEncoder applies the stack of GraphSAGE convolutions to the input node
// states, one layer per entry of layersInputs, with ReLU between layers (but
// not after the last). The result is shaped [numSeeds, embedDim], one row per
// destination of the last layer.
func SageEncoder(ctx *context.Context, state *Node, layersInputs []LayerInputs) *Node {
	hiddenDim := context.GetParamOr(ctx, ParamHiddenDim, 128)
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, 16)
	for ii, layer := range layersInputs {
		lastLayer := ii == len(layersInputs)-1
		dim := hiddenDim
		if lastLayer {
			dim = embedDim
		}
		state = sageConvolution(ctx.In(fmt.Sprintf("conv_%d", ii)), state, layer, dim)
		if !lastLayer {
			state = activations.Relu(state)
		}
	}
	return state
}

// EdgeScore returns the dot-product score of each edge: pairs is shaped
// (Int32)[n, 2] with rows indexing embeddings, and the result is the logits
// shaped [n, 1].
func EdgeScore(embeddings, pairs *Node) *Node {
	srcEmbed := Gather(embeddings, Slice(pairs, AxisRange(), AxisElem(0)))
	dstEmbed := Gather(embeddings, Slice(pairs, AxisRange(), AxisElem(1)))
	return InsertAxes(ReduceSum(Mul(srcEmbed, dstEmbed), -1), -1)
}

// LinkModelGraph builds the link prediction model: GraphSAGE embeddings of the
// sampled subgraph, scored with EdgeScore on the positive and the negative
// pairs. It returns a single logits tensor shaped [numPos+numNeg, 1], positive
// pairs first, matching the labels yielded by sampler.EdgeDataset.
//
// It implements train.ModelFn.
func LinkModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	batch := parseLinkInputs(inputs)

	g := inputs[0].Graph()
	features := getGraphVar(ctx, "features").ValueGraph(g)
	state := Gather(features, InsertAxes(batch.InputNodes, -1))

	embeddings := SageEncoder(ctx.In("model").Checked(false), state, batch.Layers)
	posScores := EdgeScore(embeddings, batch.PosPairs)
	negScores := EdgeScore(embeddings, batch.NegPairs)
	return []*Node{Concatenate([]*Node{posScores, negScores}, 0)}
}
