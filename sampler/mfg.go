package sampler

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// MFG (message-flow graph) is the bipartite dependency structure of one
// message-passing layer: the edges needed to compute the states of NumDst
// destination nodes from the states of the SrcNodes.
//
// The destination nodes are always the first NumDst entries of SrcNodes --
// this ordering is what lets a model read the destination nodes' own states
// by slicing the first NumDst rows of the layer input. The guarantee is
// checked at construction, it is not a positional convention callers need to
// maintain by hand.
//
// A multi-layer sample is an ordered sequence of MFGs, layer 0 nearest the
// raw input features. The destination set of layer i is the source set of
// layer i+1.
type MFG struct {
	// SrcNodes are the global node ids whose states are the layer input.
	// The first NumDst of them are the destination nodes.
	SrcNodes []int32

	// NumDst is the number of destination nodes.
	NumDst int

	// EdgeSources and EdgeTargets describe the layer's edges with local
	// indices: EdgeSources[e] indexes into SrcNodes, EdgeTargets[e] into
	// `[0, NumDst)`. The message of edge `e` flows from
	// SrcNodes[EdgeSources[e]] to SrcNodes[EdgeTargets[e]].
	EdgeSources, EdgeTargets []int32
}

// NewMFG creates an MFG and validates its structural invariants: NumDst must
// not exceed the number of source nodes, the edge index slices must have the
// same length, and every edge endpoint must be in range.
func NewMFG(srcNodes []int32, numDst int, edgeSources, edgeTargets []int32) *MFG {
	if numDst <= 0 || numDst > len(srcNodes) {
		Panicf("NewMFG(): NumDst=%d must be in [1, len(SrcNodes)=%d] -- destination nodes are a prefix of the source nodes",
			numDst, len(srcNodes))
	}
	if len(edgeSources) != len(edgeTargets) {
		Panicf("NewMFG(): %d edge sources but %d edge targets", len(edgeSources), len(edgeTargets))
	}
	for e := range edgeSources {
		if edgeSources[e] < 0 || int(edgeSources[e]) >= len(srcNodes) {
			Panicf("NewMFG(): edge %d source index %d out-of-range [0, %d)", e, edgeSources[e], len(srcNodes))
		}
		if edgeTargets[e] < 0 || int(edgeTargets[e]) >= numDst {
			Panicf("NewMFG(): edge %d target index %d out-of-range [0, NumDst=%d)", e, edgeTargets[e], numDst)
		}
	}
	return &MFG{
		SrcNodes:    srcNodes,
		NumDst:      numDst,
		EdgeSources: edgeSources,
		EdgeTargets: edgeTargets,
	}
}

// NumSrcNodes of the layer.
func (m *MFG) NumSrcNodes() int { return len(m.SrcNodes) }

// NumDstNodes of the layer.
func (m *MFG) NumDstNodes() int { return m.NumDst }

// NumEdges of the layer.
func (m *MFG) NumEdges() int { return len(m.EdgeSources) }

// DstNodes returns the global ids of the destination nodes -- the leading
// prefix of SrcNodes. Don't modify the returned slice.
func (m *MFG) DstNodes() []int32 { return m.SrcNodes[:m.NumDst] }

// Tensors converts the MFG to the tensors fed to a model: the destination
// node ids shaped `(Int32)[NumDst]` and the local edge pairs shaped
// `(Int32)[NumEdges, 2]`, each row (source, target).
func (m *MFG) Tensors() (dstNodes, edgePairs *tensors.Tensor) {
	dstNodes = tensors.FromFlatDataAndDimensions(append([]int32(nil), m.DstNodes()...), m.NumDst)
	pairs := make([]int32, 2*m.NumEdges())
	for e := range m.EdgeSources {
		pairs[2*e] = m.EdgeSources[e]
		pairs[2*e+1] = m.EdgeTargets[e]
	}
	edgePairs = tensors.FromFlatDataAndDimensions(pairs, m.NumEdges(), 2)
	return
}

// String returns a one-line description of the MFG.
func (m *MFG) String() string {
	return fmt.Sprintf("MFG{%d src nodes -> %d dst nodes, %d edges}",
		m.NumSrcNodes(), m.NumDstNodes(), m.NumEdges())
}
