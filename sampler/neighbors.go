package sampler

import (
	"math/rand/v2"

	. "github.com/gomlx/exceptions"
)

// NeighborSampler draws bounded-depth computation dependencies for a set of
// seed nodes: one MFG per message-passing layer, with a fixed fan-out per
// layer. Creating a NeighborSampler freezes the graph.
type NeighborSampler struct {
	graph   *Graph
	fanOuts []int
}

// NewNeighborSampler creates a sampler over the given graph, with one
// fan-out per message-passing layer, listed from the layer nearest the raw
// input features to the layer nearest the seeds. E.g. fan-outs `10, 25` for
// a 2-layer model samples up to 25 neighbors of each seed and up to 10
// neighbors of each of those.
func NewNeighborSampler(g *Graph, fanOuts ...int) *NeighborSampler {
	if len(fanOuts) == 0 {
		Panicf("NewNeighborSampler() requires at least one layer fan-out")
	}
	for ii, f := range fanOuts {
		if f <= 0 {
			Panicf("NewNeighborSampler(): fan-out #%d is %d, it must be > 0", ii, f)
		}
	}
	g.Freeze()
	return &NeighborSampler{graph: g, fanOuts: fanOuts}
}

// NumLayers the sampler was configured with.
func (ns *NeighborSampler) NumLayers() int { return len(ns.fanOuts) }

// Graph the sampler draws from.
func (ns *NeighborSampler) Graph() *Graph { return ns.graph }

// Sample draws, for the given seed nodes, the per-layer MFG sequence and the
// minimal set of input node ids whose features are needed to compute the
// seeds' final states.
//
// The returned MFGs are ordered layer 0 first (nearest the input features);
// the last MFG's destination nodes are exactly the seeds, and
// `inputNodes == mfgs[0].SrcNodes`. Within every MFG the destination nodes
// are the leading prefix of the source nodes (see MFG).
func (ns *NeighborSampler) Sample(seeds []int32) (inputNodes []int32, mfgs []*MFG) {
	if len(seeds) == 0 {
		Panicf("NeighborSampler.Sample() requires at least one seed node")
	}
	mfgs = make([]*MFG, len(ns.fanOuts))
	dst := seeds
	// Layers are built from the seeds outward: the source set of each layer
	// becomes the destination set of the next (deeper) one.
	for layer := len(ns.fanOuts) - 1; layer >= 0; layer-- {
		mfgs[layer] = ns.sampleOneLayer(dst, ns.fanOuts[layer])
		dst = mfgs[layer].SrcNodes
	}
	return mfgs[0].SrcNodes, mfgs
}

// sampleOneLayer samples up to fanOut neighbors for each destination node,
// building the layer's MFG. The destination nodes are listed first in the
// layer's source set, newly seen neighbors after them, deduplicated.
func (ns *NeighborSampler) sampleOneLayer(dst []int32, fanOut int) *MFG {
	srcNodes := make([]int32, len(dst), len(dst)+len(dst)*fanOut)
	copy(srcNodes, dst)
	localIdx := make(map[int32]int32, len(srcNodes))
	for ii, node := range srcNodes {
		if _, found := localIdx[node]; !found {
			localIdx[node] = int32(ii)
		}
	}

	var edgeSources, edgeTargets []int32
	sampled := make([]int32, fanOut)
	for dstIdx, node := range dst {
		neighbors := ns.graph.NeighborsOf(node)
		if len(neighbors) == 0 {
			continue
		}
		chosen := neighbors
		if len(neighbors) > fanOut {
			sampleIndices(sampled, len(neighbors))
			chosen = make([]int32, fanOut)
			for ii, edgeIdx := range sampled {
				chosen[ii] = neighbors[edgeIdx]
			}
		}
		for _, neighbor := range chosen {
			srcIdx, found := localIdx[neighbor]
			if !found {
				srcIdx = int32(len(srcNodes))
				srcNodes = append(srcNodes, neighbor)
				localIdx[neighbor] = srcIdx
			}
			edgeSources = append(edgeSources, srcIdx)
			edgeTargets = append(edgeTargets, int32(dstIdx))
		}
	}
	return NewMFG(srcNodes, len(dst), edgeSources, edgeTargets)
}

// sampleIndices fills out with len(out) distinct values drawn uniformly from
// `[0, n)`. Small draws relative to n are rejection-sampled; larger ones use a
// single reservoir pass over `[0, n)`.
func sampleIndices(out []int32, n int) {
	k := len(out)
	if k*k < n {
		// Collisions stay rare while k^2 < n, so rejection with a quadratic
		// duplicate scan beats allocating a set.
		for ii := range out {
			var x int32
		redraw:
			x = int32(rand.IntN(n))
			for _, prev := range out[:ii] {
				if prev == x {
					goto redraw
				}
			}
			out[ii] = x
		}
		return
	}
	for ii := range out {
		out[ii] = int32(ii)
	}
	for ii := k; ii < n; ii++ {
		if pos := rand.IntN(ii + 1); pos < k {
			out[pos] = int32(ii)
		}
	}
}
