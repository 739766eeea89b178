package sampler

import (
	"math/rand/v2"

	. "github.com/gomlx/exceptions"
)

// NegativeSampler draws corrupted (non-edge) endpoint pairs to serve as
// contrastive examples: for each positive edge it keeps the source and draws
// `ratio` destinations uniformly over the full node id space.
//
// Drawn pairs may coincide with true edges -- following the usual benchmark
// protocol, accidental collisions are not filtered out. At realistic graph
// sizes they are a negligible label-noise source.
type NegativeSampler struct {
	numNodes int32
	ratio    int
}

// NewNegativeSampler creates a sampler drawing `ratio` corrupted pairs per
// positive edge, with destinations uniform over `[0, numNodes)`.
func NewNegativeSampler(numNodes int32, ratio int) *NegativeSampler {
	if numNodes <= 0 {
		Panicf("NewNegativeSampler(numNodes=%d): numNodes must be > 0", numNodes)
	}
	if ratio <= 0 {
		Panicf("NewNegativeSampler(ratio=%d): ratio must be > 0", ratio)
	}
	return &NegativeSampler{numNodes: numNodes, ratio: ratio}
}

// Ratio of corrupted pairs drawn per positive edge.
func (s *NegativeSampler) Ratio() int { return s.ratio }

// Sample draws `Ratio() * len(positiveSources)` corrupted pairs: each
// positive source appears Ratio() times, each paired with an independently
// drawn uniform destination.
func (s *NegativeSampler) Sample(positiveSources []int32) (sources, targets []int32) {
	n := s.ratio * len(positiveSources)
	sources = make([]int32, 0, n)
	targets = make([]int32, 0, n)
	for _, src := range positiveSources {
		for range s.ratio {
			sources = append(sources, src)
			targets = append(targets, int32(rand.IntN(int(s.numNodes))))
		}
	}
	return
}
