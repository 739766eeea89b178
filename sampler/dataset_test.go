package sampler

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEdgeSampler(t *testing.T, numNodes int) *NeighborSampler {
	t.Helper()
	g := ringGraph(numNodes)
	return NewNeighborSampler(g, 3, 3)
}

// allEdgeIDs returns 0..n-1 edge ids of the sampler's graph.
func allEdgeIDs(ns *NeighborSampler) []int32 {
	ids := make([]int32, ns.Graph().NumEdges())
	for ii := range ids {
		ids[ii] = int32(ii)
	}
	return ids
}

// checkBatch validates the tensor layout of one yielded batch against the
// dataset construction, and returns the number of positive pairs.
func checkBatch(t *testing.T, ds *EdgeDataset, inputs, labels []*tensors.Tensor, negativeRatio int) int {
	t.Helper()
	require.Len(t, inputs, 3+2*ds.NumLayers())
	require.Len(t, labels, 1)

	numPos := inputs[1].Shape().Dimensions[0]
	numNeg := inputs[2].Shape().Dimensions[0]
	assert.Equal(t, negativeRatio*numPos, numNeg)
	require.NoError(t, inputs[1].Shape().Check(dtypes.Int32, numPos, 2))
	require.NoError(t, inputs[2].Shape().Check(dtypes.Int32, numNeg, 2))
	require.NoError(t, labels[0].Shape().Check(dtypes.Float32, numPos+numNeg, 1))

	// Labels: 1s for the positives, then 0s for the negatives.
	labelsData := tensors.MustCopyFlatData[float32](labels[0])
	for ii, label := range labelsData {
		if ii < numPos {
			assert.EqualValues(t, 1, label)
		} else {
			assert.EqualValues(t, 0, label)
		}
	}

	// The seed set is the destination set of the last layer, and all pair
	// indices point into it.
	numSeeds := inputs[3+2*(ds.NumLayers()-1)].Shape().Dimensions[0]
	for _, pairs := range []*tensors.Tensor{inputs[1], inputs[2]} {
		for _, idx := range tensors.MustCopyFlatData[int32](pairs) {
			assert.GreaterOrEqual(t, idx, int32(0))
			assert.Less(t, idx, int32(numSeeds))
		}
	}

	// Layer chaining: each layer's destination count grows (or stays) as we
	// move towards the input features, and the input nodes cover the first
	// layer's sources.
	numInputs := inputs[0].Shape().Dimensions[0]
	prevDst := numInputs
	for layer := range ds.NumLayers() {
		numDst := inputs[3+2*layer].Shape().Dimensions[0]
		assert.LessOrEqual(t, numDst, prevDst, "layer %d", layer)
		prevDst = numDst

		edgePairs := inputs[4+2*layer]
		require.Equal(t, 2, edgePairs.Rank())
		require.Equal(t, 2, edgePairs.Shape().Dimensions[1])
	}
	return numPos
}

func TestEdgeDatasetBatches(t *testing.T) {
	ns := testEdgeSampler(t, 20) // 40 directed edges.
	ds := NewEdgeDataset("test", ns, allEdgeIDs(ns)).
		BatchSize(16, false).
		NegativeRatio(2)

	var batchSizes []int
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Same(t, ds, spec)
		batchSizes = append(batchSizes, checkBatch(t, ds, inputs, labels, 2))
	}
	// 40 edges in batches of 16: the final short batch is kept by default.
	assert.Equal(t, []int{16, 16, 8}, batchSizes)

	// Exhausted until Reset.
	_, _, _, err := ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	checkBatch(t, ds, inputs, labels, 2)
}

func TestEdgeDatasetDropLast(t *testing.T) {
	ns := testEdgeSampler(t, 20)
	ds := NewEdgeDataset("test", ns, allEdgeIDs(ns)).
		BatchSize(16, true).
		Epochs(2)

	count := 0
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, 16, inputs[1].Shape().Dimensions[0])
		count++
	}
	// 2 epochs of 40 edges, short batches dropped.
	assert.Equal(t, 4, count)
}

func TestEdgeDatasetDropLastTooLarge(t *testing.T) {
	ns := testEdgeSampler(t, 4) // Only 8 directed edges.
	ds := NewEdgeDataset("test", ns, allEdgeIDs(ns)).BatchSize(100, true).Infinite()
	assert.Panics(t, func() { _, _, _, _ = ds.Yield() })
}

func TestEdgeDatasetInfinite(t *testing.T) {
	ns := testEdgeSampler(t, 10)
	ds := NewEdgeDataset("test", ns, allEdgeIDs(ns)).
		BatchSize(7, false).
		Shuffle().
		Infinite()

	// Many more yields than one epoch holds, with no EOF ever.
	for range 50 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		checkBatch(t, ds, inputs, labels, 1)
	}
}

func TestEdgeDatasetShuffle(t *testing.T) {
	ns := testEdgeSampler(t, 100)
	edgeIDs := allEdgeIDs(ns)
	ds := NewEdgeDataset("test", ns, edgeIDs).
		BatchSize(len(edgeIDs), false).
		Shuffle()

	g := ns.Graph()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)

	// Whatever the order, every positive pair must be a true edge.
	seedIDs := seedNodesOf(t, ds, inputs)
	posPairs := tensors.MustCopyFlatData[int32](inputs[1])
	for ii := 0; ii < len(posPairs); ii += 2 {
		source := seedIDs[posPairs[ii]]
		target := seedIDs[posPairs[ii+1]]
		diff := (source - target + g.NumNodes) % g.NumNodes
		assert.True(t, diff == 1 || diff == g.NumNodes-1,
			"positive pair (%d, %d) is not an edge of the ring", source, target)
	}
}

func TestEdgeDatasetBatchDoesNotAliasOrder(t *testing.T) {
	ns := testEdgeSampler(t, 10)
	ds := NewEdgeDataset("test", ns, allEdgeIDs(ns)).
		BatchSize(4, false).
		Shuffle().
		Infinite()

	batch := ds.nextBatch()
	require.Len(t, batch, 4)
	original := append([]int32(nil), batch...)

	// An epoch roll-over on another goroutine reshuffles ds.order in place; the
	// batch already handed out must not see it.
	ds.mu.Lock()
	for ii, jj := 0, len(ds.order)-1; ii < jj; ii, jj = ii+1, jj-1 {
		ds.order[ii], ds.order[jj] = ds.order[jj], ds.order[ii]
	}
	ds.mu.Unlock()
	assert.Equal(t, original, batch)
}

func TestEdgeDatasetConcurrentYield(t *testing.T) {
	ns := testEdgeSampler(t, 100)
	ds := NewEdgeDataset("test", ns, allEdgeIDs(ns)).
		BatchSize(16, false).
		Shuffle().
		Infinite()
	g := ns.Graph()

	const numGoroutines = 4
	var badPairs atomic.Int64
	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_, inputs, _, err := ds.Yield()
				if err != nil {
					badPairs.Add(1)
					return
				}
				seedIDs := seedNodesOf(t, ds, inputs)
				posPairs := tensors.MustCopyFlatData[int32](inputs[1])
				for ii := 0; ii < len(posPairs); ii += 2 {
					source := seedIDs[posPairs[ii]]
					target := seedIDs[posPairs[ii+1]]
					diff := (source - target + g.NumNodes) % g.NumNodes
					if diff != 1 && diff != g.NumNodes-1 {
						badPairs.Add(1)
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, badPairs.Load(), "concurrent yields produced corrupted positive pairs")
}

// seedNodesOf returns the global ids of the batch's seed nodes -- the
// destination set of the last layer.
func seedNodesOf(t *testing.T, ds *EdgeDataset, inputs []*tensors.Tensor) []int32 {
	t.Helper()
	return tensors.MustCopyFlatData[int32](inputs[3+2*(ds.NumLayers()-1)])
}

func TestEdgeDatasetFrozenAfterYield(t *testing.T) {
	ns := testEdgeSampler(t, 10)
	ds := NewEdgeDataset("test", ns, allEdgeIDs(ns)).BatchSize(4, false)
	_, _, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Panics(t, func() { ds.BatchSize(8, false) })
	assert.Panics(t, func() { ds.Shuffle() })
	assert.Panics(t, func() { ds.NegativeRatio(2) })
}

func TestEdgeDatasetValidation(t *testing.T) {
	ns := testEdgeSampler(t, 10)
	assert.Panics(t, func() { NewEdgeDataset("test", ns, nil) })
	assert.Panics(t, func() { NewEdgeDataset("test", ns, []int32{999}) })
	assert.Panics(t, func() { NewEdgeDataset("test", ns, allEdgeIDs(ns)).BatchSize(0, false) })
	assert.Panics(t, func() { NewEdgeDataset("test", ns, allEdgeIDs(ns)).Epochs(0) })
}
