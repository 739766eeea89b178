package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// EdgeDataset assembles link-prediction training batches: it implements
// GoMLX's train.Dataset, and each Yield draws a batch of edge ids, builds the
// positive and negative endpoint pairs, and neighbor-samples the MFG sequence
// over the union of all endpoints.
//
// The yielded inputs are, in order:
//
//	inputs[0]: input node ids, shaped (Int32)[numInputNodes] -- the minimal
//	           set of nodes whose features the model needs.
//	inputs[1]: positive pairs, shaped (Int32)[batchSize, 2], each row the
//	           (source, target) indices into the seed set (see below).
//	inputs[2]: negative pairs, shaped (Int32)[ratio*batchSize, 2], same
//	           index space.
//	inputs[3+2l], inputs[4+2l]: for each layer l, the MFG's destination node
//	           ids (Int32)[numDst] and local edge pairs (Int32)[numEdges, 2]
//	           (see MFG.Tensors).
//
// The seed set is the deduplicated union of positive and negative endpoints;
// it equals the destination set of the last MFG, so the model's final layer
// produces one embedding row per seed, in the same order the pair indices
// refer to.
//
// The labels are a single tensor shaped (Float32)[(1+ratio)*batchSize, 1]:
// 1 for the positive pairs, 0 for the negative ones, in the order the pairs
// are yielded.
//
// The spec returned by Yield is the *EdgeDataset itself.
//
// The dataset is safe for concurrent Yield calls.
type EdgeDataset struct {
	name     string
	sampler  *NeighborSampler
	negative *NegativeSampler
	edgeIDs  []int32

	batchSize     int
	dropLast      bool
	negativeRatio int
	shuffle       bool
	numEpochs     int

	mu                      sync.Mutex
	frozen                  bool
	currentEpoch            int
	position                int
	startOfEpoch, exhausted bool
	order                   []int32
}

// NewEdgeDataset creates an edge-batch dataset drawing from the given edge id
// set -- typically the train split of the graph's edge ids. Configure it with
// BatchSize, Shuffle, NegativeRatio, Epochs or Infinite before the first
// Yield.
func NewEdgeDataset(name string, ns *NeighborSampler, edgeIDs []int32) *EdgeDataset {
	if len(edgeIDs) == 0 {
		Panicf("NewEdgeDataset(%q): empty edge id set", name)
	}
	numEdges := ns.Graph().NumEdges()
	for _, e := range edgeIDs {
		if e < 0 || int(e) >= numEdges {
			Panicf("NewEdgeDataset(%q): edge id %d out-of-range [0, %d)", name, e, numEdges)
		}
	}
	return &EdgeDataset{
		name:          name,
		sampler:       ns,
		negative:      NewNegativeSampler(ns.Graph().NumNodes, 1),
		edgeIDs:       edgeIDs,
		batchSize:     len(edgeIDs),
		negativeRatio: 1,
		numEpochs:     1,
		startOfEpoch:  true,
	}
}

// BatchSize configures the number of positive edges per batch and whether a
// final short batch is dropped. If dropLast is false a shorter final batch is
// allowed -- that is the default partial-batch policy.
// It returns the dataset to allow cascading configuration calls.
func (ds *EdgeDataset) BatchSize(n int, dropLast bool) *EdgeDataset {
	ds.assertMutable()
	if n <= 0 {
		Panicf("EdgeDataset.BatchSize(n=%d): n must be > 0", n)
	}
	ds.batchSize = n
	ds.dropLast = dropLast
	return ds
}

// NegativeRatio configures how many corrupted pairs are drawn per positive
// edge. Default is 1.
func (ds *EdgeDataset) NegativeRatio(k int) *EdgeDataset {
	ds.assertMutable()
	ds.negative = NewNegativeSampler(ds.sampler.Graph().NumNodes, k)
	ds.negativeRatio = k
	return ds
}

// Shuffle configures the dataset to shuffle the edge ids before sampling.
// They are reshuffled at every new epoch.
func (ds *EdgeDataset) Shuffle() *EdgeDataset {
	ds.assertMutable()
	ds.shuffle = true
	return ds
}

// Epochs configures the dataset to yield those many epochs. Default is 1.
func (ds *EdgeDataset) Epochs(n int) *EdgeDataset {
	ds.assertMutable()
	if n <= 0 {
		Panicf("for EdgeDataset.Epochs(n), n > 0, but got n=%d instead", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to loop over epochs indefinitely.
func (ds *EdgeDataset) Infinite() *EdgeDataset {
	ds.assertMutable()
	ds.numEpochs = -1
	return ds
}

func (ds *EdgeDataset) assertMutable() {
	if ds.frozen {
		Panicf("cannot change an EdgeDataset that has already started yielding results")
	}
}

// NumLayers of the MFG sequence each batch carries.
func (ds *EdgeDataset) NumLayers() int { return ds.sampler.NumLayers() }

var _ train.Dataset = &EdgeDataset{}

// Name implements train.Dataset.
func (ds *EdgeDataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the dataset after it has been
// exhausted.
func (ds *EdgeDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset. See EdgeDataset for the layout of the
// returned inputs and labels.
func (ds *EdgeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch := ds.nextBatch()
	if batch == nil {
		return ds, nil, nil, io.EOF
	}
	inputs, labels = ds.assemble(batch)
	return ds, inputs, labels, nil
}

// nextBatch draws the next slice of edge ids, handling epoch accounting.
// It returns nil when the dataset is exhausted.
func (ds *EdgeDataset) nextBatch() []int32 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.frozen = true
	if ds.exhausted {
		return nil
	}
	if ds.startOfEpoch {
		ds.startEpoch()
	}

	remaining := len(ds.order) - ds.position
	n := ds.batchSize
	if remaining < n {
		// Partial-batch policy: allow a final short batch unless dropLast
		// requests otherwise.
		if ds.dropLast || remaining == 0 {
			ds.epochFinished()
			if ds.exhausted {
				return nil
			}
			ds.startEpoch()
			if len(ds.order) < n {
				Panicf("EdgeDataset %q: batch size %d larger than the %d edges available, with dropLast set no batch can ever be yielded",
					ds.name, n, len(ds.order))
			}
		} else {
			n = remaining
		}
	}
	// Copied, not sliced: a concurrent Yield rolling into the next epoch
	// reshuffles ds.order in place, so the batch must not alias it.
	batch := append([]int32(nil), ds.order[ds.position:ds.position+n]...)
	ds.position += n
	if ds.position >= len(ds.order) {
		ds.epochFinished()
	}
	return batch
}

// startEpoch resets the position counter and reshuffles where required.
func (ds *EdgeDataset) startEpoch() {
	ds.startOfEpoch = false
	ds.position = 0
	if ds.order == nil {
		ds.order = make([]int32, len(ds.edgeIDs))
		copy(ds.order, ds.edgeIDs)
	}
	if ds.shuffle {
		rand.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

func (ds *EdgeDataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}

// assemble builds the yielded tensors for a batch of edge ids. It doesn't
// touch the dataset's position state, so it runs outside the lock.
func (ds *EdgeDataset) assemble(batch []int32) (inputs, labels []*tensors.Tensor) {
	g := ds.sampler.Graph()
	numPos := len(batch)
	posSources := make([]int32, numPos)
	posTargets := make([]int32, numPos)
	for ii, e := range batch {
		posSources[ii], posTargets[ii] = g.EdgePair(e)
	}
	negSources, negTargets := ds.negative.Sample(posSources)

	// Seeds: deduplicated union of all endpoints, in order of appearance.
	localIdx := make(map[int32]int32, 2*(len(posSources)+len(negSources)))
	var seeds []int32
	local := func(node int32) int32 {
		idx, found := localIdx[node]
		if !found {
			idx = int32(len(seeds))
			seeds = append(seeds, node)
			localIdx[node] = idx
		}
		return idx
	}
	posPairs := make([]int32, 0, 2*numPos)
	for ii := range posSources {
		posPairs = append(posPairs, local(posSources[ii]), local(posTargets[ii]))
	}
	negPairs := make([]int32, 0, 2*len(negSources))
	for ii := range negSources {
		negPairs = append(negPairs, local(negSources[ii]), local(negTargets[ii]))
	}

	inputNodes, mfgs := ds.sampler.Sample(seeds)

	inputs = make([]*tensors.Tensor, 0, 3+2*len(mfgs))
	inputs = append(inputs,
		tensors.FromFlatDataAndDimensions(inputNodes, len(inputNodes)),
		tensors.FromFlatDataAndDimensions(posPairs, numPos, 2),
		tensors.FromFlatDataAndDimensions(negPairs, len(negSources), 2))
	for _, mfg := range mfgs {
		dstNodes, edgePairs := mfg.Tensors()
		inputs = append(inputs, dstNodes, edgePairs)
	}

	labelsData := make([]float32, numPos+len(negSources))
	for ii := range numPos {
		labelsData[ii] = 1
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(labelsData, len(labelsData), 1)}
	return
}
