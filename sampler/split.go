package sampler

import (
	"math/rand/v2"

	. "github.com/gomlx/exceptions"
)

// Split partitions an id universe (node ids or edge ids) into three disjoint
// sets: train, validation and test. It is assigned once at load time and
// never mutated.
type Split struct {
	Train, Valid, Test []int32
}

// NewSplit creates a split over the universe `[0, n)` with the given
// validation and test fractions; the remainder is the train set.
//
// If `shuffled` the universe is shuffled (with the global random number
// generator) before slicing, otherwise the slices are contiguous: train
// first, then validation, then test.
func NewSplit(n int, validFraction, testFraction float64, shuffled bool) *Split {
	if n <= 0 {
		Panicf("NewSplit(n=%d): n must be > 0", n)
	}
	if validFraction < 0 || testFraction < 0 || validFraction+testFraction >= 1 {
		Panicf("NewSplit(): fractions valid=%g and test=%g must be >= 0 and sum to < 1",
			validFraction, testFraction)
	}
	ids := make([]int32, n)
	for ii := range ids {
		ids[ii] = int32(ii)
	}
	if shuffled {
		rand.Shuffle(n, func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	}
	numValid := int(validFraction * float64(n))
	numTest := int(testFraction * float64(n))
	numTrain := n - numValid - numTest
	return &Split{
		Train: ids[:numTrain],
		Valid: ids[numTrain : numTrain+numValid],
		Test:  ids[numTrain+numValid:],
	}
}

// NewSplitFromSets creates a split from explicit id sets. It validates that
// the sets are disjoint and all ids are within `[0, n)`.
func NewSplitFromSets(n int, train, valid, test []int32) *Split {
	seen := make(map[int32]string, len(train)+len(valid)+len(test))
	for _, set := range []struct {
		name string
		ids  []int32
	}{{"train", train}, {"valid", valid}, {"test", test}} {
		for _, id := range set.ids {
			if id < 0 || int(id) >= n {
				Panicf("split set %q has id %d out-of-range [0, %d)", set.name, id, n)
			}
			if prev, found := seen[id]; found {
				Panicf("split sets %q and %q are not disjoint: both contain id %d", prev, set.name, id)
			}
			seen[id] = set.name
		}
	}
	return &Split{Train: train, Valid: valid, Test: test}
}

// Size returns the total number of assigned ids.
func (s *Split) Size() int { return len(s.Train) + len(s.Valid) + len(s.Test) }
