package distributed

import (
	. "github.com/gomlx/exceptions"
)

// Partition returns the contiguous slice of ids owned by the given rank: each
// worker gets exactly len(ids)/worldSize elements. When len(ids) is not a
// multiple of worldSize, the remainder elements at the end are not assigned to
// any worker, so all workers see the same number of batches per epoch.
//
// The returned slice aliases ids.
func Partition(ids []int32, rank, worldSize int) []int32 {
	if worldSize < 1 {
		Panicf("Partition: worldSize must be at least 1, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		Panicf("Partition: rank %d out of range [0, %d)", rank, worldSize)
	}
	perWorker := len(ids) / worldSize
	return ids[rank*perWorker : (rank+1)*perWorker]
}
