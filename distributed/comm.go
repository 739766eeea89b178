// Package distributed implements single-host multi-device data-parallel
// training: a launcher that runs one worker goroutine per device, a contiguous
// data partitioner, and the collective primitives (barrier, all-reduce) the
// workers synchronize with.
//
// The collectives are defined by the Comm interface so the training code does
// not depend on how workers actually communicate. The in-process
// implementation (see NewLocalGroup) is the only one provided: it covers the
// one-process-per-host, one-goroutine-per-device setup used by Launch.
package distributed

import "fmt"

// Role distinguishes the worker that owns evaluation, checkpointing and
// reporting (the coordinator, always rank 0) from the regular workers.
type Role int

const (
	// Coordinator is rank 0: besides training on its own partition, it runs the
	// periodic evaluation and saves checkpoints.
	Coordinator Role = iota

	// Worker ranks only train on their partition and participate in collectives.
	Worker
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Coordinator:
		return "coordinator"
	case Worker:
		return "worker"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// RoleForRank returns Coordinator for rank 0, Worker otherwise.
func RoleForRank(rank int) Role {
	if rank == 0 {
		return Coordinator
	}
	return Worker
}

// Comm provides the collective operations of one worker within a group.
// All workers of a group must call the collective methods the same number of
// times and in the same order, or the group deadlocks.
type Comm interface {
	// Rank of this worker, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of workers in the group.
	WorldSize() int

	// Barrier blocks until every worker of the group has reached it.
	Barrier()

	// AllReduceSum sums values element-wise across all workers and replaces
	// values with the result, the same on every worker. All workers must pass
	// slices of the same length.
	AllReduceSum(values []float32)
}
