package distributed

import (
	"context"
	"sync"

	"github.com/autom8ter/machine/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	. "github.com/gomlx/exceptions"
)

// WorkerInfo is handed to each worker function launched by Launch: its
// identity within the group, its device, and the group's collectives.
type WorkerInfo struct {
	Comm Comm
	Role Role

	// DeviceNum is the ordinal of the device this worker should use, equal to
	// its rank.
	DeviceNum int
}

// Rank of this worker, in [0, WorldSize).
func (w *WorkerInfo) Rank() int { return w.Comm.Rank() }

// WorldSize is the number of workers launched together.
func (w *WorkerInfo) WorldSize() int { return w.Comm.WorldSize() }

// WorkerFn is the body of one worker. It runs on its own goroutine, one per
// device, and must call the collectives on info.Comm in lock-step with its
// peers.
type WorkerFn func(ctx context.Context, info *WorkerInfo) error

// Launch runs worldSize copies of fn concurrently, one per device, rank 0
// taking the Coordinator role, and waits for all of them to finish. The
// workers share an in-process LocalGroup for their collectives.
//
// If any worker fails, Launch still waits for the others and returns the
// joined errors. Note that a failed worker stops participating in collectives,
// so surviving workers blocked on a barrier will only unblock through ctx
// cancellation.
func Launch(ctx context.Context, worldSize int, fn WorkerFn) error {
	if worldSize < 1 {
		Panicf("Launch: worldSize must be at least 1, got %d", worldSize)
	}
	group := NewLocalGroup(worldSize)

	var mu sync.Mutex
	var workerErrs []error
	m := machine.New(machine.WithErrHandler(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		workerErrs = append(workerErrs, err)
	}))

	for rank := 0; rank < worldSize; rank++ {
		info := &WorkerInfo{
			Comm:      group.CommForRank(rank),
			Role:      RoleForRank(rank),
			DeviceNum: rank,
		}
		m.Go(ctx, func(ctx context.Context) error {
			klog.V(1).Infof("%s %d/%d starting on device %d", info.Role, info.Rank(), worldSize, info.DeviceNum)
			err := fn(ctx, info)
			if err != nil {
				return errors.WithMessagef(err, "%s %d/%d", info.Role, info.Rank(), worldSize)
			}
			klog.V(1).Infof("%s %d/%d finished", info.Role, info.Rank(), worldSize)
			return nil
		})
	}
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(workerErrs) > 0 {
		for _, err := range workerErrs[1:] {
			klog.Errorf("additional worker failure: %+v", err)
		}
		return workerErrs[0]
	}
	return nil
}
