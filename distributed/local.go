package distributed

import (
	"sync"

	. "github.com/gomlx/exceptions"
)

// barrier is a reusable synchronization point for a fixed number of
// goroutines. Generations make it safe to reuse back-to-back.
type barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	size       int
	arrived    int
	generation int
}

func newBarrier(size int) *barrier {
	b := &barrier{size: size}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until size goroutines have called it.
func (b *barrier) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	generation := b.generation
	b.arrived++
	if b.arrived == b.size {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for generation == b.generation {
		b.cond.Wait()
	}
}

// LocalGroup implements the collectives for workers running as goroutines of
// the same process, sharing memory. Create one per training job with
// NewLocalGroup and hand each worker its Comm with CommForRank.
type LocalGroup struct {
	worldSize int
	barrier   *barrier

	mu      sync.Mutex
	sum     []float32
	readers int
}

// NewLocalGroup creates the shared state for worldSize in-process workers.
func NewLocalGroup(worldSize int) *LocalGroup {
	if worldSize < 1 {
		Panicf("NewLocalGroup: worldSize must be at least 1, got %d", worldSize)
	}
	return &LocalGroup{
		worldSize: worldSize,
		barrier:   newBarrier(worldSize),
	}
}

// WorldSize returns the number of workers in the group.
func (g *LocalGroup) WorldSize() int { return g.worldSize }

// CommForRank returns the Comm endpoint of the given rank.
func (g *LocalGroup) CommForRank(rank int) Comm {
	if rank < 0 || rank >= g.worldSize {
		Panicf("CommForRank: rank %d out of range [0, %d)", rank, g.worldSize)
	}
	return &localComm{group: g, rank: rank}
}

// allReduceSum accumulates every worker's values into a shared buffer, waits
// for all contributions, and copies the total back into values.
//
// Between the two barriers the shared buffer is read-only, so readers don't
// take the lock to copy it out. The last reader resets the buffer for the next
// round before releasing everyone through the second barrier.
func (g *LocalGroup) allReduceSum(values []float32) {
	g.mu.Lock()
	if g.sum == nil {
		g.sum = make([]float32, len(values))
	} else if len(g.sum) != len(values) {
		g.mu.Unlock()
		Panicf("AllReduceSum: workers disagree on value size (%d vs %d)", len(g.sum), len(values))
	}
	for ii, v := range values {
		g.sum[ii] += v
	}
	g.mu.Unlock()

	g.barrier.Wait()
	copy(values, g.sum)

	g.mu.Lock()
	g.readers++
	if g.readers == g.worldSize {
		g.readers = 0
		g.sum = nil
	}
	g.mu.Unlock()
	g.barrier.Wait()
}

// localComm is the view of a LocalGroup from one rank.
type localComm struct {
	group *LocalGroup
	rank  int
}

func (c *localComm) Rank() int                     { return c.rank }
func (c *localComm) WorldSize() int                { return c.group.worldSize }
func (c *localComm) Barrier()                      { c.group.barrier.Wait() }
func (c *localComm) AllReduceSum(values []float32) { c.group.allReduceSum(values) }
