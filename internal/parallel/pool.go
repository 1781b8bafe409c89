// Package parallel runs data-parallel loops over independent pixel ranges.
//
// A Pool is created once and reused for every resampling, filtering and
// histogram pass, so the per-call cost is one channel send per worker:
//
//	pool := parallel.Default()
//	pool.ParallelFor(img.Size.Len(), func(start, end int) {
//	    for i := start; i < end; i++ {
//	        out[i] = f(i)
//	    }
//	})
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// minChunk is the smallest range handed to a worker. Smaller loops run inline.
const minChunk = 512

// Pool is a persistent set of worker goroutines.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New starts a pool with numWorkers goroutines, or GOMAXPROCS when numWorkers <= 0.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan workItem, numWorkers*2),
	}
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close stops the workers. Loops started afterwards run sequentially.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// Chunks returns how many ranges ParallelFor splits n items into.
func (p *Pool) Chunks(n int) int {
	if n <= 0 {
		return 0
	}
	if p.closed.Load() {
		return 1
	}
	return max(1, min(p.numWorkers, n/minChunk))
}

// ParallelFor calls fn on contiguous ranges covering [0, n) and blocks until
// all ranges are done. Ranges never overlap, so fn may write to per-index
// output without locking.
func (p *Pool) ParallelFor(n int, fn func(start, end int)) {
	workers := p.Chunks(n)
	if workers == 0 {
		return
	}
	if workers == 1 {
		fn(0, n)
		return
	}

	chunkSize := (n + workers - 1) / workers
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, n)
		if start >= n {
			wg.Done()
			continue
		}
		p.workC <- workItem{
			fn:      func() { fn(start, end) },
			barrier: &wg,
		}
	}
	wg.Wait()
}

var (
	defaultMu   sync.Mutex
	defaultPool *Pool
)

// Default returns the process wide pool, creating it on first use.
func Default() *Pool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool == nil {
		defaultPool = New(0)
	}
	return defaultPool
}

// SetDefaultWorkers replaces the process wide pool with one of n workers.
func SetDefaultWorkers(n int) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool != nil {
		defaultPool.Close()
	}
	defaultPool = New(n)
}
