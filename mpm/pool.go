package mpm

import (
	"runtime"
	"sync"
)

// parallelThreshold is the minimum item count to use the worker pool.
// Below this, single-threaded is faster due to channel overhead.
const parallelThreshold = 1024

// rangeFunc processes items [start, end) on the given worker.
type rangeFunc func(start, end, worker int)

// workChunk represents a range of items for a worker to process.
type workChunk struct {
	start, end int
	fn         rangeFunc
}

// Pool runs data-parallel passes on persistent worker goroutines. Every call
// to Run is a barrier: it returns only after all chunks have finished.
// Run must not be called concurrently with itself.
type Pool struct {
	numWorkers int

	workChan chan workChunk
	doneChan chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewPool creates a pool with n workers (n <= 0 means GOMAXPROCS).
// Workers start lazily on the first parallel Run.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Pool{numWorkers: n}
}

// Workers returns the number of worker slots. Per-worker scratch buffers
// should be sized with this.
func (p *Pool) Workers() int {
	return p.numWorkers
}

func (p *Pool) start() {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Close signals all workers to exit and waits for them.
func (p *Pool) Close() {
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			chunk.fn(chunk.start, chunk.end, id)
			p.doneChan <- struct{}{}
		}
	}
}

// Run splits [0, n) into one chunk per worker and waits for all of them.
func (p *Pool) Run(n int, fn rangeFunc) {
	if n <= 0 {
		return
	}
	if n < parallelThreshold || p.numWorkers == 1 {
		fn(0, n, 0)
		return
	}

	p.start()

	chunkSize := (n + p.numWorkers - 1) / p.numWorkers
	dispatched := 0
	for w := 0; w < p.numWorkers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			continue
		}
		p.workChan <- workChunk{start: start, end: end, fn: fn}
		dispatched++
	}

	for i := 0; i < dispatched; i++ {
		<-p.doneChan
	}
}
