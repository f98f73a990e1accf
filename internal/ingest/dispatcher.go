package ingest

import (
	"context"
	"hash/fnv"
	"sync"
)

// defaultWorkers is the number of dispatcher shards. Power of two so the
// hash maps onto workers with a mask.
const defaultWorkers = 16

// defaultQueueDepth is each worker's job buffer. Deep enough to absorb a
// retained-message burst on startup without stalling the MQTT handler.
const defaultQueueDepth = 256

// job is one unit of work bound to an entity address.
type job struct {
	key string
	fn  func(ctx context.Context)
}

// Dispatcher fans work out to a fixed pool of serial workers. Jobs with
// the same key run on the same worker in submission order; jobs with
// different keys run concurrently.
type Dispatcher struct {
	workers []chan job
	wg      sync.WaitGroup

	// mu guards lifecycle state; Submit holds the read side for the
	// whole send so Stop cannot close a queue under an in-flight send.
	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// NewDispatcher creates a dispatcher with the given shard count.
// Non-positive counts fall back to the default.
func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	chans := make([]chan job, workers)
	for i := range chans {
		chans[i] = make(chan job, defaultQueueDepth)
	}
	return &Dispatcher{workers: chans}
}

// Start launches the worker goroutines. The context is passed to every
// job; cancelling it makes queued jobs see a cancelled context but does
// not discard them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)

	for _, ch := range d.workers {
		d.wg.Add(1)
		go func(ch chan job) {
			defer d.wg.Done()
			for j := range ch {
				j.fn(ctx)
			}
		}(ch)
	}
}

// Stop closes the queues and waits for in-flight jobs to finish.
// Submit after Stop is a silent no-op.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, ch := range d.workers {
		close(ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

// Submit queues a job on the worker owning the key. Blocks when that
// worker's queue is full, which backpressures the MQTT handler goroutine
// instead of dropping state updates.
func (d *Dispatcher) Submit(key string, fn func(ctx context.Context)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.started || d.stopped {
		return
	}
	d.workers[shardFor(key, len(d.workers))] <- job{key: key, fn: fn}
}

// shardFor maps a key onto a worker index with FNV-32a.
func shardFor(key string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck // Hash writes never fail
	return int(h.Sum32() % uint32(workers))
}
