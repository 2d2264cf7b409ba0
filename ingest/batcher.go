// Package ingest implements the pipeline that keeps the lineage graph and the
// vector index in step with source files: batching, scheduling, parsing,
// purge-then-write persistence, validation and optional enrichment.
package ingest

import (
	"log"
	"sync"
	"time"
)

// BatcherStats are cumulative counters, read via Stats().
type BatcherStats struct {
	EventsReceived     int64
	EventsDeduplicated int64
	BatchesProcessed   int64
}

// Batcher coalesces bursty file events into batches. A path seen again while
// pending is deduplicated; the batch fires when events settle for the
// debounce interval or the pending set reaches the size threshold.
type Batcher struct {
	debounce  time.Duration
	threshold int
	process   func(paths []string)

	mu      sync.Mutex
	pending map[string]struct{}
	order   []string
	timer   *time.Timer
	closed  bool
	stats   BatcherStats

	wg sync.WaitGroup
}

// NewBatcher creates a batcher delivering batches to process. The callback
// runs on its own goroutine per flush; errors are its own business, panics
// are recovered here.
func NewBatcher(debounce time.Duration, threshold int, process func(paths []string)) *Batcher {
	if threshold <= 0 {
		threshold = 1
	}
	return &Batcher{
		debounce:  debounce,
		threshold: threshold,
		process:   process,
		pending:   make(map[string]struct{}),
	}
}

// AddEvent records a file event. Non-blocking; events after Shutdown are
// dropped.
func (b *Batcher) AddEvent(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.stats.EventsReceived++
	if _, dup := b.pending[path]; dup {
		b.stats.EventsDeduplicated++
		return
	}
	b.pending[path] = struct{}{}
	b.order = append(b.order, path)

	if len(b.pending) >= b.threshold {
		b.flushLocked()
		return
	}

	// Reset the settle timer
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, b.FlushNow)
}

// FlushNow delivers the pending batch immediately.
func (b *Batcher) FlushNow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	batch := b.order
	b.pending = make(map[string]struct{})
	b.order = nil
	b.stats.BatchesProcessed++

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("batch callback panicked: %v", rec)
			}
		}()
		b.process(batch)
	}()
}

// Shutdown stops intake, flushes the pending batch and waits for in-flight
// callbacks.
func (b *Batcher) Shutdown() {
	b.mu.Lock()
	b.closed = true
	b.flushLocked()
	b.mu.Unlock()

	b.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
