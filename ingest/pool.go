package ingest

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"
)

// Priority orders tasks in the pool queue. Lower runs first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityNormal
	PriorityBatch
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityNormal:
		return "NORMAL"
	case PriorityBatch:
		return "BATCH"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

var (
	// ErrQueueFull is returned by Submit under back-pressure: queue at
	// capacity or process memory above the configured threshold.
	ErrQueueFull = errors.New("ingestion queue full")

	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is a queued unit of work.
type task struct {
	id       string
	priority Priority
	seq      uint64
	run      func(ctx context.Context) error
}

// PoolStats are cumulative counters plus the current queue depth.
type PoolStats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Rejected  int64
	Pending   int
}

// PoolConfig sizes the pool. Zero values get defaults.
type PoolConfig struct {
	Workers              int
	MaxQueueSize         int
	MemoryThresholdBytes uint64
}

// Pool runs tasks on a fixed set of workers, draining a priority queue:
// CRITICAL before NORMAL before BATCH, FIFO within a class. Submission is
// rejected, not blocked, when the queue or memory budget is exhausted.
type Pool struct {
	cfg PoolConfig

	mu     sync.Mutex
	cond   *sync.Cond
	queue  taskHeap
	seq    uint64
	closed bool
	stats  PoolStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues a task. Returns ErrQueueFull under back-pressure and
// ErrPoolClosed after shutdown; both mean the task will not run.
func (p *Pool) Submit(taskID string, priority Priority, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if len(p.queue) >= p.cfg.MaxQueueSize {
		p.stats.Rejected++
		return fmt.Errorf("%w: %d tasks queued", ErrQueueFull, len(p.queue))
	}
	if p.cfg.MemoryThresholdBytes > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > p.cfg.MemoryThresholdBytes {
			p.stats.Rejected++
			return fmt.Errorf("%w: heap %d MB over threshold", ErrQueueFull, ms.HeapAlloc/(1<<20))
		}
	}

	p.seq++
	heap.Push(&p.queue, &task{
		id:       taskID,
		priority: priority,
		seq:      p.seq,
		run:      fn,
	})
	p.stats.Submitted++
	p.cond.Signal()
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		t := heap.Pop(&p.queue).(*task)
		p.mu.Unlock()

		err := p.runTask(t)

		p.mu.Lock()
		if err != nil {
			p.stats.Failed++
		} else {
			p.stats.Completed++
		}
		p.mu.Unlock()
	}
}

func (p *Pool) runTask(t *task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", t.id, rec)
			log.Printf("worker recovered: %v", err)
		}
	}()

	if err := t.run(p.ctx); err != nil {
		log.Printf("task %s failed: %v", t.id, err)
		return err
	}
	return nil
}

// Shutdown stops intake. With wait true it lets queued and running tasks
// finish, bounded by timeout; afterwards (or immediately with wait false)
// queued-not-started tasks are dropped and their ids returned. Tasks already
// running are left to complete.
func (p *Pool) Shutdown(wait bool, timeout time.Duration) []string {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	if wait {
		select {
		case <-drained:
		case <-time.After(timeout):
		}
	}

	p.mu.Lock()
	cancelled := make([]string, 0, len(p.queue))
	for _, t := range p.queue {
		cancelled = append(cancelled, t.id)
	}
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	// Release the pool context once every worker has exited.
	go func() {
		<-drained
		p.cancel()
	}()

	return cancelled
}

// Stats returns a snapshot of the counters and queue depth.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Pending = len(p.queue)
	return s
}

// taskHeap orders by (priority, seq): strict class precedence, FIFO within.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
