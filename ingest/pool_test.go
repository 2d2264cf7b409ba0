package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPool_PriorityOrdering(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, MaxQueueSize: 10})
	defer p.Shutdown(true, time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit("blocker", PriorityNormal, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	var mu sync.Mutex
	var order []string
	record := func(id string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	// Queued while the single worker is busy: the critical task must jump
	// ahead of the earlier batch tasks.
	if err := p.Submit("batch-1", PriorityBatch, record("batch-1")); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("batch-2", PriorityBatch, record("batch-2")); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("critical", PriorityCritical, record("critical")); err != nil {
		t.Fatal(err)
	}

	close(release)
	p.Shutdown(true, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 tasks to run, got %v", order)
	}
	if order[0] != "critical" {
		t.Errorf("critical must run first, got order %v", order)
	}
	if order[1] != "batch-1" || order[2] != "batch-2" {
		t.Errorf("batch tasks must keep FIFO order, got %v", order)
	}
}

func TestPool_BackPressureRejects(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, MaxQueueSize: 2})
	defer p.Shutdown(false, 0)

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit("blocker", PriorityNormal, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := p.Submit("q1", PriorityNormal, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit("q2", PriorityNormal, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	err := p.Submit("overflow", PriorityNormal, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	stats := p.Stats()
	if stats.Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", stats.Rejected)
	}

	close(release)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, MaxQueueSize: 10})
	p.Shutdown(true, time.Second)

	err := p.Submit("late", PriorityNormal, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_ShutdownReportsCancelledTasks(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, MaxQueueSize: 10})

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit("running", PriorityNormal, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := p.Submit("queued", PriorityBatch, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	cancelled := p.Shutdown(false, 0)
	close(release)

	if len(cancelled) != 1 || cancelled[0] != "queued" {
		t.Fatalf("expected the queued task cancelled, got %v", cancelled)
	}
}

func TestPool_PanicRecovery(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 1, MaxQueueSize: 10})

	if err := p.Submit("boom", PriorityNormal, func(ctx context.Context) error {
		panic("task bug")
	}); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	if err := p.Submit("after", PriorityNormal, func(ctx context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}

	p.Shutdown(true, time.Second)
	stats := p.Stats()
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed task, got %d", stats.Failed)
	}
	if stats.Completed != 1 {
		t.Errorf("expected 1 completed task, got %d", stats.Completed)
	}
}

func TestPool_Counters(t *testing.T) {
	p := NewPool(PoolConfig{Workers: 2, MaxQueueSize: 10})

	for i := 0; i < 4; i++ {
		if err := p.Submit("ok", PriorityNormal, func(ctx context.Context) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Submit("fail", PriorityNormal, func(ctx context.Context) error {
		return errors.New("expected failure")
	}); err != nil {
		t.Fatal(err)
	}

	p.Shutdown(true, time.Second)

	stats := p.Stats()
	if stats.Submitted != 5 {
		t.Errorf("expected 5 submitted, got %d", stats.Submitted)
	}
	if stats.Completed != 4 {
		t.Errorf("expected 4 completed, got %d", stats.Completed)
	}
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", stats.Failed)
	}
}
