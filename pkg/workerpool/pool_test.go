package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_Creation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "valid config", config: Config{Workers: 4, QueueSize: 100, ShutdownTimeout: 5 * time.Second}},
		{name: "unbuffered queue", config: Config{Workers: 1}},
		{name: "zero workers", config: Config{Workers: 0, QueueSize: 100}, wantErr: true},
		{name: "negative queue size", config: Config{Workers: 4, QueueSize: -1}, wantErr: true},
		{name: "negative timeout", config: Config{Workers: 4, ShutdownTimeout: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pool, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if pool != nil {
				pool.Stop()
			}
		})
	}
}

func TestPool_Submit(t *testing.T) {
	t.Parallel()

	pool, err := New(Config{Workers: 2, QueueSize: 10, ShutdownTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Stop()

	var counter atomic.Int32
	const taskCount = 50
	for i := 0; i < taskCount; i++ {
		err := pool.Submit(context.Background(), "", func(context.Context) error {
			counter.Add(1)
			return nil
		})
		if err != nil {
			t.Errorf("Failed to submit task: %v", err)
		}
	}
	pool.Wait()

	if got := counter.Load(); got != taskCount {
		t.Errorf("Expected %d tasks to complete, got %d", taskCount, got)
	}
	if stats := pool.Stats(); stats.CompletedTasks != taskCount || stats.Workers != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPool_ErrorsAndPanics(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var errs []*TaskError
	pool, err := New(Config{Workers: 1, QueueSize: 4, ErrorHandler: func(e *TaskError) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Stop()

	boom := errors.New("boom")
	pool.Submit(context.Background(), "fails", func(context.Context) error { return boom })
	pool.Submit(context.Background(), "panics", func(context.Context) error { panic("bad row") })
	pool.Submit(context.Background(), "ok", func(context.Context) error { return nil })
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 2 {
		t.Fatalf("expected 2 task errors, got %d", len(errs))
	}
	if errs[0].TaskID != "fails" || !errors.Is(errs[0], boom) {
		t.Errorf("unexpected first error %v", errs[0])
	}
	if errs[1].TaskID != "panics" || errs[1].Stack == "" {
		t.Errorf("expected panic with stack, got %v", errs[1])
	}
	if stats := pool.Stats(); stats.FailedTasks != 2 || stats.CompletedTasks != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPool_TrySubmit_QueueFull(t *testing.T) {
	t.Parallel()

	pool, err := New(Config{Workers: 1, QueueSize: 1})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(context.Background(), "busy", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	if err := pool.TrySubmit(context.Background(), "queued", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected a free queue slot, got %v", err)
	}
	if err := pool.TrySubmit(context.Background(), "extra", func(context.Context) error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	close(release)
	pool.Wait()

	if got := pool.Stats().RejectedTasks; got != 1 {
		t.Errorf("expected 1 rejected task, got %d", got)
	}
}

func TestPool_SubmitContextCancelled(t *testing.T) {
	t.Parallel()

	pool, err := New(Config{Workers: 1})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(context.Background(), "busy", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Submit(ctx, "late", func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	close(release)
}

func TestPool_StopDrainsQueue(t *testing.T) {
	t.Parallel()

	pool, err := New(Config{Workers: 1, QueueSize: 5, ShutdownTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	var counter atomic.Int32
	for i := 0; i < 5; i++ {
		pool.Submit(context.Background(), "", func(context.Context) error {
			time.Sleep(time.Millisecond)
			counter.Add(1)
			return nil
		})
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := counter.Load(); got != 5 {
		t.Errorf("expected queued tasks to finish, got %d", got)
	}
	if !pool.IsClosed() {
		t.Error("expected pool closed")
	}
	if err := pool.Submit(context.Background(), "", func(context.Context) error { return nil }); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Errorf("expected repeated Stop to be a no-op, got %v", err)
	}
}

func TestPool_ForcedShutdownCancelsTasks(t *testing.T) {
	t.Parallel()

	pool, err := New(Config{Workers: 1, ShutdownTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	cancelled := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(context.Background(), "slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	<-started

	if err := pool.Stop(); !errors.Is(err, ErrForcedShutdown) {
		t.Errorf("expected ErrForcedShutdown, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected the running task to see cancellation")
	}
}
