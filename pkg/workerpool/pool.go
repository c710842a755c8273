package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Pool manages a fixed set of workers
type Pool struct {
	config Config
	tasks  chan *Task

	// mu guards closed and the close of tasks against concurrent sends
	mu     sync.RWMutex
	closed bool

	workers sync.WaitGroup
	pending sync.WaitGroup
	stop    context.Context
	cancel  context.CancelFunc
	once    sync.Once
	stats   *statsCollector
}

// New creates a pool and starts its workers
func New(config Config) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	stop, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: config,
		tasks:  make(chan *Task, config.QueueSize),
		stop:   stop,
		cancel: cancel,
		stats:  newStatsCollector(),
	}
	for i := 0; i < config.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	return p, nil
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for task := range p.tasks {
		p.execute(task)
	}
}

// execute runs one task with panic recovery
func (p *Pool) execute(task *Task) {
	defer p.pending.Done()

	p.stats.busy.Add(1)
	start := time.Now()
	var taskErr *TaskError

	defer func() {
		if r := recover(); r != nil {
			taskErr = &TaskError{
				TaskID: task.ID,
				Err:    fmt.Errorf("panic: %v", r),
				Stack:  string(debug.Stack()),
			}
		}
		p.stats.busy.Add(-1)
		p.stats.recordCompletion(time.Since(start), taskErr != nil)
		if taskErr != nil && p.config.ErrorHandler != nil {
			p.config.ErrorHandler(taskErr)
		}
	}()

	ctx, cancel := p.taskContext(task.Ctx)
	defer cancel()

	if err := ctx.Err(); err != nil {
		taskErr = &TaskError{TaskID: task.ID, Err: err}
		return
	}
	if err := task.Fn(ctx); err != nil {
		taskErr = &TaskError{TaskID: task.ID, Err: err}
	}
}

// taskContext ends when either the submitter's context or the pool's
// forced shutdown does.
func (p *Pool) taskContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(p.stop, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Submit queues fn, blocking while the queue is full. It fails with
// ErrPoolClosed after Stop, or with ctx's error if ctx ends first.
func (p *Pool) Submit(ctx context.Context, id string, fn TaskFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	task := newTask(ctx, id, fn)
	p.pending.Add(1)
	select {
	case p.tasks <- task:
		return nil
	case <-task.Ctx.Done():
		p.pending.Done()
		p.stats.rejected.Add(1)
		return task.Ctx.Err()
	}
}

// TrySubmit queues fn without blocking. It returns ErrQueueFull when no
// slot is free.
func (p *Pool) TrySubmit(ctx context.Context, id string, fn TaskFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	task := newTask(ctx, id, fn)
	p.pending.Add(1)
	select {
	case p.tasks <- task:
		return nil
	default:
		p.pending.Done()
		p.stats.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stop stops accepting tasks and waits for queued ones to finish. After
// ShutdownTimeout the contexts of running tasks are cancelled and
// ErrForcedShutdown is returned.
func (p *Pool) Stop() error {
	ctx := context.Background()
	if p.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ShutdownTimeout)
		defer cancel()
	}
	return p.StopWithContext(ctx)
}

// StopWithContext is Stop bounded by ctx instead of ShutdownTimeout
func (p *Pool) StopWithContext(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.workers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ErrForcedShutdown
		}
		p.cancel()
	})
	return err
}

// IsClosed reports whether Stop was called
func (p *Pool) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return p.stats.snapshot(p.config.Workers, len(p.tasks))
}

// Wait blocks until every submitted task has finished
func (p *Pool) Wait() {
	p.pending.Wait()
}
