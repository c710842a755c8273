package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// TaskFunc is a unit of work
type TaskFunc func(ctx context.Context) error

// Task represents a queued unit of work
type Task struct {
	ID      string
	Fn      TaskFunc
	Ctx     context.Context
	Created time.Time
}

var taskCounter atomic.Uint64

func newTask(ctx context.Context, id string, fn TaskFunc) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		id = fmt.Sprintf("task-%d", taskCounter.Add(1))
	}
	return &Task{ID: id, Fn: fn, Ctx: ctx, Created: time.Now()}
}
