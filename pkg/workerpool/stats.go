package workerpool

import (
	"sync/atomic"
	"time"
)

// Stats contains pool statistics
type Stats struct {
	Workers        int           `json:"workers"`
	BusyWorkers    int           `json:"busy_workers"`
	QueuedTasks    int           `json:"queued_tasks"`
	CompletedTasks int64         `json:"completed_tasks"`
	FailedTasks    int64         `json:"failed_tasks"`
	RejectedTasks  int64         `json:"rejected_tasks"`
	AverageLatency time.Duration `json:"average_latency"`
	Uptime         time.Duration `json:"uptime"`
}

type statsCollector struct {
	busy      atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	latency   atomic.Int64 // nanoseconds
	startTime time.Time
}

func newStatsCollector() *statsCollector {
	return &statsCollector{startTime: time.Now()}
}

func (s *statsCollector) snapshot(workers, queueLen int) Stats {
	completed := s.completed.Load()
	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(s.latency.Load() / completed)
	}
	return Stats{
		Workers:        workers,
		BusyWorkers:    int(s.busy.Load()),
		QueuedTasks:    queueLen,
		CompletedTasks: completed,
		FailedTasks:    s.failed.Load(),
		RejectedTasks:  s.rejected.Load(),
		AverageLatency: avg,
		Uptime:         time.Since(s.startTime),
	}
}

func (s *statsCollector) recordCompletion(d time.Duration, failed bool) {
	s.completed.Add(1)
	s.latency.Add(int64(d))
	if failed {
		s.failed.Add(1)
	}
}
