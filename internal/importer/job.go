package importer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/savegress/bankrecon/internal/parsers"
	"github.com/savegress/bankrecon/internal/storage"
)

// Status is the lifecycle state of an import job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job tracks one imported file
type Job struct {
	ID          string               `json:"id"`
	AccountID   string               `json:"account_id"`
	Filename    string               `json:"filename,omitempty"`
	Format      parsers.Format       `json:"format,omitempty"`
	Status      Status               `json:"status"`
	StatementID string               `json:"statement_id,omitempty"`
	Created     int                  `json:"created"`
	Duplicates  int                  `json:"duplicates"`
	Skipped     int                  `json:"skipped"`
	Diagnostics []parsers.Diagnostic `json:"diagnostics,omitempty"`
	Warning     string               `json:"warning,omitempty"`
	Error       string               `json:"error,omitempty"`
	Retries     int                  `json:"retries"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// Done reports whether the job reached a final state
func (j *Job) Done() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = fmt.Errorf("import job %w", storage.ErrNotFound)

// JobFilter selects jobs; empty fields match anything
type JobFilter struct {
	AccountID string
	Status    Status
	Limit     int
}

// JobStore keeps job state
type JobStore interface {
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// MemoryJobStore keeps jobs in process memory
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*Job)}
}

func (s *MemoryJobStore) SaveJob(_ context.Context, job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("SaveJob: job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.clone()
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

// ListJobs returns matching jobs, newest first
func (s *MemoryJobStore) ListJobs(_ context.Context, filter JobFilter) ([]*Job, error) {
	s.mu.RLock()
	var out []*Job
	for _, job := range s.jobs {
		if filter.AccountID != "" && job.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (j *Job) clone() *Job {
	c := *j
	c.Diagnostics = append([]parsers.Diagnostic(nil), j.Diagnostics...)
	return &c
}

// Cache is the subset of the redis cache jobs are mirrored to
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CachedJobStore mirrors job state into a shared cache so that any
// instance can answer status queries for jobs run elsewhere. Listing only
// covers local jobs.
type CachedJobStore struct {
	local JobStore
	cache Cache
	ttl   time.Duration
}

func NewCachedJobStore(local JobStore, cache Cache, ttl time.Duration) *CachedJobStore {
	return &CachedJobStore{local: local, cache: cache, ttl: ttl}
}

func (s *CachedJobStore) SaveJob(ctx context.Context, job *Job) error {
	if err := s.local.SaveJob(ctx, job); err != nil {
		return err
	}
	// The local copy is authoritative for this instance.
	_ = s.cache.Set(ctx, jobKey(job.ID), job, s.ttl)
	return nil
}

func (s *CachedJobStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.local.GetJob(ctx, id)
	if err == nil {
		return job, nil
	}
	var cached Job
	if cerr := s.cache.Get(ctx, jobKey(id), &cached); cerr != nil {
		return nil, err
	}
	return &cached, nil
}

func (s *CachedJobStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return s.local.ListJobs(ctx, filter)
}

func jobKey(id string) string {
	return "import:" + id
}
