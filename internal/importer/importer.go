// Package importer runs statement imports as background jobs. A job parses
// one file, opens a statement, adds its lines in batches and finalizes the
// statement with the balances the file reports.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/ledger"
	"github.com/savegress/bankrecon/internal/parsers"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/savegress/bankrecon/pkg/workerpool"
	"github.com/savegress/bankrecon/pkg/workerpool/resilience"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyFile    = errors.New("empty file")
	ErrFileTooLarge = errors.New("file too large")
	ErrNoAccount    = errors.New("account is required")
)

// Config tunes imports
type Config struct {
	BatchSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	DefaultCurrency string
	MaxFileSize     int64
}

// Request describes one file to import
type Request struct {
	AccountID string
	Filename  string
	// Format skips detection when set
	Format        parsers.Format
	Content       []byte
	Currency      string
	StatementName string
	// BalanceStart overrides the balance reported by the file
	BalanceStart *decimal.Decimal
}

// Importer runs import jobs
type Importer struct {
	store    *ledger.Store
	registry *parsers.Registry
	pool     *workerpool.Pool
	jobs     JobStore
	cfg      Config
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

// Notifier is told about every job state change
type Notifier interface {
	JobUpdated(job *Job)
}

// SetNotifier registers a listener for job progress. Call before Submit.
func (i *Importer) SetNotifier(n Notifier) {
	i.notifier = n
}

// New creates an importer. pool may be nil when only Run is used.
func New(store *ledger.Store, registry *parsers.Registry, pool *workerpool.Pool, jobs JobStore, cfg Config, log zerolog.Logger) *Importer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if jobs == nil {
		jobs = NewMemoryJobStore()
	}
	return &Importer{
		store:    store,
		registry: registry,
		pool:     pool,
		jobs:     jobs,
		cfg:      cfg,
		log:      log.With().Str("component", "importer").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit records a queued job and hands it to the worker pool. It fails
// fast with workerpool.ErrQueueFull when the pool is saturated.
func (i *Importer) Submit(ctx context.Context, req Request) (*Job, error) {
	if i.pool == nil {
		return nil, fmt.Errorf("Submit: %w", workerpool.ErrPoolClosed)
	}
	if err := i.validate(req); err != nil {
		return nil, err
	}

	job := i.newJob(req)
	if err := i.jobs.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("Submit: %w", err)
	}
	i.notify(job)
	queued := job.clone()

	// The job outlives the request that submitted it.
	jobCtx := context.WithoutCancel(ctx)
	err := i.pool.TrySubmit(jobCtx, job.ID, func(ctx context.Context) error {
		_, err := i.run(ctx, job, req)
		return err
	})
	if err != nil {
		i.finish(jobCtx, job, err)
		return nil, fmt.Errorf("Submit: %w", err)
	}

	i.log.Info().Str("job_id", job.ID).Str("account_id", req.AccountID).Str("filename", req.Filename).Msg("import queued")
	return queued, nil
}

// Run imports a file synchronously and returns the finished job
func (i *Importer) Run(ctx context.Context, req Request) (*Job, error) {
	if err := i.validate(req); err != nil {
		return nil, err
	}
	job := i.newJob(req)
	if err := i.jobs.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	i.notify(job)
	return i.run(ctx, job, req)
}

// Job returns the current state of a job
func (i *Importer) Job(ctx context.Context, id string) (*Job, error) {
	return i.jobs.GetJob(ctx, id)
}

// Jobs lists jobs, newest first
func (i *Importer) Jobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return i.jobs.ListJobs(ctx, filter)
}

func (i *Importer) validate(req Request) error {
	if req.AccountID == "" {
		return ErrNoAccount
	}
	if len(bytes.TrimSpace(req.Content)) == 0 {
		return ErrEmptyFile
	}
	if i.cfg.MaxFileSize > 0 && int64(len(req.Content)) > i.cfg.MaxFileSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(req.Content), i.cfg.MaxFileSize)
	}
	return nil
}

func (i *Importer) newJob(req Request) *Job {
	return &Job{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		Filename:  req.Filename,
		Format:    req.Format,
		Status:    StatusQueued,
		CreatedAt: i.now(),
	}
}

func (i *Importer) run(ctx context.Context, job *Job, req Request) (*Job, error) {
	log := i.log.With().Str("job_id", job.ID).Str("account_id", req.AccountID).Logger()

	started := i.now()
	job.Status = StatusRunning
	job.StartedAt = &started
	i.save(ctx, job)

	err := i.importFile(ctx, job, req)
	if err != nil && job.StatementID != "" {
		i.discard(ctx, job, log)
	}
	i.finish(ctx, job, err)
	if err != nil {
		log.Error().Err(err).Str("filename", req.Filename).Msg("import failed")
		return job, err
	}

	log.Info().
		Str("statement_id", job.StatementID).
		Str("format", string(job.Format)).
		Int("created", job.Created).
		Int("duplicates", job.Duplicates).
		Int("skipped", job.Skipped).
		Int("retries", job.Retries).
		Msg("import completed")
	return job, nil
}

// discard removes what earlier batches of a failed job committed, so a
// file is either imported whole or not at all.
func (i *Importer) discard(ctx context.Context, job *Job, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := i.retry(ctx, job, func() error {
		err := i.store.DiscardStatement(ctx, job.StatementID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("statement_id", job.StatementID).Msg("failed to discard partial import")
		return
	}
	log.Warn().Str("statement_id", job.StatementID).Int("lines", job.Created).Msg("partial import discarded")
	job.StatementID = ""
	job.Created = 0
	job.Duplicates = 0
}

func (i *Importer) finish(ctx context.Context, job *Job, err error) {
	done := i.now()
	job.CompletedAt = &done
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusCompleted
	}
	i.save(ctx, job)
}

func (i *Importer) save(ctx context.Context, job *Job) {
	if err := i.jobs.SaveJob(ctx, job); err != nil {
		i.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to save job state")
	}
	i.notify(job)
}

func (i *Importer) notify(job *Job) {
	if i.notifier != nil {
		i.notifier.JobUpdated(job.clone())
	}
}

func (i *Importer) importFile(ctx context.Context, job *Job, req Request) error {
	parser, err := i.parser(req)
	if err != nil {
		return err
	}
	job.Format = parser.Format()

	b := &batcher{
		imp:  i,
		job:  job,
		req:  req,
		keys: ledger.NewImportKeys(),
	}

	var res *parsers.Result
	if sp, ok := parser.(parsers.StreamParser); ok {
		res, err = sp.ParseStream(bytes.NewReader(req.Content), func(line models.CanonicalTransaction) error {
			return b.add(ctx, line)
		})
		if err != nil {
			return err
		}
	} else {
		if res, err = parser.Parse(req.Content); err != nil {
			return err
		}
		b.info = res.Statement
		for _, line := range res.Transactions {
			if err := b.add(ctx, line); err != nil {
				return err
			}
		}
	}
	if res.Statement != nil {
		b.info = res.Statement
	}
	job.Diagnostics = res.Diagnostics
	job.Skipped = len(res.Diagnostics)

	if err := b.flush(ctx); err != nil {
		return err
	}
	if err := b.open(ctx); err != nil {
		return err
	}

	var balanceEnd *decimal.Decimal
	if b.info != nil {
		balanceEnd = b.info.BalanceEnd
	}
	return i.retry(ctx, job, func() error {
		_, invalid, err := i.store.FinalizeStatement(ctx, job.StatementID, balanceEnd)
		if err != nil {
			return err
		}
		if invalid != nil {
			job.Warning = invalid.Error()
		}
		return nil
	})
}

func (i *Importer) parser(req Request) (parsers.Parser, error) {
	if req.Format != "" {
		return i.registry.ForFormat(req.Format)
	}
	return i.registry.Detect(req.Filename, req.Content)
}

// retry runs one unit of work under the configured backoff. Failures the
// caller can only fix by changing the input are not retried.
func (i *Importer) retry(ctx context.Context, job *Job, fn func() error) error {
	policy := resilience.RetryPolicy{
		MaxRetries:   i.cfg.MaxRetries,
		InitialDelay: i.cfg.RetryDelay,
		MaxDelay:     10 * i.cfg.RetryDelay,
		Multiplier:   2,
		Jitter:       true,
	}
	return resilience.RetryWithCondition(ctx, policy, retryable, func(attempt int) error {
		if attempt > 1 {
			job.Retries++
		}
		return fn()
	})
}

func retryable(err error) bool {
	switch {
	case parsers.IsParseError(err),
		errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, ledger.ErrAccountMismatch),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// batcher accumulates parsed lines and writes them one batch per unit of
// work. The statement is opened with the first batch.
type batcher struct {
	imp     *Importer
	job     *Job
	req     Request
	info    *parsers.StatementInfo
	keys    *ledger.ImportKeys
	pending []models.CanonicalTransaction
}

func (b *batcher) add(ctx context.Context, line models.CanonicalTransaction) error {
	b.pending = append(b.pending, line)
	if len(b.pending) < b.imp.cfg.BatchSize {
		return nil
	}
	return b.flush(ctx)
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.open(ctx); err != nil {
		return err
	}

	lines := b.pending
	err := b.imp.retry(ctx, b.job, func() error {
		keys := b.keys.Clone()
		res, err := b.imp.store.AddTransactions(ctx, ledger.AddRequest{
			AccountID:   b.req.AccountID,
			StatementID: b.job.StatementID,
			Currency:    b.currency(),
			Lines:       lines,
			Keys:        keys,
		})
		if err != nil {
			return err
		}
		b.keys = keys
		b.job.Created += len(res.Created)
		b.job.Duplicates += res.Duplicates
		return nil
	})
	if err != nil {
		return err
	}
	b.pending = b.pending[:0]
	b.imp.save(ctx, b.job)
	return nil
}

// open creates the statement once
func (b *batcher) open(ctx context.Context) error {
	if b.job.StatementID != "" {
		return nil
	}
	in := ledger.NewStatement{
		AccountID:    b.req.AccountID,
		Name:         b.req.StatementName,
		Date:         b.date(),
		Currency:     b.currency(),
		BalanceStart: b.req.BalanceStart,
	}
	if b.info != nil {
		in.Reference = b.info.Reference
		if in.BalanceStart == nil {
			in.BalanceStart = b.info.BalanceStart
		}
	}
	return b.imp.retry(ctx, b.job, func() error {
		st, err := b.imp.store.CreateStatement(ctx, in)
		if err != nil {
			return err
		}
		b.job.StatementID = st.ID
		return nil
	})
}

func (b *batcher) currency() string {
	if b.req.Currency != "" {
		return b.req.Currency
	}
	if b.info != nil && b.info.Currency != "" {
		return b.info.Currency
	}
	return b.imp.cfg.DefaultCurrency
}

// date is the statement end date, else the latest line seen so far
func (b *batcher) date() time.Time {
	if b.info != nil && !b.info.EndDate.IsZero() {
		return b.info.EndDate
	}
	var latest time.Time
	for _, line := range b.pending {
		if line.Date.After(latest) {
			latest = line.Date
		}
	}
	if latest.IsZero() {
		return b.imp.now()
	}
	return latest
}
