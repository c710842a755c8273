// Package storage defines the persistence boundary of the ledger. Adapters
// live in subpackages: memory for tests and single-process use, postgres
// for deployments.
package storage

import (
	"context"
	"errors"

	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write carries a stale version
	ErrConflict  = errors.New("version conflict")
	ErrDuplicate = errors.New("already exists")
	ErrReadOnly  = errors.New("write in read-only transaction")
)

// Repository runs units of work against a store
type Repository interface {
	// RunInTx runs fn atomically: either every write made through tx is
	// kept, or none is.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn with read access only
	View(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is the set of operations available inside a unit of work
type Tx interface {
	TransactionStore
	StatementStore
	ReconcileStore
	RuleStore
}

// TransactionFilter selects bank transactions. Results are ordered by
// ordering key, ascending.
type TransactionFilter struct {
	AccountID        string
	StatementID      string
	IDs              []string
	OnlyUnreconciled bool
	// FromKey keeps transactions whose ordering key is >= FromKey
	FromKey string
	Limit   int
}

type TransactionStore interface {
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error)
	// PrevTransaction returns the account's transaction with the greatest
	// ordering key strictly below key.
	PrevTransaction(ctx context.Context, accountID, key string) (*models.Transaction, error)
	FindByImportID(ctx context.Context, accountID, importID string) (*models.Transaction, error)
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	// UpdateTransaction writes t if the stored version equals t.Version and
	// increments t.Version. Otherwise it returns ErrConflict.
	UpdateTransaction(ctx context.Context, t *models.Transaction) error
	// SetRunningBalance stores a derived balance without touching the version
	SetRunningBalance(ctx context.Context, id string, balance decimal.Decimal) error
}

type StatementStore interface {
	GetStatement(ctx context.Context, id string) (*models.Statement, error)
	ListStatements(ctx context.Context, accountID string) ([]*models.Statement, error)
	// PrevStatement returns the account's statement with the greatest first
	// line key strictly below key.
	PrevStatement(ctx context.Context, accountID, key string) (*models.Statement, error)
	// NextStatement returns the account's statement with the smallest first
	// line key strictly above key.
	NextStatement(ctx context.Context, accountID, key string) (*models.Statement, error)
	InsertStatement(ctx context.Context, s *models.Statement) error
	UpdateStatement(ctx context.Context, s *models.Statement) error
	// DeleteStatement removes the statement together with its lines
	DeleteStatement(ctx context.Context, id string) error
}

// PartialFilter selects partial reconciles; empty fields match anything
type PartialFilter struct {
	TransactionID   string
	TargetType      models.TargetType
	TargetID        string
	FullReconcileID string
}

type ReconcileStore interface {
	ListPartials(ctx context.Context, filter PartialFilter) ([]*models.PartialReconcile, error)
	InsertPartial(ctx context.Context, p *models.PartialReconcile) error
	SetPartialFullReconcile(ctx context.Context, id, fullReconcileID string) error
	DeletePartial(ctx context.Context, id string) error

	GetFullReconcile(ctx context.Context, id string) (*models.FullReconcile, error)
	InsertFullReconcile(ctx context.Context, f *models.FullReconcile) error
	DeleteFullReconcile(ctx context.Context, id string) error
}

type RuleStore interface {
	ListRules(ctx context.Context) ([]models.ReconcileRule, error)
	SaveRule(ctx context.Context, r models.ReconcileRule) error
	DeleteRule(ctx context.Context, id string) error
}
