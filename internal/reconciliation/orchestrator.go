// Package reconciliation matches bank transactions to the documents and
// write-offs that settle them. Every mutation of one transaction runs under
// its lock and inside a single storage unit of work, together with the
// full-reconcile grouping and the statement recompute it causes.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/ledger"
	"github.com/savegress/bankrecon/internal/rules"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// Cache stores suggestion lists. Get returns an error on a miss.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Options configures an Orchestrator
type Options struct {
	// Tolerance applies to document suggestions outside invoice matching rules
	Tolerance       rules.Tolerance
	MatchingOrder   models.MatchingOrder
	SuggestionLimit int
	Locker          Locker
	Cache           Cache
	CacheTTL        time.Duration
}

// Orchestrator applies reconciliations
type Orchestrator struct {
	ledger *ledger.Store
	repo   storage.Repository
	engine *rules.Engine
	docs   Documents
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
}

// New creates an orchestrator over the ledger store
func New(store *ledger.Store, engine *rules.Engine, docs Documents, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.Locker == nil {
		opts.Locker = NewKeyedMutex()
	}
	if opts.MatchingOrder == "" {
		opts.MatchingOrder = models.OrderOldFirst
	}
	if opts.Tolerance.Type == "" {
		opts.Tolerance.Type = models.TolerancePercentage
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Orchestrator{
		ledger: store,
		repo:   store.Repository(),
		engine: engine,
		docs:   docs,
		opts:   opts,
		log:    log.With().Str("component", "reconciliation").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Engine returns the rule engine in use
func (o *Orchestrator) Engine() *rules.Engine {
	return o.engine
}

// Match allocates part of a transaction to one target
type Match struct {
	Type        models.TargetType `json:"type"`
	TargetID    string            `json:"target_id,omitempty"`
	Amount      decimal.Decimal   `json:"amount"`
	Date        time.Time         `json:"date,omitempty"`
	Label       string            `json:"label,omitempty"`
	AccountCode string            `json:"account_code,omitempty"`
	RuleID      string            `json:"rule_id,omitempty"`
}

// ReconcileRequest reconciles one transaction
type ReconcileRequest struct {
	TransactionID string `json:"transaction_id"`
	// Version, when non-zero, must equal the stored transaction version
	Version int64   `json:"version,omitempty"`
	Matches []Match `json:"matches"`
	// PartnerID links the transaction to a partner if it has none yet
	PartnerID string `json:"partner_id,omitempty"`
}

// ReconcileResult is the state after a reconcile
type ReconcileResult struct {
	Transaction   *models.Transaction        `json:"transaction"`
	Partials      []*models.PartialReconcile `json:"partials"`
	FullReconcile *models.FullReconcile      `json:"full_reconcile,omitempty"`
}

// Reconcile records req.Matches as partial reconciles. Either every match
// is stored, with the residual, flags and grouping they imply, or none is.
func (o *Orchestrator) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	unlock, err := o.opts.Locker.Lock(ctx, lockKey(req.TransactionID))
	if err != nil {
		return nil, fmt.Errorf("Reconcile: lock: %w", err)
	}
	defer unlock()

	var res *ReconcileResult
	var touched map[string]bool
	err = o.repo.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		touched = make(map[string]bool)
		res, err = o.reconcileTx(ctx, tx, req, touched)
		return err
	})
	if err != nil {
		return nil, err
	}
	o.touchPartners(ctx, touched)

	o.log.Info().
		Str("transaction_id", req.TransactionID).
		Int("matches", len(req.Matches)).
		Str("state", string(res.Transaction.State())).
		Bool("full_reconcile", res.FullReconcile != nil).
		Msg("transaction reconciled")
	return res, nil
}

// reconcileTx records in touched the partners whose documents it allocates to
func (o *Orchestrator) reconcileTx(ctx context.Context, tx storage.Tx, req ReconcileRequest, touched map[string]bool) (*ReconcileResult, error) {
	t, err := tx.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("Reconcile: %w", err)
	}
	if req.Version != 0 && req.Version != t.Version {
		return nil, fmt.Errorf("Reconcile: %w", storage.ErrConflict)
	}
	if t.IsReconciled || amount.IsZero(t.AmountResidual) {
		return nil, ErrAlreadyReconciled.with(t.ID)
	}
	if len(req.Matches) == 0 {
		return nil, ErrInvalidMatch.with("no matches")
	}

	// Amounts allocated to each document earlier in this request.
	pending := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for i, m := range req.Matches {
		if !m.Amount.IsPositive() {
			return nil, ErrInvalidAmount.with(fmt.Sprintf("match %d: %s", i+1, m.Amount))
		}
		switch {
		case m.Type == models.TargetWriteOff:
		case isDocumentTarget(m.Type):
			if m.TargetID == "" {
				return nil, ErrInvalidMatch.with(fmt.Sprintf("match %d: missing target", i+1))
			}
			doc, err := o.docs.GetDocument(ctx, m.Type, m.TargetID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrUnknownTarget.with(fmt.Sprintf("%s %s", m.Type, m.TargetID))
			}
			if err != nil {
				return nil, fmt.Errorf("Reconcile: document lookup: %w", err)
			}
			if doc.Currency != "" && t.Currency != "" && doc.Currency != t.Currency {
				return nil, ErrCurrencyMismatch.with(fmt.Sprintf("%s %s is in %s", m.Type, m.TargetID, doc.Currency))
			}
			open, err := o.documentOpen(ctx, tx, doc)
			if err != nil {
				return nil, err
			}
			touched[doc.PartnerID] = true
			key := docKey(m.Type, m.TargetID)
			open = open.Sub(pending[key])
			if m.Amount.Sub(open).GreaterThanOrEqual(amount.Tolerance) {
				return nil, ErrOverAllocation.with(fmt.Sprintf("%s %s has %s open", m.Type, m.TargetID, open.StringFixed(2)))
			}
			pending[key] = pending[key].Add(m.Amount)
		default:
			return nil, ErrInvalidMatch.with(fmt.Sprintf("match %d: unknown type %q", i+1, m.Type))
		}
		total = total.Add(m.Amount)
	}
	if total.Sub(t.AmountResidual).GreaterThanOrEqual(amount.Tolerance) {
		return nil, ErrOverAllocation.with(fmt.Sprintf("%s allocated, %s open", total.StringFixed(2), t.AmountResidual.StringFixed(2)))
	}

	now := o.now()
	created := make([]*models.PartialReconcile, 0, len(req.Matches))
	for _, m := range req.Matches {
		date := m.Date
		if date.IsZero() {
			date = t.Date
		}
		p := &models.PartialReconcile{
			ID:            uuid.New().String(),
			TransactionID: t.ID,
			TargetType:    m.Type,
			TargetID:      m.TargetID,
			Amount:        m.Amount,
			Currency:      t.Currency,
			Date:          date,
			Label:         m.Label,
			AccountCode:   m.AccountCode,
			RuleID:        m.RuleID,
			CreatedAt:     now,
		}
		if err := tx.InsertPartial(ctx, p); err != nil {
			return nil, fmt.Errorf("Reconcile: insert partial: %w", err)
		}
		created = append(created, p)
	}

	t.AmountResidual = t.AmountResidual.Sub(total)
	if amount.IsZero(t.AmountResidual) {
		t.AmountResidual = decimal.Zero
		t.IsReconciled = true
		t.Checked = true
	}
	if req.PartnerID != "" && t.PartnerID == "" {
		t.PartnerID = req.PartnerID
	}
	t.UpdatedAt = now
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("Reconcile: %w", err)
	}

	full, err := o.closeFullReconcile(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if t.StatementID != "" {
		if _, err := o.ledger.RecomputeStatementTx(ctx, tx, t.StatementID); err != nil {
			return nil, err
		}
	}

	partials, err := tx.ListPartials(ctx, storage.PartialFilter{TransactionID: t.ID})
	if err != nil {
		return nil, fmt.Errorf("Reconcile: %w", err)
	}
	fresh, err := tx.GetTransaction(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("Reconcile: %w", err)
	}
	return &ReconcileResult{Transaction: fresh, Partials: partials, FullReconcile: full}, nil
}

// UndoReconciliation removes every partial reconcile of a transaction and
// dissolves the full reconciles they belonged to. The checked flag is left
// as it was.
func (o *Orchestrator) UndoReconciliation(ctx context.Context, transactionID string) (*models.Transaction, error) {
	unlock, err := o.opts.Locker.Lock(ctx, lockKey(transactionID))
	if err != nil {
		return nil, fmt.Errorf("UndoReconciliation: lock: %w", err)
	}
	defer unlock()

	var undone *models.Transaction
	var touched map[string]bool
	removed := 0
	err = o.repo.RunInTx(ctx, func(tx storage.Tx) error {
		touched = make(map[string]bool)
		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("UndoReconciliation: %w", err)
		}
		partials, err := tx.ListPartials(ctx, storage.PartialFilter{TransactionID: t.ID})
		if err != nil {
			return fmt.Errorf("UndoReconciliation: %w", err)
		}

		groups := make(map[string]bool)
		for _, p := range partials {
			if p.FullReconcileID != "" {
				groups[p.FullReconcileID] = true
			}
			if isDocumentTarget(p.TargetType) {
				doc, err := o.docs.GetDocument(ctx, p.TargetType, p.TargetID)
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("UndoReconciliation: document lookup: %w", err)
				}
				if doc != nil {
					touched[doc.PartnerID] = true
				}
			}
			if err := tx.DeletePartial(ctx, p.ID); err != nil {
				return fmt.Errorf("UndoReconciliation: %w", err)
			}
		}
		removed = len(partials)
		for id := range groups {
			if err := o.dissolve(ctx, tx, id); err != nil {
				return err
			}
		}

		residual := t.Amount.Abs()
		if t.IsReconciled || !t.AmountResidual.Equal(residual) {
			t.AmountResidual = residual
			t.IsReconciled = false
			t.UpdatedAt = o.now()
			if err := tx.UpdateTransaction(ctx, t); err != nil {
				return fmt.Errorf("UndoReconciliation: %w", err)
			}
		}
		if t.StatementID != "" {
			if _, err := o.ledger.RecomputeStatementTx(ctx, tx, t.StatementID); err != nil {
				return err
			}
		}
		undone, err = tx.GetTransaction(ctx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.touchPartners(ctx, touched)
	o.log.Info().Str("transaction_id", transactionID).Int("partials", removed).Msg("reconciliation undone")
	return undone, nil
}

// MatchPartner links a transaction to the partner found by the first
// active rule with a matching partner mapping. A miss returns "" and no
// error, and leaves the transaction unchanged.
func (o *Orchestrator) MatchPartner(ctx context.Context, transactionID string) (string, error) {
	t, err := o.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		return "", fmt.Errorf("MatchPartner: %w", err)
	}
	partnerID, ruleID, ok := o.engine.FindPartner(t)
	if !ok {
		return "", nil
	}
	if t.PartnerID != partnerID {
		if _, err := o.ledger.UpdateTransaction(ctx, t.ID, ledger.TransactionPatch{PartnerID: &partnerID, Version: t.Version}); err != nil {
			return "", fmt.Errorf("MatchPartner: %w", err)
		}
	}
	o.log.Debug().Str("transaction_id", t.ID).Str("partner_id", partnerID).Str("rule_id", ruleID).Msg("partner matched")
	return partnerID, nil
}

// documentOpen is the document's open amount less what bank lines have
// already allocated to it.
func (o *Orchestrator) documentOpen(ctx context.Context, tx storage.Tx, doc *models.Document) (decimal.Decimal, error) {
	partials, err := tx.ListPartials(ctx, storage.PartialFilter{TargetType: doc.Type, TargetID: doc.ID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("document %s: %w", doc.ID, err)
	}
	open := doc.AmountResidual.Abs()
	for _, p := range partials {
		open = open.Sub(p.Amount)
	}
	if open.IsNegative() {
		return decimal.Zero, nil
	}
	return open, nil
}

func lockKey(transactionID string) string {
	return "reconcile:" + transactionID
}
