// Package ledger maintains bank transactions and statements: ordering keys,
// running balances and statement balances. Mutations recompute what they
// affect explicitly, once per batch, inside the same unit of work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// Store is the statement and line store
type Store struct {
	repo storage.Repository
	log  zerolog.Logger
	now  func() time.Time
}

// NewStore creates a store over repo
func NewStore(repo storage.Repository, log zerolog.Logger) *Store {
	return &Store{
		repo: repo,
		log:  log.With().Str("component", "ledger").Logger(),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Repository exposes the underlying repository to collaborators that need
// to join the store's units of work.
func (s *Store) Repository() storage.Repository {
	return s.repo
}

// AddRequest adds imported lines to an account
type AddRequest struct {
	AccountID   string
	StatementID string
	// Currency is used for lines that carry none
	Currency string
	Lines    []models.CanonicalTransaction
	// Keys carries dedupe state across batches of one file
	Keys *ImportKeys
}

// AddResult lists what an import created
type AddResult struct {
	Created    []*models.Transaction `json:"created"`
	Duplicates int                   `json:"duplicates"`
}

// AddTransactions inserts lines, skipping those already imported
func (s *Store) AddTransactions(ctx context.Context, req AddRequest) (*AddResult, error) {
	var res *AddResult
	err := s.repo.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		res, err = s.AddTransactionsTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AddTransactionsTx is AddTransactions inside an existing unit of work
func (s *Store) AddTransactionsTx(ctx context.Context, tx storage.Tx, req AddRequest) (*AddResult, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("AddTransactions: %w: account is required", ErrInvalidInput)
	}
	if req.StatementID != "" {
		st, err := tx.GetStatement(ctx, req.StatementID)
		if err != nil {
			return nil, fmt.Errorf("AddTransactions: statement %s: %w", req.StatementID, err)
		}
		if st.AccountID != req.AccountID {
			return nil, fmt.Errorf("AddTransactions: %w", ErrAccountMismatch)
		}
	}
	keys := req.Keys
	if keys == nil {
		keys = NewImportKeys()
	}

	res := &AddResult{}
	now := s.now()
	minKey := ""
	for _, line := range req.Lines {
		importID := keys.Next(req.AccountID, line)
		if _, err := tx.FindByImportID(ctx, req.AccountID, importID); err == nil {
			res.Duplicates++
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("AddTransactions: dedupe lookup: %w", err)
		}

		currency := line.Currency
		if currency == "" {
			currency = req.Currency
		}
		t := &models.Transaction{
			ID:                  newTransactionID(),
			AccountID:           req.AccountID,
			StatementID:         req.StatementID,
			Date:                dateOnly(line.Date),
			Amount:              line.Amount,
			Currency:            currency,
			PaymentRef:          line.PaymentRef,
			Narration:           line.Narration,
			Reference:           line.Reference,
			CounterpartyName:    line.CounterpartyName,
			CounterpartyAccount: line.AccountNumber,
			TransactionType:     line.TransactionType,
			AmountResidual:      line.Amount.Abs(),
			ImportID:            importID,
			Raw:                 line.Raw,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		t.OrderingKey = OrderingKey(t.Date, t.Sequence, t.ID)
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return nil, fmt.Errorf("AddTransactions: insert: %w", err)
		}
		if minKey == "" || t.OrderingKey < minKey {
			minKey = t.OrderingKey
		}
		res.Created = append(res.Created, t)
	}

	if len(res.Created) == 0 {
		return res, nil
	}
	if err := s.RecomputeRunningBalances(ctx, tx, req.AccountID, minKey); err != nil {
		return nil, err
	}
	if req.StatementID != "" {
		if _, err := s.RecomputeStatementTx(ctx, tx, req.StatementID); err != nil {
			return nil, err
		}
	}
	// Reload to return the derived balances.
	for i, t := range res.Created {
		fresh, err := tx.GetTransaction(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("AddTransactions: reload: %w", err)
		}
		res.Created[i] = fresh
	}

	s.log.Debug().
		Str("account_id", req.AccountID).
		Str("statement_id", req.StatementID).
		Int("created", len(res.Created)).
		Int("duplicates", res.Duplicates).
		Msg("transactions added")
	return res, nil
}

// NewTransaction is a manually entered line
type NewTransaction struct {
	AccountID           string          `json:"account_id"`
	StatementID         string          `json:"statement_id,omitempty"`
	Date                time.Time       `json:"date"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	PaymentRef          string          `json:"payment_ref"`
	Narration           string          `json:"narration,omitempty"`
	Reference           string          `json:"reference,omitempty"`
	CounterpartyName    string          `json:"counterparty_name,omitempty"`
	CounterpartyAccount string          `json:"counterparty_account,omitempty"`
	TransactionType     string          `json:"transaction_type,omitempty"`
	PartnerID           string          `json:"partner_id,omitempty"`
	Sequence            int64           `json:"sequence"`
}

// CreateTransaction stores a manual entry and recomputes what it affects
func (s *Store) CreateTransaction(ctx context.Context, in NewTransaction) (*models.Transaction, error) {
	if in.AccountID == "" || in.Date.IsZero() {
		return nil, fmt.Errorf("CreateTransaction: %w: account and date are required", ErrInvalidInput)
	}

	var created *models.Transaction
	err := s.repo.RunInTx(ctx, func(tx storage.Tx) error {
		if in.StatementID != "" {
			st, err := tx.GetStatement(ctx, in.StatementID)
			if err != nil {
				return fmt.Errorf("CreateTransaction: statement %s: %w", in.StatementID, err)
			}
			if st.AccountID != in.AccountID {
				return fmt.Errorf("CreateTransaction: %w", ErrAccountMismatch)
			}
		}

		now := s.now()
		t := &models.Transaction{
			ID:                  newTransactionID(),
			AccountID:           in.AccountID,
			StatementID:         in.StatementID,
			Date:                dateOnly(in.Date),
			Amount:              in.Amount,
			Currency:            in.Currency,
			PaymentRef:          in.PaymentRef,
			Narration:           in.Narration,
			Reference:           in.Reference,
			CounterpartyName:    in.CounterpartyName,
			CounterpartyAccount: in.CounterpartyAccount,
			TransactionType:     in.TransactionType,
			PartnerID:           in.PartnerID,
			Sequence:            in.Sequence,
			AmountResidual:      in.Amount.Abs(),
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		t.OrderingKey = OrderingKey(t.Date, t.Sequence, t.ID)
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return fmt.Errorf("CreateTransaction: insert: %w", err)
		}
		if err := s.RecomputeRunningBalances(ctx, tx, t.AccountID, t.OrderingKey); err != nil {
			return err
		}
		if t.StatementID != "" {
			if _, err := s.RecomputeStatementTx(ctx, tx, t.StatementID); err != nil {
				return err
			}
		}

		var err error
		created, err = tx.GetTransaction(ctx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// TransactionPatch changes fields of a line; nil fields are left as is
type TransactionPatch struct {
	Date             *time.Time       `json:"date,omitempty"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	Sequence         *int64           `json:"sequence,omitempty"`
	StatementID      *string          `json:"statement_id,omitempty"`
	PaymentRef       *string          `json:"payment_ref,omitempty"`
	Narration        *string          `json:"narration,omitempty"`
	CounterpartyName *string          `json:"counterparty_name,omitempty"`
	PartnerID        *string          `json:"partner_id,omitempty"`
	// Version, when non-zero, must match the stored version
	Version int64 `json:"version,omitempty"`
}

// UpdateTransaction applies patch. Changing the date, sequence or amount
// recomputes running balances from the earliest affected key; changing the
// statement recomputes both the old and the new statement.
func (s *Store) UpdateTransaction(ctx context.Context, id string, patch TransactionPatch) (*models.Transaction, error) {
	var updated *models.Transaction
	err := s.repo.RunInTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return fmt.Errorf("UpdateTransaction: %w", err)
		}
		if patch.Version != 0 && patch.Version != t.Version {
			return fmt.Errorf("UpdateTransaction: %w", storage.ErrConflict)
		}

		oldKey := t.OrderingKey
		oldStatement := t.StatementID
		amountChanged := false

		if patch.Amount != nil && !patch.Amount.Equal(t.Amount) {
			if t.State() != models.StateUnreconciled {
				return fmt.Errorf("UpdateTransaction: %w", ErrReconciledLine)
			}
			t.Amount = *patch.Amount
			t.AmountResidual = t.Amount.Abs()
			amountChanged = true
		}
		if patch.Date != nil {
			t.Date = dateOnly(*patch.Date)
		}
		if patch.Sequence != nil {
			t.Sequence = *patch.Sequence
		}
		if patch.StatementID != nil && *patch.StatementID != t.StatementID {
			if *patch.StatementID != "" {
				st, err := tx.GetStatement(ctx, *patch.StatementID)
				if err != nil {
					return fmt.Errorf("UpdateTransaction: statement %s: %w", *patch.StatementID, err)
				}
				if st.AccountID != t.AccountID {
					return fmt.Errorf("UpdateTransaction: %w", ErrAccountMismatch)
				}
			}
			t.StatementID = *patch.StatementID
		}
		if patch.PaymentRef != nil {
			t.PaymentRef = *patch.PaymentRef
		}
		if patch.Narration != nil {
			t.Narration = *patch.Narration
		}
		if patch.CounterpartyName != nil {
			t.CounterpartyName = *patch.CounterpartyName
		}
		if patch.PartnerID != nil {
			t.PartnerID = *patch.PartnerID
		}

		t.OrderingKey = OrderingKey(t.Date, t.Sequence, t.ID)
		t.UpdatedAt = s.now()
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return fmt.Errorf("UpdateTransaction: %w", err)
		}

		statementChanged := oldStatement != t.StatementID
		if amountChanged || statementChanged || oldKey != t.OrderingKey {
			from := oldKey
			if t.OrderingKey < from {
				from = t.OrderingKey
			}
			if err := s.RecomputeRunningBalances(ctx, tx, t.AccountID, from); err != nil {
				return err
			}
			for _, sid := range affectedStatements(oldStatement, t.StatementID) {
				if _, err := s.RecomputeStatementTx(ctx, tx, sid); err != nil {
					return err
				}
			}
		}

		updated, err = tx.GetTransaction(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetChecked marks a line as reviewed or not. It is independent of the
// reconciliation state.
func (s *Store) SetChecked(ctx context.Context, id string, checked bool) (*models.Transaction, error) {
	var updated *models.Transaction
	err := s.repo.RunInTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return fmt.Errorf("SetChecked: %w", err)
		}
		if t.Checked == checked {
			updated = t
			return nil
		}
		t.Checked = checked
		t.UpdatedAt = s.now()
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return fmt.Errorf("SetChecked: %w", err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// NewStatement opens a statement
type NewStatement struct {
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Reference string    `json:"reference,omitempty"`
	Date      time.Time `json:"date"`
	Currency  string    `json:"currency,omitempty"`
	// BalanceStart defaults to the ending balance of the account's latest
	// statement, or zero.
	BalanceStart *decimal.Decimal `json:"balance_start,omitempty"`
}

// CreateStatementTx inserts an empty statement
func (s *Store) CreateStatementTx(ctx context.Context, tx storage.Tx, in NewStatement) (*models.Statement, error) {
	if in.AccountID == "" {
		return nil, fmt.Errorf("CreateStatement: %w: account is required", ErrInvalidInput)
	}

	start := decimal.Zero
	if in.BalanceStart != nil {
		start = *in.BalanceStart
	} else {
		prior, err := tx.ListStatements(ctx, in.AccountID)
		if err != nil {
			return nil, fmt.Errorf("CreateStatement: %w", err)
		}
		if len(prior) > 0 {
			start = prior[len(prior)-1].BalanceEndReal
		}
	}

	now := s.now()
	st := &models.Statement{
		ID:             uuid.NewString(),
		AccountID:      in.AccountID,
		Name:           in.Name,
		Reference:      in.Reference,
		Date:           dateOnly(in.Date),
		Currency:       in.Currency,
		BalanceStart:   start,
		BalanceEnd:     start,
		BalanceEndReal: start,
		IsComplete:     true,
		IsValid:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if st.Name == "" {
		st.Name = defaultStatementName(in)
	}
	if err := tx.InsertStatement(ctx, st); err != nil {
		return nil, fmt.Errorf("CreateStatement: %w", err)
	}
	return st, nil
}

// CreateStatement inserts an empty statement in its own unit of work
func (s *Store) CreateStatement(ctx context.Context, in NewStatement) (*models.Statement, error) {
	var st *models.Statement
	err := s.repo.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		st, err = s.CreateStatementTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// FinalizeStatement sets the bank-reported ending balance (defaulting to the
// computed one) and recomputes the statement. A discontinuity with the
// previous statement is returned as a *ValidationError alongside the stored
// statement.
func (s *Store) FinalizeStatement(ctx context.Context, id string, balanceEndReal *decimal.Decimal) (*models.Statement, *ValidationError, error) {
	var (
		st      *models.Statement
		invalid *ValidationError
	)
	err := s.repo.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		st, invalid, err = s.finalizeTx(ctx, tx, id, balanceEndReal)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return st, invalid, nil
}

func (s *Store) finalizeTx(ctx context.Context, tx storage.Tx, id string, balanceEndReal *decimal.Decimal) (*models.Statement, *ValidationError, error) {
	st, err := s.RecomputeStatementTx(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if balanceEndReal != nil {
		st.BalanceEndReal = *balanceEndReal
	} else {
		st.BalanceEndReal = st.BalanceEnd
	}
	if err := tx.UpdateStatement(ctx, st); err != nil {
		return nil, nil, fmt.Errorf("FinalizeStatement: %w", err)
	}
	if st, err = s.RecomputeStatementTx(ctx, tx, id); err != nil {
		return nil, nil, err
	}
	invalid, err := s.continuity(ctx, tx, st)
	if err != nil {
		return nil, nil, err
	}
	return st, invalid, nil
}

// ImportRequest imports a statement and its lines in one unit of work
type ImportRequest struct {
	NewStatement
	BalanceEndReal *decimal.Decimal
	Lines          []models.CanonicalTransaction
}

// ImportResult is the outcome of ImportStatement
type ImportResult struct {
	Statement  *models.Statement     `json:"statement"`
	Created    []*models.Transaction `json:"created"`
	Duplicates int                   `json:"duplicates"`
	Validation *ValidationError      `json:"-"`
	Warning    string                `json:"warning,omitempty"`
}

// ImportStatement creates a statement, adds its lines and finalizes it
func (s *Store) ImportStatement(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	res := &ImportResult{}
	err := s.repo.RunInTx(ctx, func(tx storage.Tx) error {
		st, err := s.CreateStatementTx(ctx, tx, req.NewStatement)
		if err != nil {
			return err
		}
		added, err := s.AddTransactionsTx(ctx, tx, AddRequest{
			AccountID:   req.AccountID,
			StatementID: st.ID,
			Currency:    req.Currency,
			Lines:       req.Lines,
		})
		if err != nil {
			return err
		}
		res.Created = added.Created
		res.Duplicates = added.Duplicates

		res.Statement, res.Validation, err = s.finalizeTx(ctx, tx, st.ID, req.BalanceEndReal)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Validation != nil {
		res.Warning = res.Validation.Error()
		s.log.Warn().Str("statement_id", res.Statement.ID).Msg(res.Warning)
	}

	s.log.Info().
		Str("statement_id", res.Statement.ID).
		Str("account_id", req.AccountID).
		Int("lines", len(res.Created)).
		Int("duplicates", res.Duplicates).
		Bool("complete", res.Statement.IsComplete).
		Msg("statement imported")
	return res, nil
}

// RecomputeStatement recomputes one statement in its own unit of work
func (s *Store) RecomputeStatement(ctx context.Context, id string) (*models.Statement, error) {
	var st *models.Statement
	err := s.repo.RunInTx(ctx, func(tx storage.Tx) error {
		var err error
		st, err = s.RecomputeStatementTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// DiscardStatement removes a statement and its lines. Statements with a
// line that already carries a reconcile are kept.
func (s *Store) DiscardStatement(ctx context.Context, id string) error {
	return s.repo.RunInTx(ctx, func(tx storage.Tx) error {
		st, err := tx.GetStatement(ctx, id)
		if err != nil {
			return fmt.Errorf("DiscardStatement: %w", err)
		}
		lines, err := tx.ListTransactions(ctx, storage.TransactionFilter{StatementID: id})
		if err != nil {
			return fmt.Errorf("DiscardStatement: %w", err)
		}
		for _, l := range lines {
			partials, err := tx.ListPartials(ctx, storage.PartialFilter{TransactionID: l.ID})
			if err != nil {
				return fmt.Errorf("DiscardStatement: %w", err)
			}
			if l.IsReconciled || len(partials) > 0 {
				return fmt.Errorf("DiscardStatement: %w: line %s is reconciled", ErrInvalidInput, l.ID)
			}
		}
		if err := tx.DeleteStatement(ctx, id); err != nil {
			return fmt.Errorf("DiscardStatement: %w", err)
		}

		if len(lines) == 0 {
			return nil
		}
		from := lines[0].OrderingKey
		if err := s.RecomputeRunningBalances(ctx, tx, st.AccountID, from); err != nil {
			return err
		}
		return s.revalidateNext(ctx, tx, st, from)
	})
}

// RecomputeStatementTx derives the ending balance, completeness, first line
// key and continuity of a statement from its lines. It depends only on
// stored data, so repeated calls converge on the same result.
func (s *Store) RecomputeStatementTx(ctx context.Context, tx storage.Tx, id string) (*models.Statement, error) {
	st, err := tx.GetStatement(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("RecomputeStatement: %w", err)
	}
	lines, err := tx.ListTransactions(ctx, storage.TransactionFilter{StatementID: id})
	if err != nil {
		return nil, fmt.Errorf("RecomputeStatement: %w", err)
	}

	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Amount)
	}
	oldKey := st.FirstLineKey
	st.BalanceEnd = st.BalanceStart.Add(sum)
	st.IsComplete = amount.Near(st.BalanceEnd, st.BalanceEndReal)
	st.LineCount = len(lines)
	st.FirstLineKey = ""
	if len(lines) > 0 {
		st.FirstLineKey = lines[0].OrderingKey
		if st.Date.IsZero() {
			st.Date = lines[len(lines)-1].Date
		}
	}

	if err := s.validate(ctx, tx, st); err != nil {
		return nil, err
	}
	st.UpdatedAt = s.now()
	if err := tx.UpdateStatement(ctx, st); err != nil {
		return nil, fmt.Errorf("RecomputeStatement: %w", err)
	}

	// The statement that follows this one, before and after a key move,
	// is checked against its new predecessor.
	if st.FirstLineKey != "" {
		if err := s.revalidateNext(ctx, tx, st, st.FirstLineKey); err != nil {
			return nil, err
		}
	}
	if oldKey != "" && oldKey != st.FirstLineKey {
		if err := s.revalidateNext(ctx, tx, st, oldKey); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *Store) validate(ctx context.Context, tx storage.Tx, st *models.Statement) error {
	invalid, err := s.continuity(ctx, tx, st)
	if err != nil {
		return err
	}
	st.IsValid = invalid == nil
	st.ValidationMessage = ""
	if invalid != nil {
		st.ValidationMessage = invalid.Error()
	}
	return nil
}

// revalidateNext refreshes the continuity flag of the account's statement
// that follows key. Only the flag and message are written.
func (s *Store) revalidateNext(ctx context.Context, tx storage.Tx, st *models.Statement, key string) error {
	next, err := tx.NextStatement(ctx, st.AccountID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("RecomputeStatement: next statement: %w", err)
	}
	if next.ID == st.ID {
		return nil
	}
	wasValid, wasMessage := next.IsValid, next.ValidationMessage
	if err := s.validate(ctx, tx, next); err != nil {
		return err
	}
	if next.IsValid == wasValid && next.ValidationMessage == wasMessage {
		return nil
	}
	next.UpdatedAt = s.now()
	if err := tx.UpdateStatement(ctx, next); err != nil {
		return fmt.Errorf("RecomputeStatement: %w", err)
	}
	s.log.Debug().
		Str("statement_id", next.ID).
		Bool("is_valid", next.IsValid).
		Msg("successor statement revalidated")
	return nil
}

// continuity compares the statement with the one whose first line key is
// the greatest below its own. Statements without lines, or without a
// predecessor, are continuous.
func (s *Store) continuity(ctx context.Context, tx storage.Tx, st *models.Statement) (*ValidationError, error) {
	if st.FirstLineKey == "" {
		return nil, nil
	}
	prev, err := tx.PrevStatement(ctx, st.AccountID, st.FirstLineKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("RecomputeStatement: previous statement: %w", err)
	}
	if amount.Near(st.BalanceStart, prev.BalanceEndReal) {
		return nil, nil
	}
	return &ValidationError{
		StatementID:         st.ID,
		PreviousStatementID: prev.ID,
		BalanceStart:        st.BalanceStart,
		PreviousBalanceEnd:  prev.BalanceEndReal,
	}, nil
}

// RecomputeRunningBalances rewrites the running balance of every line of
// the account from fromKey onward. The first line continues its
// predecessor's balance, or starts from its statement's opening balance
// when it has no predecessor.
func (s *Store) RecomputeRunningBalances(ctx context.Context, tx storage.Tx, accountID, fromKey string) error {
	lines, err := tx.ListTransactions(ctx, storage.TransactionFilter{AccountID: accountID, FromKey: fromKey})
	if err != nil {
		return fmt.Errorf("RecomputeRunningBalances: %w", err)
	}
	if len(lines) == 0 {
		return nil
	}

	running, err := s.seedBalance(ctx, tx, lines[0])
	if err != nil {
		return err
	}
	for _, l := range lines {
		running = running.Add(l.Amount)
		if l.RunningBalance.Equal(running) {
			continue
		}
		if err := tx.SetRunningBalance(ctx, l.ID, running); err != nil {
			return fmt.Errorf("RecomputeRunningBalances: %w", err)
		}
	}
	return nil
}

func (s *Store) seedBalance(ctx context.Context, tx storage.Tx, first *models.Transaction) (decimal.Decimal, error) {
	prev, err := tx.PrevTransaction(ctx, first.AccountID, first.OrderingKey)
	if err == nil {
		return prev.RunningBalance, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("RecomputeRunningBalances: %w", err)
	}
	if first.StatementID == "" {
		return decimal.Zero, nil
	}
	st, err := tx.GetStatement(ctx, first.StatementID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("RecomputeRunningBalances: %w", err)
	}
	return st.BalanceStart, nil
}

// GetTransaction reads one line
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t *models.Transaction
	err := s.repo.View(ctx, func(tx storage.Tx) error {
		var err error
		t, err = tx.GetTransaction(ctx, id)
		return err
	})
	return t, err
}

// ListTransactions reads lines matching filter in ordering key order
func (s *Store) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]*models.Transaction, error) {
	var out []*models.Transaction
	err := s.repo.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListTransactions(ctx, filter)
		return err
	})
	return out, err
}

// GetStatement reads one statement
func (s *Store) GetStatement(ctx context.Context, id string) (*models.Statement, error) {
	var st *models.Statement
	err := s.repo.View(ctx, func(tx storage.Tx) error {
		var err error
		st, err = tx.GetStatement(ctx, id)
		return err
	})
	return st, err
}

// ListStatements reads the statements of an account
func (s *Store) ListStatements(ctx context.Context, accountID string) ([]*models.Statement, error) {
	var out []*models.Statement
	err := s.repo.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListStatements(ctx, accountID)
		return err
	})
	return out, err
}

func affectedStatements(old, cur string) []string {
	var ids []string
	if old != "" {
		ids = append(ids, old)
	}
	if cur != "" && cur != old {
		ids = append(ids, cur)
	}
	return ids
}

func newTransactionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func defaultStatementName(in NewStatement) string {
	date := in.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	parts := []string{"STMT", date.Format("2006-01-02")}
	if in.Reference != "" {
		parts = append(parts, in.Reference)
	}
	return strings.Join(parts, "/")
}
