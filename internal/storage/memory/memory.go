// Package memory is an in-process storage adapter. Each unit of work runs
// against a private copy of the data which replaces the shared copy only
// when the work succeeds.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// Store keeps ledger data in maps
type Store struct {
	mu   sync.RWMutex
	data *state
}

type state struct {
	transactions map[string]*models.Transaction
	importIDs    map[string]string
	statements   map[string]*models.Statement
	partials     map[string]*models.PartialReconcile
	fulls        map[string]*models.FullReconcile
	rules        map[string]models.ReconcileRule
}

// New creates an empty store
func New() *Store {
	return &Store{data: newState()}
}

func newState() *state {
	return &state{
		transactions: make(map[string]*models.Transaction),
		importIDs:    make(map[string]string),
		statements:   make(map[string]*models.Statement),
		partials:     make(map[string]*models.PartialReconcile),
		fulls:        make(map[string]*models.FullReconcile),
		rules:        make(map[string]models.ReconcileRule),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.transactions {
		cp := *v
		c.transactions[k] = &cp
	}
	for k, v := range s.importIDs {
		c.importIDs[k] = v
	}
	for k, v := range s.statements {
		cp := *v
		c.statements[k] = &cp
	}
	for k, v := range s.partials {
		cp := *v
		c.partials[k] = &cp
	}
	for k, v := range s.fulls {
		cp := *v
		c.fulls[k] = &cp
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	return c
}

// RunInTx runs fn on a copy of the data and publishes the copy on success.
// Units of work are serialized.
func (s *Store) RunInTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&tx{s: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// View runs fn against the shared data under a read lock
func (s *Store) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{s: s.data, readOnly: true})
}

func (s *Store) Close() {}

type tx struct {
	s        *state
	readOnly bool
}

func importKey(accountID, importID string) string {
	return accountID + "\x00" + importID
}

func (t *tx) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	v, ok := t.s.transactions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (t *tx) ListTransactions(_ context.Context, f storage.TransactionFilter) ([]*models.Transaction, error) {
	var ids map[string]bool
	if len(f.IDs) > 0 {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}

	var out []*models.Transaction
	for _, v := range t.s.transactions {
		switch {
		case f.AccountID != "" && v.AccountID != f.AccountID,
			f.StatementID != "" && v.StatementID != f.StatementID,
			ids != nil && !ids[v.ID],
			f.OnlyUnreconciled && v.IsReconciled,
			f.FromKey != "" && v.OrderingKey < f.FromKey:
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OrderingKey < out[j].OrderingKey
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *tx) PrevTransaction(_ context.Context, accountID, key string) (*models.Transaction, error) {
	var best *models.Transaction
	for _, v := range t.s.transactions {
		if v.AccountID != accountID || v.OrderingKey >= key {
			continue
		}
		if best == nil || v.OrderingKey > best.OrderingKey {
			best = v
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (t *tx) FindByImportID(ctx context.Context, accountID, importID string) (*models.Transaction, error) {
	id, ok := t.s.importIDs[importKey(accountID, importID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.GetTransaction(ctx, id)
}

func (t *tx) InsertTransaction(_ context.Context, v *models.Transaction) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, ok := t.s.transactions[v.ID]; ok {
		return storage.ErrDuplicate
	}
	if v.ImportID != "" {
		key := importKey(v.AccountID, v.ImportID)
		if _, ok := t.s.importIDs[key]; ok {
			return storage.ErrDuplicate
		}
		t.s.importIDs[key] = v.ID
	}
	v.Version = 1
	cp := *v
	t.s.transactions[v.ID] = &cp
	return nil
}

func (t *tx) UpdateTransaction(_ context.Context, v *models.Transaction) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	cur, ok := t.s.transactions[v.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Version != v.Version {
		return storage.ErrConflict
	}
	v.Version++
	cp := *v
	t.s.transactions[v.ID] = &cp
	return nil
}

func (t *tx) SetRunningBalance(_ context.Context, id string, balance decimal.Decimal) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	cur, ok := t.s.transactions[id]
	if !ok {
		return storage.ErrNotFound
	}
	cur.RunningBalance = balance
	return nil
}

func (t *tx) GetStatement(_ context.Context, id string) (*models.Statement, error) {
	v, ok := t.s.statements[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (t *tx) ListStatements(_ context.Context, accountID string) ([]*models.Statement, error) {
	var out []*models.Statement
	for _, v := range t.s.statements {
		if accountID != "" && v.AccountID != accountID {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstLineKey != out[j].FirstLineKey {
			return out[i].FirstLineKey < out[j].FirstLineKey
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) PrevStatement(_ context.Context, accountID, key string) (*models.Statement, error) {
	var best *models.Statement
	for _, v := range t.s.statements {
		if v.AccountID != accountID || v.FirstLineKey == "" || v.FirstLineKey >= key {
			continue
		}
		if best == nil || v.FirstLineKey > best.FirstLineKey {
			best = v
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (t *tx) NextStatement(_ context.Context, accountID, key string) (*models.Statement, error) {
	var best *models.Statement
	for _, v := range t.s.statements {
		if v.AccountID != accountID || v.FirstLineKey == "" || v.FirstLineKey <= key {
			continue
		}
		if best == nil || v.FirstLineKey < best.FirstLineKey {
			best = v
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (t *tx) InsertStatement(_ context.Context, v *models.Statement) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, ok := t.s.statements[v.ID]; ok {
		return storage.ErrDuplicate
	}
	cp := *v
	t.s.statements[v.ID] = &cp
	return nil
}

func (t *tx) UpdateStatement(_ context.Context, v *models.Statement) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, ok := t.s.statements[v.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *v
	t.s.statements[v.ID] = &cp
	return nil
}

func (t *tx) DeleteStatement(_ context.Context, id string) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, ok := t.s.statements[id]; !ok {
		return storage.ErrNotFound
	}
	for k, v := range t.s.transactions {
		if v.StatementID != id {
			continue
		}
		if v.ImportID != "" {
			delete(t.s.importIDs, importKey(v.AccountID, v.ImportID))
		}
		delete(t.s.transactions, k)
	}
	delete(t.s.statements, id)
	return nil
}

func (t *tx) ListPartials(_ context.Context, f storage.PartialFilter) ([]*models.PartialReconcile, error) {
	var out []*models.PartialReconcile
	for _, v := range t.s.partials {
		switch {
		case f.TransactionID != "" && v.TransactionID != f.TransactionID,
			f.TargetType != "" && v.TargetType != f.TargetType,
			f.TargetID != "" && v.TargetID != f.TargetID,
			f.FullReconcileID != "" && v.FullReconcileID != f.FullReconcileID:
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) InsertPartial(_ context.Context, v *models.PartialReconcile) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, ok := t.s.partials[v.ID]; ok {
		return storage.ErrDuplicate
	}
	cp := *v
	t.s.partials[v.ID] = &cp
	return nil
}

func (t *tx) SetPartialFullReconcile(_ context.Context, id, fullReconcileID string) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	v, ok := t.s.partials[id]
	if !ok {
		return storage.ErrNotFound
	}
	v.FullReconcileID = fullReconcileID
	return nil
}

func (t *tx) DeletePartial(_ context.Context, id string) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, ok := t.s.partials[id]; !ok {
		return storage.ErrNotFound
	}
	delete(t.s.partials, id)
	return nil
}

func (t *tx) GetFullReconcile(_ context.Context, id string) (*models.FullReconcile, error) {
	v, ok := t.s.fulls[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (t *tx) InsertFullReconcile(_ context.Context, v *models.FullReconcile) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, ok := t.s.fulls[v.ID]; ok {
		return storage.ErrDuplicate
	}
	cp := *v
	t.s.fulls[v.ID] = &cp
	return nil
}

func (t *tx) DeleteFullReconcile(_ context.Context, id string) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, ok := t.s.fulls[id]; !ok {
		return storage.ErrNotFound
	}
	delete(t.s.fulls, id)
	return nil
}

func (t *tx) ListRules(_ context.Context) ([]models.ReconcileRule, error) {
	out := make([]models.ReconcileRule, 0, len(t.s.rules))
	for _, r := range t.s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) SaveRule(_ context.Context, r models.ReconcileRule) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	t.s.rules[r.ID] = r
	return nil
}

func (t *tx) DeleteRule(_ context.Context, id string) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, ok := t.s.rules[id]; !ok {
		return storage.ErrNotFound
	}
	delete(t.s.rules, id)
	return nil
}
