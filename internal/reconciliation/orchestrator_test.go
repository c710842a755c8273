package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/ledger"
	"github.com/savegress/bankrecon/internal/rules"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/internal/storage/memory"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	ctx   context.Context
	store *ledger.Store
	docs  *MemoryDocuments
	orch  *Orchestrator
}

func newFixture(t *testing.T, ruleSet []models.ReconcileRule, opts Options) *fixture {
	t.Helper()
	engine, err := rules.NewEngine(ruleSet)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if opts.Tolerance.Type == "" {
		opts.Tolerance = rules.Tolerance{Type: models.TolerancePercentage, Value: dec("2")}
	}
	store := ledger.NewStore(memory.New(), zerolog.Nop())
	docs := NewMemoryDocuments()
	return &fixture{
		ctx:   context.Background(),
		store: store,
		docs:  docs,
		orch:  New(store, engine, docs, opts, zerolog.Nop()),
	}
}

func (f *fixture) line(t *testing.T, d int, amt, ref, partner string) *models.Transaction {
	t.Helper()
	tx, err := f.store.CreateTransaction(f.ctx, ledger.NewTransaction{
		AccountID:  "acc",
		Date:       day(d),
		Amount:     dec(amt),
		Currency:   "EUR",
		PaymentRef: ref,
		PartnerID:  partner,
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	return tx
}

func (f *fixture) invoice(id, partner, open string, d int) {
	f.docs.Put(models.Document{
		ID:             id,
		Type:           models.TargetInvoice,
		PartnerID:      partner,
		Date:           day(d),
		Amount:         dec(open),
		AmountResidual: dec(open),
		Currency:       "EUR",
	})
}

func (f *fixture) partials(t *testing.T, filter storage.PartialFilter) []*models.PartialReconcile {
	t.Helper()
	var out []*models.PartialReconcile
	err := f.store.Repository().View(f.ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListPartials(f.ctx, filter)
		return err
	})
	if err != nil {
		t.Fatalf("ListPartials failed: %v", err)
	}
	return out
}

func invoiceMatch(id, amt string) Match {
	return Match{Type: models.TargetInvoice, TargetID: id, Amount: dec(amt)}
}

func TestOrchestrator_ReconcileUndoRoundTrip(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.invoice("inv-1", "p1", "100", 1)
	tx := f.line(t, 2, "100", "INV-1", "p1")

	res, err := f.orch.Reconcile(f.ctx, ReconcileRequest{TransactionID: tx.ID, Matches: []Match{invoiceMatch("inv-1", "40")}})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := res.Transaction.State(); got != models.StatePartiallyReconciled {
		t.Errorf("expected partially reconciled, got %s", got)
	}
	if !res.Transaction.AmountResidual.Equal(dec("60")) {
		t.Errorf("expected residual 60, got %s", res.Transaction.AmountResidual)
	}
	if res.FullReconcile != nil {
		t.Error("expected no full reconcile yet")
	}

	res, err = f.orch.Reconcile(f.ctx, ReconcileRequest{TransactionID: tx.ID, Matches: []Match{invoiceMatch("inv-1", "60")}})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.Transaction.IsReconciled || !res.Transaction.Checked {
		t.Error("expected reconciled and checked")
	}
	if res.FullReconcile == nil {
		t.Fatal("expected a full reconcile")
	}
	if len(res.Partials) != 2 {
		t.Fatalf("expected 2 partials, got %d", len(res.Partials))
	}
	for _, p := range res.Partials {
		if p.FullReconcileID != res.FullReconcile.ID {
			t.Errorf("expected partial %s in %s, got %q", p.ID, res.FullReconcile.ID, p.FullReconcileID)
		}
	}

	undone, err := f.orch.UndoReconciliation(f.ctx, tx.ID)
	if err != nil {
		t.Fatalf("UndoReconciliation failed: %v", err)
	}
	if undone.IsReconciled {
		t.Error("expected is_reconciled reset")
	}
	if !undone.AmountResidual.Equal(dec("100")) {
		t.Errorf("expected residual 100, got %s", undone.AmountResidual)
	}
	if !undone.Checked {
		t.Error("expected checked flag to survive undo")
	}
	if got := f.partials(t, storage.PartialFilter{TransactionID: tx.ID}); len(got) != 0 {
		t.Errorf("expected no partials, got %d", len(got))
	}
	err = f.store.Repository().View(f.ctx, func(st storage.Tx) error {
		_, err := st.GetFullReconcile(f.ctx, res.FullReconcile.ID)
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected full reconcile deleted, got %v", err)
	}

	// Undo is idempotent.
	again, err := f.orch.UndoReconciliation(f.ctx, tx.ID)
	if err != nil {
		t.Fatalf("second UndoReconciliation failed: %v", err)
	}
	if again.Version != undone.Version {
		t.Errorf("expected no write on repeated undo, version %d -> %d", undone.Version, again.Version)
	}
}

func TestOrchestrator_FullReconcileAcrossTransactions(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.invoice("inv-1", "p1", "150", 1)
	t1 := f.line(t, 2, "100", "part 1", "p1")
	t2 := f.line(t, 3, "50", "part 2", "p1")

	res1, err := f.orch.Reconcile(f.ctx, ReconcileRequest{TransactionID: t1.ID, Matches: []Match{invoiceMatch("inv-1", "100")}})
	if err != nil {
		t.Fatalf("Reconcile t1 failed: %v", err)
	}
	if !res1.Transaction.IsReconciled {
		t.Error("expected t1 reconciled")
	}
	if res1.FullReconcile != nil {
		t.Error("expected no full reconcile while the invoice is still open")
	}

	res2, err := f.orch.Reconcile(f.ctx, ReconcileRequest{TransactionID: t2.ID, Matches: []Match{invoiceMatch("inv-1", "50")}})
	if err != nil {
		t.Fatalf("Reconcile t2 failed: %v", err)
	}
	if res2.FullReconcile == nil {
		t.Fatal("expected the invoice to close a full reconcile")
	}
	members := f.partials(t, storage.PartialFilter{FullReconcileID: res2.FullReconcile.ID})
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	// Undoing one side dissolves the group but leaves the other side settled.
	if _, err := f.orch.UndoReconciliation(f.ctx, t2.ID); err != nil {
		t.Fatalf("UndoReconciliation failed: %v", err)
	}
	left := f.partials(t, storage.PartialFilter{TransactionID: t1.ID})
	if len(left) != 1 || left[0].FullReconcileID != "" {
		t.Errorf("expected t1 partial detached, got %+v", left)
	}
	got, err := f.store.GetTransaction(f.ctx, t1.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if !got.IsReconciled {
		t.Error("expected t1 to stay reconciled")
	}
}

func TestOrchestrator_WriteOffClosesAlone(t *testing.T) {
	f := newFixture(t, nil, Options{})
	tx := f.line(t, 1, "-4.50", "BANK FEE", "")

	res, err := f.orch.Reconcile(f.ctx, ReconcileRequest{TransactionID: tx.ID, Matches: []Match{
		{Type: models.TargetWriteOff, Amount: dec("4.50"), Label: "fees", AccountCode: "6270"},
	}})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.Transaction.IsReconciled || res.FullReconcile == nil {
		t.Error("expected a settled write-off to close its own full reconcile")
	}
	if res.Partials[0].Currency != "EUR" || res.Partials[0].AccountCode != "6270" {
		t.Errorf("unexpected partial %+v", res.Partials[0])
	}
}

func TestOrchestrator_Rejections(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.invoice("inv-1", "p1", "30", 1)
	f.docs.Put(models.Document{ID: "inv-usd", Type: models.TargetInvoice, PartnerID: "p1", AmountResidual: dec("100"), Currency: "USD"})

	settled := f.line(t, 1, "10", "settled", "")
	if _, err := f.orch.Reconcile(f.ctx, ReconcileRequest{TransactionID: settled.ID, Matches: []Match{
		{Type: models.TargetWriteOff, Amount: dec("10")},
	}}); err != nil {
		t.Fatalf("setup Reconcile failed: %v", err)
	}
	open := f.line(t, 2, "100", "open", "p1")

	tests := []struct {
		name    string
		req     ReconcileRequest
		wantErr error
	}{
		{
			name:    "already reconciled",
			req:     ReconcileRequest{TransactionID: settled.ID, Matches: []Match{{Type: models.TargetWriteOff, Amount: dec("1")}}},
			wantErr: ErrAlreadyReconciled,
		},
		{
			name:    "unknown target",
			req:     ReconcileRequest{TransactionID: open.ID, Matches: []Match{invoiceMatch("inv-404", "10")}},
			wantErr: ErrUnknownTarget,
		},
		{
			name: "unknown target after valid match",
			req: ReconcileRequest{TransactionID: open.ID, Matches: []Match{
				{Type: models.TargetWriteOff, Amount: dec("5")},
				invoiceMatch("inv-404", "10"),
			}},
			wantErr: ErrUnknownTarget,
		},
		{
			name:    "non-positive amount",
			req:     ReconcileRequest{TransactionID: open.ID, Matches: []Match{{Type: models.TargetWriteOff, Amount: dec("0")}}},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "unknown type",
			req:     ReconcileRequest{TransactionID: open.ID, Matches: []Match{{Type: "voucher", Amount: dec("1")}}},
			wantErr: ErrInvalidMatch,
		},
		{
			name:    "no matches",
			req:     ReconcileRequest{TransactionID: open.ID},
			wantErr: ErrInvalidMatch,
		},
		{
			name:    "currency mismatch",
			req:     ReconcileRequest{TransactionID: open.ID, Matches: []Match{invoiceMatch("inv-usd", "10")}},
			wantErr: ErrCurrencyMismatch,
		},
		{
			name:    "beyond document",
			req:     ReconcileRequest{TransactionID: open.ID, Matches: []Match{invoiceMatch("inv-1", "20"), invoiceMatch("inv-1", "20")}},
			wantErr: ErrOverAllocation,
		},
		{
			name:    "beyond residual",
			req:     ReconcileRequest{TransactionID: open.ID, Matches: []Match{{Type: models.TargetWriteOff, Amount: dec("100.01")}}},
			wantErr: ErrOverAllocation,
		},
		{
			name:    "stale version",
			req:     ReconcileRequest{TransactionID: open.ID, Version: 99, Matches: []Match{{Type: models.TargetWriteOff, Amount: dec("1")}}},
			wantErr: storage.ErrConflict,
		},
		{
			name:    "missing transaction",
			req:     ReconcileRequest{TransactionID: "nope", Matches: []Match{{Type: models.TargetWriteOff, Amount: dec("1")}}},
			wantErr: storage.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Reconcile(f.ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	// Nothing from the rejected requests was kept.
	if got := f.partials(t, storage.PartialFilter{TransactionID: open.ID}); len(got) != 0 {
		t.Errorf("expected no partials on the open line, got %d", len(got))
	}
	got, err := f.store.GetTransaction(f.ctx, open.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if !got.AmountResidual.Equal(dec("100")) || got.Version != open.Version {
		t.Errorf("expected untouched line, got residual %s version %d", got.AmountResidual, got.Version)
	}
}

func TestOrchestrator_ReconcileWithCurrentVersion(t *testing.T) {
	f := newFixture(t, nil, Options{})
	tx := f.line(t, 1, "-20", "fee", "")

	res, err := f.orch.Reconcile(f.ctx, ReconcileRequest{TransactionID: tx.ID, Version: tx.Version, Matches: []Match{
		{Type: models.TargetWriteOff, Amount: dec("20")},
	}})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Transaction.Version != tx.Version+1 {
		t.Errorf("expected version %d, got %d", tx.Version+1, res.Transaction.Version)
	}
}

func TestOrchestrator_MatchPartner(t *testing.T) {
	mapping := models.ReconcileRule{
		ID: "map", Name: "map", Active: true, RuleType: models.RuleTypeWriteOffButton,
		PartnerMappings: []models.PartnerMapping{{PaymentRefRegex: `(?i)acme`, PartnerID: "p-acme"}},
	}
	f := newFixture(t, []models.ReconcileRule{mapping}, Options{})
	hit := f.line(t, 1, "10", "ACME invoice 7", "")
	miss := f.line(t, 1, "10", "someone else", "")

	partner, err := f.orch.MatchPartner(f.ctx, hit.ID)
	if err != nil {
		t.Fatalf("MatchPartner failed: %v", err)
	}
	if partner != "p-acme" {
		t.Errorf("expected p-acme, got %q", partner)
	}
	got, err := f.store.GetTransaction(f.ctx, hit.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if got.PartnerID != "p-acme" {
		t.Errorf("expected persisted partner, got %q", got.PartnerID)
	}

	partner, err = f.orch.MatchPartner(f.ctx, miss.ID)
	if err != nil {
		t.Fatalf("expected no error on a miss, got %v", err)
	}
	if partner != "" {
		t.Errorf("expected empty partner, got %q", partner)
	}
}

func TestOrchestrator_GetSuggestions(t *testing.T) {
	fee := models.ReconcileRule{
		ID: "small-fee", Name: "Small fee", Sequence: 5, Active: true,
		RuleType:       models.RuleTypeWriteOffSuggestion,
		MatchAmount:    models.AmountLower,
		MatchAmountMax: dec("150"),
		Lines:          []models.RuleLine{{Label: "fee", AmountType: models.LineAmountFixed, AmountString: "1"}},
	}
	f := newFixture(t, []models.ReconcileRule{fee}, Options{})
	f.invoice("inv-close", "p1", "99", 2)
	f.invoice("inv-exact", "p1", "100", 20)
	f.invoice("inv-far", "p1", "105", 10)
	f.invoice("inv-other", "p2", "100", 10)
	tx := f.line(t, 10, "100", "payment", "p1")

	got, err := f.orch.GetSuggestions(f.ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetSuggestions failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 suggestions, got %d: %+v", len(got), got)
	}
	if got[0].TargetID != "inv-exact" || got[1].TargetID != "inv-close" {
		t.Errorf("expected inv-exact then inv-close, got %s, %s", got[0].TargetID, got[1].TargetID)
	}
	if !got[1].Amount.Equal(dec("99")) || !got[1].Difference.Equal(dec("1")) {
		t.Errorf("unexpected close suggestion %+v", got[1])
	}
	if got[2].Kind != SuggestWriteOff || got[2].RuleID != "small-fee" || !got[2].Amount.Equal(dec("1")) {
		t.Errorf("unexpected rule suggestion %+v", got[2])
	}

	matches := got[0].Matches()
	if len(matches) != 1 || matches[0].TargetID != "inv-exact" {
		t.Errorf("unexpected matches %+v", matches)
	}
}

func TestOrchestrator_GetSuggestions_DateBreaksTies(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.invoice("inv-late", "p1", "50", 25)
	f.invoice("inv-near", "p1", "50", 11)
	tx := f.line(t, 10, "-50", "supplier", "p1")

	got, err := f.orch.GetSuggestions(f.ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetSuggestions failed: %v", err)
	}
	if len(got) != 2 || got[0].TargetID != "inv-near" {
		t.Errorf("expected inv-near first, got %+v", got)
	}
}

type memoryCache struct {
	data map[string][]byte
	sets int
}

func (c *memoryCache) Get(_ context.Context, key string, dest interface{}) error {
	b, ok := c.data[key]
	if !ok {
		return errors.New("miss")
	}
	return json.Unmarshal(b, dest)
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = b
	if strings.HasPrefix(key, "suggestions:") {
		c.sets++
	}
	return nil
}

func TestOrchestrator_GetSuggestions_Cached(t *testing.T) {
	cache := &memoryCache{data: make(map[string][]byte)}
	f := newFixture(t, nil, Options{Cache: cache})
	f.invoice("inv-1", "p1", "100", 1)
	tx := f.line(t, 1, "100", "payment", "p1")

	for i := 0; i < 2; i++ {
		got, err := f.orch.GetSuggestions(f.ctx, tx.ID)
		if err != nil {
			t.Fatalf("GetSuggestions failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 suggestion, got %d", len(got))
		}
	}
	if cache.sets != 1 {
		t.Errorf("expected one cache fill, got %d", cache.sets)
	}

	// A new version of the line is a new cache entry.
	if _, err := f.store.SetChecked(f.ctx, tx.ID, true); err != nil {
		t.Fatalf("SetChecked failed: %v", err)
	}
	if _, err := f.orch.GetSuggestions(f.ctx, tx.ID); err != nil {
		t.Fatalf("GetSuggestions failed: %v", err)
	}
	if cache.sets != 2 {
		t.Errorf("expected a refill after the version changed, got %d", cache.sets)
	}
}

func TestOrchestrator_GetSuggestions_CachedAfterSharedAllocation(t *testing.T) {
	cache := &memoryCache{data: make(map[string][]byte)}
	f := newFixture(t, nil, Options{Cache: cache})
	f.invoice("inv-1", "p1", "100", 1)
	a := f.line(t, 1, "100", "payment a", "p1")
	b := f.line(t, 2, "100", "payment b", "p1")

	count := func(id string) int {
		t.Helper()
		got, err := f.orch.GetSuggestions(f.ctx, id)
		if err != nil {
			t.Fatalf("GetSuggestions failed: %v", err)
		}
		return len(got)
	}

	if n := count(b.ID); n != 1 {
		t.Fatalf("expected inv-1 offered to b, got %d suggestions", n)
	}
	if _, err := f.orch.Reconcile(f.ctx, ReconcileRequest{TransactionID: a.ID, Matches: []Match{invoiceMatch("inv-1", "100")}}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if n := count(b.ID); n != 0 {
		t.Errorf("expected no suggestions once a took inv-1, got %d", n)
	}

	if _, err := f.orch.UndoReconciliation(f.ctx, a.ID); err != nil {
		t.Fatalf("UndoReconciliation failed: %v", err)
	}
	if n := count(b.ID); n != 1 {
		t.Errorf("expected inv-1 offered again after the undo, got %d", n)
	}
}

func TestOrchestrator_GetSuggestions_CachedAcrossRuleReload(t *testing.T) {
	cache := &memoryCache{data: make(map[string][]byte)}
	f := newFixture(t, nil, Options{Cache: cache})
	tx := f.line(t, 1, "-12.50", "bank fee march", "")

	if got, _ := f.orch.GetSuggestions(f.ctx, tx.ID); len(got) != 0 {
		t.Fatalf("expected no suggestions without rules, got %d", len(got))
	}
	err := f.orch.SaveRules(f.ctx, models.ReconcileRule{
		ID: "fees", Name: "Fees", Sequence: 1, Active: true,
		RuleType:    models.RuleTypeWriteOffSuggestion,
		MatchNature: models.NatureBoth,
		Lines:       []models.RuleLine{{Label: "Fee", AccountCode: "6270", AmountType: models.LineAmountPercentage, AmountString: "100"}},
	})
	if err != nil {
		t.Fatalf("SaveRules failed: %v", err)
	}
	got, err := f.orch.GetSuggestions(f.ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetSuggestions failed: %v", err)
	}
	if len(got) != 1 || got[0].Kind != SuggestWriteOff {
		t.Errorf("expected the new write-off rule to be suggested, got %+v", got)
	}
}

func TestOrchestrator_BatchAutoReconcile(t *testing.T) {
	ruleSet := []models.ReconcileRule{
		{
			ID: "button", Name: "Button", Sequence: 1, Active: true, AutoReconcile: true,
			RuleType: models.RuleTypeWriteOffButton,
			Lines:    []models.RuleLine{{AmountType: models.LineAmountPercentage, AmountString: "100"}},
		},
		{
			ID: "invoices", Name: "Invoices", Sequence: 2, Active: true, AutoReconcile: true,
			RuleType:    models.RuleTypeInvoiceMatching,
			MatchNature: models.NatureReceived,
		},
		{
			ID: "fees", Name: "Fees", Sequence: 3, Active: true, AutoReconcile: true,
			RuleType:               models.RuleTypeWriteOffSuggestion,
			MatchLabel:             models.LabelContains,
			MatchLabelParam:        "fee",
			MatchTextLocationLabel: true,
			Lines:                  []models.RuleLine{{Label: "Bank fees", AccountCode: "6270", AmountType: models.LineAmountPercentage, AmountString: "100"}},
		},
	}
	f := newFixture(t, ruleSet, Options{})
	f.invoice("inv-1", "p1", "100", 1)
	paid := f.line(t, 1, "100", "INV-1", "p1")
	fee := f.line(t, 2, "-5", "BANK FEE", "")
	unknown := f.line(t, 3, "42", "unknown", "")

	res, err := f.orch.BatchAutoReconcile(f.ctx, BatchRequest{AccountID: "acc"})
	if err != nil {
		t.Fatalf("BatchAutoReconcile failed: %v", err)
	}
	if res.ReconciledCount != 2 || res.SkippedCount != 1 {
		t.Errorf("expected 2 reconciled and 1 skipped, got %d and %d", res.ReconciledCount, res.SkippedCount)
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected no errors, got %+v", res.Errors)
	}

	p := f.partials(t, storage.PartialFilter{TransactionID: paid.ID})
	if len(p) != 1 || p[0].TargetID != "inv-1" || p[0].RuleID != "invoices" {
		t.Errorf("unexpected invoice allocation %+v", p)
	}
	w := f.partials(t, storage.PartialFilter{TransactionID: fee.ID})
	if len(w) != 1 || w[0].TargetType != models.TargetWriteOff || w[0].AccountCode != "6270" {
		t.Errorf("unexpected fee allocation %+v", w)
	}
	left, err := f.store.GetTransaction(f.ctx, unknown.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if left.State() != models.StateUnreconciled {
		t.Errorf("expected unknown line untouched, got %s", left.State())
	}

	res, err = f.orch.BatchAutoReconcile(f.ctx, BatchRequest{AccountID: "acc"})
	if err != nil {
		t.Fatalf("second BatchAutoReconcile failed: %v", err)
	}
	if res.ReconciledCount != 0 || res.SkippedCount != 1 {
		t.Errorf("expected only the unknown line on rerun, got %+v", res)
	}
}

func TestOrchestrator_BatchAutoReconcile_RemainderWriteOff(t *testing.T) {
	ruleSet := []models.ReconcileRule{{
		ID: "invoices", Name: "Invoices", Active: true, AutoReconcile: true,
		RuleType:       models.RuleTypeInvoiceMatching,
		ToleranceType:  models.ToleranceFixedAmount,
		ToleranceValue: dec("1"),
		Lines:          []models.RuleLine{{Label: "Payment difference", AccountCode: "6580", AmountType: models.LineAmountFixed, AmountString: "0"}},
	}}
	f := newFixture(t, ruleSet, Options{})
	f.invoice("inv-1", "p1", "99.50", 1)
	tx := f.line(t, 1, "100", "INV-1", "p1")

	res, err := f.orch.BatchAutoReconcile(f.ctx, BatchRequest{TransactionIDs: []string{tx.ID}})
	if err != nil {
		t.Fatalf("BatchAutoReconcile failed: %v", err)
	}
	if res.ReconciledCount != 1 {
		t.Fatalf("expected 1 reconciled, got %+v", res)
	}
	p := f.partials(t, storage.PartialFilter{TransactionID: tx.ID})
	if len(p) != 2 {
		t.Fatalf("expected invoice and write-off, got %d partials", len(p))
	}
	var gap *models.PartialReconcile
	for _, x := range p {
		if x.TargetType == models.TargetWriteOff {
			gap = x
		}
	}
	if gap == nil || !gap.Amount.Equal(dec("0.5")) || gap.AccountCode != "6580" || gap.Label != "Payment difference" {
		t.Errorf("unexpected remainder %+v", gap)
	}
}

func TestOrchestrator_BatchAutoReconcile_NeedsScope(t *testing.T) {
	f := newFixture(t, nil, Options{})
	if _, err := f.orch.BatchAutoReconcile(f.ctx, BatchRequest{}); !errors.Is(err, ErrInvalidMatch) {
		t.Errorf("expected ErrInvalidMatch, got %v", err)
	}
}

func TestSortForMatching(t *testing.T) {
	lines := []*models.Transaction{{ID: "b", OrderingKey: "2"}, {ID: "a", OrderingKey: "1"}, {ID: "c", OrderingKey: "3"}}

	sortForMatching(lines, models.OrderOldFirst)
	if lines[0].ID != "a" || lines[2].ID != "c" {
		t.Errorf("expected oldest first, got %s..%s", lines[0].ID, lines[2].ID)
	}
	sortForMatching(lines, models.OrderNewFirst)
	if lines[0].ID != "c" || lines[2].ID != "a" {
		t.Errorf("expected newest first, got %s..%s", lines[0].ID, lines[2].ID)
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := ErrUnknownTarget.with("invoice 7")
	if !errors.Is(err, ErrUnknownTarget) {
		t.Error("expected detailed error to match its sentinel")
	}
	if errors.Is(err, ErrOverAllocation) {
		t.Error("expected different codes not to match")
	}
	if err.Error() != "Match target does not exist: invoice 7" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !IsReconciliationError(err) {
		t.Error("expected IsReconciliationError")
	}
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	other, err := k.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("expected independent keys, got %v", err)
	}
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(short, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock()
	again, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	again()
	if len(k.locks) != 0 {
		t.Errorf("expected no lock entries left, got %d", len(k.locks))
	}
}
