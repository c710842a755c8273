package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/savegress/bankrecon/internal/rules"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// SuggestionKind tells what a suggestion would allocate to
type SuggestionKind string

const (
	SuggestDocument SuggestionKind = "document"
	SuggestWriteOff SuggestionKind = "writeoff"
)

// Suggestion is one ranked reconciliation candidate
type Suggestion struct {
	Kind       SuggestionKind    `json:"kind"`
	TargetType models.TargetType `json:"target_type,omitempty"`
	TargetID   string            `json:"target_id,omitempty"`
	Reference  string            `json:"reference,omitempty"`
	PartnerID  string            `json:"partner_id,omitempty"`
	Date       time.Time         `json:"date,omitempty"`
	// Amount is what reconciling the suggestion would allocate
	Amount decimal.Decimal `json:"amount"`
	// Difference is the gap between the candidate's open amount and the
	// transaction's residual
	Difference decimal.Decimal  `json:"difference"`
	RuleID     string           `json:"rule_id,omitempty"`
	RuleName   string           `json:"rule_name,omitempty"`
	WriteOffs  []rules.WriteOff `json:"writeoffs,omitempty"`
}

// Matches converts the suggestion into reconcile matches
func (s Suggestion) Matches() []Match {
	if s.Kind == SuggestDocument {
		return []Match{{
			Type:     s.TargetType,
			TargetID: s.TargetID,
			Amount:   s.Amount,
			RuleID:   s.RuleID,
		}}
	}
	out := make([]Match, 0, len(s.WriteOffs))
	for _, w := range s.WriteOffs {
		out = append(out, Match{
			Type:        models.TargetWriteOff,
			Amount:      w.Amount,
			Label:       w.Label,
			AccountCode: w.AccountCode,
			RuleID:      s.RuleID,
		})
	}
	return out
}

// GetSuggestions ranks the open documents of the transaction's partner
// whose amount is within tolerance of the residual, followed by the
// write-offs proposed by matching rules. It does not write anything.
func (o *Orchestrator) GetSuggestions(ctx context.Context, transactionID string) ([]Suggestion, error) {
	var out []Suggestion
	err := o.repo.View(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("GetSuggestions: %w", err)
		}
		if t.IsReconciled || amount.IsZero(t.AmountResidual) {
			out = []Suggestion{}
			return nil
		}

		var key string
		if o.opts.Cache != nil {
			key = o.suggestionKey(ctx, t)
			var cached []Suggestion
			if err := o.opts.Cache.Get(ctx, key, &cached); err == nil {
				out = cached
				return nil
			}
		}

		out, err = o.suggest(ctx, tx, t)
		if err != nil {
			return err
		}
		if o.opts.Cache != nil {
			if err := o.opts.Cache.Set(ctx, key, out, o.opts.CacheTTL); err != nil {
				o.log.Warn().Err(err).Str("transaction_id", t.ID).Msg("failed to cache suggestions")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) suggest(ctx context.Context, tx storage.Tx, t *models.Transaction) ([]Suggestion, error) {
	active := o.engine.Active()

	type source struct {
		tol  rules.Tolerance
		rule *rules.Rule
	}
	sources := []source{{tol: o.opts.Tolerance}}
	for _, r := range active {
		if r.RuleType == models.RuleTypeInvoiceMatching && r.Matches(t) {
			sources = append(sources, source{tol: r.Tolerance, rule: r})
		}
	}

	seen := make(map[string]bool)
	docs := make([]Suggestion, 0)
	for _, src := range sources {
		found, err := o.candidates(ctx, tx, t, src.tol)
		if err != nil {
			return nil, err
		}
		for _, s := range found {
			key := docKey(s.TargetType, s.TargetID)
			if seen[key] {
				continue
			}
			seen[key] = true
			if src.rule != nil {
				s.RuleID = src.rule.ID
				s.RuleName = src.rule.Name
			}
			docs = append(docs, s)
		}
	}
	rankDocuments(docs, t.Date)
	if o.opts.SuggestionLimit > 0 && len(docs) > o.opts.SuggestionLimit {
		docs = docs[:o.opts.SuggestionLimit]
	}

	out := docs
	for _, r := range active {
		if r.RuleType == models.RuleTypeInvoiceMatching || !r.Matches(t) {
			continue
		}
		wo := r.WriteOffs(t, t.AmountResidual)
		if len(wo) == 0 {
			continue
		}
		total := decimal.Zero
		for _, w := range wo {
			total = total.Add(w.Amount)
		}
		out = append(out, Suggestion{
			Kind:       SuggestWriteOff,
			Amount:     total,
			Difference: t.AmountResidual.Sub(total),
			Date:       t.Date,
			RuleID:     r.ID,
			RuleName:   r.Name,
			WriteOffs:  wo,
		})
	}
	return out, nil
}

// candidates lists the open documents of the transaction's partner within
// tol of its residual. Without a linked partner, the partner mappings are
// consulted without persisting the result.
func (o *Orchestrator) candidates(ctx context.Context, tx storage.Tx, t *models.Transaction, tol rules.Tolerance) ([]Suggestion, error) {
	partnerID := t.PartnerID
	if partnerID == "" {
		id, _, ok := o.engine.FindPartner(t)
		if !ok {
			return nil, nil
		}
		partnerID = id
	}

	residual := t.AmountResidual
	low, high := tol.Range(residual)
	docs, err := o.docs.OpenDocuments(ctx, DocumentQuery{
		PartnerID: partnerID,
		Currency:  t.Currency,
		// Partials already allocated against a document only lower its
		// open amount, so the upper bound stays open here.
		Min: &low,
	})
	if err != nil {
		return nil, fmt.Errorf("open documents: %w", err)
	}

	var out []Suggestion
	for i := range docs {
		d := &docs[i]
		open, err := o.documentOpen(ctx, tx, d)
		if err != nil {
			return nil, err
		}
		if amount.IsZero(open) || open.GreaterThan(high) || !tol.Within(open, residual) {
			continue
		}
		out = append(out, Suggestion{
			Kind:       SuggestDocument,
			TargetType: d.Type,
			TargetID:   d.ID,
			Reference:  d.Reference,
			PartnerID:  d.PartnerID,
			Date:       d.Date,
			Amount:     decimal.Min(open, residual),
			Difference: open.Sub(residual).Abs(),
		})
	}
	return out, nil
}

// rankDocuments orders exact amounts first, then by amount difference,
// then by distance from the transaction date.
func rankDocuments(s []Suggestion, date time.Time) {
	distance := func(d time.Time) time.Duration {
		delta := d.Sub(date)
		if delta < 0 {
			return -delta
		}
		return delta
	}
	sort.SliceStable(s, func(i, j int) bool {
		ei, ej := amount.IsZero(s[i].Difference), amount.IsZero(s[j].Difference)
		if ei != ej {
			return ei
		}
		if c := s[i].Difference.Cmp(s[j].Difference); c != 0 {
			return c < 0
		}
		if di, dj := distance(s[i].Date), distance(s[j].Date); di != dj {
			return di < dj
		}
		return s[i].TargetID < s[j].TargetID
	})
}

// suggestionKey changes with the line version, the loaded rule set and the
// allocation generation of the partner whose documents the list offers.
func (o *Orchestrator) suggestionKey(ctx context.Context, t *models.Transaction) string {
	gen := "0"
	partnerID := t.PartnerID
	if partnerID == "" {
		partnerID, _, _ = o.engine.FindPartner(t)
	}
	if partnerID != "" {
		var g string
		if err := o.opts.Cache.Get(ctx, partnerGenKey(partnerID), &g); err == nil {
			gen = g
		}
	}
	return fmt.Sprintf("suggestions:%s:%d:%d:%s", t.ID, t.Version, o.engine.Generation(), gen)
}

// touchPartners starts a new allocation generation for each partner, so
// cached suggestions offering their documents are no longer read. The
// generation outlives every entry cached under the previous one.
func (o *Orchestrator) touchPartners(ctx context.Context, partners map[string]bool) {
	if o.opts.Cache == nil {
		return
	}
	for id := range partners {
		if id == "" {
			continue
		}
		if err := o.opts.Cache.Set(ctx, partnerGenKey(id), uuid.NewString(), 2*o.opts.CacheTTL); err != nil {
			o.log.Warn().Err(err).Str("partner_id", id).Msg("failed to invalidate cached suggestions")
		}
	}
}

func partnerGenKey(partnerID string) string {
	return "suggestions-gen:" + partnerID
}
