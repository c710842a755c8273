package reconciliation

import (
	"context"
	"fmt"
	"sort"

	"github.com/savegress/bankrecon/internal/rules"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// BatchRequest selects the transactions to auto-reconcile. Without ids,
// every unreconciled transaction of the account is processed.
type BatchRequest struct {
	AccountID      string               `json:"account_id"`
	TransactionIDs []string             `json:"transaction_ids,omitempty"`
	Order          models.MatchingOrder `json:"order,omitempty"`
}

// BatchResult summarizes a batch run
type BatchResult struct {
	ReconciledCount int          `json:"reconciled_count"`
	SkippedCount    int          `json:"skipped_count"`
	Errors          []BatchError `json:"errors,omitempty"`
}

// BatchError is a transaction the batch could not reconcile
type BatchError struct {
	TransactionID string `json:"transaction_id"`
	Error         string `json:"error"`
}

// BatchAutoReconcile applies, to each unreconciled transaction, the first
// auto-reconcile rule that matches it and produces a complete allocation.
// A transaction that fails is reported and counted as skipped; the batch
// continues with the next one.
func (o *Orchestrator) BatchAutoReconcile(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if req.AccountID == "" && len(req.TransactionIDs) == 0 {
		return nil, ErrInvalidMatch.with("account or transaction ids required")
	}
	order := req.Order
	if order == "" {
		order = o.opts.MatchingOrder
	}

	var lines []*models.Transaction
	err := o.repo.View(ctx, func(tx storage.Tx) error {
		var err error
		lines, err = tx.ListTransactions(ctx, storage.TransactionFilter{
			AccountID:        req.AccountID,
			IDs:              req.TransactionIDs,
			OnlyUnreconciled: len(req.TransactionIDs) == 0,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("BatchAutoReconcile: %w", err)
	}
	sortForMatching(lines, order)

	autoRules := o.engine.AutoRules()
	res := &BatchResult{}
	for _, t := range lines {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if t.IsReconciled || amount.IsZero(t.AmountResidual) {
			res.SkippedCount++
			continue
		}

		applied, err := o.autoReconcile(ctx, t, autoRules)
		switch {
		case err != nil:
			res.SkippedCount++
			res.Errors = append(res.Errors, BatchError{TransactionID: t.ID, Error: err.Error()})
			o.log.Warn().Err(err).Str("transaction_id", t.ID).Msg("auto reconcile failed")
		case applied:
			res.ReconciledCount++
		default:
			res.SkippedCount++
		}
	}

	o.log.Info().
		Str("account_id", req.AccountID).
		Int("reconciled", res.ReconciledCount).
		Int("skipped", res.SkippedCount).
		Int("errors", len(res.Errors)).
		Msg("batch auto reconcile finished")
	return res, nil
}

// autoReconcile tries the rules in sequence order and applies the first
// one that yields matches.
func (o *Orchestrator) autoReconcile(ctx context.Context, t *models.Transaction, autoRules []*rules.Rule) (bool, error) {
	for _, r := range autoRules {
		if !r.Matches(t) {
			continue
		}
		req, ok, err := o.planRule(ctx, t, r)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if _, err := o.Reconcile(ctx, req); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// planRule builds the reconcile request rule r would apply to t. ok is
// false when the rule has nothing to allocate, so the next rule is tried.
func (o *Orchestrator) planRule(ctx context.Context, t *models.Transaction, r *rules.Rule) (ReconcileRequest, bool, error) {
	req := ReconcileRequest{TransactionID: t.ID, Version: t.Version}

	switch r.RuleType {
	case models.RuleTypeInvoiceMatching:
		var found []Suggestion
		err := o.repo.View(ctx, func(tx storage.Tx) error {
			var err error
			found, err = o.candidates(ctx, tx, t, r.Tolerance)
			return err
		})
		if err != nil {
			return req, false, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if len(found) == 0 {
			return req, false, nil
		}
		rankDocuments(found, t.Date)
		best := found[0]
		req.PartnerID = best.PartnerID
		req.Matches = append(req.Matches, Match{
			Type:     best.TargetType,
			TargetID: best.TargetID,
			Amount:   best.Amount,
			RuleID:   r.ID,
		})
		// A document short of the residual but within tolerance leaves a
		// gap that is written off.
		if gap := t.AmountResidual.Sub(best.Amount); !amount.IsZero(gap) && gap.IsPositive() {
			req.Matches = append(req.Matches, remainderWriteOff(r, gap))
		}
		return req, true, nil

	case models.RuleTypeWriteOffSuggestion:
		wo := r.WriteOffs(t, t.AmountResidual)
		total := decimal.Zero
		for _, w := range wo {
			total = total.Add(w.Amount)
			req.Matches = append(req.Matches, Match{
				Type:        models.TargetWriteOff,
				Amount:      w.Amount,
				Label:       w.Label,
				AccountCode: w.AccountCode,
				RuleID:      r.ID,
			})
		}
		// Only write-offs that settle the whole residual are applied
		// without review.
		if len(wo) == 0 || !amount.Near(total, t.AmountResidual) {
			return req, false, nil
		}
		return req, true, nil
	}
	return req, false, nil
}

func remainderWriteOff(r *rules.Rule, gap decimal.Decimal) Match {
	m := Match{Type: models.TargetWriteOff, Amount: gap, Label: r.Name, RuleID: r.ID}
	if len(r.Lines) > 0 {
		if r.Lines[0].Label != "" {
			m.Label = r.Lines[0].Label
		}
		m.AccountCode = r.Lines[0].AccountCode
	}
	return m
}

func sortForMatching(lines []*models.Transaction, order models.MatchingOrder) {
	sort.SliceStable(lines, func(i, j int) bool {
		if order == models.OrderNewFirst {
			return lines[i].OrderingKey > lines[j].OrderingKey
		}
		return lines[i].OrderingKey < lines[j].OrderingKey
	})
}
