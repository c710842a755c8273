package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// component is the set of transactions and documents connected to a
// transaction through partial reconciles.
type component struct {
	transactions map[string]bool
	documents    map[string]docRef
	partials     map[string]*models.PartialReconcile
}

type docRef struct {
	typ models.TargetType
	id  string
}

func (o *Orchestrator) collectComponent(ctx context.Context, tx storage.Tx, transactionID string) (*component, error) {
	c := &component{
		transactions: map[string]bool{transactionID: true},
		documents:    make(map[string]docRef),
		partials:     make(map[string]*models.PartialReconcile),
	}
	txQueue := []string{transactionID}
	var docQueue []docRef

	for len(txQueue) > 0 || len(docQueue) > 0 {
		if len(txQueue) > 0 {
			id := txQueue[0]
			txQueue = txQueue[1:]
			partials, err := tx.ListPartials(ctx, storage.PartialFilter{TransactionID: id})
			if err != nil {
				return nil, err
			}
			for _, p := range partials {
				c.partials[p.ID] = p
				if !isDocumentTarget(p.TargetType) {
					continue
				}
				key := docKey(p.TargetType, p.TargetID)
				if _, seen := c.documents[key]; !seen {
					ref := docRef{typ: p.TargetType, id: p.TargetID}
					c.documents[key] = ref
					docQueue = append(docQueue, ref)
				}
			}
			continue
		}

		ref := docQueue[0]
		docQueue = docQueue[1:]
		partials, err := tx.ListPartials(ctx, storage.PartialFilter{TargetType: ref.typ, TargetID: ref.id})
		if err != nil {
			return nil, err
		}
		for _, p := range partials {
			c.partials[p.ID] = p
			if !c.transactions[p.TransactionID] {
				c.transactions[p.TransactionID] = true
				txQueue = append(txQueue, p.TransactionID)
			}
		}
	}
	return c, nil
}

// complete reports whether every transaction of the component is fully
// allocated and every document is covered to its open amount.
func (o *Orchestrator) complete(ctx context.Context, tx storage.Tx, c *component) (bool, error) {
	for id := range c.transactions {
		t, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return false, err
		}
		if !t.IsReconciled {
			return false, nil
		}
	}

	allocated := make(map[string]decimal.Decimal, len(c.documents))
	for _, p := range c.partials {
		if isDocumentTarget(p.TargetType) {
			key := docKey(p.TargetType, p.TargetID)
			allocated[key] = allocated[key].Add(p.Amount)
		}
	}
	for key, ref := range c.documents {
		doc, err := o.docs.GetDocument(ctx, ref.typ, ref.id)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if doc.AmountResidual.Abs().Sub(allocated[key]).GreaterThanOrEqual(amount.Tolerance) {
			return false, nil
		}
	}
	return true, nil
}

// closeFullReconcile groups the component of transactionID into one full
// reconcile once it nets to zero. Groups already covering part of the
// component are merged into the new one.
func (o *Orchestrator) closeFullReconcile(ctx context.Context, tx storage.Tx, transactionID string) (*models.FullReconcile, error) {
	c, err := o.collectComponent(ctx, tx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("full reconcile: %w", err)
	}
	done, err := o.complete(ctx, tx, c)
	if err != nil {
		return nil, fmt.Errorf("full reconcile: %w", err)
	}
	if !done {
		return nil, nil
	}

	existing := make(map[string]bool)
	ungrouped := 0
	for _, p := range c.partials {
		if p.FullReconcileID == "" {
			ungrouped++
		} else {
			existing[p.FullReconcileID] = true
		}
	}
	if ungrouped == 0 && len(existing) == 1 {
		for id := range existing {
			return tx.GetFullReconcile(ctx, id)
		}
	}

	now := o.now()
	id := uuid.New().String()
	full := &models.FullReconcile{
		ID:        id,
		Name:      fullReconcileName(now.Format("20060102"), id),
		CreatedAt: now,
	}
	if err := tx.InsertFullReconcile(ctx, full); err != nil {
		return nil, fmt.Errorf("full reconcile: %w", err)
	}

	ids := make([]string, 0, len(c.partials))
	for pid := range c.partials {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	for _, pid := range ids {
		if err := tx.SetPartialFullReconcile(ctx, pid, full.ID); err != nil {
			return nil, fmt.Errorf("full reconcile: %w", err)
		}
	}
	for old := range existing {
		if err := tx.DeleteFullReconcile(ctx, old); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("full reconcile: %w", err)
		}
	}

	o.log.Debug().
		Str("full_reconcile_id", full.ID).
		Int("transactions", len(c.transactions)).
		Int("documents", len(c.documents)).
		Int("partials", len(ids)).
		Msg("full reconcile closed")
	return full, nil
}

// dissolve detaches the remaining members of a full reconcile and deletes
// it. A group that lost a member no longer nets to zero.
func (o *Orchestrator) dissolve(ctx context.Context, tx storage.Tx, fullReconcileID string) error {
	members, err := tx.ListPartials(ctx, storage.PartialFilter{FullReconcileID: fullReconcileID})
	if err != nil {
		return fmt.Errorf("dissolve %s: %w", fullReconcileID, err)
	}
	for _, p := range members {
		if err := tx.SetPartialFullReconcile(ctx, p.ID, ""); err != nil {
			return fmt.Errorf("dissolve %s: %w", fullReconcileID, err)
		}
	}
	if err := tx.DeleteFullReconcile(ctx, fullReconcileID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("dissolve %s: %w", fullReconcileID, err)
	}
	return nil
}

func fullReconcileName(day, id string) string {
	return "FR/" + day + "/" + strings.ToUpper(id[:8])
}
