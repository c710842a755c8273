package reconciliation

import (
	"context"
	"sort"
	"sync"

	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// DocumentQuery selects open documents of a partner. Min and Max bound the
// open amount when set.
type DocumentQuery struct {
	PartnerID string
	Currency  string
	Min       *decimal.Decimal
	Max       *decimal.Decimal
}

// Documents looks up the invoices and payments that bank lines settle.
// The documents are owned elsewhere and never written through this
// interface.
type Documents interface {
	OpenDocuments(ctx context.Context, q DocumentQuery) ([]models.Document, error)
	// GetDocument returns storage.ErrNotFound for unknown documents
	GetDocument(ctx context.Context, typ models.TargetType, id string) (*models.Document, error)
}

// MemoryDocuments is an in-process document lookup
type MemoryDocuments struct {
	mu   sync.RWMutex
	docs map[string]models.Document
}

// NewMemoryDocuments creates a lookup holding docs
func NewMemoryDocuments(docs ...models.Document) *MemoryDocuments {
	m := &MemoryDocuments{docs: make(map[string]models.Document)}
	for _, d := range docs {
		m.Put(d)
	}
	return m
}

// Put adds or replaces a document
func (m *MemoryDocuments) Put(d models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docKey(d.Type, d.ID)] = d
}

func (m *MemoryDocuments) OpenDocuments(_ context.Context, q DocumentQuery) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Document
	for _, d := range m.docs {
		if q.PartnerID != "" && d.PartnerID != q.PartnerID {
			continue
		}
		if q.Currency != "" && d.Currency != "" && d.Currency != q.Currency {
			continue
		}
		open := d.AmountResidual.Abs()
		if !open.IsPositive() {
			continue
		}
		if q.Min != nil && open.LessThan(*q.Min) {
			continue
		}
		if q.Max != nil && open.GreaterThan(*q.Max) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryDocuments) GetDocument(_ context.Context, typ models.TargetType, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[docKey(typ, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &d, nil
}

func docKey(typ models.TargetType, id string) string {
	return string(typ) + ":" + id
}

func isDocumentTarget(typ models.TargetType) bool {
	return typ == models.TargetInvoice || typ == models.TargetPayment
}
