package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// Engine holds the compiled rule set in evaluation order
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
	gen   uint64
}

// NewEngine compiles rules. Any invalid rule fails the whole set.
func NewEngine(rules []models.ReconcileRule) (*Engine, error) {
	e := &Engine{}
	if err := e.Load(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Load replaces the rule set
func (e *Engine) Load(rules []models.ReconcileRule) error {
	compiled := make([]*Rule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
		c, err := Compile(r)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Sequence != compiled[j].Sequence {
			return compiled[i].Sequence < compiled[j].Sequence
		}
		return compiled[i].ID < compiled[j].ID
	})

	e.mu.Lock()
	e.rules = compiled
	e.gen++
	e.mu.Unlock()
	return nil
}

// Generation increases every time the rule set is replaced
func (e *Engine) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gen
}

// Rules returns every rule in sequence order
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Active returns the active rules in sequence order
func (e *Engine) Active() []*Rule {
	return e.filter(func(r *Rule) bool { return r.Active })
}

// AutoRules returns the active rules allowed to reconcile without review.
// Write-off buttons always need a user.
func (e *Engine) AutoRules() []*Rule {
	return e.filter(func(r *Rule) bool {
		return r.Active && r.AutoReconcile && r.RuleType != models.RuleTypeWriteOffButton
	})
}

// Get returns a rule by id
func (e *Engine) Get(id string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

func (e *Engine) filter(keep func(*Rule) bool) []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Rule
	for _, r := range e.rules {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// MatchesLine reports whether rule accepts t
func (e *Engine) MatchesLine(rule *Rule, t *models.Transaction) bool {
	return rule.Matches(t)
}

// FindPartner runs the partner mappings of every active rule in sequence
// order. The first hit wins.
func (e *Engine) FindPartner(t *models.Transaction) (partnerID, ruleID string, ok bool) {
	for _, r := range e.Active() {
		if id, found := r.FindPartner(t); found {
			return id, r.ID, true
		}
	}
	return "", "", false
}

// ComputeAmount evaluates one line of rule for t
func (e *Engine) ComputeAmount(rule *Rule, line int, t *models.Transaction) decimal.Decimal {
	return rule.ComputeAmount(line, t)
}

// WithinTolerance compares a candidate amount with the transaction amount
// using the rule's tolerance.
func (e *Engine) WithinTolerance(rule *Rule, candidate, txAmount decimal.Decimal) bool {
	return rule.Tolerance.Within(candidate, txAmount)
}

// WriteOffs computes rule's write-offs for t against residual
func (e *Engine) WriteOffs(rule *Rule, t *models.Transaction, residual decimal.Decimal) []WriteOff {
	return rule.WriteOffs(t, residual)
}
