// Package rules evaluates reconcile rules against bank transactions.
//
// A models.ReconcileRule is compiled once into a Rule: each configured
// condition becomes a filter variant and each rule line an amount variant,
// so evaluation never re-reads the string settings.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrInvalidRule wraps every compilation failure
var ErrInvalidRule = errors.New("invalid rule")

// Rule is a compiled reconcile rule
type Rule struct {
	models.ReconcileRule
	Tolerance Tolerance

	filters  []lineFilter
	lines    []compiledLine
	mappings []partnerMapping
}

type compiledLine struct {
	models.RuleLine
	amount lineAmount
}

type partnerMapping struct {
	paymentRef  *regexp.Regexp
	partnerName *regexp.Regexp
	partnerID   string
}

// WriteOff is one computed write-off of a rule
type WriteOff struct {
	Label       string          `json:"label"`
	AccountCode string          `json:"account_code,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// Compile validates r and selects its filter and amount variants
func Compile(r models.ReconcileRule) (*Rule, error) {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w %s: %s", ErrInvalidRule, r.ID, fmt.Sprintf(format, args...))
	}

	if r.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	switch r.RuleType {
	case models.RuleTypeWriteOffButton, models.RuleTypeWriteOffSuggestion, models.RuleTypeInvoiceMatching:
	default:
		return nil, invalid("unknown rule type %q", r.RuleType)
	}
	switch r.MatchingOrder {
	case "", models.OrderOldFirst, models.OrderNewFirst:
	default:
		return nil, invalid("unknown matching order %q", r.MatchingOrder)
	}

	tol, err := NewTolerance(r.ToleranceType, r.ToleranceValue)
	if err != nil {
		return nil, invalid("%v", err)
	}
	c := &Rule{ReconcileRule: r, Tolerance: tol}

	if len(r.AccountIDs) > 0 {
		c.filters = append(c.filters, accountFilter{ids: toSet(r.AccountIDs)})
	}

	switch r.MatchNature {
	case "", models.NatureBoth:
	case models.NatureReceived, models.NaturePaid:
		c.filters = append(c.filters, natureFilter{nature: r.MatchNature})
	default:
		return nil, invalid("unknown nature %q", r.MatchNature)
	}

	switch r.MatchAmount {
	case models.AmountAny:
	case models.AmountLower:
		c.filters = append(c.filters, amountBelow{max: r.MatchAmountMax})
	case models.AmountGreater:
		c.filters = append(c.filters, amountAbove{min: r.MatchAmountMin})
	case models.AmountBetween:
		if r.MatchAmountMin.GreaterThan(r.MatchAmountMax) {
			return nil, invalid("amount range %s..%s is empty", r.MatchAmountMin, r.MatchAmountMax)
		}
		c.filters = append(c.filters, amountBetween{min: r.MatchAmountMin, max: r.MatchAmountMax})
	default:
		return nil, invalid("unknown amount condition %q", r.MatchAmount)
	}

	label, err := compileLabel(r)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if label != nil {
		c.filters = append(c.filters, label)
	}

	if r.MatchPartner || len(r.MatchPartnerIDs) > 0 {
		c.filters = append(c.filters, partnerFilter{ids: toSet(r.MatchPartnerIDs)})
	}

	for i, l := range r.Lines {
		a, err := compileLineAmount(l)
		if err != nil {
			return nil, invalid("line %d: %v", i+1, err)
		}
		c.lines = append(c.lines, compiledLine{RuleLine: l, amount: a})
	}

	for i, m := range r.PartnerMappings {
		pm, err := compileMapping(m)
		if err != nil {
			return nil, invalid("partner mapping %d: %v", i+1, err)
		}
		c.mappings = append(c.mappings, pm)
	}
	return c, nil
}

// compileLabel returns nil when no text source is enabled or no condition
// is configured: the label filter is then not evaluated at all.
func compileLabel(r models.ReconcileRule) (lineFilter, error) {
	if r.MatchLabel == models.LabelAny {
		return nil, nil
	}
	var sources []textSource
	if r.MatchTextLocationLabel {
		sources = append(sources, labelSource)
	}
	if r.MatchTextLocationNote {
		sources = append(sources, noteSource)
	}
	if r.MatchTextLocationReference {
		sources = append(sources, referenceSource)
	}
	if len(sources) == 0 {
		return nil, nil
	}

	switch r.MatchLabel {
	case models.LabelContains:
		return labelContains{needle: strings.ToLower(r.MatchLabelParam), sources: sources}, nil
	case models.LabelNotContains:
		return labelNotContains{needle: strings.ToLower(r.MatchLabelParam), sources: sources}, nil
	case models.LabelRegex:
		re, err := regexp.Compile(r.MatchLabelParam)
		if err != nil {
			return nil, fmt.Errorf("label pattern: %w", err)
		}
		return labelRegex{re: re, sources: sources}, nil
	}
	return nil, fmt.Errorf("unknown label condition %q", r.MatchLabel)
}

func compileLineAmount(l models.RuleLine) (lineAmount, error) {
	switch l.AmountType {
	case models.LineAmountFixed:
		v, err := amount.Parse(l.AmountString)
		if err != nil {
			return nil, fmt.Errorf("fixed amount %q: %w", l.AmountString, err)
		}
		return fixedAmount{value: v}, nil
	case models.LineAmountPercentage:
		v, err := amount.Parse(l.AmountString)
		if err != nil {
			return nil, fmt.Errorf("percentage %q: %w", l.AmountString, err)
		}
		return percentageAmount{percent: v}, nil
	case models.LineAmountRegex:
		re, err := regexp.Compile(l.AmountString)
		if err != nil {
			return nil, fmt.Errorf("amount pattern: %w", err)
		}
		return regexAmount{re: re}, nil
	}
	return nil, fmt.Errorf("unknown amount type %q", l.AmountType)
}

func compileMapping(m models.PartnerMapping) (partnerMapping, error) {
	pm := partnerMapping{partnerID: m.PartnerID}
	if m.PartnerID == "" {
		return pm, errors.New("missing partner id")
	}
	if m.PaymentRefRegex == "" && m.PartnerNameRegex == "" {
		return pm, errors.New("no pattern configured")
	}
	var err error
	if m.PaymentRefRegex != "" {
		if pm.paymentRef, err = regexp.Compile(m.PaymentRefRegex); err != nil {
			return pm, fmt.Errorf("payment ref pattern: %w", err)
		}
	}
	if m.PartnerNameRegex != "" {
		if pm.partnerName, err = regexp.Compile(m.PartnerNameRegex); err != nil {
			return pm, fmt.Errorf("partner name pattern: %w", err)
		}
	}
	return pm, nil
}

func (m partnerMapping) matches(t *models.Transaction) bool {
	if m.paymentRef != nil && !m.paymentRef.MatchString(t.PaymentRef) {
		return false
	}
	if m.partnerName != nil && !m.partnerName.MatchString(t.CounterpartyName) {
		return false
	}
	return true
}

// Matches evaluates the filters in order: account, nature, amount, label,
// partner. The first failing filter stops evaluation.
func (r *Rule) Matches(t *models.Transaction) bool {
	_, ok := r.firstFailure(t)
	return ok
}

// Explain returns the name of the first filter that rejects t, or "" when
// the rule matches.
func (r *Rule) Explain(t *models.Transaction) string {
	name, _ := r.firstFailure(t)
	return name
}

func (r *Rule) firstFailure(t *models.Transaction) (string, bool) {
	for _, f := range r.filters {
		if !f.evaluate(t) {
			return f.name(), false
		}
	}
	return "", true
}

// FindPartner returns the partner of the first mapping that matches t.
// Declaration order decides, not how specific a pattern is.
func (r *Rule) FindPartner(t *models.Transaction) (string, bool) {
	for _, m := range r.mappings {
		if m.matches(t) {
			return m.partnerID, true
		}
	}
	return "", false
}

// HasMappings reports whether the rule can infer partners
func (r *Rule) HasMappings() bool {
	return len(r.mappings) > 0
}

// ComputeAmount evaluates line i of the rule
func (r *Rule) ComputeAmount(i int, t *models.Transaction) decimal.Decimal {
	if i < 0 || i >= len(r.lines) {
		return decimal.Zero
	}
	return r.lines[i].amount.evaluate(t)
}

// WriteOffs computes the rule lines for t, capped so that their total never
// exceeds residual. Lines computing to zero are left out.
func (r *Rule) WriteOffs(t *models.Transaction, residual decimal.Decimal) []WriteOff {
	remaining := residual.Abs()
	var out []WriteOff
	for _, l := range r.lines {
		if !remaining.IsPositive() {
			break
		}
		v := l.amount.evaluate(t)
		if !v.IsPositive() {
			continue
		}
		if v.GreaterThan(remaining) {
			v = remaining
		}
		remaining = remaining.Sub(v)

		label := l.Label
		if label == "" {
			label = r.Name
		}
		out = append(out, WriteOff{Label: label, AccountCode: l.AccountCode, Amount: v})
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
