package rules

import (
	"regexp"
	"strings"

	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// lineFilter is one compiled condition of a rule
type lineFilter interface {
	name() string
	evaluate(t *models.Transaction) bool
}

type accountFilter struct {
	ids map[string]bool
}

func (f accountFilter) name() string { return "account" }

func (f accountFilter) evaluate(t *models.Transaction) bool {
	return f.ids[t.AccountID]
}

type natureFilter struct {
	nature models.MatchNature
}

func (f natureFilter) name() string { return "nature" }

func (f natureFilter) evaluate(t *models.Transaction) bool {
	switch f.nature {
	case models.NatureReceived:
		return !t.Amount.IsNegative()
	case models.NaturePaid:
		return !t.Amount.IsPositive()
	}
	return true
}

type amountBelow struct {
	max decimal.Decimal
}

func (f amountBelow) name() string { return "amount_lower" }

func (f amountBelow) evaluate(t *models.Transaction) bool {
	return t.Amount.Abs().LessThan(f.max)
}

type amountAbove struct {
	min decimal.Decimal
}

func (f amountAbove) name() string { return "amount_greater" }

func (f amountAbove) evaluate(t *models.Transaction) bool {
	return t.Amount.Abs().GreaterThan(f.min)
}

type amountBetween struct {
	min, max decimal.Decimal
}

func (f amountBetween) name() string { return "amount_between" }

func (f amountBetween) evaluate(t *models.Transaction) bool {
	abs := t.Amount.Abs()
	return abs.GreaterThanOrEqual(f.min) && abs.LessThanOrEqual(f.max)
}

// textSource reads one text field of a transaction
type textSource func(t *models.Transaction) string

func labelSource(t *models.Transaction) string     { return t.PaymentRef }
func noteSource(t *models.Transaction) string      { return t.Narration }
func referenceSource(t *models.Transaction) string { return t.Reference }

type labelContains struct {
	needle  string
	sources []textSource
}

func (f labelContains) name() string { return "label_contains" }

func (f labelContains) evaluate(t *models.Transaction) bool {
	for _, src := range f.sources {
		if strings.Contains(strings.ToLower(src(t)), f.needle) {
			return true
		}
	}
	return false
}

type labelNotContains struct {
	needle  string
	sources []textSource
}

func (f labelNotContains) name() string { return "label_not_contains" }

func (f labelNotContains) evaluate(t *models.Transaction) bool {
	for _, src := range f.sources {
		if strings.Contains(strings.ToLower(src(t)), f.needle) {
			return false
		}
	}
	return true
}

type labelRegex struct {
	re      *regexp.Regexp
	sources []textSource
}

func (f labelRegex) name() string { return "label_regex" }

func (f labelRegex) evaluate(t *models.Transaction) bool {
	for _, src := range f.sources {
		if f.re.MatchString(src(t)) {
			return true
		}
	}
	return false
}

// partnerFilter requires a linked partner, optionally from a fixed set
type partnerFilter struct {
	ids map[string]bool
}

func (f partnerFilter) name() string { return "partner" }

func (f partnerFilter) evaluate(t *models.Transaction) bool {
	if t.PartnerID == "" {
		return false
	}
	return len(f.ids) == 0 || f.ids[t.PartnerID]
}
