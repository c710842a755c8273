package rules

import (
	"regexp"

	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// lineAmount computes the amount of one rule line for a transaction
type lineAmount interface {
	evaluate(t *models.Transaction) decimal.Decimal
}

type fixedAmount struct {
	value decimal.Decimal
}

func (a fixedAmount) evaluate(*models.Transaction) decimal.Decimal {
	return a.value.Abs()
}

type percentageAmount struct {
	percent decimal.Decimal
}

func (a percentageAmount) evaluate(t *models.Transaction) decimal.Decimal {
	return t.Amount.Abs().Mul(a.percent).Div(hundred).Round(2)
}

// regexAmount reads the amount from the payment reference. A pattern that
// does not match, or matches something that is not a number, yields zero.
type regexAmount struct {
	re *regexp.Regexp
}

func (a regexAmount) evaluate(t *models.Transaction) decimal.Decimal {
	m := a.re.FindStringSubmatch(t.PaymentRef)
	if m == nil {
		return decimal.Zero
	}
	raw := m[0]
	if len(m) > 1 {
		raw = m[1]
	}
	d, err := amount.Parse(raw)
	if err != nil {
		return decimal.Zero
	}
	return d.Abs()
}
