package rules

import (
	"fmt"

	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// Tolerance bounds how far a candidate amount may be from a target
type Tolerance struct {
	Type  models.ToleranceType `json:"type"`
	Value decimal.Decimal      `json:"value"`
}

// NewTolerance validates a tolerance setting. An empty type means an exact
// match within rounding.
func NewTolerance(typ models.ToleranceType, value decimal.Decimal) (Tolerance, error) {
	switch typ {
	case "", models.TolerancePercentage, models.ToleranceFixedAmount:
	default:
		return Tolerance{}, fmt.Errorf("unknown tolerance type %q", typ)
	}
	if value.IsNegative() {
		return Tolerance{}, fmt.Errorf("negative tolerance %s", value)
	}
	if typ == "" {
		typ = models.TolerancePercentage
	}
	return Tolerance{Type: typ, Value: value}, nil
}

// Within reports whether candidate is close enough to target. Both are
// compared as magnitudes. Differences under the rounding tolerance always
// pass.
func (t Tolerance) Within(candidate, target decimal.Decimal) bool {
	diff := candidate.Abs().Sub(target.Abs()).Abs()
	if diff.LessThan(amount.Tolerance) {
		return true
	}
	switch t.Type {
	case models.ToleranceFixedAmount:
		return diff.LessThanOrEqual(t.Value)
	default:
		limit := target.Abs().Mul(t.Value).Div(hundred)
		return diff.LessThanOrEqual(limit)
	}
}

// Range returns the inclusive magnitude bounds accepted around target
func (t Tolerance) Range(target decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	abs := target.Abs()
	margin := amount.Tolerance
	switch t.Type {
	case models.ToleranceFixedAmount:
		margin = decimal.Max(margin, t.Value)
	default:
		margin = decimal.Max(margin, abs.Mul(t.Value).Div(hundred))
	}
	low := abs.Sub(margin)
	if low.IsNegative() {
		low = decimal.Zero
	}
	return low, abs.Add(margin)
}
