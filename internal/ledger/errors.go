package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrReconciledLine  = errors.New("transaction has reconciliations")
	ErrAccountMismatch = errors.New("statement belongs to another account")
	ErrInvalidInput    = errors.New("invalid input")
)

// ValidationError reports a statement whose starting balance does not
// continue the previous statement. It never blocks a write: the statement
// is stored with IsValid unset.
type ValidationError struct {
	StatementID         string
	PreviousStatementID string
	BalanceStart        decimal.Decimal
	PreviousBalanceEnd  decimal.Decimal
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("statement %s starts at %s but previous statement %s ends at %s",
		e.StatementID, e.BalanceStart.StringFixed(2), e.PreviousStatementID, e.PreviousBalanceEnd.StringFixed(2))
}
