// Package parsers converts bank export files into canonical transactions.
//
// Each supported format is a Parser variant registered in a Registry, which
// picks the variant from a cheap content sniff. Entry-level problems (an
// unreadable date or amount) never abort a file: the entry is skipped and a
// Diagnostic is recorded. Only a file whose skeleton cannot be recognized
// fails with a *ParseError.
package parsers

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// Format identifies a bank export format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatOFX  Format = "ofx"
	FormatQIF  Format = "qif"
	FormatCAMT Format = "camt"
)

// Parser converts the content of one file format
type Parser interface {
	Parse(content []byte) (*Result, error)
	Validate(head []byte) bool
	Format() Format
	SupportedExtensions() []string
}

// StreamParser is implemented by line-oriented formats that can emit
// transactions without holding the whole file in memory. Result.Transactions
// stays empty when streaming.
type StreamParser interface {
	Parser
	ParseStream(r io.Reader, emit func(models.CanonicalTransaction) error) (*Result, error)
}

// Result is the outcome of parsing one file
type Result struct {
	Format       Format                        `json:"format"`
	Transactions []models.CanonicalTransaction `json:"transactions"`
	Statement    *StatementInfo                `json:"statement,omitempty"`
	Diagnostics  []Diagnostic                  `json:"diagnostics,omitempty"`
	Count        int                           `json:"count"`
}

func (r *Result) skip(line, entry int, format string, args ...interface{}) {
	r.Diagnostics = append(r.Diagnostics, Diagnostic{
		Line:    line,
		Entry:   entry,
		Message: fmt.Sprintf(format, args...),
	})
}

// StatementInfo carries statement-level data when the format provides it
type StatementInfo struct {
	AccountNumber string           `json:"account_number,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	Reference     string           `json:"reference,omitempty"`
	BalanceStart  *decimal.Decimal `json:"balance_start,omitempty"`
	BalanceEnd    *decimal.Decimal `json:"balance_end,omitempty"`
	StartDate     time.Time        `json:"start_date,omitempty"`
	EndDate       time.Time        `json:"end_date,omitempty"`
}

// Diagnostic describes an entry that was skipped
type Diagnostic struct {
	Line    int    `json:"line,omitempty"`
	Entry   int    `json:"entry,omitempty"`
	Message string `json:"message"`
}

// ErrUnknownFormat is returned when no parser recognizes a file
var ErrUnknownFormat = errors.New("unknown statement format")

// ParseError reports a file that could not be parsed at all
type ParseError struct {
	Format Format
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s: line %d: %v", e.Format, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is a permanent parse failure
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe) || errors.Is(err, ErrUnknownFormat)
}

func parseErr(format Format, line int, msg string, args ...interface{}) *ParseError {
	return &ParseError{Format: format, Line: line, Err: fmt.Errorf(msg, args...)}
}

// collect adapts a StreamParser into a Parse call that materializes rows
func collect(p StreamParser, r io.Reader) (*Result, error) {
	var txs []models.CanonicalTransaction
	res, err := p.ParseStream(r, func(tx models.CanonicalTransaction) error {
		txs = append(txs, tx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Transactions = txs
	return res, nil
}
