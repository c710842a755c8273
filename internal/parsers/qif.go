package parsers

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
)

// QIFParser reads Quicken interchange files. Each line starts with a one
// character field code; a line holding "^" ends the current entry.
type QIFParser struct {
	DefaultCurrency string
}

// NewQIFParser creates a QIF parser
func NewQIFParser() *QIFParser {
	return &QIFParser{}
}

func (p *QIFParser) Format() Format {
	return FormatQIF
}

func (p *QIFParser) SupportedExtensions() []string {
	return []string{".qif"}
}

func (p *QIFParser) Validate(head []byte) bool {
	head = bytes.TrimSpace(head)
	return bytes.HasPrefix(bytes.ToUpper(head), []byte("!TYPE:")) ||
		bytes.HasPrefix(bytes.ToUpper(head), []byte("!ACCOUNT"))
}

func (p *QIFParser) Parse(content []byte) (*Result, error) {
	return collect(p, bytes.NewReader(trimBOM(content)))
}

type qifEntry struct {
	line    int
	date    string
	total   string
	amount  string
	payee   string
	memo    string
	number  string
	class   string
	raw     []string
	account string
}

func (e *qifEntry) empty() bool {
	return len(e.raw) == 0
}

// ParseStream emits each entry as soon as its terminator is read
func (p *QIFParser) ParseStream(r io.Reader, emit func(models.CanonicalTransaction) error) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	res := &Result{Format: FormatQIF}
	var (
		lineNo    int
		entryNo   int
		header    bool
		inAccount bool
		account   string
		cur       qifEntry
	)

	flush := func() error {
		defer func() { cur = qifEntry{} }()
		if cur.empty() {
			return nil
		}
		entryNo++
		tx, err := p.transaction(&cur)
		if err != nil {
			res.skip(cur.line, entryNo, "skip entry: %v", err)
			return nil
		}
		if err := emit(tx); err != nil {
			return err
		}
		res.Count++
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\uFEFF")
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		if line[0] == '!' {
			upper := strings.ToUpper(strings.TrimSpace(line))
			header = true
			inAccount = strings.HasPrefix(upper, "!ACCOUNT")
			continue
		}
		if !header {
			return nil, parseErr(FormatQIF, lineNo, "missing !Type header")
		}

		code, value := line[0], strings.TrimSpace(line[1:])
		if inAccount {
			switch code {
			case 'N':
				account = value
			case '^':
				inAccount = false
			}
			continue
		}

		if code == '^' {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if cur.empty() {
			cur.line = lineNo
			cur.account = account
		}
		cur.raw = append(cur.raw, line)
		switch code {
		case 'D':
			cur.date = value
		case 'T':
			cur.total = value
		case 'U':
			cur.amount = value
		case 'P':
			cur.payee = value
		case 'M':
			cur.memo = value
		case 'N':
			cur.number = value
		case 'L':
			cur.class = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Format: FormatQIF, Line: lineNo, Err: err}
	}
	if !header {
		return nil, parseErr(FormatQIF, 0, "missing !Type header")
	}
	// A last entry without terminator is still an entry.
	if err := flush(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *QIFParser) transaction(e *qifEntry) (models.CanonicalTransaction, error) {
	date, err := parseDate(e.date)
	if err != nil {
		return models.CanonicalTransaction{}, err
	}
	raw := e.total
	if raw == "" {
		raw = e.amount
	}
	amt, err := amount.Parse(raw)
	if err != nil {
		return models.CanonicalTransaction{}, err
	}

	ref := e.payee
	switch {
	case ref == "":
		ref = e.memo
	case e.memo != "":
		ref = e.payee + ": " + e.memo
	}

	return models.CanonicalTransaction{
		Date:             date,
		Amount:           amt,
		Currency:         p.DefaultCurrency,
		PaymentRef:       ref,
		CounterpartyName: e.payee,
		AccountNumber:    e.account,
		TransactionType:  e.class,
		Reference:        e.number,
		Narration:        e.memo,
		Raw:              strings.Join(e.raw, "\n"),
	}, nil
}
