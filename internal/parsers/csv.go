package parsers

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

type csvColumn int

const (
	colDate csvColumn = iota
	colDebit
	colCredit
	colAmount
	colCurrency
	colBalance
	colPayee
	colAccount
	colType
	colReference
	colNote
	colDescription
)

// headerKeywords maps canonical columns to header synonyms. Columns are tried
// in declaration order so that "debit amount" lands on debit, not amount.
var headerKeywords = []struct {
	col      csvColumn
	keywords []string
}{
	{colDate, []string{"date", "booking date", "posted", "datum", "buchungstag", "buchungsdatum", "fecha", "data", "data operazione", "date operation", "date opération", "transaction date"}},
	{colDebit, []string{"debit", "débit", "withdrawal", "paid out", "money out", "soll", "belastung", "cargo", "debe", "addebito", "af", "uitgave"}},
	{colCredit, []string{"credit", "crédit", "deposit", "paid in", "money in", "haben", "gutschrift", "abono", "haber", "accredito", "bij", "ontvangst"}},
	{colAmount, []string{"amount", "montant", "betrag", "importe", "importo", "bedrag", "valor", "sum", "umsatz"}},
	{colCurrency, []string{"currency", "ccy", "devise", "währung", "waehrung", "moneda", "valuta iso", "divisa", "munt", "moeda"}},
	{colBalance, []string{"balance", "solde", "saldo", "kontostand", "running balance"}},
	{colPayee, []string{"payee", "counterparty", "beneficiary", "name", "partner", "tiers", "bénéficiaire", "empfänger", "auftraggeber", "beguenstigter", "beneficiario", "tegenrekening naam", "naam", "ordenante"}},
	{colAccount, []string{"account", "iban", "compte", "konto", "cuenta", "conto", "rekening", "tegenrekening", "conta"}},
	{colType, []string{"type", "transaction type", "category", "buchungstext", "tipo", "catégorie", "categorie", "mutatiesoort", "code"}},
	{colReference, []string{"reference", "ref", "référence", "referenz", "referencia", "riferimento", "kenmerk", "check", "cheque", "id"}},
	{colNote, []string{"note", "memo", "notes", "remarque", "notiz", "nota", "opmerking"}},
	{colDescription, []string{"description", "details", "narrative", "libellé", "libelle", "verwendungszweck", "beschreibung", "descripción", "descripcion", "concepto", "descrizione", "causale", "omschrijving", "mededelingen", "descrição", "text", "label"}},
}

var csvDelimiters = []rune{',', ';', '\t', '|'}

// CSVParser reads delimited bank exports with a header row
type CSVParser struct {
	DefaultCurrency string
	// Delimiter overrides auto-detection when non-zero
	Delimiter rune
}

// NewCSVParser creates a delimited text parser
func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Format() Format {
	return FormatCSV
}

func (p *CSVParser) SupportedExtensions() []string {
	return []string{".csv", ".tsv", ".txt"}
}

// Validate accepts any content whose first line contains a known delimiter
// and does not look like markup.
func (p *CSVParser) Validate(head []byte) bool {
	line := firstLine(string(trimBOM(head)))
	if line == "" || strings.HasPrefix(line, "<") || strings.HasPrefix(line, "!") {
		return false
	}
	_, n := detectDelimiter(line)
	return n > 0
}

func (p *CSVParser) Parse(content []byte) (*Result, error) {
	return collect(p, strings.NewReader(string(trimBOM(content))))
}

// ParseStream reads rows one at a time and hands each to emit
func (p *CSVParser) ParseStream(r io.Reader, emit func(models.CanonicalTransaction) error) (*Result, error) {
	br := bufio.NewReader(r)
	header, err := readFirstLine(br)
	if err != nil {
		return nil, &ParseError{Format: FormatCSV, Err: err}
	}
	header = strings.TrimPrefix(header, "\uFEFF")

	delim := p.Delimiter
	if delim == 0 {
		delim, _ = detectDelimiter(header)
	}

	reader := csv.NewReader(io.MultiReader(strings.NewReader(header+"\n"), br))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	names, err := reader.Read()
	if err != nil {
		return nil, &ParseError{Format: FormatCSV, Line: 1, Err: fmt.Errorf("read header: %w", err)}
	}
	cols := mapHeader(names)
	if _, ok := cols[colDate]; !ok {
		return nil, parseErr(FormatCSV, 1, "no date column in header %q", header)
	}

	res := &Result{Format: FormatCSV}
	entry := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		entry++
		if err != nil {
			var csvErr *csv.ParseError
			if !errors.As(err, &csvErr) {
				return nil, &ParseError{Format: FormatCSV, Err: err}
			}
			res.skip(csvErr.Line, entry, "malformed row: %v", csvErr.Err)
			continue
		}
		line, _ := reader.FieldPos(0)
		if blankRecord(record) {
			continue
		}

		tx, err := p.row(record, cols, delim)
		if err != nil {
			res.skip(line, entry, "%v", err)
			continue
		}
		if err := emit(tx); err != nil {
			return nil, err
		}
		res.Count++
	}
	return res, nil
}

func (p *CSVParser) row(record []string, cols map[csvColumn]int, delim rune) (models.CanonicalTransaction, error) {
	get := func(c csvColumn) string {
		i, ok := cols[c]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	date, err := parseDate(get(colDate))
	if err != nil {
		return models.CanonicalTransaction{}, fmt.Errorf("skip row: %w", err)
	}

	amt, err := p.rowAmount(record, cols, get)
	if err != nil {
		return models.CanonicalTransaction{}, fmt.Errorf("skip row: %w", err)
	}

	currency := get(colCurrency)
	if currency == "" {
		currency = p.DefaultCurrency
	}

	return models.CanonicalTransaction{
		Date:             date,
		Amount:           amt,
		Currency:         strings.ToUpper(currency),
		PaymentRef:       get(colDescription),
		CounterpartyName: get(colPayee),
		AccountNumber:    get(colAccount),
		TransactionType:  get(colType),
		Reference:        get(colReference),
		Narration:        get(colNote),
		Raw:              strings.Join(record, string(delim)),
	}, nil
}

func (p *CSVParser) rowAmount(record []string, cols map[csvColumn]int, get func(csvColumn) string) (decimal.Decimal, error) {
	if _, ok := cols[colAmount]; ok {
		return amount.Parse(get(colAmount))
	}

	_, hasDebit := cols[colDebit]
	_, hasCredit := cols[colCredit]
	if hasDebit || hasCredit {
		debit, debitErr := amount.Parse(get(colDebit))
		credit, creditErr := amount.Parse(get(colCredit))
		if debitErr != nil && creditErr != nil {
			return decimal.Zero, fmt.Errorf("no debit or credit value")
		}
		return credit.Abs().Sub(debit.Abs()), nil
	}

	// No amount column: use the first free column holding a number.
	used := make(map[int]bool, len(cols))
	for _, i := range cols {
		used[i] = true
	}
	for i, v := range record {
		if used[i] {
			continue
		}
		if d, err := amount.Parse(v); err == nil && looksNumeric(v) {
			return d, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no amount value")
}

// mapHeader assigns header columns to canonical fields. Exact synonyms win
// over substring matches and each column is used at most once.
func mapHeader(names []string) map[csvColumn]int {
	cols := make(map[csvColumn]int)
	taken := make(map[int]bool)

	normalized := make([]string, len(names))
	for i, n := range names {
		normalized[i] = strings.ToLower(strings.Trim(strings.TrimSpace(n), "\"'\uFEFF"))
	}

	assign := func(match func(name, kw string) bool) {
		for _, h := range headerKeywords {
			if _, done := cols[h.col]; done {
				continue
			}
		search:
			for i, name := range normalized {
				if taken[i] || name == "" {
					continue
				}
				for _, kw := range h.keywords {
					if match(name, kw) {
						cols[h.col] = i
						taken[i] = true
						break search
					}
				}
			}
		}
	}

	assign(func(name, kw string) bool { return name == kw })
	assign(func(name, kw string) bool { return len(kw) > 3 && strings.Contains(name, kw) })
	return cols
}

func detectDelimiter(line string) (rune, int) {
	best, bestCount := ',', 0
	for _, d := range csvDelimiters {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best, bestCount
}

func looksNumeric(s string) bool {
	s = strings.TrimSpace(s)
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune(" .,-+()'$€£¥", r):
		default:
			return false
		}
	}
	return digits > 0
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func readFirstLine(br *bufio.Reader) (string, error) {
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(trimmed) != "" {
			return trimmed, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("empty file")
			}
			return "", err
		}
	}
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
