package parsers

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ofxTag        = regexp.MustCompile(`<(/?)([A-Za-z0-9_.]+)>`)
	ofxStmtTrn    = regexp.MustCompile(`(?is)<STMTTRN>(.*?)</STMTTRN>`)
	ofxLedgerBal  = regexp.MustCompile(`(?is)<LEDGERBAL>(.*?)</LEDGERBAL>`)
	ofxTranList   = regexp.MustCompile(`(?is)<BANKTRANLIST>`)
	ofxFieldCache = map[string]*regexp.Regexp{}
)

func init() {
	for _, tag := range []string{
		"TRNTYPE", "DTPOSTED", "DTUSER", "TRNAMT", "FITID", "NAME", "MEMO",
		"CHECKNUM", "REFNUM", "ACCTID", "CURDEF", "CURRENCY", "BALAMT",
		"DTASOF", "DTSTART", "DTEND",
	} {
		ofxFieldCache[tag] = regexp.MustCompile(`(?is)<` + tag + `>([^<]*)</` + tag + `>`)
	}
}

// OFXParser reads OFX 1.x (SGML) and 2.x (XML) statement downloads
type OFXParser struct {
	DefaultCurrency string
}

// NewOFXParser creates an OFX parser
func NewOFXParser() *OFXParser {
	return &OFXParser{}
}

func (p *OFXParser) Format() Format {
	return FormatOFX
}

func (p *OFXParser) SupportedExtensions() []string {
	return []string{".ofx", ".qfx"}
}

func (p *OFXParser) Validate(head []byte) bool {
	upper := bytes.ToUpper(head)
	return bytes.Contains(upper, []byte("OFXHEADER")) || bytes.Contains(upper, []byte("<OFX>"))
}

// Parse extracts every STMTTRN block. Each block stands alone: a block with
// an unreadable date or amount is skipped and the rest are kept.
func (p *OFXParser) Parse(content []byte) (*Result, error) {
	body := string(trimBOM(content))
	start := strings.Index(strings.ToUpper(body), "<OFX>")
	if start < 0 {
		return nil, parseErr(FormatOFX, 0, "missing <OFX> root")
	}
	body = normalizeOFX(body[start:])

	res := &Result{Format: FormatOFX}
	info := &StatementInfo{
		AccountNumber: ofxField(body, "ACCTID"),
		Currency:      strings.ToUpper(ofxField(body, "CURDEF")),
	}
	if info.Currency == "" {
		info.Currency = p.DefaultCurrency
	}
	if t, err := parseStamp(ofxField(body, "DTSTART")); err == nil {
		info.StartDate = t
	}
	if t, err := parseStamp(ofxField(body, "DTEND")); err == nil {
		info.EndDate = t
	}

	if !ofxTranList.MatchString(body) {
		res.skip(0, 0, "no BANKTRANLIST element")
	}

	total := decimal.Zero
	for i, m := range ofxStmtTrn.FindAllStringSubmatch(body, -1) {
		entry := i + 1
		tx, err := p.transaction(m[1], info)
		if err != nil {
			res.skip(0, entry, "skip STMTTRN: %v", err)
			continue
		}
		tx.Raw = strings.TrimSpace(m[0])
		total = total.Add(tx.Amount)
		res.Transactions = append(res.Transactions, tx)
	}
	res.Count = len(res.Transactions)

	if bal := ofxLedgerBal.FindStringSubmatch(body); bal != nil {
		if end, err := amount.Parse(ofxField(bal[1], "BALAMT")); err == nil {
			start := end.Sub(total)
			info.BalanceEnd = &end
			info.BalanceStart = &start
			if t, err := parseStamp(ofxField(bal[1], "DTASOF")); err == nil && info.EndDate.IsZero() {
				info.EndDate = t
			}
		} else {
			res.skip(0, 0, "unreadable LEDGERBAL amount")
		}
	} else {
		res.skip(0, 0, "no LEDGERBAL element")
	}
	res.Statement = info
	return res, nil
}

func (p *OFXParser) transaction(block string, info *StatementInfo) (models.CanonicalTransaction, error) {
	stamp := ofxField(block, "DTPOSTED")
	if stamp == "" {
		stamp = ofxField(block, "DTUSER")
	}
	date, err := parseStamp(stamp)
	if err != nil {
		return models.CanonicalTransaction{}, err
	}
	amt, err := amount.Parse(ofxField(block, "TRNAMT"))
	if err != nil {
		return models.CanonicalTransaction{}, err
	}

	name := ofxField(block, "NAME")
	memo := ofxField(block, "MEMO")
	ref := name
	switch {
	case ref == "":
		ref = memo
	case memo != "" && memo != name:
		ref = name + ": " + memo
	}

	currency := strings.ToUpper(ofxField(block, "CURRENCY"))
	if currency == "" {
		currency = info.Currency
	}
	reference := ofxField(block, "FITID")
	if reference == "" {
		reference = firstNonEmpty(ofxField(block, "REFNUM"), ofxField(block, "CHECKNUM"))
	}

	return models.CanonicalTransaction{
		Date:             date,
		Amount:           amt,
		Currency:         currency,
		PaymentRef:       ref,
		CounterpartyName: name,
		AccountNumber:    info.AccountNumber,
		TransactionType:  ofxField(block, "TRNTYPE"),
		Reference:        reference,
		Narration:        memo,
	}, nil
}

// normalizeOFX closes SGML tags that carry a value but no end tag and
// writes one element per line. A value runs to the next tag.
func normalizeOFX(body string) string {
	tags := ofxTag.FindAllStringSubmatchIndex(body, -1)
	lines := make([]string, 0, len(tags))
	for i := 0; i < len(tags); i++ {
		m := tags[i]
		closing := m[3] > m[2]
		name := body[m[4]:m[5]]
		if closing {
			lines = append(lines, "</"+name+">")
			continue
		}

		next := len(body)
		if i+1 < len(tags) {
			next = tags[i+1][0]
		}
		value := strings.TrimSpace(body[m[1]:next])
		if value == "" {
			lines = append(lines, "<"+name+">")
			continue
		}
		lines = append(lines, "<"+name+">"+value+"</"+name+">")
		if i+1 < len(tags) {
			n := tags[i+1]
			if n[3] > n[2] && strings.EqualFold(body[n[4]:n[5]], name) {
				i++
			}
		}
	}
	return strings.Join(lines, "\n")
}

func ofxField(block, tag string) string {
	re, ok := ofxFieldCache[tag]
	if !ok {
		return ""
	}
	m := re.FindStringSubmatch(block)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(unescapeSGML(m[1]))
}

var sgmlEntities = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'")

func unescapeSGML(s string) string {
	return sgmlEntities.Replace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
