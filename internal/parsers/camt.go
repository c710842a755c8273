package parsers

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// Balance type codes that open and close a statement
var (
	camtOpeningCodes = map[string]bool{"OPBD": true, "PRCD": true, "OPAV": true}
	camtClosingCodes = map[string]bool{"CLBD": true, "CLAV": true}
)

// camtContainers lists report containers of camt.053, camt.052 and camt.054
var camtContainers = [][2]string{
	{"BkToCstmrStmt", "Stmt"},
	{"BkToCstmrAcctRpt", "Rpt"},
	{"BkToCstmrDbtCdtNtfctn", "Ntfctn"},
}

// CAMTParser reads ISO 20022 cash management statements
type CAMTParser struct {
	DefaultCurrency string
}

// NewCAMTParser creates a CAMT parser
func NewCAMTParser() *CAMTParser {
	return &CAMTParser{}
}

func (p *CAMTParser) Format() Format {
	return FormatCAMT
}

func (p *CAMTParser) SupportedExtensions() []string {
	return []string{".xml", ".053", ".camt"}
}

func (p *CAMTParser) Validate(head []byte) bool {
	if !bytes.Contains(head, []byte("<")) {
		return false
	}
	return bytes.Contains(head, []byte("camt.05")) ||
		bytes.Contains(head, []byte("BkToCstmr"))
}

// Parse reads the whole document. A malformed document or one without a
// statement is fatal; inside a statement, unreadable entries are skipped.
func (p *CAMTParser) Parse(content []byte) (*Result, error) {
	root, err := parseXMLTree(content)
	if err != nil {
		return nil, &ParseError{Format: FormatCAMT, Err: err}
	}
	if root.local != "Document" {
		return nil, parseErr(FormatCAMT, 0, "root element %q is not Document", root.local)
	}

	var stmts []*xmlNode
	for _, c := range camtContainers {
		if container := root.find(c[0]); container != nil {
			stmts = append(stmts, container.findAll(c[1])...)
		}
	}
	if len(stmts) == 0 {
		return nil, parseErr(FormatCAMT, 0, "no statement element")
	}

	res := &Result{Format: FormatCAMT}
	entry := 0
	for i, stmt := range stmts {
		info := p.statementInfo(stmt)
		if i == 0 {
			res.Statement = info
		} else {
			p.mergeStatement(res, info, i+1)
		}

		for _, ntry := range stmt.findAll("Ntry") {
			entry++
			txs, err := p.entry(ntry, info, content)
			if err != nil {
				res.skip(0, entry, "skip Ntry: %v", err)
				continue
			}
			res.Transactions = append(res.Transactions, txs...)
		}
	}
	res.Count = len(res.Transactions)
	return res, nil
}

// mergeStatement folds a later statement of the same document into the
// reported one: the opening balance stays with the first, the closing
// balance moves to the last.
func (p *CAMTParser) mergeStatement(res *Result, info *StatementInfo, n int) {
	cur := res.Statement
	if info.AccountNumber != cur.AccountNumber {
		res.skip(0, 0, "statement %d is for account %s; only balances of account %s are reported", n, info.AccountNumber, cur.AccountNumber)
		return
	}
	if cur.BalanceEnd != nil && info.BalanceStart != nil && !cur.BalanceEnd.Equal(*info.BalanceStart) {
		res.skip(0, 0, "statement %d opens at %s but statement %d closed at %s", n, info.BalanceStart, n-1, cur.BalanceEnd)
	}
	if cur.BalanceStart == nil {
		cur.BalanceStart = info.BalanceStart
		cur.StartDate = info.StartDate
	}
	if info.BalanceEnd != nil {
		cur.BalanceEnd = info.BalanceEnd
	}
	if !info.EndDate.IsZero() {
		cur.EndDate = info.EndDate
	}
}

func (p *CAMTParser) statementInfo(stmt *xmlNode) *StatementInfo {
	info := &StatementInfo{
		Reference: stmt.text("Id"),
		Currency:  stmt.text("Acct", "Ccy"),
	}
	info.AccountNumber = stmt.text("Acct", "Id", "IBAN")
	if info.AccountNumber == "" {
		info.AccountNumber = stmt.text("Acct", "Id", "Othr", "Id")
	}

	for _, bal := range stmt.findAll("Bal") {
		code := bal.text("Tp", "CdOrPrtry", "Cd")
		value, ccy, err := camtAmount(bal)
		if err != nil {
			continue
		}
		if info.Currency == "" {
			info.Currency = ccy
		}
		date, _ := camtDate(bal.find("Dt"))
		switch {
		case camtOpeningCodes[code] && info.BalanceStart == nil:
			info.BalanceStart = &value
			info.StartDate = date
		case camtClosingCodes[code] && (info.BalanceEnd == nil || code == "CLBD"):
			info.BalanceEnd = &value
			info.EndDate = date
		}
	}
	if info.Currency == "" {
		info.Currency = p.DefaultCurrency
	}
	if from, err := camtDate(stmt.find("FrToDt", "FrDtTm")); err == nil && info.StartDate.IsZero() {
		info.StartDate = from
	}
	if to, err := camtDate(stmt.find("FrToDt", "ToDtTm")); err == nil && info.EndDate.IsZero() {
		info.EndDate = to
	}
	return info
}

// entry converts one Ntry. Transaction details, when they carry their own
// amount, replace the entry-level amount with one transaction each.
func (p *CAMTParser) entry(ntry *xmlNode, info *StatementInfo, content []byte) ([]models.CanonicalTransaction, error) {
	date, err := camtDate(ntry.find("BookgDt"))
	if err != nil {
		date, err = camtDate(ntry.find("ValDt"))
		if err != nil {
			return nil, fmt.Errorf("no booking or value date")
		}
	}
	entryAmt, entryCcy, err := camtAmount(ntry)
	if err != nil {
		return nil, err
	}
	if entryCcy == "" {
		entryCcy = info.Currency
	}

	base := models.CanonicalTransaction{
		Date:            date,
		Amount:          entryAmt,
		Currency:        entryCcy,
		AccountNumber:   info.AccountNumber,
		TransactionType: camtBankCode(ntry),
		Reference:       ntry.text("AcctSvcrRef"),
		Narration:       ntry.text("AddtlNtryInf"),
		PaymentRef:      ntry.text("AddtlNtryInf"),
		Raw:             ntry.raw(content),
	}

	var details []*xmlNode
	for _, dtls := range ntry.findAll("NtryDtls") {
		details = append(details, dtls.findAll("TxDtls")...)
	}
	if len(details) == 0 {
		return []models.CanonicalTransaction{base}, nil
	}

	indicator := ntry.text("CdtDbtInd")
	txs := make([]models.CanonicalTransaction, 0, len(details))
	for _, d := range details {
		tx := base
		if amt, ccy, err := camtDetailAmount(d, indicator); err == nil {
			tx.Amount = amt
			if ccy != "" {
				tx.Currency = ccy
			}
		} else if len(details) > 1 {
			continue
		}
		p.applyDetails(&tx, d)
		tx.Raw = d.raw(content)
		txs = append(txs, tx)
	}
	if len(txs) == 0 {
		return []models.CanonicalTransaction{base}, nil
	}
	return txs, nil
}

func (p *CAMTParser) applyDetails(tx *models.CanonicalTransaction, d *xmlNode) {
	var ustrd []string
	for _, rmt := range d.findAll("RmtInf") {
		for _, u := range rmt.findAll("Ustrd") {
			if t := strings.TrimSpace(u.content); t != "" {
				ustrd = append(ustrd, t)
			}
		}
		if ref := rmt.text("Strd", "CdtrRefInf", "Ref"); ref != "" {
			ustrd = append(ustrd, ref)
		}
	}
	if len(ustrd) > 0 {
		tx.PaymentRef = strings.Join(ustrd, " ")
	}
	if info := d.text("AddtlTxInf"); info != "" {
		tx.Narration = info
	}

	// The counterparty is the debtor of money received and the creditor of
	// money paid.
	party, acct := "Cdtr", "CdtrAcct"
	if tx.Amount.IsPositive() {
		party, acct = "Dbtr", "DbtrAcct"
	}
	if name := firstNonEmpty(d.text("RltdPties", party, "Nm"), d.text("RltdPties", party, "Pty", "Nm")); name != "" {
		tx.CounterpartyName = name
	}
	if iban := firstNonEmpty(d.text("RltdPties", acct, "Id", "IBAN"), d.text("RltdPties", acct, "Id", "Othr", "Id")); iban != "" {
		tx.AccountNumber = iban
	}
	if ref := firstNonEmpty(d.text("Refs", "EndToEndId"), d.text("Refs", "AcctSvcrRef")); ref != "" && ref != "NOTPROVIDED" {
		tx.Reference = ref
	}
	if tx.PaymentRef == "" {
		tx.PaymentRef = tx.CounterpartyName
	}
}

func camtDetailAmount(d *xmlNode, entryIndicator string) (decimal.Decimal, string, error) {
	amtNode := d.find("Amt")
	if amtNode == nil {
		amtNode = d.find("AmtDtls", "TxAmt", "Amt")
	}
	if amtNode == nil {
		return decimal.Zero, "", errors.New("no detail amount")
	}
	value, err := amount.ParseWithSeparator(amtNode.content, '.')
	if err != nil {
		return decimal.Zero, "", err
	}
	indicator := d.text("CdtDbtInd")
	if indicator == "" {
		indicator = entryIndicator
	}
	if indicator == "DBIT" {
		value = value.Neg()
	}
	return value, amtNode.attr("Ccy"), nil
}

func camtAmount(n *xmlNode) (decimal.Decimal, string, error) {
	amtNode := n.find("Amt")
	if amtNode == nil {
		return decimal.Zero, "", errors.New("no Amt element")
	}
	value, err := amount.ParseWithSeparator(amtNode.content, '.')
	if err != nil {
		return decimal.Zero, "", err
	}
	switch n.text("CdtDbtInd") {
	case "DBIT":
		value = value.Neg()
	case "CRDT":
	default:
		return decimal.Zero, "", errors.New("missing credit/debit indicator")
	}
	return value, amtNode.attr("Ccy"), nil
}

func camtDate(n *xmlNode) (time.Time, error) {
	if n == nil {
		return time.Time{}, errors.New("no date element")
	}
	s := n.text("Dt")
	if s == "" {
		s = n.text("DtTm")
	}
	if s == "" {
		s = strings.TrimSpace(n.content)
	}
	if len(s) >= 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func camtBankCode(ntry *xmlNode) string {
	domain := ntry.find("BkTxCd", "Domn")
	if domain != nil {
		parts := []string{domain.text("Cd"), domain.text("Fmly", "Cd"), domain.text("Fmly", "SubFmlyCd")}
		return strings.Trim(strings.Join(parts, "/"), "/")
	}
	return ntry.text("BkTxCd", "Prtry", "Cd")
}

// xmlNode is a minimal element tree that keeps resolved namespaces and the
// byte range of each element.
type xmlNode struct {
	space    string
	local    string
	attrs    []xml.Attr
	children []*xmlNode
	content  string
	start    int64
	end      int64
	// namespaces declared anywhere in the document, shared by all nodes
	spaces *[]string
}

func parseXMLTree(content []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	dec.Strict = false
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	spaces := &[]string{}
	seen := map[string]bool{}
	var (
		root  *xmlNode
		stack []*xmlNode
	)
	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{space: t.Name.Space, local: t.Name.Local, attrs: t.Attr, start: offset, spaces: spaces}
			for _, a := range t.Attr {
				if (a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns")) && !seen[a.Value] {
					seen[a.Value] = true
					*spaces = append(*spaces, a.Value)
				}
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("unbalanced end element")
			}
			n := stack[len(stack)-1]
			n.end = dec.InputOffset()
			n.content = strings.TrimSpace(n.content)
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].content += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("empty document")
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("unclosed element %q", stack[len(stack)-1].local)
	}
	return root, nil
}

// child returns the first child named local. An unqualified child is tried
// first, then each namespace declared in the document.
func (n *xmlNode) child(local string) *xmlNode {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.local == local && c.space == "" {
			return c
		}
	}
	for _, ns := range *n.spaces {
		for _, c := range n.children {
			if c.local == local && c.space == ns {
				return c
			}
		}
	}
	return nil
}

func (n *xmlNode) childrenNamed(local string) []*xmlNode {
	if n == nil {
		return nil
	}
	var out []*xmlNode
	for _, c := range n.children {
		if c.local != local {
			continue
		}
		if c.space == "" || n.declared(c.space) {
			out = append(out, c)
		}
	}
	return out
}

func (n *xmlNode) declared(space string) bool {
	for _, ns := range *n.spaces {
		if ns == space {
			return true
		}
	}
	return false
}

// find walks a path of element names
func (n *xmlNode) find(path ...string) *xmlNode {
	cur := n
	for _, seg := range path {
		cur = cur.child(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// findAll returns every element matching the last path segment
func (n *xmlNode) findAll(path ...string) []*xmlNode {
	if len(path) == 0 {
		return nil
	}
	parent := n.find(path[:len(path)-1]...)
	return parent.childrenNamed(path[len(path)-1])
}

func (n *xmlNode) text(path ...string) string {
	found := n.find(path...)
	if found == nil {
		return ""
	}
	return found.content
}

func (n *xmlNode) attr(local string) string {
	for _, a := range n.attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func (n *xmlNode) raw(content []byte) string {
	if n.start < 0 || n.end > int64(len(content)) || n.start >= n.end {
		return ""
	}
	return string(content[n.start:n.end])
}
