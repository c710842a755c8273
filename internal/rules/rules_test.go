package rules

import (
	"errors"
	"testing"

	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func line(amt string) *models.Transaction {
	return &models.Transaction{ID: "t1", AccountID: "acc", Amount: dec(amt)}
}

func baseRule(id string) models.ReconcileRule {
	return models.ReconcileRule{
		ID:       id,
		Name:     id,
		Active:   true,
		RuleType: models.RuleTypeWriteOffSuggestion,
	}
}

func mustCompile(t *testing.T, r models.ReconcileRule) *Rule {
	t.Helper()
	c, err := Compile(r)
	if err != nil {
		t.Fatalf("Compile(%s) failed: %v", r.ID, err)
	}
	return c
}

func TestRule_NatureFilter(t *testing.T) {
	received := baseRule("received")
	received.MatchNature = models.NatureReceived
	paid := baseRule("paid")
	paid.MatchNature = models.NaturePaid

	tests := []struct {
		name   string
		rule   models.ReconcileRule
		amount string
		want   bool
	}{
		{name: "received accepts credit", rule: received, amount: "10", want: true},
		{name: "received rejects debit", rule: received, amount: "-10", want: false},
		{name: "paid accepts debit", rule: paid, amount: "-10", want: true},
		{name: "paid rejects credit", rule: paid, amount: "10", want: false},
		{name: "both accepts anything", rule: baseRule("both"), amount: "-10", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustCompile(t, tt.rule)
			if got := r.Matches(line(tt.amount)); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRule_AmountFilter(t *testing.T) {
	between := baseRule("between")
	between.MatchAmount = models.AmountBetween
	between.MatchAmountMin = dec("10")
	between.MatchAmountMax = dec("50")

	lower := baseRule("lower")
	lower.MatchAmount = models.AmountLower
	lower.MatchAmountMax = dec("100")

	greater := baseRule("greater")
	greater.MatchAmount = models.AmountGreater
	greater.MatchAmountMin = dec("100")

	tests := []struct {
		name   string
		rule   models.ReconcileRule
		amount string
		want   bool
	}{
		{name: "between inside", rule: between, amount: "30", want: true},
		{name: "between inside negative", rule: between, amount: "-30", want: true},
		{name: "between below", rule: between, amount: "5", want: false},
		{name: "between above", rule: between, amount: "60", want: false},
		{name: "between lower bound", rule: between, amount: "10", want: true},
		{name: "between upper bound", rule: between, amount: "50", want: true},
		{name: "lower accepts", rule: lower, amount: "-99.99", want: true},
		{name: "lower rejects bound", rule: lower, amount: "100", want: false},
		{name: "greater accepts", rule: greater, amount: "-100.01", want: true},
		{name: "greater rejects bound", rule: greater, amount: "100", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustCompile(t, tt.rule)
			if got := r.Matches(line(tt.amount)); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRule_LabelFilter(t *testing.T) {
	tx := &models.Transaction{
		Amount:     dec("-12.50"),
		PaymentRef: "CARD PAYMENT Coffee Shop",
		Narration:  "monthly subscription",
		Reference:  "INV-2024-001",
	}

	tests := []struct {
		name                   string
		label                  models.LabelCondition
		param                  string
		inLabel, inNote, inRef bool
		want                   bool
	}{
		{name: "contains in label", label: models.LabelContains, param: "coffee", inLabel: true, want: true},
		{name: "contains in note only", label: models.LabelContains, param: "subscription", inLabel: true, want: false},
		{name: "contains note enabled", label: models.LabelContains, param: "subscription", inNote: true, want: true},
		{name: "not contains passes", label: models.LabelNotContains, param: "salary", inLabel: true, inNote: true, want: true},
		{name: "not contains rejects", label: models.LabelNotContains, param: "card", inLabel: true, want: false},
		{name: "regex on reference", label: models.LabelRegex, param: `^INV-\d{4}-`, inRef: true, want: true},
		{name: "regex misses label", label: models.LabelRegex, param: `^INV-\d{4}-`, inLabel: true, want: false},
		{name: "no source skips filter", label: models.LabelContains, param: "missing", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := baseRule("label")
			rule.MatchLabel = tt.label
			rule.MatchLabelParam = tt.param
			rule.MatchTextLocationLabel = tt.inLabel
			rule.MatchTextLocationNote = tt.inNote
			rule.MatchTextLocationReference = tt.inRef

			r := mustCompile(t, rule)
			if got := r.Matches(tx); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRule_FilterOrder(t *testing.T) {
	rule := baseRule("ordered")
	rule.MatchNature = models.NatureReceived
	rule.MatchAmount = models.AmountGreater
	rule.MatchAmountMin = dec("1000")
	rule.MatchPartner = true

	r := mustCompile(t, rule)
	if got := r.Explain(line("-5")); got != "nature" {
		t.Errorf("expected nature to fail first, got %q", got)
	}
	if got := r.Explain(line("5")); got != "amount_greater" {
		t.Errorf("expected amount to fail next, got %q", got)
	}
	if got := r.Explain(line("5000")); got != "partner" {
		t.Errorf("expected partner to fail last, got %q", got)
	}

	tx := line("5000")
	tx.PartnerID = "p1"
	if got := r.Explain(tx); got != "" {
		t.Errorf("expected match, got failure %q", got)
	}
}

func TestRule_PartnerIDs(t *testing.T) {
	rule := baseRule("partners")
	rule.MatchPartnerIDs = []string{"p1", "p2"}
	r := mustCompile(t, rule)

	tx := line("10")
	tx.PartnerID = "p2"
	if !r.Matches(tx) {
		t.Error("expected listed partner to match")
	}
	tx.PartnerID = "p3"
	if r.Matches(tx) {
		t.Error("expected unlisted partner to be rejected")
	}
}

func TestRule_AccountFilter(t *testing.T) {
	rule := baseRule("journal")
	rule.AccountIDs = []string{"acc"}
	r := mustCompile(t, rule)

	if !r.Matches(line("10")) {
		t.Error("expected account acc to match")
	}
	other := line("10")
	other.AccountID = "other"
	if r.Matches(other) {
		t.Error("expected other account to be rejected")
	}
}

func TestRule_ComputeAmount(t *testing.T) {
	rule := baseRule("lines")
	rule.Lines = []models.RuleLine{
		{Label: "fixed", AmountType: models.LineAmountFixed, AmountString: "-2,50"},
		{Label: "pct", AmountType: models.LineAmountPercentage, AmountString: "10"},
		{Label: "regex", AmountType: models.LineAmountRegex, AmountString: `FEE ([0-9.,]+)`},
	}
	r := mustCompile(t, rule)

	tx := &models.Transaction{Amount: dec("-123.45"), PaymentRef: "TRANSFER FEE 1.234,56 EUR"}
	tests := []struct {
		line int
		want string
	}{
		{line: 0, want: "2.5"},
		{line: 1, want: "12.35"},
		{line: 2, want: "1234.56"},
		{line: 7, want: "0"},
	}
	for _, tt := range tests {
		if got := r.ComputeAmount(tt.line, tx); !got.Equal(dec(tt.want)) {
			t.Errorf("line %d: expected %s, got %s", tt.line, tt.want, got)
		}
	}

	miss := &models.Transaction{Amount: dec("10"), PaymentRef: "no fee here"}
	if got := r.ComputeAmount(2, miss); !got.IsZero() {
		t.Errorf("expected zero for unmatched pattern, got %s", got)
	}
}

func TestRule_WriteOffs(t *testing.T) {
	rule := baseRule("writeoff")
	rule.Lines = []models.RuleLine{
		{Label: "bank fee", AccountCode: "6270", AmountType: models.LineAmountFixed, AmountString: "5"},
		{AmountType: models.LineAmountRegex, AmountString: `none (\d+)`},
		{Label: "rest", AmountType: models.LineAmountPercentage, AmountString: "100"},
	}
	r := mustCompile(t, rule)

	got := r.WriteOffs(line("-20"), dec("20"))
	if len(got) != 2 {
		t.Fatalf("expected 2 write-offs, got %d", len(got))
	}
	if got[0].Label != "bank fee" || !got[0].Amount.Equal(dec("5")) || got[0].AccountCode != "6270" {
		t.Errorf("unexpected first write-off %+v", got[0])
	}
	if !got[1].Amount.Equal(dec("15")) {
		t.Errorf("expected remainder capped at 15, got %s", got[1].Amount)
	}
}

func TestRule_FindPartner_FirstMatchWins(t *testing.T) {
	rule := baseRule("mapping")
	rule.PartnerMappings = []models.PartnerMapping{
		{PaymentRefRegex: `(?i)acme`, PartnerID: "generic"},
		{PaymentRefRegex: `(?i)acme corp invoice \d+`, PartnerID: "specific"},
	}
	r := mustCompile(t, rule)

	tx := &models.Transaction{PaymentRef: "ACME Corp invoice 42"}
	id, ok := r.FindPartner(tx)
	if !ok || id != "generic" {
		t.Errorf("expected generic, got %q (%v)", id, ok)
	}

	if _, ok := r.FindPartner(&models.Transaction{PaymentRef: "unknown"}); ok {
		t.Error("expected no partner")
	}
}

func TestRule_FindPartner_AllPatternsMustMatch(t *testing.T) {
	rule := baseRule("mapping")
	rule.PartnerMappings = []models.PartnerMapping{
		{PaymentRefRegex: `rent`, PartnerNameRegex: `^Landlord`, PartnerID: "landlord"},
	}
	r := mustCompile(t, rule)

	if _, ok := r.FindPartner(&models.Transaction{PaymentRef: "rent", CounterpartyName: "Someone"}); ok {
		t.Error("expected counterparty mismatch to fail the mapping")
	}
	if id, ok := r.FindPartner(&models.Transaction{PaymentRef: "rent may", CounterpartyName: "Landlord Ltd"}); !ok || id != "landlord" {
		t.Errorf("expected landlord, got %q", id)
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.ReconcileRule)
	}{
		{name: "missing id", mutate: func(r *models.ReconcileRule) { r.ID = "" }},
		{name: "rule type", mutate: func(r *models.ReconcileRule) { r.RuleType = "magic" }},
		{name: "nature", mutate: func(r *models.ReconcileRule) { r.MatchNature = "sideways" }},
		{name: "amount condition", mutate: func(r *models.ReconcileRule) { r.MatchAmount = "around" }},
		{name: "empty range", mutate: func(r *models.ReconcileRule) {
			r.MatchAmount = models.AmountBetween
			r.MatchAmountMin = dec("50")
			r.MatchAmountMax = dec("10")
		}},
		{name: "label regex", mutate: func(r *models.ReconcileRule) {
			r.MatchLabel = models.LabelRegex
			r.MatchLabelParam = "("
			r.MatchTextLocationLabel = true
		}},
		{name: "line amount", mutate: func(r *models.ReconcileRule) {
			r.Lines = []models.RuleLine{{AmountType: models.LineAmountFixed, AmountString: "abc"}}
		}},
		{name: "line type", mutate: func(r *models.ReconcileRule) {
			r.Lines = []models.RuleLine{{AmountType: "formula", AmountString: "1"}}
		}},
		{name: "mapping without pattern", mutate: func(r *models.ReconcileRule) {
			r.PartnerMappings = []models.PartnerMapping{{PartnerID: "p"}}
		}},
		{name: "mapping regex", mutate: func(r *models.ReconcileRule) {
			r.PartnerMappings = []models.PartnerMapping{{PaymentRefRegex: "[", PartnerID: "p"}}
		}},
		{name: "tolerance type", mutate: func(r *models.ReconcileRule) { r.ToleranceType = "loose" }},
		{name: "negative tolerance", mutate: func(r *models.ReconcileRule) { r.ToleranceValue = dec("-1") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRule("bad")
			tt.mutate(&r)
			_, err := Compile(r)
			if !errors.Is(err, ErrInvalidRule) {
				t.Errorf("expected ErrInvalidRule, got %v", err)
			}
		})
	}
}

func TestTolerance_Within(t *testing.T) {
	pct := Tolerance{Type: models.TolerancePercentage, Value: dec("2")}
	fixed := Tolerance{Type: models.ToleranceFixedAmount, Value: dec("1.50")}
	exact := Tolerance{Type: models.TolerancePercentage}

	tests := []struct {
		name      string
		tol       Tolerance
		candidate string
		target    string
		want      bool
	}{
		{name: "percentage inside", tol: pct, candidate: "98", target: "100", want: true},
		{name: "percentage outside", tol: pct, candidate: "97.99", target: "-100", want: false},
		{name: "fixed inside", tol: fixed, candidate: "101.50", target: "100", want: true},
		{name: "fixed outside", tol: fixed, candidate: "101.51", target: "100", want: false},
		{name: "exact rounding", tol: exact, candidate: "100.005", target: "100", want: true},
		{name: "exact miss", tol: exact, candidate: "100.02", target: "100", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tol.Within(dec(tt.candidate), dec(tt.target)); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	low, high := fixed.Range(dec("-100"))
	if !low.Equal(dec("98.5")) || !high.Equal(dec("101.5")) {
		t.Errorf("expected range 98.5..101.5, got %s..%s", low, high)
	}
}

func TestEngine_OrderAndSelection(t *testing.T) {
	first := baseRule("b")
	first.Sequence = 1
	second := baseRule("a")
	second.Sequence = 1
	button := baseRule("button")
	button.Sequence = 0
	button.RuleType = models.RuleTypeWriteOffButton
	button.AutoReconcile = true
	auto := baseRule("auto")
	auto.Sequence = 5
	auto.AutoReconcile = true
	inactive := baseRule("inactive")
	inactive.Active = false
	inactive.AutoReconcile = true

	e, err := NewEngine([]models.ReconcileRule{auto, first, inactive, second, button})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	var ids []string
	for _, r := range e.Rules() {
		ids = append(ids, r.ID)
	}
	want := []string{"button", "inactive", "a", "b", "auto"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, ids)
		}
	}

	if got := len(e.Active()); got != 4 {
		t.Errorf("expected 4 active rules, got %d", got)
	}
	autoRules := e.AutoRules()
	if len(autoRules) != 1 || autoRules[0].ID != "auto" {
		t.Errorf("expected only auto in AutoRules, got %d rules", len(autoRules))
	}
	if _, ok := e.Get("a"); !ok {
		t.Error("expected to find rule a")
	}
}

func TestEngine_FindPartner_EarlierRuleWins(t *testing.T) {
	specific := baseRule("specific")
	specific.Sequence = 20
	specific.PartnerMappings = []models.PartnerMapping{{PaymentRefRegex: `^SEPA ACME GMBH REF \d+$`, PartnerID: "acme-gmbh"}}
	broad := baseRule("broad")
	broad.Sequence = 10
	broad.PartnerMappings = []models.PartnerMapping{{PaymentRefRegex: `ACME`, PartnerID: "acme"}}
	off := baseRule("off")
	off.Active = false
	off.PartnerMappings = []models.PartnerMapping{{PaymentRefRegex: `.`, PartnerID: "nobody"}}

	e, err := NewEngine([]models.ReconcileRule{specific, broad, off})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	partner, ruleID, ok := e.FindPartner(&models.Transaction{PaymentRef: "SEPA ACME GMBH REF 42"})
	if !ok || partner != "acme" || ruleID != "broad" {
		t.Errorf("expected acme from broad, got %q from %q", partner, ruleID)
	}
	if _, _, ok := e.FindPartner(&models.Transaction{PaymentRef: "other"}); ok {
		t.Error("expected no match")
	}
}

func TestEngine_DuplicateID(t *testing.T) {
	_, err := NewEngine([]models.ReconcileRule{baseRule("x"), baseRule("x")})
	if !errors.Is(err, ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule, got %v", err)
	}
}
