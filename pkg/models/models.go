package models

import (
	"time"

	"github.com/savegress/bankrecon/pkg/amount"
	"github.com/shopspring/decimal"
)

// CanonicalTransaction is the record every format parser produces
type CanonicalTransaction struct {
	Date             time.Time       `json:"date"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency,omitempty"`
	PaymentRef       string          `json:"payment_ref"`
	CounterpartyName string          `json:"counterparty_name,omitempty"`
	AccountNumber    string          `json:"account_number,omitempty"`
	TransactionType  string          `json:"transaction_type,omitempty"`
	Reference        string          `json:"reference,omitempty"`
	Narration        string          `json:"narration,omitempty"`
	Raw              string          `json:"raw,omitempty"`
}

// ReconcileState is the settlement state of a bank transaction
type ReconcileState string

const (
	StateUnreconciled        ReconcileState = "unreconciled"
	StatePartiallyReconciled ReconcileState = "partially_reconciled"
	StateReconciled          ReconcileState = "reconciled"
)

// Transaction is a line of a bank statement
type Transaction struct {
	ID                  string          `json:"id"`
	AccountID           string          `json:"account_id"`
	StatementID         string          `json:"statement_id,omitempty"`
	Date                time.Time       `json:"date"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	PaymentRef          string          `json:"payment_ref"`
	Narration           string          `json:"narration,omitempty"`
	Reference           string          `json:"reference,omitempty"`
	CounterpartyName    string          `json:"counterparty_name,omitempty"`
	CounterpartyAccount string          `json:"counterparty_account,omitempty"`
	TransactionType     string          `json:"transaction_type,omitempty"`
	PartnerID           string          `json:"partner_id,omitempty"`
	Sequence            int64           `json:"sequence"`
	OrderingKey         string          `json:"ordering_key"`
	RunningBalance      decimal.Decimal `json:"running_balance"`
	AmountResidual      decimal.Decimal `json:"amount_residual"`
	IsReconciled        bool            `json:"is_reconciled"`
	Checked             bool            `json:"checked"`
	ImportID            string          `json:"import_id,omitempty"`
	Raw                 string          `json:"raw,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// State derives the settlement state from the residual amount
func (t *Transaction) State() ReconcileState {
	if t.IsReconciled || amount.IsZero(t.AmountResidual) {
		return StateReconciled
	}
	if t.AmountResidual.LessThan(t.Amount.Abs()) {
		return StatePartiallyReconciled
	}
	return StateUnreconciled
}

// IsReceived reports whether money came into the account
func (t *Transaction) IsReceived() bool {
	return t.Amount.IsPositive()
}

// Statement groups the transactions of one bank export
type Statement struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	Name              string          `json:"name"`
	Reference         string          `json:"reference,omitempty"`
	Date              time.Time       `json:"date"`
	Currency          string          `json:"currency,omitempty"`
	BalanceStart      decimal.Decimal `json:"balance_start"`
	BalanceEnd        decimal.Decimal `json:"balance_end"`
	BalanceEndReal    decimal.Decimal `json:"balance_end_real"`
	IsComplete        bool            `json:"is_complete"`
	IsValid           bool            `json:"is_valid"`
	ValidationMessage string          `json:"validation_message,omitempty"`
	FirstLineKey      string          `json:"first_line_key,omitempty"`
	LineCount         int             `json:"line_count"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// RuleType tells the orchestrator how a matching rule is used
type RuleType string

const (
	RuleTypeWriteOffButton     RuleType = "writeoff_button"
	RuleTypeWriteOffSuggestion RuleType = "writeoff_suggestion"
	RuleTypeInvoiceMatching    RuleType = "invoice_matching"
)

// MatchNature restricts a rule to incoming or outgoing money
type MatchNature string

const (
	NatureReceived MatchNature = "amount_received"
	NaturePaid     MatchNature = "amount_paid"
	NatureBoth     MatchNature = "both"
)

// AmountCondition compares the absolute transaction amount to thresholds
type AmountCondition string

const (
	AmountAny     AmountCondition = ""
	AmountLower   AmountCondition = "lower"
	AmountGreater AmountCondition = "greater"
	AmountBetween AmountCondition = "between"
)

// LabelCondition selects the text filter kind
type LabelCondition string

const (
	LabelAny         LabelCondition = ""
	LabelContains    LabelCondition = "contains"
	LabelNotContains LabelCondition = "not_contains"
	LabelRegex       LabelCondition = "match_regex"
)

// ToleranceType selects how candidate amounts may deviate
type ToleranceType string

const (
	TolerancePercentage  ToleranceType = "percentage"
	ToleranceFixedAmount ToleranceType = "fixed_amount"
)

// MatchingOrder is the order in which transactions are processed in batch
type MatchingOrder string

const (
	OrderOldFirst MatchingOrder = "old_first"
	OrderNewFirst MatchingOrder = "new_first"
)

// LineAmountType selects how a rule line computes its amount
type LineAmountType string

const (
	LineAmountFixed      LineAmountType = "fixed"
	LineAmountPercentage LineAmountType = "percentage"
	LineAmountRegex      LineAmountType = "regex"
)

// ReconcileRule is a declarative matcher used to suggest or apply reconciliations
type ReconcileRule struct {
	ID                         string           `json:"id" yaml:"id"`
	Name                       string           `json:"name" yaml:"name"`
	Sequence                   int              `json:"sequence" yaml:"sequence"`
	Active                     bool             `json:"active" yaml:"active"`
	RuleType                   RuleType         `json:"rule_type" yaml:"rule_type"`
	AutoReconcile              bool             `json:"auto_reconcile" yaml:"auto_reconcile"`
	MatchingOrder              MatchingOrder    `json:"matching_order,omitempty" yaml:"matching_order"`
	MatchNature                MatchNature      `json:"match_nature,omitempty" yaml:"match_nature"`
	MatchAmount                AmountCondition  `json:"match_amount,omitempty" yaml:"match_amount"`
	MatchAmountMin             decimal.Decimal  `json:"match_amount_min" yaml:"match_amount_min"`
	MatchAmountMax             decimal.Decimal  `json:"match_amount_max" yaml:"match_amount_max"`
	MatchLabel                 LabelCondition   `json:"match_label,omitempty" yaml:"match_label"`
	MatchLabelParam            string           `json:"match_label_param,omitempty" yaml:"match_label_param"`
	MatchTextLocationLabel     bool             `json:"match_text_location_label" yaml:"match_text_location_label"`
	MatchTextLocationNote      bool             `json:"match_text_location_note" yaml:"match_text_location_note"`
	MatchTextLocationReference bool             `json:"match_text_location_reference" yaml:"match_text_location_reference"`
	MatchPartner               bool             `json:"match_partner" yaml:"match_partner"`
	MatchPartnerIDs            []string         `json:"match_partner_ids,omitempty" yaml:"match_partner_ids"`
	AccountIDs                 []string         `json:"account_ids,omitempty" yaml:"account_ids"`
	ToleranceType              ToleranceType    `json:"tolerance_type,omitempty" yaml:"tolerance_type"`
	ToleranceValue             decimal.Decimal  `json:"tolerance_value" yaml:"tolerance_value"`
	Lines                      []RuleLine       `json:"lines,omitempty" yaml:"lines"`
	PartnerMappings            []PartnerMapping `json:"partner_mappings,omitempty" yaml:"partner_mappings"`
}

// RuleLine computes one write-off amount of a rule
type RuleLine struct {
	Label        string         `json:"label" yaml:"label"`
	AccountCode  string         `json:"account_code,omitempty" yaml:"account_code"`
	AmountType   LineAmountType `json:"amount_type" yaml:"amount_type"`
	AmountString string         `json:"amount_string" yaml:"amount_string"`
}

// PartnerMapping infers a partner from the transaction text
type PartnerMapping struct {
	PaymentRefRegex  string `json:"payment_ref_regex,omitempty" yaml:"payment_ref_regex"`
	PartnerNameRegex string `json:"partner_name_regex,omitempty" yaml:"partner_name_regex"`
	PartnerID        string `json:"partner_id" yaml:"partner_id"`
}

// TargetType is the kind of entity a partial reconcile settles
type TargetType string

const (
	TargetInvoice  TargetType = "invoice"
	TargetPayment  TargetType = "payment"
	TargetWriteOff TargetType = "writeoff"
)

// PartialReconcile allocates part of a transaction to a settled entity
type PartialReconcile struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transaction_id"`
	TargetType      TargetType      `json:"target_type"`
	TargetID        string          `json:"target_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Date            time.Time       `json:"date"`
	Label           string          `json:"label,omitempty"`
	AccountCode     string          `json:"account_code,omitempty"`
	RuleID          string          `json:"rule_id,omitempty"`
	FullReconcileID string          `json:"full_reconcile_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// FullReconcile groups partial reconciles that net to zero
type FullReconcile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is an open invoice or payment as seen by the document lookup
type Document struct {
	ID             string          `json:"id" yaml:"id"`
	Type           TargetType      `json:"type" yaml:"type"`
	PartnerID      string          `json:"partner_id" yaml:"partner_id"`
	Reference      string          `json:"reference,omitempty" yaml:"reference"`
	Date           time.Time       `json:"date" yaml:"date"`
	Amount         decimal.Decimal `json:"amount" yaml:"amount"`
	AmountResidual decimal.Decimal `json:"amount_residual" yaml:"amount_residual"`
	Currency       string          `json:"currency" yaml:"currency"`
}
