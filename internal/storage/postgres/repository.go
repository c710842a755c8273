package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// =============================================================================
// Transactions
// =============================================================================

const transactionColumns = `id, account_id, statement_id, date, amount::text, currency, payment_ref,
	narration, reference, counterparty_name, counterparty_account, transaction_type, partner_id,
	sequence, ordering_key, running_balance::text, amount_residual::text, is_reconciled, checked,
	import_id, raw, version, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	t := &models.Transaction{}
	var amount, running, residual string
	err := row.Scan(
		&t.ID, &t.AccountID, &t.StatementID, &t.Date, &amount, &t.Currency, &t.PaymentRef,
		&t.Narration, &t.Reference, &t.CounterpartyName, &t.CounterpartyAccount, &t.TransactionType, &t.PartnerID,
		&t.Sequence, &t.OrderingKey, &running, &residual, &t.IsReconciled, &t.Checked,
		&t.ImportID, &t.Raw, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(
		numeric{amount, &t.Amount}, numeric{running, &t.RunningBalance}, numeric{residual, &t.AmountResidual},
	); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tx) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM bank_transactions WHERE id = $1`
	v, err := scanTransaction(t.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

func (t *tx) ListTransactions(ctx context.Context, f storage.TransactionFilter) ([]*models.Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.StatementID != "" {
		add("statement_id = $%d", f.StatementID)
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
	}
	if f.FromKey != "" {
		add("ordering_key >= $%d", f.FromKey)
	}
	if f.OnlyUnreconciled {
		where = append(where, "NOT is_reconciled")
	}

	query := `SELECT ` + transactionColumns + ` FROM bank_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ordering_key"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		v, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *tx) PrevTransaction(ctx context.Context, accountID, key string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM bank_transactions
		WHERE account_id = $1 AND ordering_key < $2
		ORDER BY ordering_key DESC LIMIT 1`
	v, err := scanTransaction(t.q.QueryRow(ctx, query, accountID, key))
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

func (t *tx) FindByImportID(ctx context.Context, accountID, importID string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM bank_transactions WHERE account_id = $1 AND import_id = $2`
	v, err := scanTransaction(t.q.QueryRow(ctx, query, accountID, importID))
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

func (t *tx) InsertTransaction(ctx context.Context, v *models.Transaction) error {
	query := `
		INSERT INTO bank_transactions (id, account_id, statement_id, date, amount, currency, payment_ref,
			narration, reference, counterparty_name, counterparty_account, transaction_type, partner_id,
			sequence, ordering_key, running_balance, amount_residual, is_reconciled, checked,
			import_id, raw, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16::numeric, $17::numeric, $18, $19, $20, $21, 1, $22, $23)
	`
	_, err := t.q.Exec(ctx, query,
		v.ID, v.AccountID, v.StatementID, v.Date, v.Amount.String(), v.Currency, v.PaymentRef,
		v.Narration, v.Reference, v.CounterpartyName, v.CounterpartyAccount, v.TransactionType, v.PartnerID,
		v.Sequence, v.OrderingKey, v.RunningBalance.String(), v.AmountResidual.String(), v.IsReconciled, v.Checked,
		v.ImportID, v.Raw, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		if isDuplicateError(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	v.Version = 1
	return nil
}

func (t *tx) UpdateTransaction(ctx context.Context, v *models.Transaction) error {
	query := `
		UPDATE bank_transactions SET statement_id = $3, date = $4, amount = $5::numeric, currency = $6,
			payment_ref = $7, narration = $8, reference = $9, counterparty_name = $10,
			counterparty_account = $11, transaction_type = $12, partner_id = $13, sequence = $14,
			ordering_key = $15, running_balance = $16::numeric, amount_residual = $17::numeric,
			is_reconciled = $18, checked = $19, updated_at = $20, version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := t.q.Exec(ctx, query,
		v.ID, v.Version, v.StatementID, v.Date, v.Amount.String(), v.Currency,
		v.PaymentRef, v.Narration, v.Reference, v.CounterpartyName,
		v.CounterpartyAccount, v.TransactionType, v.PartnerID, v.Sequence,
		v.OrderingKey, v.RunningBalance.String(), v.AmountResidual.String(),
		v.IsReconciled, v.Checked, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bank_transactions WHERE id = $1)`, v.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check transaction: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrConflict
	}
	v.Version++
	return nil
}

func (t *tx) SetRunningBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := t.q.Exec(ctx, `UPDATE bank_transactions SET running_balance = $2::numeric WHERE id = $1`, id, balance.String())
	if err != nil {
		return fmt.Errorf("failed to set running balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// =============================================================================
// Statements
// =============================================================================

const statementColumns = `id, account_id, name, reference, COALESCE(date, '0001-01-01'::date), currency,
	balance_start::text, balance_end::text, balance_end_real::text, is_complete, is_valid,
	validation_message, first_line_key, line_count, created_at, updated_at`

func scanStatement(row pgx.Row) (*models.Statement, error) {
	s := &models.Statement{}
	var start, end, endReal string
	err := row.Scan(
		&s.ID, &s.AccountID, &s.Name, &s.Reference, &s.Date, &s.Currency,
		&start, &end, &endReal, &s.IsComplete, &s.IsValid,
		&s.ValidationMessage, &s.FirstLineKey, &s.LineCount, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := parseDecimals(
		numeric{start, &s.BalanceStart}, numeric{end, &s.BalanceEnd}, numeric{endReal, &s.BalanceEndReal},
	); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *tx) GetStatement(ctx context.Context, id string) (*models.Statement, error) {
	s, err := scanStatement(t.q.QueryRow(ctx, `SELECT `+statementColumns+` FROM bank_statements WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (t *tx) ListStatements(ctx context.Context, accountID string) ([]*models.Statement, error) {
	query := `SELECT ` + statementColumns + ` FROM bank_statements`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY first_line_key, id`

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list statements: %w", err)
	}
	defer rows.Close()

	var out []*models.Statement
	for rows.Next() {
		s, err := scanStatement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan statement: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *tx) PrevStatement(ctx context.Context, accountID, key string) (*models.Statement, error) {
	query := `SELECT ` + statementColumns + ` FROM bank_statements
		WHERE account_id = $1 AND first_line_key <> '' AND first_line_key < $2
		ORDER BY first_line_key DESC LIMIT 1`
	s, err := scanStatement(t.q.QueryRow(ctx, query, accountID, key))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (t *tx) NextStatement(ctx context.Context, accountID, key string) (*models.Statement, error) {
	query := `SELECT ` + statementColumns + ` FROM bank_statements
		WHERE account_id = $1 AND first_line_key > $2
		ORDER BY first_line_key LIMIT 1`
	s, err := scanStatement(t.q.QueryRow(ctx, query, accountID, key))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (t *tx) InsertStatement(ctx context.Context, s *models.Statement) error {
	query := `
		INSERT INTO bank_statements (id, account_id, name, reference, date, currency,
			balance_start, balance_end, balance_end_real, is_complete, is_valid,
			validation_message, first_line_key, line_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := t.q.Exec(ctx, query,
		s.ID, s.AccountID, s.Name, s.Reference, nullDate(s.Date), s.Currency,
		s.BalanceStart.String(), s.BalanceEnd.String(), s.BalanceEndReal.String(), s.IsComplete, s.IsValid,
		s.ValidationMessage, s.FirstLineKey, s.LineCount, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isDuplicateError(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("failed to insert statement: %w", err)
	}
	return nil
}

func (t *tx) UpdateStatement(ctx context.Context, s *models.Statement) error {
	query := `
		UPDATE bank_statements SET name = $2, reference = $3, date = $4, currency = $5,
			balance_start = $6::numeric, balance_end = $7::numeric, balance_end_real = $8::numeric,
			is_complete = $9, is_valid = $10, validation_message = $11, first_line_key = $12,
			line_count = $13, updated_at = $14
		WHERE id = $1
	`
	tag, err := t.q.Exec(ctx, query,
		s.ID, s.Name, s.Reference, nullDate(s.Date), s.Currency,
		s.BalanceStart.String(), s.BalanceEnd.String(), s.BalanceEndReal.String(),
		s.IsComplete, s.IsValid, s.ValidationMessage, s.FirstLineKey,
		s.LineCount, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update statement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *tx) DeleteStatement(ctx context.Context, id string) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM bank_transactions WHERE statement_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete statement lines: %w", err)
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM bank_statements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete statement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// =============================================================================
// Partial and full reconciles
// =============================================================================

const partialColumns = `id, transaction_id, target_type, target_id, amount::text, currency, date,
	label, account_code, rule_id, full_reconcile_id, created_at`

func scanPartial(row pgx.Row) (*models.PartialReconcile, error) {
	p := &models.PartialReconcile{}
	var amount string
	err := row.Scan(
		&p.ID, &p.TransactionID, &p.TargetType, &p.TargetID, &amount, &p.Currency, &p.Date,
		&p.Label, &p.AccountCode, &p.RuleID, &p.FullReconcileID, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return p, nil
}

func (t *tx) ListPartials(ctx context.Context, f storage.PartialFilter) ([]*models.PartialReconcile, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TransactionID != "" {
		add("transaction_id = $%d", f.TransactionID)
	}
	if f.TargetType != "" {
		add("target_type = $%d", string(f.TargetType))
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if f.FullReconcileID != "" {
		add("full_reconcile_id = $%d", f.FullReconcileID)
	}

	query := `SELECT ` + partialColumns + ` FROM partial_reconciles`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list partial reconciles: %w", err)
	}
	defer rows.Close()

	var out []*models.PartialReconcile
	for rows.Next() {
		p, err := scanPartial(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partial reconcile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *tx) InsertPartial(ctx context.Context, p *models.PartialReconcile) error {
	query := `
		INSERT INTO partial_reconciles (id, transaction_id, target_type, target_id, amount, currency,
			date, label, account_code, rule_id, full_reconcile_id, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := t.q.Exec(ctx, query,
		p.ID, p.TransactionID, string(p.TargetType), p.TargetID, p.Amount.String(), p.Currency,
		p.Date, p.Label, p.AccountCode, p.RuleID, p.FullReconcileID, p.CreatedAt,
	)
	if err != nil {
		if isDuplicateError(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("failed to insert partial reconcile: %w", err)
	}
	return nil
}

func (t *tx) SetPartialFullReconcile(ctx context.Context, id, fullReconcileID string) error {
	tag, err := t.q.Exec(ctx, `UPDATE partial_reconciles SET full_reconcile_id = $2 WHERE id = $1`, id, fullReconcileID)
	if err != nil {
		return fmt.Errorf("failed to update partial reconcile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *tx) DeletePartial(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM partial_reconciles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete partial reconcile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *tx) GetFullReconcile(ctx context.Context, id string) (*models.FullReconcile, error) {
	f := &models.FullReconcile{}
	err := t.q.QueryRow(ctx, `SELECT id, name, created_at FROM full_reconciles WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (t *tx) InsertFullReconcile(ctx context.Context, f *models.FullReconcile) error {
	_, err := t.q.Exec(ctx, `INSERT INTO full_reconciles (id, name, created_at) VALUES ($1, $2, $3)`,
		f.ID, f.Name, f.CreatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("failed to insert full reconcile: %w", err)
	}
	return nil
}

func (t *tx) DeleteFullReconcile(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM full_reconciles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete full reconcile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// =============================================================================
// Rules
// =============================================================================

func (t *tx) ListRules(ctx context.Context) ([]models.ReconcileRule, error) {
	rows, err := t.q.Query(ctx, `SELECT body FROM reconcile_rules ORDER BY sequence, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []models.ReconcileRule
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var r models.ReconcileRule
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *tx) SaveRule(ctx context.Context, r models.ReconcileRule) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}
	query := `
		INSERT INTO reconcile_rules (id, sequence, body) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET sequence = EXCLUDED.sequence, body = EXCLUDED.body
	`
	if _, err := t.q.Exec(ctx, query, r.ID, r.Sequence, body); err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (t *tx) DeleteRule(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM reconcile_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// numeric pairs a NUMERIC column read as text with its destination
type numeric struct {
	raw string
	dst *decimal.Decimal
}

func parseDecimals(fields ...numeric) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("invalid numeric %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
