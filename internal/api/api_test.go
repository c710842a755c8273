package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/config"
	"github.com/savegress/bankrecon/internal/importer"
	"github.com/savegress/bankrecon/internal/ledger"
	"github.com/savegress/bankrecon/internal/parsers"
	"github.com/savegress/bankrecon/internal/reconciliation"
	"github.com/savegress/bankrecon/internal/rules"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/internal/storage/memory"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/savegress/bankrecon/pkg/workerpool"
	"github.com/shopspring/decimal"
)

const base = "/api/v1/bankrecon"

const testCSV = "Date,Amount,Description\n" +
	"2024-01-02,100.00,Deposit\n" +
	"2024-01-03,-20.00,Card\n" +
	"2024-01-04,-5.50,Fee\n"

type testServer struct {
	t      *testing.T
	srv    *Server
	store  *ledger.Store
	docs   *reconciliation.MemoryDocuments
	pool   *workerpool.Pool
	imp    *importer.Importer
	checks map[string]func(ctx context.Context) error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.LoadFromEnv()
	cfg.Import.DefaultCurrency = "EUR"

	store := ledger.NewStore(memory.New(), zerolog.Nop())
	engine, err := rules.NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	docs := reconciliation.NewMemoryDocuments()
	orch := reconciliation.New(store, engine, docs, reconciliation.Options{
		Tolerance: rules.Tolerance{Type: models.TolerancePercentage, Value: decimal.NewFromInt(2)},
	}, zerolog.Nop())

	pool, err := workerpool.New(workerpool.Config{Workers: 1, QueueSize: 4})
	if err != nil {
		t.Fatalf("workerpool.New failed: %v", err)
	}
	t.Cleanup(func() { pool.Stop() })

	imp := importer.New(store, parsers.NewRegistry(), pool, nil, importer.Config{DefaultCurrency: "EUR"}, zerolog.Nop())
	ts := &testServer{t: t, store: store, docs: docs, pool: pool, imp: imp, checks: map[string]func(ctx context.Context) error{}}
	ts.srv = NewServer(cfg, Deps{
		Ledger:       store,
		Orchestrator: orch,
		Importer:     imp,
		Checks:       ts.checks,
	}, zerolog.Nop())
	return ts
}

func (ts *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			ts.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health", nil)
	expectStatus(t, rec, http.StatusOK)

	ts.checks["database"] = func(context.Context) error { return errors.New("connection refused") }
	rec = ts.do(http.MethodGet, "/health", nil)
	expectStatus(t, rec, http.StatusServiceUnavailable)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "degraded" || body.Checks["database"] != "connection refused" {
		t.Errorf("unexpected health body %+v", body)
	}
}

func TestImport_SyncRawBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, base+"/imports?account_id=acc&mode=sync&filename=jan.csv", testCSV)
	expectStatus(t, rec, http.StatusCreated)

	var job importer.Job
	decodeBody(t, rec, &job)
	if job.Status != importer.StatusCompleted || job.Created != 3 {
		t.Fatalf("expected completed job with 3 lines, got %+v", job)
	}

	rec = ts.do(http.MethodGet, base+"/transactions?account_id=acc", nil)
	expectStatus(t, rec, http.StatusOK)
	var txns []models.Transaction
	decodeBody(t, rec, &txns)
	if len(txns) != 3 {
		t.Errorf("expected 3 transactions, got %d", len(txns))
	}

	rec = ts.do(http.MethodGet, base+"/statements/"+job.StatementID+"/transactions", nil)
	expectStatus(t, rec, http.StatusOK)

	rec = ts.do(http.MethodGet, base+"/statements?account_id=acc", nil)
	expectStatus(t, rec, http.StatusOK)
	var statements []models.Statement
	decodeBody(t, rec, &statements)
	if len(statements) != 1 || !statements[0].BalanceEnd.Equal(decimal.RequireFromString("74.50")) {
		t.Errorf("expected one statement ending at 74.50, got %+v", statements)
	}

	rec = ts.do(http.MethodPost, base+"/statements/"+job.StatementID+"/recompute", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestImport_AsyncMultipart(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("account_id", "acc")
	fw, err := mw.CreateFormFile("file", "jan.csv")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	fw.Write([]byte(testCSV))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, base+"/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusAccepted)

	var job importer.Job
	decodeBody(t, rec, &job)
	if job.Filename != "jan.csv" {
		t.Errorf("expected filename jan.csv, got %q", job.Filename)
	}
	ts.pool.Wait()

	rec = ts.do(http.MethodGet, base+"/imports/"+job.ID, nil)
	expectStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &job)
	if job.Status != importer.StatusCompleted || job.Created != 3 {
		t.Errorf("expected completed job with 3 lines, got %+v", job)
	}

	rec = ts.do(http.MethodGet, base+"/imports?account_id=acc", nil)
	expectStatus(t, rec, http.StatusOK)

	expectStatus(t, ts.do(http.MethodGet, base+"/imports/missing", nil), http.StatusNotFound)
}

func TestImport_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
		code string
	}{
		{name: "unknown format", path: "/imports?account_id=acc&mode=sync&filename=x.html", body: "<html></html>", want: http.StatusBadRequest, code: "PARSE_ERROR"},
		{name: "no account", path: "/imports?mode=sync", body: testCSV, want: http.StatusBadRequest, code: "INVALID_INPUT"},
		{name: "empty file", path: "/imports?account_id=acc", body: "", want: http.StatusBadRequest, code: "INVALID_INPUT"},
		{name: "bad balance", path: "/imports?account_id=acc&balance_start=abc", body: testCSV, want: http.StatusBadRequest, code: "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, base+tt.path, tt.body)
			expectStatus(t, rec, tt.want)
			var body ErrorResponse
			decodeBody(t, rec, &body)
			if body.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, body.Code)
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, base+"/parse?filename=jan.csv", testCSV)
	expectStatus(t, rec, http.StatusOK)

	var res parsers.Result
	decodeBody(t, rec, &res)
	if res.Format != parsers.FormatCSV || len(res.Transactions) != 3 {
		t.Errorf("expected 3 csv transactions, got %s with %d", res.Format, len(res.Transactions))
	}

	rec = ts.do(http.MethodGet, base+"/transactions?account_id=acc", nil)
	var txns []models.Transaction
	decodeBody(t, rec, &txns)
	if len(txns) != 0 {
		t.Errorf("expected parse to store nothing, got %d transactions", len(txns))
	}
}

func TestTransactions_CRUD(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, base+"/transactions", map[string]interface{}{
		"account_id":  "acc",
		"date":        "2024-03-01T00:00:00Z",
		"amount":      "120.00",
		"payment_ref": "manual",
	})
	expectStatus(t, rec, http.StatusCreated)
	var txn models.Transaction
	decodeBody(t, rec, &txn)
	if txn.Currency != "EUR" {
		t.Errorf("expected default currency EUR, got %s", txn.Currency)
	}

	expectStatus(t, ts.do(http.MethodGet, base+"/transactions/"+txn.ID, nil), http.StatusOK)
	expectStatus(t, ts.do(http.MethodGet, base+"/transactions/missing", nil), http.StatusNotFound)

	rec = ts.do(http.MethodPatch, base+"/transactions/"+txn.ID, map[string]interface{}{
		"payment_ref": "renamed",
		"version":     txn.Version,
	})
	expectStatus(t, rec, http.StatusOK)

	rec = ts.do(http.MethodPatch, base+"/transactions/"+txn.ID, map[string]interface{}{
		"payment_ref": "stale",
		"version":     txn.Version,
	})
	expectStatus(t, rec, http.StatusConflict)

	rec = ts.do(http.MethodPut, base+"/transactions/"+txn.ID+"/checked", map[string]bool{"checked": true})
	expectStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &txn)
	if !txn.Checked || txn.PaymentRef != "renamed" {
		t.Errorf("expected checked renamed transaction, got %+v", txn)
	}

	expectStatus(t, ts.do(http.MethodPut, base+"/transactions/"+txn.ID+"/checked", "{}"), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodPost, base+"/transactions", "not json"), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodPost, base+"/transactions", map[string]string{"account_id": "acc"}), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodGet, base+"/transactions", nil), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodGet, base+"/transactions?account_id=acc&limit=-1", nil), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodGet, base+"/statements", nil), http.StatusBadRequest)
}

func TestReconcile_Flow(t *testing.T) {
	ts := newTestServer(t)
	ts.docs.Put(models.Document{
		ID:             "inv-1",
		Type:           models.TargetInvoice,
		PartnerID:      "p1",
		Date:           time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Amount:         decimal.NewFromInt(100),
		AmountResidual: decimal.NewFromInt(100),
		Currency:       "EUR",
	})

	txn, err := ts.store.CreateTransaction(context.Background(), ledger.NewTransaction{
		AccountID: "acc",
		Date:      time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		Amount:    decimal.NewFromInt(100),
		Currency:  "EUR",
		PartnerID: "p1",
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	path := base + "/transactions/" + txn.ID

	rec := ts.do(http.MethodGet, path+"/suggestions", nil)
	expectStatus(t, rec, http.StatusOK)
	var suggestions []reconciliation.Suggestion
	decodeBody(t, rec, &suggestions)
	if len(suggestions) != 1 || suggestions[0].TargetID != "inv-1" {
		t.Fatalf("expected inv-1 suggested, got %+v", suggestions)
	}

	unknown := map[string]interface{}{"matches": []map[string]string{{"type": "invoice", "target_id": "nope", "amount": "100"}}}
	expectStatus(t, ts.do(http.MethodPost, path+"/reconcile", unknown), http.StatusNotFound)

	body := map[string]interface{}{"matches": suggestions[0].Matches()}
	rec = ts.do(http.MethodPost, path+"/reconcile", body)
	expectStatus(t, rec, http.StatusOK)
	var res reconciliation.ReconcileResult
	decodeBody(t, rec, &res)
	if !res.Transaction.IsReconciled || res.FullReconcile == nil {
		t.Fatalf("expected reconciled transaction with full reconcile, got %+v", res)
	}

	rec = ts.do(http.MethodPost, path+"/reconcile", body)
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	var errBody ErrorResponse
	decodeBody(t, rec, &errBody)
	if errBody.Code != "ALREADY_RECONCILED" {
		t.Errorf("expected ALREADY_RECONCILED, got %s", errBody.Code)
	}

	rec = ts.do(http.MethodPost, path+"/undo", nil)
	expectStatus(t, rec, http.StatusOK)
	var undone models.Transaction
	decodeBody(t, rec, &undone)
	if undone.IsReconciled || !undone.AmountResidual.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected open transaction after undo, got %+v", undone)
	}

	rec = ts.do(http.MethodPost, path+"/match-partner", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestBatchAutoReconcile(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, base+"/reconciliation/batch", map[string]string{})
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	rec = ts.do(http.MethodPost, base+"/reconciliation/batch", map[string]string{"account_id": "acc"})
	expectStatus(t, rec, http.StatusOK)
	var res reconciliation.BatchResult
	decodeBody(t, rec, &res)
	if res.ReconciledCount != 0 || res.SkippedCount != 0 {
		t.Errorf("expected an empty run, got %+v", res)
	}
}

func TestRules(t *testing.T) {
	ts := newTestServer(t)

	rule := map[string]interface{}{
		"name":      "Bank fee",
		"sequence":  10,
		"active":    true,
		"rule_type": "writeoff_button",
		"lines":     []map[string]string{{"label": "Fee", "amount_type": "percentage", "amount_string": "100"}},
	}
	expectStatus(t, ts.do(http.MethodPut, base+"/rules/fee", rule), http.StatusOK)

	rec := ts.do(http.MethodGet, base+"/rules", nil)
	expectStatus(t, rec, http.StatusOK)
	var listed []models.ReconcileRule
	decodeBody(t, rec, &listed)
	if len(listed) != 1 || listed[0].ID != "fee" {
		t.Fatalf("expected rule fee, got %+v", listed)
	}
	expectStatus(t, ts.do(http.MethodGet, base+"/rules/fee", nil), http.StatusOK)

	rule["rule_type"] = "unknown"
	rec = ts.do(http.MethodPut, base+"/rules/bad", rule)
	expectStatus(t, rec, http.StatusBadRequest)

	batch := []map[string]interface{}{
		{"id": "a", "active": true, "rule_type": "invoice_matching", "sequence": 1},
		{"id": "b", "active": true, "rule_type": "writeoff_suggestion", "sequence": 2},
	}
	rec = ts.do(http.MethodPut, base+"/rules", batch)
	expectStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &listed)
	if len(listed) != 3 {
		t.Errorf("expected 3 rules, got %d", len(listed))
	}

	expectStatus(t, ts.do(http.MethodDelete, base+"/rules/fee", nil), http.StatusNoContent)
	expectStatus(t, ts.do(http.MethodDelete, base+"/rules/fee", nil), http.StatusNotFound)
	expectStatus(t, ts.do(http.MethodGet, base+"/rules/fee", nil), http.StatusNotFound)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", storage.ErrNotFound), http.StatusNotFound},
		{storage.ErrConflict, http.StatusConflict},
		{ledger.ErrReconciledLine, http.StatusConflict},
		{reconciliation.ErrOverAllocation, http.StatusUnprocessableEntity},
		{reconciliation.ErrUnknownTarget, http.StatusNotFound},
		{rules.ErrInvalidRule, http.StatusBadRequest},
		{&parsers.ParseError{Format: parsers.FormatOFX, Err: errors.New("bad")}, http.StatusBadRequest},
		{importer.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{workerpool.ErrQueueFull, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusFor(tt.err); got != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, got)
		}
	}
}
