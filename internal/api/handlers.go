package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/config"
	"github.com/savegress/bankrecon/internal/events"
	"github.com/savegress/bankrecon/internal/importer"
	"github.com/savegress/bankrecon/internal/ledger"
	"github.com/savegress/bankrecon/internal/parsers"
	"github.com/savegress/bankrecon/internal/reconciliation"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/models"
	"github.com/shopspring/decimal"
)

// multipartMemory is how much of an upload is buffered in memory
const multipartMemory = 8 << 20

// Handlers contains all HTTP handlers
type Handlers struct {
	config *config.Config
	deps   Deps
	log    zerolog.Logger
}

// NewHandlers creates new handlers
func NewHandlers(cfg *config.Config, deps Deps, log zerolog.Logger) *Handlers {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if deps.Registry == nil {
		deps.Registry = parsers.NewRegistry()
	}
	return &Handlers{config: cfg, deps: deps, log: log}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(h.deps.Checks))
	for name, check := range h.deps.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "degraded"
	}
	respond(w, status, map[string]interface{}{
		"status":  health,
		"service": "bankrecon",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"checks":  checks,
	})
}

// Import handlers

// upload is a statement file posted either as multipart form data (field
// "file") or as the raw request body.
type upload struct {
	req  importer.Request
	sync bool
}

func (h *Handlers) readUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	if max := h.config.Import.MaxFileSize; max > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, max+multipartMemory)
	}

	q := r.URL.Query()
	u := &upload{}
	var content []byte

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("%w: file field: %v", ledger.ErrInvalidInput, err)
		}
		defer file.Close()
		if content, err = readAll(file); err != nil {
			return nil, err
		}
		u.req.Filename = header.Filename
	} else {
		var err error
		if content, err = io.ReadAll(r.Body); err != nil {
			return nil, tooLarge(err)
		}
		u.req.Filename = q.Get("filename")
	}

	field := func(name string) string {
		if v := r.FormValue(name); v != "" {
			return v
		}
		return q.Get(name)
	}
	u.req.AccountID = field("account_id")
	u.req.Format = parsers.Format(field("format"))
	u.req.Currency = field("currency")
	u.req.StatementName = field("name")
	u.req.Content = content
	if v := field("balance_start"); v != "" {
		start, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: balance_start: %v", ledger.ErrInvalidInput, err)
		}
		u.req.BalanceStart = &start
	}
	u.sync = field("mode") == "sync"
	return u, nil
}

func readAll(f multipart.File) ([]byte, error) {
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, tooLarge(err)
	}
	return b, nil
}

func tooLarge(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit %d bytes", importer.ErrFileTooLarge, maxErr.Limit)
	}
	return fmt.Errorf("%w: read body: %v", ledger.ErrInvalidInput, err)
}

// CreateImport queues a statement import, or runs it inline with mode=sync
func (h *Handlers) CreateImport(w http.ResponseWriter, r *http.Request) {
	u, err := h.readUpload(w, r)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	if u.sync {
		job, err := h.deps.Importer.Run(r.Context(), u.req)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respond(w, http.StatusCreated, job)
		return
	}

	job, err := h.deps.Importer.Submit(r.Context(), u.req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/bankrecon/imports/"+job.ID)
	respond(w, http.StatusAccepted, job)
}

// GetImport returns the state of an import job
func (h *Handlers) GetImport(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Importer.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, job)
}

// ListImports lists import jobs
func (h *Handlers) ListImports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	jobs, err := h.deps.Importer.Jobs(r.Context(), importer.JobFilter{
		AccountID: q.Get("account_id"),
		Status:    importer.Status(q.Get("status")),
		Limit:     limit,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, nonNil(jobs))
}

// StreamImports upgrades to a WebSocket carrying job updates for an
// account or a single job
func (h *Handlers) StreamImports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var channels []string
	if id := q.Get("job_id"); id != "" {
		channels = append(channels, events.JobChannel(id))
	}
	if id := q.Get("account_id"); id != "" {
		channels = append(channels, events.AccountChannel(id))
	}
	if len(channels) == 0 {
		respondError(w, http.StatusBadRequest, "account_id or job_id is required")
		return
	}
	if err := h.deps.Events.ServeWS(w, r, channels...); err != nil {
		// The upgrader already wrote the handshake error.
		requestLog(r).Debug().Err(err).Msg("websocket upgrade failed")
	}
}

// ParseFile parses an upload without storing anything
func (h *Handlers) ParseFile(w http.ResponseWriter, r *http.Request) {
	u, err := h.readUpload(w, r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if len(strings.TrimSpace(string(u.req.Content))) == 0 {
		respondErr(w, r, importer.ErrEmptyFile)
		return
	}

	var parser parsers.Parser
	if u.req.Format != "" {
		parser, err = h.deps.Registry.ForFormat(u.req.Format)
	} else {
		parser, err = h.deps.Registry.Detect(u.req.Filename, u.req.Content)
	}
	if err != nil {
		respondErr(w, r, err)
		return
	}
	res, err := parser.Parse(u.req.Content)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

// Transaction handlers

// ListTransactions lists bank transactions in ordering-key order
func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	filter := storage.TransactionFilter{
		AccountID:        q.Get("account_id"),
		StatementID:      q.Get("statement_id"),
		OnlyUnreconciled: q.Get("unreconciled") == "true",
		Limit:            limit,
	}
	if ids := q.Get("ids"); ids != "" {
		filter.IDs = strings.Split(ids, ",")
	}
	if filter.AccountID == "" && filter.StatementID == "" && len(filter.IDs) == 0 {
		respondError(w, http.StatusBadRequest, "account_id, statement_id or ids is required")
		return
	}

	txns, err := h.deps.Ledger.ListTransactions(r.Context(), filter)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, nonNil(txns))
}

// CreateTransaction stores a manually entered line
func (h *Handlers) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var in ledger.NewTransaction
	if err := decode(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if in.Currency == "" {
		in.Currency = h.config.Import.DefaultCurrency
	}

	txn, err := h.deps.Ledger.CreateTransaction(r.Context(), in)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusCreated, txn)
}

// GetTransaction gets a transaction by ID
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.deps.Ledger.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, txn)
}

// UpdateTransaction applies a partial update
func (h *Handlers) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var patch ledger.TransactionPatch
	if err := decode(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	txn, err := h.deps.Ledger.UpdateTransaction(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, txn)
}

// SetChecked marks a transaction as reviewed or not
func (h *Handlers) SetChecked(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Checked *bool `json:"checked"`
	}
	if err := decode(r, &body); err != nil || body.Checked == nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	txn, err := h.deps.Ledger.SetChecked(r.Context(), chi.URLParam(r, "id"), *body.Checked)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, txn)
}

// Reconciliation handlers

// GetSuggestions lists ranked reconciliation candidates
func (h *Handlers) GetSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.deps.Orchestrator.GetSuggestions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, nonNil(suggestions))
}

// Reconcile allocates the transaction to the posted matches
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconciliation.ReconcileRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.TransactionID = chi.URLParam(r, "id")

	res, err := h.deps.Orchestrator.Reconcile(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

// UndoReconciliation removes every allocation of the transaction
func (h *Handlers) UndoReconciliation(w http.ResponseWriter, r *http.Request) {
	txn, err := h.deps.Orchestrator.UndoReconciliation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, txn)
}

// MatchPartner links the transaction to the partner its rules infer
func (h *Handlers) MatchPartner(w http.ResponseWriter, r *http.Request) {
	partnerID, err := h.deps.Orchestrator.MatchPartner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"partner_id": partnerID,
		"matched":    partnerID != "",
	})
}

// BatchAutoReconcile runs the auto-reconcile rules over an account
func (h *Handlers) BatchAutoReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconciliation.BatchRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.deps.Orchestrator.BatchAutoReconcile(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	requestLog(r).Info().
		Str("account_id", req.AccountID).
		Int("reconciled", res.ReconciledCount).
		Int("skipped", res.SkippedCount).
		Msg("batch reconcile finished")
	respond(w, http.StatusOK, res)
}

// Statement handlers

// ListStatements lists the statements of an account
func (h *Handlers) ListStatements(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		respondError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	statements, err := h.deps.Ledger.ListStatements(r.Context(), accountID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, nonNil(statements))
}

// GetStatement gets a statement by ID
func (h *Handlers) GetStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Ledger.GetStatement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, st)
}

// GetStatementTransactions lists the lines of a statement
func (h *Handlers) GetStatementTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Ledger.GetStatement(r.Context(), id); err != nil {
		respondErr(w, r, err)
		return
	}
	txns, err := h.deps.Ledger.ListTransactions(r.Context(), storage.TransactionFilter{StatementID: id})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, nonNil(txns))
}

// RecomputeStatement rederives a statement's balances from its lines
func (h *Handlers) RecomputeStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Ledger.RecomputeStatement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, st)
}

// Rule handlers

// ListRules lists the loaded rules in sequence order
func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.deps.Orchestrator.Engine().Rules()
	out := make([]models.ReconcileRule, 0, len(loaded))
	for _, rule := range loaded {
		out = append(out, rule.ReconcileRule)
	}
	respond(w, http.StatusOK, out)
}

// GetRule gets a rule by ID
func (h *Handlers) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.deps.Orchestrator.Engine().Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "Rule not found")
		return
	}
	respond(w, http.StatusOK, rule.ReconcileRule)
}

// SaveRule creates or replaces one rule
func (h *Handlers) SaveRule(w http.ResponseWriter, r *http.Request) {
	var rule models.ReconcileRule
	if err := decode(r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	rule.ID = chi.URLParam(r, "id")

	if err := h.deps.Orchestrator.SaveRules(r.Context(), rule); err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, rule)
}

// SaveRules creates or replaces several rules at once
func (h *Handlers) SaveRules(w http.ResponseWriter, r *http.Request) {
	var rs []models.ReconcileRule
	if err := decode(r, &rs); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.deps.Orchestrator.SaveRules(r.Context(), rs...); err != nil {
		respondErr(w, r, err)
		return
	}
	h.ListRules(w, r)
}

// DeleteRule removes a rule
func (h *Handlers) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Orchestrator.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ledger.ErrInvalidInput, name)
	}
	return n, nil
}

// nonNil keeps empty lists encoded as [] rather than null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
