package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dvloznov/sms-ledger/internal/api/middleware"
	"github.com/dvloznov/sms-ledger/internal/cascade"
	"github.com/dvloznov/sms-ledger/internal/domain"
	"github.com/dvloznov/sms-ledger/internal/ingress"
	"github.com/dvloznov/sms-ledger/internal/integrity"
	"github.com/dvloznov/sms-ledger/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WebhookHandler handles the ingestion endpoint.
type WebhookHandler struct {
	gateway *ingress.Gateway
	log     zerolog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(gateway *ingress.Gateway, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{gateway: gateway, log: log}
}

// Receive handles POST /api/webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var env ingress.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	receipt, err := h.gateway.Handle(r.Context(), env)
	if errors.Is(err, cascade.ErrValidation) {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to handle webhook")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}

	status := http.StatusOK
	if receipt.Status == ingress.StatusQueued {
		status = http.StatusAccepted
	}
	middleware.WriteJSON(w, status, receipt)
}

// TransactionsHandler handles transaction mutation endpoints.
type TransactionsHandler struct {
	engine *cascade.Engine
	store  *store.Store
	log    zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(engine *cascade.Engine, st *store.Store, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{engine: engine, store: st, log: log}
}

// List handles GET /api/transactions
func (h *TransactionsHandler) List(w http.ResponseWriter, r *http.Request) {
	txs, err := h.store.ListTransactions(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Delete handles DELETE /api/transactions/{id}
func (h *TransactionsHandler) Delete(w http.ResponseWriter, r *http.Request, id string) {
	result, err := h.engine.Delete(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("id", id).Msg("Failed to delete transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to delete transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

// ChangeCategory handles PUT /api/transactions/{id}/category
func (h *TransactionsHandler) ChangeCategory(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Category == "" {
		middleware.WriteError(w, http.StatusBadRequest, "category is required")
		return
	}

	result, err := h.engine.ChangeCategory(r.Context(), id, req.Category)
	if errors.Is(err, store.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("id", id).Msg("Failed to change category")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to change category")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

// BudgetsHandler handles budget endpoints.
type BudgetsHandler struct {
	store *store.Store
	log   zerolog.Logger
}

// NewBudgetsHandler creates a new budgets handler.
func NewBudgetsHandler(st *store.Store, log zerolog.Logger) *BudgetsHandler {
	return &BudgetsHandler{store: st, log: log}
}

type budgetView struct {
	Category  string          `json:"category"`
	Limit     decimal.Decimal `json:"budget_limit"`
	Spent     decimal.Decimal `json:"spent"`
	Remaining decimal.Decimal `json:"remaining"`
	LinkedIDs []string        `json:"linked_ids"`
}

// List handles GET /api/budgets
func (h *BudgetsHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListBudgets(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list budgets")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list budgets")
		return
	}

	views := make([]budgetView, 0, len(rows))
	for _, b := range rows {
		views = append(views, budgetView{
			Category:  b.Category,
			Limit:     b.Limit,
			Spent:     b.Spent,
			Remaining: b.Remaining(),
			LinkedIDs: b.LinkedIDs,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"budgets": views,
		"count":   len(views),
	})
}

// SetLimit handles PUT /api/budgets/{category}
func (h *BudgetsHandler) SetLimit(w http.ResponseWriter, r *http.Request, category string) {
	var req struct {
		Limit decimal.Decimal `json:"budget_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Limit.IsNegative() {
		middleware.WriteError(w, http.StatusBadRequest, "budget_limit must be non-negative")
		return
	}

	category = domain.AlignCategory(category, "")
	ctx := r.Context()

	row, err := h.store.GetBudget(ctx, category)
	if errors.Is(err, store.ErrNotFound) {
		row = &store.BudgetRow{Category: category, Spent: decimal.Zero}
	} else if err != nil {
		h.log.Error().Err(err).Str("category", category).Msg("Failed to load budget")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to load budget")
		return
	}

	row.Limit = req.Limit
	if err := h.store.UpsertBudget(ctx, row); err != nil {
		h.log.Error().Err(err).Str("category", category).Msg("Failed to save budget")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to save budget")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, budgetView{
		Category:  row.Category,
		Limit:     row.Limit,
		Spent:     row.Spent,
		Remaining: row.Remaining(),
		LinkedIDs: row.LinkedIDs,
	})
}

// MonitoringHandler exposes queue and dead-letter state.
type MonitoringHandler struct {
	store *store.Store
	log   zerolog.Logger
}

// NewMonitoringHandler creates a new monitoring handler.
func NewMonitoringHandler(st *store.Store, log zerolog.Logger) *MonitoringHandler {
	return &MonitoringHandler{store: st, log: log}
}

// ListQueue handles GET /api/queue
func (h *MonitoringHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 100
	if s := query.Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	items, err := h.store.ListQueueItems(r.Context(), query.Get("status"), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list queue items")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list queue items")
		return
	}
	if items == nil {
		items = []*store.QueueItem{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// ListDeadLetters handles GET /api/deadletters
func (h *MonitoringHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	letters, err := h.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list dead letters")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []*store.DeadLetter{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

// IntegrityHandler exposes the checker.
type IntegrityHandler struct {
	checker *integrity.Checker
	log     zerolog.Logger
}

// NewIntegrityHandler creates a new integrity handler.
func NewIntegrityHandler(checker *integrity.Checker, log zerolog.Logger) *IntegrityHandler {
	return &IntegrityHandler{checker: checker, log: log}
}

// Report handles GET /api/integrity. It runs a fresh check so the
// report always reflects the current state.
func (h *IntegrityHandler) Report(w http.ResponseWriter, r *http.Request) {
	report, err := h.checker.Check(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Integrity check failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Integrity check failed")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, report)
}

// Repair handles POST /api/integrity/repair
func (h *IntegrityHandler) Repair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.checker.Check(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Integrity check failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Integrity check failed")
		return
	}

	result, err := h.checker.Repair(ctx, report.Issues)
	if err != nil {
		h.log.Error().Err(err).Msg("Integrity repair failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Integrity repair failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"found":  len(report.Issues),
		"result": result,
	})
}
