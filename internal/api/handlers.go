// Package api provides the HTTP handlers for creating and exiting
// predictions, ingesting broker events, and querying accounts, statistics
// and portfolios.
//
// Account balances are shopspring/decimal; prediction sizes are float64
// thousands, as stored.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/broker"
	"github.com/atmx/prediction-engine/internal/errs"
	"github.com/atmx/prediction-engine/internal/ledger"
	"github.com/atmx/prediction-engine/internal/lifecycle"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/pnl"
	"github.com/atmx/prediction-engine/internal/prediction"
	"github.com/atmx/prediction-engine/internal/store"
)

// Handler serves the prediction engine API.
type Handler struct {
	store       store.Store
	predictions *prediction.Service
	ledger      *ledger.Ledger
	reporter    *pnl.Reporter
	events      broker.EventSink
	evaluator   *lifecycle.Evaluator // optional
	logger      *slog.Logger
	now         func() time.Time
}

// NewHandler creates the API handler. Pass nil for ev to disable the
// on-demand evaluation endpoint.
func NewHandler(
	st store.Store,
	predictions *prediction.Service,
	l *ledger.Ledger,
	reporter *pnl.Reporter,
	events broker.EventSink,
	ev *lifecycle.Evaluator,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:       st,
		predictions: predictions,
		ledger:      l,
		reporter:    reporter,
		events:      events,
		evaluator:   ev,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for as-of defaults.
func (h *Handler) SetClock(now func() time.Time) { h.now = now }

// OpenAccountRequest is the JSON body for account creation.
type OpenAccountRequest struct {
	AdvisorID string          `json:"advisor_id"`
	Cash      decimal.Decimal `json:"cash"`
}

// OpenAccount handles POST /api/v1/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AdvisorID == "" {
		writeError(w, "advisor_id is required", http.StatusBadRequest)
		return
	}
	if req.Cash.IsNegative() {
		writeError(w, "cash must not be negative", http.StatusBadRequest)
		return
	}

	acct, err := h.ledger.OpenAccount(r.Context(), req.AdvisorID, req.Cash)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	h.logger.Info("account opened", "advisor", acct.AdvisorID, "cash", acct.Cash.String())
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{advisorID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.Balance(r.Context(), chi.URLParam(r, "advisorID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetLedger handles GET /api/v1/accounts/{advisorID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.GetLedgerEntries(r.Context(), chi.URLParam(r, "advisorID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// CreatePrediction handles POST /api/v1/predictions
func (h *Handler) CreatePrediction(w http.ResponseWriter, r *http.Request) {
	var req prediction.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AdvisorID == "" {
		writeError(w, "advisor_id is required", http.StatusBadRequest)
		return
	}

	p, err := h.predictions.Create(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPredictions handles GET /api/v1/predictions/{advisorID}
// Optional query: from, to (YYYY-MM-DD), open=true, ticker.
func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	q := store.PredictionQuery{
		AdvisorID: chi.URLParam(r, "advisorID"),
		OpenOnly:  r.URL.Query().Get("open") == "true",
		Ticker:    r.URL.Query().Get("ticker"),
	}
	var err error
	if q.From, err = parseDate(r, "from"); err != nil {
		writeErr(w, err)
		return
	}
	if q.To, err = parseDate(r, "to"); err != nil {
		writeErr(w, err)
		return
	}

	preds, err := h.store.ListPredictions(r.Context(), q)
	if err != nil {
		writeErr(w, err)
		return
	}
	if preds == nil {
		preds = []model.Prediction{}
	}
	writeJSON(w, http.StatusOK, preds)
}

// GetPrediction handles GET /api/v1/predictions/{advisorID}/{predictionID}
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPrediction(r.Context(), chi.URLParam(r, "advisorID"), chi.URLParam(r, "predictionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ExitPrediction handles POST /api/v1/predictions/{advisorID}/{predictionID}/exit
func (h *Handler) ExitPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := h.predictions.ManualExit(r.Context(), chi.URLParam(r, "advisorID"), chi.URLParam(r, "predictionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetStats handles GET /api/v1/stats/{advisorID}
// Optional query: from, to (filing dates), as_of (RFC 3339, default now).
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	from, err := parseDate(r, "from")
	if err != nil {
		writeErr(w, err)
		return
	}
	to, err := parseDate(r, "to")
	if err != nil {
		writeErr(w, err)
		return
	}
	asOf := h.now()
	if s := r.URL.Query().Get("as_of"); s != "" {
		if asOf, err = time.Parse(time.RFC3339, s); err != nil {
			writeErr(w, errs.NewValidationError("as_of", s, "expected RFC 3339"))
			return
		}
	}

	summary, err := h.reporter.Stats(r.Context(), chi.URLParam(r, "advisorID"), from, to, asOf)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetPortfolio handles GET /api/v1/portfolio/{advisorID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := h.reporter.Portfolio(r.Context(), chi.URLParam(r, "advisorID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// SubmitEvents handles POST /api/v1/broker/events
// Accepts one event or an array; events are queued, not applied inline.
func (h *Handler) SubmitEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var events []model.BrokerEvent
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		var ev model.BrokerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		events = append(events, ev)
	}

	for i, ev := range events {
		if ev.OrderID == "" {
			writeErr(w, errs.NewValidationError("order_id", i, "order_id is required"))
			return
		}
		switch ev.Kind {
		case model.EventOpenOrder, model.EventOrderStatus, model.EventExecution:
		default:
			writeErr(w, errs.NewValidationError("kind", ev.Kind, "unknown event kind"))
			return
		}
	}

	for _, ev := range events {
		if err := h.events.Submit(r.Context(), ev); err != nil {
			writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(events)})
}

// Evaluate handles POST /api/v1/lifecycle/{advisorID}/evaluate
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	if h.evaluator == nil {
		writeError(w, "evaluation is not enabled", http.StatusNotFound)
		return
	}
	res, err := h.evaluator.EvaluateAdvisor(r.Context(), chi.URLParam(r, "advisorID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseDate(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errs.NewValidationError(name, s, "expected YYYY-MM-DD")
	}
	return t, nil
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errs.IsNotFound(err):
		return http.StatusNotFound
	case errs.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, errs.ErrAlreadyClosed),
		errors.Is(err, errs.ErrAlreadyApplied),
		errors.Is(err, errs.ErrMarketClosed),
		errors.Is(err, errs.ErrLocked),
		errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
