package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/domain"
	"github.com/xela07ax/dca-autopilot/internal/engine"
)

// Operator — ручное управление исполнением (реализует engine.Trigger)
type Operator interface {
	ExecuteNow(ctx context.Context, wallet string) (*domain.PurchaseRecord, error)
	Simulate(ctx context.Context, wallet string) (*engine.Quote, error)
	Purchases(ctx context.Context, wallet string, limit int) ([]domain.PurchaseRecord, error)
}

// Pauser — kill-switch по кошельку (реализует engine.KillSwitchManager)
type Pauser interface {
	Pause(ctx context.Context, wallet string) error
	Resume(ctx context.Context, wallet string) error
}

type WalletHandler struct {
	ops    Operator
	pauses Pauser
	logger *zap.Logger
}

func NewWalletHandler(ops Operator, pauses Pauser, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{ops: ops, pauses: pauses, logger: logger}
}

type executeResponse struct {
	TraceID string                 `json:"trace_id"`
	Outcome string                 `json:"outcome"`
	Step    string                 `json:"step,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Record  *domain.PurchaseRecord `json:"record,omitempty"`
}

type errorResponse struct {
	TraceID string `json:"trace_id"`
	Error   string `json:"error"`
}

// Execute запускает покупку немедленно.
// POST /v1/wallets/{wallet}/execute
func (h *WalletHandler) Execute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.ops.ExecuteNow(ctx, chi.URLParam(r, "wallet"))

	resp := executeResponse{
		TraceID: engine.TraceID(ctx),
		Outcome: engine.Outcome(rec, err),
		Step:    engine.StepOf(err),
		Record:  rec,
	}
	if err != nil {
		resp.Error = err.Error()
	}

	var eErr *engine.ExecutionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &eErr):
		writeJSON(w, executionStatus(eErr), resp)
	default:
		h.writeError(w, r, err)
	}
}

// Quote — симуляция покупки без сети подписи.
// GET /v1/wallets/{wallet}/quote
func (h *WalletHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q, err := h.ops.Simulate(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Purchases — история покупок.
// GET /v1/wallets/{wallet}/purchases?limit=50
func (h *WalletHandler) Purchases(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.ops.Purchases(r.Context(), chi.URLParam(r, "wallet"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = make([]domain.PurchaseRecord, 0)
	}
	writeJSON(w, http.StatusOK, list)
}

// Pause — kill-switch кошелька ("*" останавливает всех).
// POST /v1/wallets/{wallet}/pause
func (h *WalletHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.togglePause(w, r, true)
}

// Resume снимает kill-switch.
// POST /v1/wallets/{wallet}/resume
func (h *WalletHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.togglePause(w, r, false)
}

func (h *WalletHandler) togglePause(w http.ResponseWriter, r *http.Request, paused bool) {
	wallet := chi.URLParam(r, "wallet")
	op := h.pauses.Resume
	if paused {
		op = h.pauses.Pause
	}
	// Ждем и локального применения, и публикации в Redis
	if err := op(r.Context(), wallet); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("wallet kill-switch changed",
		zap.String("wallet", wallet),
		zap.Bool("paused", paused),
		zap.String("trace_id", engine.TraceID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// executionStatus: ответ по классу отказа пайплайна
func executionStatus(eErr *engine.ExecutionError) int {
	switch eErr.Kind {
	case engine.KindTrade, engine.KindSpendLimit:
		// Попытка состоялась, failed-запись сохранена
		return http.StatusOK
	case engine.KindPrecondition:
		return http.StatusUnprocessableEntity
	case engine.KindSystemic:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *WalletHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var eErr *engine.ExecutionError
	switch {
	case errors.Is(err, domain.ErrInvalidPolicy):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrWalletBusy), errors.Is(err, engine.ErrWalletPaused), errors.Is(err, engine.ErrPolicyInactive):
		status = http.StatusConflict
	case errors.As(err, &eErr):
		status = executionStatus(eErr)
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{TraceID: engine.TraceID(r.Context()), Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
