/*
handlers.go - HTTP API handlers for the progression engine

PURPOSE:
  Exposes the reward coordinator via REST API. Handles HTTP request and
  response, JSON serialization, and delegates every decision to the
  coordinator. No handler touches the ledger store directly.

ENDPOINTS:
  Learners:
    POST   /api/users/{userID}/attempts                          Submit a finished exercise
    GET    /api/users/{userID}/progress                          Progress snapshot
    GET    /api/users/{userID}/transactions                      Currency history
    GET    /api/users/{userID}/exercises/{exerciseID}/attempts    Attempt history
    GET    /api/users/{userID}/exercises/{exerciseID}/eligibility Gate decision right now
    POST   /api/users/{userID}/prestige                          Prestige reset
    POST   /api/users/{userID}/purchases                         Buy a shop item
    POST   /api/users/{userID}/refunds                           Refund a purchase
    POST   /api/users/{userID}/multipliers                       Grant a multiplier
    POST   /api/users/{userID}/achievements/{achievementID}/progress

  Admin:
    POST   /api/admin/adjustments                                Currency correction

  Catalog:
    GET    /api/catalog/ranks | achievements | shop | exercises

REQUEST FLOW:
  1. Parse HTTP request (unknown JSON fields are rejected)
  2. Call the coordinator
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown exercise, achievement, item or transaction
  - 409: Insufficient funds, stale price, already refunded, prestige unavailable
  - 503: Persistence failure (retry with the same token)
  - 500: Anything else

  An attempt denied by the gate is NOT an error: it returns 200 with
  attempt_accepted=false and the reason.

SECURITY NOTE:
  No authentication. The user ID comes from the path and the admin routes
  are open; deploy behind an authenticating proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - coordinator/coordinator.go: What each call does
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/coordinator"
	"github.com/warp/progression-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the dependencies shared by all endpoints.
type Handler struct {
	Coord  *coordinator.Coordinator
	logger *zap.Logger
	now    func() time.Time
}

func NewHandler(coord *coordinator.Coordinator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{Coord: coord, logger: logger, now: time.Now}
}

// =============================================================================
// LEARNER ENDPOINTS
// =============================================================================

// SubmitAttempt scores and commits one finished exercise.
func (h *Handler) SubmitAttempt(w http.ResponseWriter, r *http.Request) {
	var req AttemptRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Coord.CompleteAttempt(r.Context(), req.toEvent(userID(r)))
	if err != nil {
		h.writeDomainError(w, r, "Failed to record attempt", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetProgress returns the learner's snapshot with the current multiplier and
// the distance to the next rank.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.Coord.Progress(r.Context(), userID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to load progress", err)
		return
	}

	resp := ProgressResponse{
		UserProgress: p,
		Multiplier:   h.Coord.Ranks.Multiplier(p, h.now().UTC()),
	}
	for _, def := range h.Coord.Ranks.Table().Definitions() {
		if def.Threshold > p.XP {
			next := def
			resp.NextRank = &next
			resp.XPToNext = def.Threshold - p.XP
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Coord.Transactions(r.Context(), userID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) GetAttempts(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Coord.Attempts(r.Context(), userID(r), exerciseID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to load attempts", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	d, err := h.Coord.Eligibility(r.Context(), userID(r), exerciseID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to check eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) Prestige(w http.ResponseWriter, r *http.Request) {
	result, err := h.Coord.Prestige(r.Context(), userID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to prestige", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Coord.Purchase(r.Context(), userID(r), req.toDomain())
	if err != nil {
		h.writeDomainError(w, r, "Failed to complete purchase", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PurchaseID == "" {
		writeError(w, http.StatusBadRequest, "purchase_id is required", nil)
		return
	}

	result, err := h.Coord.Refund(r.Context(), userID(r), ledger.TransactionID(req.PurchaseID))
	if err != nil {
		h.writeDomainError(w, r, "Failed to refund purchase", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) GrantMultiplier(w http.ResponseWriter, r *http.Request) {
	var req MultiplierRequest
	if !h.decode(w, r, &req) {
		return
	}

	src, err := h.Coord.GrantMultiplier(r.Context(), userID(r), req.toGrant())
	if err != nil {
		h.writeDomainError(w, r, "Failed to grant multiplier", err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (h *Handler) RecordAchievementProgress(w http.ResponseWriter, r *http.Request) {
	var req AchievementProgressRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := ledger.AchievementID(chi.URLParam(r, "achievementID"))
	result, err := h.Coord.RecordAchievementProgress(r.Context(), userID(r), id, req.Current)
	if err != nil {
		h.writeDomainError(w, r, "Failed to record achievement progress", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// CreateAdjustment applies a signed currency correction.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	result, err := h.Coord.Adjust(r.Context(), ledger.UserID(req.UserID), req.Amount, req.Memo)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

func (h *Handler) ListRanks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Coord.Ranks.Table().Definitions())
}

func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Coord.Achievements.Catalog().Ordered())
}

func (h *Handler) ListShopItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Coord.Shop.Catalog().Items())
}

func (h *Handler) ListExercises(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Coord.Exercises.All())
}

// =============================================================================
// HELPERS
// =============================================================================

func userID(r *http.Request) ledger.UserID {
	return ledger.UserID(chi.URLParam(r, "userID"))
}

func exerciseID(r *http.Request) ledger.ExerciseID {
	return ledger.ExerciseID(chi.URLParam(r, "exerciseID"))
}

// decode reads a JSON body into v, writing a 400 and returning false when it
// cannot.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps the ledger error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrPriceChanged),
		errors.Is(err, ledger.ErrAlreadyRefunded),
		errors.Is(err, ledger.ErrPrestigeUnavailable):
		return http.StatusConflict
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrPersistence),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Details: err.Error(), Retryable: ledger.IsRetryable(err)}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			// internal details stay in the log
			resp.Details = ""
		}
	}
	if resp.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
