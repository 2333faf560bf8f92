/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON bodies the HTTP layer accepts and the wrappers it returns.
  Domain results (RewardResult, UserProgress, Transaction) already carry
  JSON tags and are returned as they are; only inputs and composite
  responses get their own types here.

NAMING CONVENTION:
  - *Request:  Request body types from clients
  - *Response: Composite response wrappers

TYPES:
  Attempts:     AttemptRequest
  Shop:         PurchaseRequest, RefundRequest
  Admin:        AdjustmentRequest
  Multipliers:  MultiplierRequest
  Achievements: AchievementProgressRequest
  Progress:     ProgressResponse
  Errors:       ErrorResponse

VALIDATION:
  DTOs are pure data carriers. Field validation happens in the coordinator
  so the HTTP layer and the CLI share one set of rules.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/coordinator"
	"github.com/warp/progression-engine/economy"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/rank"
	"github.com/warp/progression-engine/scoring"
)

// =============================================================================
// ATTEMPTS
// =============================================================================

// AttemptRequest is one finished exercise. The user comes from the path.
type AttemptRequest struct {
	ExerciseID       string    `json:"exercise_id"`
	Token            string    `json:"token"`
	StartedAt        time.Time `json:"started_at"`
	CorrectCount     int       `json:"correct_count"`
	TotalCount       int       `json:"total_count"`
	HintsUsed        int       `json:"hints_used"`
	TimeSpentSeconds float64   `json:"time_spent_seconds"`
}

func (r AttemptRequest) toEvent(userID ledger.UserID) coordinator.ExerciseCompleted {
	return coordinator.ExerciseCompleted{
		UserID:     userID,
		ExerciseID: ledger.ExerciseID(r.ExerciseID),
		Token:      r.Token,
		StartedAt:  r.StartedAt,
		Attempt: scoring.Attempt{
			CorrectCount: r.CorrectCount,
			TotalCount:   r.TotalCount,
			HintsUsed:    r.HintsUsed,
			TimeSpent:    time.Duration(r.TimeSpentSeconds * float64(time.Second)),
		},
	}
}

// =============================================================================
// SHOP
// =============================================================================

type PurchaseRequest struct {
	ItemID      string `json:"item_id"`
	Quantity    int    `json:"quantity"`
	QuotedPrice int64  `json:"quoted_price"`
}

func (r PurchaseRequest) toDomain() economy.PurchaseRequest {
	qty := r.Quantity
	if qty == 0 {
		qty = 1
	}
	return economy.PurchaseRequest{
		ItemID:      ledger.ItemID(r.ItemID),
		Quantity:    qty,
		QuotedPrice: r.QuotedPrice,
	}
}

type RefundRequest struct {
	PurchaseID string `json:"purchase_id"`
}

// =============================================================================
// ADMIN
// =============================================================================

type AdjustmentRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
}

// =============================================================================
// MULTIPLIERS & ACHIEVEMENTS
// =============================================================================

// MultiplierRequest grants a bonus. DurationMinutes 0 means permanent.
type MultiplierRequest struct {
	Kind            string          `json:"kind"`
	Factor          decimal.Decimal `json:"factor"`
	DurationMinutes int             `json:"duration_minutes"`
	Label           string          `json:"label"`
}

func (r MultiplierRequest) toGrant() coordinator.MultiplierGrant {
	return coordinator.MultiplierGrant{
		Kind:     ledger.MultiplierKind(r.Kind),
		Factor:   r.Factor,
		Duration: time.Duration(r.DurationMinutes) * time.Minute,
		Label:    r.Label,
	}
}

type AchievementProgressRequest struct {
	Current int64 `json:"current"`
}

// =============================================================================
// PROGRESS
// =============================================================================

// ProgressResponse adds derived, display-only values to the stored progress.
type ProgressResponse struct {
	ledger.UserProgress
	Multiplier decimal.Decimal  `json:"multiplier"`
	NextRank   *rank.Definition `json:"next_rank,omitempty"`
	XPToNext   int64            `json:"xp_to_next,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
