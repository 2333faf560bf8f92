/*
Package ledger provides the per-user progression record and its persistence
boundary.

PURPOSE:
  Every learner owns exactly one UserProgress aggregate: experience, rank,
  prestige, currency, achievement progress, attempt history, multipliers and
  inventory. Engines never write it directly. They produce a Diff, and the
  Store commits that Diff atomically against an expected version.

KEY CONCEPTS IN THIS FILE (types.go):
  - UserProgress: The aggregate root, one per learner
  - Transaction: Immutable currency log entry (balance is never set directly)
  - AttemptRecord: Immutable record of one scored submission
  - MultiplierSource: Timestamped XP multiplier (expired = excluded, not deleted)
  - RewardResult: Outbound result, also persisted as the idempotency receipt

DESIGN PRINCIPLES:
  1. Single writer: Only Apply (diff.go) mutates a UserProgress
  2. Versioned: Every commit bumps Version, stale writers get ErrVersionConflict
  3. Append-only logs: Transactions and attempts are never edited or removed
  4. Integers for XP and currency, decimals for multiplier factors

SEE ALSO:
  - diff.go: Diff type and Apply
  - store.go: Store interface (Get / CommitDiff)
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ExerciseID string
type AchievementID string
type RankID string
type ItemID string
type TransactionID string

// =============================================================================
// ATTEMPT HISTORY
// =============================================================================

// Outcome is the pass/fail verdict of a scored attempt.
type Outcome string

const (
	OutcomePassed Outcome = "passed"
	OutcomeFailed Outcome = "failed"
)

// AttemptSummary is the per-exercise rollup the AttemptGate reads.
type AttemptSummary struct {
	Count         int       `json:"count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LastOutcome   Outcome   `json:"last_outcome"`
	LastScore     int       `json:"last_score"`
	BestScore     int       `json:"best_score"`
	Passed        bool      `json:"passed"` // sticky once any attempt passes
}

// AttemptRecord is one scored submission. Immutable once CompletedAt is set;
// a retry creates a new record with the next AttemptNumber.
type AttemptRecord struct {
	UserID        UserID     `json:"user_id"`
	ExerciseID    ExerciseID `json:"exercise_id"`
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   time.Time  `json:"completed_at"`
	CorrectCount  int        `json:"correct_count"`
	TotalCount    int        `json:"total_count"`
	HintsUsed     int        `json:"hints_used"`
	RawScore      int        `json:"raw_score"`
	FinalScore    int        `json:"final_score"`
	Outcome       Outcome    `json:"outcome"`
	Token         string     `json:"token"`
}

// =============================================================================
// ACHIEVEMENT PROGRESS
// =============================================================================

type AchievementProgress struct {
	Current    int64      `json:"current"`
	Required   int64      `json:"required"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
}

func (a AchievementProgress) Unlocked() bool { return a.UnlockedAt != nil }

// =============================================================================
// MULTIPLIERS
// =============================================================================

type MultiplierKind string

const (
	MultiplierBase     MultiplierKind = "base"
	MultiplierRank     MultiplierKind = "rank"
	MultiplierPowerUp  MultiplierKind = "power_up"
	MultiplierStreak   MultiplierKind = "streak"
	MultiplierPrestige MultiplierKind = "prestige"
)

func (k MultiplierKind) Valid() bool {
	switch k {
	case MultiplierBase, MultiplierRank, MultiplierPowerUp, MultiplierStreak, MultiplierPrestige:
		return true
	}
	return false
}

// MultiplierSource is one factor in the XP multiplier product.
// A nil ExpiresAt means the source never expires.
type MultiplierSource struct {
	ID        string          `json:"id"`
	Kind      MultiplierKind  `json:"kind"`
	Factor    decimal.Decimal `json:"factor"`
	Label     string          `json:"label,omitempty"`
	GrantedAt time.Time       `json:"granted_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the source participates in composition at t.
func (m MultiplierSource) ActiveAt(t time.Time) bool {
	if t.Before(m.GrantedAt) {
		return false
	}
	return m.ExpiresAt == nil || t.Before(*m.ExpiresAt)
}

// =============================================================================
// CURRENCY TRANSACTIONS
// =============================================================================

type TransactionReason string

const (
	ReasonReward     TransactionReason = "reward"
	ReasonPurchase   TransactionReason = "purchase"
	ReasonRefund     TransactionReason = "refund"
	ReasonAdjustment TransactionReason = "adjustment"
)

func (r TransactionReason) Valid() bool {
	switch r {
	case ReasonReward, ReasonPurchase, ReasonRefund, ReasonAdjustment:
		return true
	}
	return false
}

// Transaction is an append-only currency log entry.
// BalanceAfter always equals the running sum of all amounts up to and
// including this one.
type Transaction struct {
	ID           TransactionID     `json:"id"`
	UserID       UserID            `json:"user_id"`
	Amount       int64             `json:"amount"`
	Reason       TransactionReason `json:"reason"`
	BalanceAfter int64             `json:"balance_after"`
	Timestamp    time.Time         `json:"timestamp"`

	// Purchase / refund context
	ItemID      ItemID `json:"item_id,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"` // attempt token, purchase tx id, achievement id
	Memo        string `json:"memo,omitempty"`
}

// =============================================================================
// USER PROGRESS - Aggregate root
// =============================================================================

type UserProgress struct {
	UserID          UserID                                `json:"user_id"`
	XP              int64                                 `json:"xp"`
	LifetimeXP      int64                                 `json:"lifetime_xp"` // never reset by prestige
	Rank            RankID                                `json:"rank"`
	PrestigeLevel   int                                   `json:"prestige_level"`
	CurrencyBalance int64                                 `json:"currency_balance"`
	Achievements    map[AchievementID]AchievementProgress `json:"achievements"`
	Attempts        map[ExerciseID]AttemptSummary         `json:"attempts"`
	Multipliers     []MultiplierSource                    `json:"multipliers"`
	Inventory       map[ItemID]int                        `json:"inventory"`

	// Version is 0 for a learner that has never committed anything.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUserProgress returns the empty aggregate for a learner with no history.
func NewUserProgress(userID UserID) UserProgress {
	return UserProgress{
		UserID:       userID,
		Achievements: make(map[AchievementID]AchievementProgress),
		Attempts:     make(map[ExerciseID]AttemptSummary),
		Inventory:    make(map[ItemID]int),
	}
}

// Clone returns a deep copy so callers can never alias store-owned maps.
func (p UserProgress) Clone() UserProgress {
	c := p
	c.Achievements = make(map[AchievementID]AchievementProgress, len(p.Achievements))
	for k, v := range p.Achievements {
		if v.UnlockedAt != nil {
			at := *v.UnlockedAt
			v.UnlockedAt = &at
		}
		c.Achievements[k] = v
	}
	c.Attempts = make(map[ExerciseID]AttemptSummary, len(p.Attempts))
	for k, v := range p.Attempts {
		c.Attempts[k] = v
	}
	c.Inventory = make(map[ItemID]int, len(p.Inventory))
	for k, v := range p.Inventory {
		c.Inventory[k] = v
	}
	c.Multipliers = append([]MultiplierSource(nil), p.Multipliers...)
	return c
}

func (p UserProgress) Attempt(id ExerciseID) AttemptSummary { return p.Attempts[id] }

func (p UserProgress) Achievement(id AchievementID) AchievementProgress {
	return p.Achievements[id]
}

func (p UserProgress) IsUnlocked(id AchievementID) bool {
	return p.Achievements[id].Unlocked()
}

// ActiveMultipliers returns the sources that are not expired at t.
func (p UserProgress) ActiveMultipliers(at time.Time) []MultiplierSource {
	var active []MultiplierSource
	for _, m := range p.Multipliers {
		if m.ActiveAt(at) {
			active = append(active, m)
		}
	}
	return active
}

// CompletedExercises counts exercises with at least one passed attempt.
func (p UserProgress) CompletedExercises() int {
	n := 0
	for _, a := range p.Attempts {
		if a.Passed {
			n++
		}
	}
	return n
}

// UnlockedCount returns how many achievements are unlocked.
func (p UserProgress) UnlockedCount() int {
	n := 0
	for _, a := range p.Achievements {
		if a.Unlocked() {
			n++
		}
	}
	return n
}

// =============================================================================
// REWARD RESULT - Outbound contract and idempotency receipt
// =============================================================================

type ScoreBreakdown struct {
	BaseScore     int `json:"base_score"`
	TimeBonus     int `json:"time_bonus"`
	AccuracyBonus int `json:"accuracy_bonus"`
	TotalScore    int `json:"total_score"`
}

type RankEventKind string

const (
	RankEventRankUp    RankEventKind = "rank_up"
	RankEventPrestiged RankEventKind = "prestiged"
)

type RankEvent struct {
	Kind          RankEventKind `json:"kind"`
	From          RankID        `json:"from"`
	To            RankID        `json:"to"`
	Threshold     int64         `json:"threshold"`
	PrestigeLevel int           `json:"prestige_level"`
}

// AchievementNotification is the structured unlock event handed to the
// presentation layer. Enhanced only flags epic/legendary unlocks.
type AchievementNotification struct {
	AchievementID  AchievementID `json:"achievement_id"`
	Name           string        `json:"name"`
	Category       string        `json:"category"`
	Rarity         string        `json:"rarity"`
	RewardXP       int64         `json:"reward_xp"`
	RewardCurrency int64         `json:"reward_currency"`
	UnlockedAt     time.Time     `json:"unlocked_at"`
	Enhanced       bool          `json:"enhanced"`
}

type RewardResult struct {
	Token      string     `json:"token"`
	UserID     UserID     `json:"user_id"`
	ExerciseID ExerciseID `json:"exercise_id"`

	AttemptAccepted  bool       `json:"attempt_accepted"`
	RejectReason     string     `json:"reject_reason,omitempty"`
	RetryAvailableAt *time.Time `json:"retry_available_at,omitempty"`
	AttemptNumber    int        `json:"attempt_number,omitempty"`

	FinalScore int            `json:"final_score"`
	Score      ScoreBreakdown `json:"score"`

	XPGained   int64       `json:"xp_gained"`
	NewRank    *RankID     `json:"new_rank,omitempty"`
	RankEvents []RankEvent `json:"rank_events,omitempty"`

	CurrencyGained int64 `json:"currency_gained"`
	NewBalance     int64 `json:"new_balance"`

	AchievementsUnlocked []AchievementNotification `json:"achievements_unlocked"`
}
