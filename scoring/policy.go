/*
Package scoring turns a normalized exercise attempt into a score and a
reward grant.

PURPOSE:
  Every exercise mechanic (matching, word search, timelines, ...) projects
  its own state into one shape, Attempt, through the adapters in
  adapters.go. Compute then applies a single policy to all of them. It is a
  pure function: identical input always yields identical output, which keeps
  tests reproducible and lets a replay detect tampered submissions.

SCORE COMPONENTS:
  BaseScore:     round(100 * correct / total), clamped to [0,100]
  TimeBonus:     MaxTimeBonus scaled down linearly to 0 at the expected
                 time for the difficulty; never negative
  AccuracyBonus: Only on perfect completion; each hint forfeits 1/HintSteps
  TotalScore:    min(100, base + time + accuracy)

REWARDS:
  XP and currency come from a difficulty-indexed table, scaled by
  TotalScore / 100 and floored.

EXAMPLE:
  score, err := scoring.Compute(scoring.Attempt{
      CorrectCount: 8, TotalCount: 10,
      TimeSpent:    2 * time.Minute,
      Difficulty:   scoring.Medium,
  })

SEE ALSO:
  - adapters.go: Mechanic-specific projections into Attempt
  - coordinator/coordinator.go: Feeds Score into the reward diff
*/
package scoring

import (
	"strings"
	"time"

	"github.com/warp/progression-engine/ledger"
)

// =============================================================================
// DIFFICULTY - Closed set
// =============================================================================

type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
	Expert Difficulty = "expert"
)

// Difficulties lists the closed set in ascending order.
var Difficulties = []Difficulty{Easy, Medium, Hard, Expert}

func ParseDifficulty(s string) (Difficulty, error) {
	d := Difficulty(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Difficulties {
		if d == known {
			return d, nil
		}
	}
	return "", &ledger.ValidationError{
		Field:   "difficulty",
		Message: "unknown difficulty " + s,
		Kind:    ledger.ErrInvalidDifficulty,
	}
}

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

// Attempt is the mechanic-agnostic shape every exercise type is scored from.
type Attempt struct {
	CorrectCount int           `json:"correct_count"`
	TotalCount   int           `json:"total_count"`
	HintsUsed    int           `json:"hints_used"`
	TimeSpent    time.Duration `json:"time_spent"`
	Difficulty   Difficulty    `json:"difficulty"`
}

type Score struct {
	BaseScore      int            `json:"base_score"`
	TimeBonus      int            `json:"time_bonus"`
	AccuracyBonus  int            `json:"accuracy_bonus"`
	TotalScore     int            `json:"total_score"`
	XPGained       int64          `json:"xp_gained"`
	CurrencyGained int64          `json:"currency_gained"`
	Outcome        ledger.Outcome `json:"outcome"`
}

// Breakdown returns the ledger representation used in RewardResult.
func (s Score) Breakdown() ledger.ScoreBreakdown {
	return ledger.ScoreBreakdown{
		BaseScore:     s.BaseScore,
		TimeBonus:     s.TimeBonus,
		AccuracyBonus: s.AccuracyBonus,
		TotalScore:    s.TotalScore,
	}
}

// =============================================================================
// POLICY
// =============================================================================

// Tier holds the difficulty-indexed constants.
type Tier struct {
	ExpectedTime  time.Duration
	AccuracyBonus int
	XP            int64
	Currency      int64
}

type Policy struct {
	Tiers        map[Difficulty]Tier
	MaxTimeBonus int
	HintSteps    int // hints needed to forfeit the whole accuracy bonus
	PassingScore int
}

func DefaultPolicy() Policy {
	return Policy{
		Tiers: map[Difficulty]Tier{
			Easy:   {ExpectedTime: 90 * time.Second, AccuracyBonus: 5, XP: 50, Currency: 10},
			Medium: {ExpectedTime: 180 * time.Second, AccuracyBonus: 10, XP: 100, Currency: 20},
			Hard:   {ExpectedTime: 300 * time.Second, AccuracyBonus: 15, XP: 150, Currency: 30},
			Expert: {ExpectedTime: 480 * time.Second, AccuracyBonus: 20, XP: 200, Currency: 50},
		},
		MaxTimeBonus: 10,
		HintSteps:    4,
		PassingScore: 60,
	}
}

// Compute scores an attempt with the default policy.
func Compute(a Attempt) (Score, error) {
	return DefaultPolicy().Compute(a)
}

// Compute scores an attempt. It never touches state.
func (p Policy) Compute(a Attempt) (Score, error) {
	if err := Validate(a); err != nil {
		return Score{}, err
	}
	tier, ok := p.Tiers[a.Difficulty]
	if !ok {
		return Score{}, &ledger.ValidationError{
			Field:   "difficulty",
			Message: "unknown difficulty " + string(a.Difficulty),
			Kind:    ledger.ErrInvalidDifficulty,
		}
	}

	base := clamp(roundDiv(100*a.CorrectCount, a.TotalCount), 0, 100)
	timeBonus := p.timeBonus(a.TimeSpent, tier.ExpectedTime)
	accuracy := p.accuracyBonus(a, tier)
	total := min(100, base+timeBonus+accuracy)

	outcome := ledger.OutcomeFailed
	if total >= p.PassingScore {
		outcome = ledger.OutcomePassed
	}

	return Score{
		BaseScore:      base,
		TimeBonus:      timeBonus,
		AccuracyBonus:  accuracy,
		TotalScore:     total,
		XPGained:       tier.XP * int64(total) / 100,
		CurrencyGained: tier.Currency * int64(total) / 100,
		Outcome:        outcome,
	}, nil
}

// MaxItems bounds TotalCount so percentage arithmetic stays exact.
const MaxItems = 1_000_000

// Validate rejects malformed attempts before any scoring.
func Validate(a Attempt) error {
	switch {
	case a.TotalCount <= 0:
		return ledger.Invalid("total_count", "must be positive, got %d", a.TotalCount)
	case a.TotalCount > MaxItems:
		return ledger.Invalid("total_count", "at most %d items per attempt, got %d", MaxItems, a.TotalCount)
	case a.CorrectCount < 0:
		return ledger.Invalid("correct_count", "must not be negative, got %d", a.CorrectCount)
	case a.CorrectCount > a.TotalCount:
		return ledger.Invalid("correct_count", "%d exceeds total_count %d", a.CorrectCount, a.TotalCount)
	case a.HintsUsed < 0:
		return ledger.Invalid("hints_used", "must not be negative, got %d", a.HintsUsed)
	case a.TimeSpent < 0:
		return ledger.Invalid("time_spent", "must not be negative, got %s", a.TimeSpent)
	}
	return nil
}

// timeBonus is non-increasing in spent and capped at MaxTimeBonus.
func (p Policy) timeBonus(spent, expected time.Duration) int {
	if expected <= 0 || spent >= expected {
		return 0
	}
	bonus := int64(p.MaxTimeBonus) * int64(expected-spent) / int64(expected)
	return clamp(int(bonus), 0, p.MaxTimeBonus)
}

func (p Policy) accuracyBonus(a Attempt, tier Tier) int {
	if a.CorrectCount != a.TotalCount {
		return 0
	}
	steps := p.HintSteps
	if steps <= 0 {
		steps = 1
	}
	remaining := max(0, steps-a.HintsUsed)
	return tier.AccuracyBonus * remaining / steps
}

// roundDiv rounds n/d half up for non-negative n and positive d.
func roundDiv(n, d int) int {
	return (2*n + d) / (2 * d)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
