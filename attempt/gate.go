/*
Package attempt decides whether a learner may submit another attempt at an
exercise.

PURPOSE:
  The gate is a pure function of the learner's AttemptSummary for one
  exercise, the exercise's retry configuration and the current time. It
  never reads or writes storage; the coordinator evaluates it against the
  same snapshot version it later commits against, so two concurrent
  submissions cannot both be admitted.

RULES (evaluated in order):
  1. No previous attempt              -> allowed
  2. MaxAttempts > 0 and count >= max -> attempts-exhausted
  3. AllowRetry is false              -> retry-disabled
  4. now < lastAttemptAt + RetryDelay -> retry-cooldown (RetryAvailableAt set)
  5. otherwise                        -> allowed

  MaxAttempts <= 0 means unlimited.

SEE ALSO:
  - coordinator/coordinator.go: Reports a denial as an unaccepted RewardResult
*/
package attempt

import (
	"time"

	"github.com/warp/progression-engine/ledger"
)

// Reason identifies why an attempt was denied.
type Reason string

const (
	ReasonExhausted Reason = "attempts-exhausted"
	ReasonRetryOff  Reason = "retry-disabled"
	ReasonCooldown  Reason = "retry-cooldown"
)

// Config is the per-exercise retry policy.
type Config struct {
	MaxAttempts       int  `json:"max_attempts"`
	AllowRetry        bool `json:"allow_retry"`
	RetryDelayMinutes int  `json:"retry_delay_minutes"`
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMinutes) * time.Minute
}

// Unlimited reports whether the exercise has no attempt cap.
func (c Config) Unlimited() bool { return c.MaxAttempts <= 0 }

func (c Config) Validate() error {
	if c.RetryDelayMinutes < 0 {
		return ledger.Invalid("retry_delay_minutes", "must not be negative, got %d", c.RetryDelayMinutes)
	}
	return nil
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed          bool       `json:"allowed"`
	Reason           Reason     `json:"reason,omitempty"`
	RetryAvailableAt *time.Time `json:"retry_available_at,omitempty"`

	// AttemptNumber is the number the next attempt would get.
	AttemptNumber int `json:"attempt_number"`

	// AttemptsRemaining is -1 when unlimited.
	AttemptsRemaining int `json:"attempts_remaining"`
}

// Err returns the denial as a PolicyRejectionError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ledger.PolicyRejectionError{Reason: string(d.Reason), RetryAvailableAt: d.RetryAvailableAt}
}

// Evaluate applies the rules to one exercise's summary.
func Evaluate(summary ledger.AttemptSummary, cfg Config, now time.Time) Decision {
	d := Decision{
		AttemptNumber:     summary.Count + 1,
		AttemptsRemaining: -1,
	}
	if !cfg.Unlimited() {
		d.AttemptsRemaining = max(0, cfg.MaxAttempts-summary.Count)
	}

	switch {
	case summary.Count == 0:
		d.Allowed = true
	case !cfg.Unlimited() && summary.Count >= cfg.MaxAttempts:
		d.Reason = ReasonExhausted
	case !cfg.AllowRetry:
		d.Reason = ReasonRetryOff
	default:
		available := summary.LastAttemptAt.Add(cfg.RetryDelay())
		if now.Before(available) {
			d.Reason = ReasonCooldown
			d.RetryAvailableAt = &available
		} else {
			d.Allowed = true
		}
	}
	return d
}

// Gate binds Evaluate to a clock.
type Gate struct {
	now func() time.Time
}

func NewGate(now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{now: now}
}

// Check evaluates the gate for exerciseID against a snapshot.
func (g *Gate) Check(p ledger.UserProgress, exerciseID ledger.ExerciseID, cfg Config) Decision {
	return Evaluate(p.Attempt(exerciseID), cfg, g.now())
}
