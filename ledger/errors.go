/*
errors.go - Centralized error taxonomy for the progression engine

PURPOSE:
  All error kinds in one place. Engines and stores return these (or wrap
  them); the API layer maps them to user-facing responses without leaking
  internal state.

ERROR CATEGORIES:
  1. Validation     - Malformed input, rejected before touching state
  2. Policy         - AttemptGate denial (expected, user-facing)
  3. Economy        - Insufficient funds, stale price
  4. Concurrency    - Version conflict (always safe to retry from the top)
  5. Persistence    - I/O or timeout (caller retries with the same token)

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      var ife *ledger.InsufficientFundsError
      errors.As(err, &ife)
  }

SEE ALSO:
  - diff.go: Returns ErrInconsistentDiff when a diff does not fit the snapshot
  - coordinator/coordinator.go: Retries ErrVersionConflict, surfaces ErrPersistence
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks malformed input. Nothing was read or written.
	ErrValidation = errors.New("validation failed")

	// ErrPolicyRejection marks an AttemptGate denial.
	ErrPolicyRejection = errors.New("attempt rejected by policy")

	// ErrInsufficientFunds is returned when a debit would make the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPriceChanged is returned when a purchase was quoted at a price that no
	// longer matches the catalog at confirmation time.
	ErrPriceChanged = errors.New("price changed since quote")

	// ErrVersionConflict is returned by CommitDiff when the stored version does
	// not match the expected version.
	ErrVersionConflict = errors.New("ledger version conflict")

	// ErrPersistence marks I/O, timeout, or exhausted conflict retries.
	ErrPersistence = errors.New("persistence failure")

	// ErrDuplicateToken is returned when a receipt already exists for the
	// (user, token) pair. Expected behavior for retried submissions.
	ErrDuplicateToken = errors.New("duplicate attempt token")

	// ErrInconsistentDiff is returned by Apply when a diff does not fit the
	// snapshot it is applied to (stale From values, broken balance chain, ...).
	ErrInconsistentDiff = errors.New("inconsistent diff")

	// ErrInvalidProgress is returned when achievement progress regresses.
	ErrInvalidProgress = errors.New("invalid achievement progress")

	// ErrInvalidDifficulty is returned for a difficulty outside the closed set.
	ErrInvalidDifficulty = errors.New("invalid difficulty")

	ErrUnknownExercise    = errors.New("unknown exercise")
	ErrUnknownAchievement = errors.New("unknown achievement")
	ErrUnknownItem        = errors.New("unknown shop item")
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrPrestigeUnavailable is returned when prestige is requested below the top rank.
	ErrPrestigeUnavailable = errors.New("prestige unavailable")

	// ErrAlreadyRefunded is returned when a purchase was already refunded.
	ErrAlreadyRefunded = errors.New("purchase already refunded")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one malformed input field.
// It matches both ErrValidation and its Kind with errors.Is.
type ValidationError struct {
	Field   string
	Message string
	Kind    error // optional, e.g. ErrInvalidDifficulty
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.Kind != nil {
		return []error{ErrValidation, e.Kind}
	}
	return []error{ErrValidation}
}

// Invalid is shorthand for a ValidationError without a specific kind.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError provides details about a rejected debit.
type InsufficientFundsError struct {
	UserID  UserID
	Balance int64
	Amount  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, amount %d, shortfall %d",
		e.Balance, e.Amount, -(e.Balance + e.Amount))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// PriceChangedError reports a stale quote.
type PriceChangedError struct {
	ItemID  ItemID
	Quoted  int64
	Current int64
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("price changed for %s: quoted %d, current %d", e.ItemID, e.Quoted, e.Current)
}

func (e *PriceChangedError) Unwrap() error { return ErrPriceChanged }

// PolicyRejectionError carries an AttemptGate denial when it has to travel
// as an error (the coordinator reports it in RewardResult instead).
type PolicyRejectionError struct {
	Reason           string
	RetryAvailableAt *time.Time
}

func (e *PolicyRejectionError) Error() string {
	if e.RetryAvailableAt != nil {
		return fmt.Sprintf("attempt rejected: %s (retry at %s)", e.Reason, e.RetryAvailableAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("attempt rejected: %s", e.Reason)
}

func (e *PolicyRejectionError) Unwrap() error { return ErrPolicyRejection }

// PersistenceError wraps a storage failure. It matches ErrPersistence and
// the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if re-running the whole operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the error is due to the caller's input or
// a user-facing rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPolicyRejection) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrPriceChanged) ||
		errors.Is(err, ErrInvalidProgress) ||
		errors.Is(err, ErrPrestigeUnavailable) ||
		errors.Is(err, ErrAlreadyRefunded)
}

// IsNotFound returns true if the error indicates a missing catalog entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownExercise) ||
		errors.Is(err, ErrUnknownAchievement) ||
		errors.Is(err, ErrUnknownItem) ||
		errors.Is(err, ErrUnknownTransaction)
}
