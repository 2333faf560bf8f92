/*
store.go - Persistence boundary for the per-user ledger

PURPOSE:
  Defines the minimal contract the engine needs from storage: read a
  snapshot, commit a diff against an expected version. Any technology with
  optimistic-concurrency semantics satisfies it.

OPTIMISTIC CONCURRENCY:
  Get returns a snapshot carrying Version. CommitDiff(user, expected, diff)
  succeeds only if the stored Version still equals expected; otherwise it
  returns ErrVersionConflict and writes nothing. A learner that has never
  committed has Version 0.

IDEMPOTENCY:
  A Diff carrying a Receipt is recorded under (user, Token). A second commit
  with the same pair is rejected with ErrDuplicateToken, and Receipt returns
  the stored RewardResult.

APPEND-ONLY LOGS:
  Transactions and AttemptRecords are only ever appended by CommitDiff.
  There is no Update or Delete.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory arena keyed by user (tests, dev)
  - store/sqlite/sqlite.go: SQLite, durable

SEE ALSO:
  - diff.go: Apply, called by every implementation inside its commit
*/
package ledger

import "context"

// Store is the single source of truth for UserProgress.
type Store interface {
	// Get returns the current snapshot. Unknown users get NewUserProgress
	// with Version 0; they are created by their first commit.
	Get(ctx context.Context, userID UserID) (UserProgress, error)

	// CommitDiff applies diff atomically if the stored version equals
	// expectedVersion, and returns the new snapshot.
	CommitDiff(ctx context.Context, userID UserID, expectedVersion int64, diff Diff) (UserProgress, error)

	// Transactions returns the currency log for a user, oldest first.
	Transactions(ctx context.Context, userID UserID) ([]Transaction, error)

	// Attempts returns the attempt records for one exercise, oldest first.
	Attempts(ctx context.Context, userID UserID, exerciseID ExerciseID) ([]AttemptRecord, error)

	// Receipt returns the RewardResult committed under (user, token).
	Receipt(ctx context.Context, userID UserID, token string) (RewardResult, bool, error)
}
