// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/progression-engine/ledger"
)

// =============================================================================
// MEMORY STORE - Arena keyed by user (for testing/dev)
// =============================================================================

// Memory keeps one record per user. Users never contend on anything but the
// map lookup; commits for one user are serialized by that user's mutex.
type Memory struct {
	mu    sync.RWMutex
	users map[ledger.UserID]*userRecord
	now   func() time.Time
}

type userRecord struct {
	mu           sync.Mutex
	progress     ledger.UserProgress
	transactions []ledger.Transaction
	attempts     map[ledger.ExerciseID][]ledger.AttemptRecord
	receipts     map[string]ledger.RewardResult
}

func NewMemory() *Memory {
	return &Memory{
		users: make(map[ledger.UserID]*userRecord),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// record returns the user's record, creating it on first use.
func (m *Memory) record(userID ledger.UserID) *userRecord {
	m.mu.RLock()
	rec, ok := m.users[userID]
	m.mu.RUnlock()
	if ok {
		return rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.users[userID]; ok {
		return rec
	}
	rec = &userRecord{
		progress: ledger.NewUserProgress(userID),
		attempts: make(map[ledger.ExerciseID][]ledger.AttemptRecord),
		receipts: make(map[string]ledger.RewardResult),
	}
	m.users[userID] = rec
	return rec
}

func (m *Memory) Get(ctx context.Context, userID ledger.UserID) (ledger.UserProgress, error) {
	if err := ctx.Err(); err != nil {
		return ledger.UserProgress{}, err
	}
	rec := m.record(userID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.progress.Clone(), nil
}

// CommitDiff applies the diff if the version matches. All-or-nothing.
func (m *Memory) CommitDiff(ctx context.Context, userID ledger.UserID, expectedVersion int64, diff ledger.Diff) (ledger.UserProgress, error) {
	if err := ctx.Err(); err != nil {
		return ledger.UserProgress{}, err
	}
	rec := m.record(userID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if diff.Receipt != nil {
		if _, exists := rec.receipts[diff.Token]; exists {
			return ledger.UserProgress{}, ledger.ErrDuplicateToken
		}
	}
	if rec.progress.Version != expectedVersion {
		return ledger.UserProgress{}, ledger.ErrVersionConflict
	}

	next, err := ledger.Apply(rec.progress, diff, m.now())
	if err != nil {
		return ledger.UserProgress{}, err
	}

	// Nothing below can fail, so the commit is atomic.
	rec.progress = next
	rec.transactions = append(rec.transactions, diff.Transactions...)
	if diff.Attempt != nil {
		ex := diff.Attempt.ExerciseID
		rec.attempts[ex] = append(rec.attempts[ex], *diff.Attempt)
	}
	if diff.Receipt != nil {
		rec.receipts[diff.Token] = cloneResult(*diff.Receipt)
	}
	return next.Clone(), nil
}

func (m *Memory) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	rec := m.record(userID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	result := make([]ledger.Transaction, len(rec.transactions))
	copy(result, rec.transactions)
	return result, nil
}

func (m *Memory) Attempts(_ context.Context, userID ledger.UserID, exerciseID ledger.ExerciseID) ([]ledger.AttemptRecord, error) {
	rec := m.record(userID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	result := make([]ledger.AttemptRecord, len(rec.attempts[exerciseID]))
	copy(result, rec.attempts[exerciseID])
	return result, nil
}

func (m *Memory) Receipt(_ context.Context, userID ledger.UserID, token string) (ledger.RewardResult, bool, error) {
	rec := m.record(userID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	r, ok := rec.receipts[token]
	if !ok {
		return ledger.RewardResult{}, false, nil
	}
	return cloneResult(r), true, nil
}

// cloneResult copies the pointer and slice fields so a stored receipt never
// aliases a caller's value.
func cloneResult(r ledger.RewardResult) ledger.RewardResult {
	if r.RetryAvailableAt != nil {
		at := *r.RetryAvailableAt
		r.RetryAvailableAt = &at
	}
	if r.NewRank != nil {
		rank := *r.NewRank
		r.NewRank = &rank
	}
	if r.RankEvents != nil {
		r.RankEvents = append([]ledger.RankEvent{}, r.RankEvents...)
	}
	if r.AchievementsUnlocked != nil {
		r.AchievementsUnlocked = append([]ledger.AchievementNotification{}, r.AchievementsUnlocked...)
	}
	return r
}

// Compile-time check
var _ ledger.Store = (*Memory)(nil)
