/*
Package coordinator turns learner actions into committed ledger changes.

PURPOSE:
  The coordinator is the only component that talks to both the policy
  engines and the Store. For each action it loads one snapshot, runs the
  pure engines against it, assembles a single Diff and commits that Diff
  against the snapshot's version. Either everything lands or nothing does.

COMPLETE ATTEMPT FLOW:
  1. Validate the event (token, exercise, attempt shape)
  2. Return the stored receipt if (user, token) was already committed
  3. AttemptGate: a denial is returned as AttemptAccepted=false, no write
  4. Score, grant XP through the rank engine, credit currency
  5. Evaluate achievements against the projected state, fold rewards in
  6. Commit Diff{attempt, xp, rank, transactions, achievements, receipt}

CONCURRENCY:
  - One exclusive section per user (locks.go); different users never wait
    on each other
  - The Store's version check catches writers outside this process;
    ErrVersionConflict restarts from step 2, up to MaxConflictRetries
  - Concurrent submissions of the same (user, token) share one execution
  - Each commit runs under CommitTimeout; a timeout is a PersistenceError,
    never a success

SEE ALSO:
  - ledger/store.go: CommitDiff contract
  - operations.go: Prestige, purchases, refunds, adjustments, multipliers
*/
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/attempt"
	"github.com/warp/progression-engine/economy"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/metrics"
	"github.com/warp/progression-engine/rank"
	"github.com/warp/progression-engine/scoring"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	MaxConflictRetries int           `mapstructure:"max_conflict_retries"`
	CommitTimeout      time.Duration `mapstructure:"commit_timeout"`
}

func DefaultConfig() Config {
	return Config{MaxConflictRetries: 3, CommitTimeout: 5 * time.Second}
}

// Deps are the collaborators the coordinator orchestrates.
type Deps struct {
	Store        ledger.Store
	Exercises    *ExerciseCatalog
	Scoring      scoring.Policy
	Ranks        *rank.Engine
	Achievements *achievement.Engine
	Economy      *economy.Engine
	Shop         *economy.Shop
}

type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		if cfg.MaxConflictRetries >= 0 {
			c.cfg.MaxConflictRetries = cfg.MaxConflictRetries
		}
		if cfg.CommitTimeout > 0 {
			c.cfg.CommitTimeout = cfg.CommitTimeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.ProgressionMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	Deps
	cfg     Config
	now     func() time.Time
	newID   func() string
	gate    *attempt.Gate
	locks   *userLocks
	flight  singleflight.Group
	logger  *zap.Logger
	metrics *metrics.ProgressionMetrics
}

func New(deps Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		Deps:   deps,
		cfg:    DefaultConfig(),
		now:    time.Now,
		newID:  uuid.NewString,
		locks:  newUserLocks(),
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Economy == nil {
		c.Economy = economy.NewEngine()
	}
	if c.Scoring.Tiers == nil {
		c.Scoring = scoring.DefaultPolicy()
	}
	c.gate = attempt.NewGate(c.clock)
	return c
}

// clock returns the current time in UTC without a monotonic reading, so
// results survive a JSON round trip unchanged.
func (c *Coordinator) clock() time.Time {
	return c.now().UTC()
}

// =============================================================================
// COMPLETE ATTEMPT
// =============================================================================

// ExerciseCompleted is the inbound event for one finished exercise.
// The exercise's catalog difficulty overrides Attempt.Difficulty.
type ExerciseCompleted struct {
	UserID     ledger.UserID     `json:"user_id"`
	ExerciseID ledger.ExerciseID `json:"exercise_id"`
	Attempt    scoring.Attempt   `json:"attempt"`
	StartedAt  time.Time         `json:"started_at"`
	Token      string            `json:"token"`
}

func (ev ExerciseCompleted) validate() error {
	switch {
	case ev.UserID == "":
		return ledger.Invalid("user_id", "required")
	case ev.ExerciseID == "":
		return ledger.Invalid("exercise_id", "required")
	case ev.Token == "":
		return ledger.Invalid("token", "client attempt token is required")
	}
	return nil
}

// CompleteAttempt scores and commits one exercise submission. Submitting
// the same (user, token) again returns the stored RewardResult unchanged.
func (c *Coordinator) CompleteAttempt(ctx context.Context, ev ExerciseCompleted) (ledger.RewardResult, error) {
	if err := ev.validate(); err != nil {
		return ledger.RewardResult{}, err
	}
	ex, err := c.Exercises.Lookup(ev.ExerciseID)
	if err != nil {
		return ledger.RewardResult{}, err
	}
	ev.Attempt.Difficulty = ex.Difficulty
	if err := scoring.Validate(ev.Attempt); err != nil {
		return ledger.RewardResult{}, err
	}

	key := string(ev.UserID) + "\x00" + ev.Token
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.completeAttempt(ctx, ev, ex)
	})
	if err != nil {
		return ledger.RewardResult{}, err
	}
	return v.(ledger.RewardResult), nil
}

func (c *Coordinator) completeAttempt(ctx context.Context, ev ExerciseCompleted, ex Exercise) (ledger.RewardResult, error) {
	log := c.logger.With(
		zap.String("user_id", string(ev.UserID)),
		zap.String("exercise_id", string(ev.ExerciseID)),
		zap.String("token", ev.Token),
	)

	var result ledger.RewardResult
	replayed := false
	rejected := false

	_, err := c.commit(ctx, "complete_attempt", ev.UserID, func(snap ledger.UserProgress, now time.Time) (ledger.Diff, error) {
		stored, ok, err := c.Store.Receipt(ctx, ev.UserID, ev.Token)
		if err != nil {
			return ledger.Diff{}, &ledger.PersistenceError{Op: "receipt", Err: err}
		}
		if ok {
			result, replayed = stored, true
			return ledger.Diff{}, errNoCommit
		}

		decision := attempt.Evaluate(snap.Attempt(ex.ID), ex.Policy, now)
		if !decision.Allowed {
			result, rejected = rejection(ev, snap, decision), true
			return ledger.Diff{}, errNoCommit
		}

		diff, res, err := c.buildAttempt(snap, ev, ex, decision, now)
		if err != nil {
			return ledger.Diff{}, err
		}
		result = res
		return diff, nil
	})

	switch {
	case errors.Is(err, ledger.ErrDuplicateToken):
		stored, ok, rerr := c.Store.Receipt(ctx, ev.UserID, ev.Token)
		if rerr != nil || !ok {
			return ledger.RewardResult{}, &ledger.PersistenceError{Op: "receipt", Err: errors.Join(err, rerr)}
		}
		c.metrics.ObserveReplay()
		log.Debug("duplicate token resolved from receipt")
		return stored, nil
	case err != nil:
		return ledger.RewardResult{}, err
	case replayed:
		c.metrics.ObserveReplay()
		log.Debug("attempt replayed from receipt")
		return result, nil
	case rejected:
		c.metrics.ObserveAttempt("rejected")
		log.Info("attempt rejected", zap.String("reason", result.RejectReason))
		return result, nil
	}

	c.observeReward(result)
	log.Info("attempt committed",
		zap.Int("attempt_number", result.AttemptNumber),
		zap.Int("final_score", result.FinalScore),
		zap.Int64("xp_gained", result.XPGained),
		zap.Int64("currency_gained", result.CurrencyGained),
		zap.Int("achievements_unlocked", len(result.AchievementsUnlocked)),
	)
	return result, nil
}

func rejection(ev ExerciseCompleted, snap ledger.UserProgress, d attempt.Decision) ledger.RewardResult {
	return ledger.RewardResult{
		Token:                ev.Token,
		UserID:               ev.UserID,
		ExerciseID:           ev.ExerciseID,
		AttemptAccepted:      false,
		RejectReason:         string(d.Reason),
		RetryAvailableAt:     d.RetryAvailableAt,
		NewBalance:           snap.CurrencyBalance,
		AchievementsUnlocked: []ledger.AchievementNotification{},
	}
}

// buildAttempt assembles the diff and result for an admitted attempt.
func (c *Coordinator) buildAttempt(snap ledger.UserProgress, ev ExerciseCompleted, ex Exercise, d attempt.Decision, now time.Time) (ledger.Diff, ledger.RewardResult, error) {
	score, err := c.Scoring.Compute(ev.Attempt)
	if err != nil {
		return ledger.Diff{}, ledger.RewardResult{}, err
	}

	startedAt := ev.StartedAt.UTC()
	if ev.StartedAt.IsZero() {
		startedAt = now.Add(-ev.Attempt.TimeSpent)
	}
	record := &ledger.AttemptRecord{
		UserID:        ev.UserID,
		ExerciseID:    ex.ID,
		AttemptNumber: d.AttemptNumber,
		StartedAt:     startedAt,
		CompletedAt:   now,
		CorrectCount:  ev.Attempt.CorrectCount,
		TotalCount:    ev.Attempt.TotalCount,
		HintsUsed:     ev.Attempt.HintsUsed,
		RawScore:      score.BaseScore,
		FinalScore:    score.TotalScore,
		Outcome:       score.Outcome,
		Token:         ev.Token,
	}

	grant, err := c.Ranks.ApplyXP(snap, score.XPGained, now)
	if err != nil {
		return ledger.Diff{}, ledger.RewardResult{}, err
	}
	chain := c.Economy.Begin(snap, now)
	if score.CurrencyGained > 0 {
		if _, err := chain.Apply(score.CurrencyGained, ledger.ReasonReward,
			economy.Ref(ev.Token), economy.Memo("exercise "+string(ex.ID))); err != nil {
			return ledger.Diff{}, ledger.RewardResult{}, err
		}
	}

	xp, rk := grant.Advance.Changes(snap)
	base := ledger.Diff{Attempt: record, XP: xp, Rank: rk, Transactions: chain.Transactions()}
	adv, unlocked, err := c.settleAchievements(snap, base, ex.ID, grant.Advance, chain, nil, now)
	if err != nil {
		return ledger.Diff{}, ledger.RewardResult{}, err
	}

	xp, rk = adv.Changes(snap)
	diff := ledger.Diff{
		Token:        ev.Token,
		Attempt:      record,
		XP:           xp,
		Rank:         rk,
		Transactions: chain.Transactions(),
		Achievements: achievement.Changes(unlocked),
	}

	result := ledger.RewardResult{
		Token:                ev.Token,
		UserID:               ev.UserID,
		ExerciseID:           ex.ID,
		AttemptAccepted:      true,
		AttemptNumber:        d.AttemptNumber,
		FinalScore:           score.TotalScore,
		Score:                score.Breakdown(),
		XPGained:             adv.XP - snap.XP,
		RankEvents:           adv.Events,
		CurrencyGained:       chain.Credited(),
		NewBalance:           chain.Balance(),
		AchievementsUnlocked: notifications(unlocked),
	}
	if adv.RankedUp() {
		newRank := adv.Rank
		result.NewRank = &newRank
	}
	receipt := result
	diff.Receipt = &receipt
	return diff, result, nil
}

// settleAchievements evaluates achievements against snap with base and the
// rewards granted so far applied, and folds each unlock's reward into adv and
// chain. Passes repeat until one unlocks nothing, so an achievement reached
// through another's reward unlocks in the same commit. settled holds results
// whose rewards are already in adv and chain. Achievement XP is granted flat,
// without multipliers.
func (c *Coordinator) settleAchievements(snap ledger.UserProgress, base ledger.Diff, exerciseID ledger.ExerciseID,
	adv rank.Advance, chain *economy.Chain, settled []achievement.Result, now time.Time) (rank.Advance, []achievement.Result, error) {
	if c.Achievements == nil {
		return adv, settled, nil
	}
	for {
		projection := base
		projection.XP, projection.Rank = adv.Changes(snap)
		projection.Transactions = chain.Transactions()
		projection.Achievements = achievement.Changes(settled)
		projected, err := ledger.Apply(snap, projection, now)
		if err != nil {
			return adv, nil, err
		}
		results, err := c.Achievements.Evaluate(projected, exerciseID, now)
		if err != nil {
			return adv, nil, err
		}
		unlocked := false
		for _, r := range results {
			settled = mergeResult(settled, r)
			if !r.Unlocked {
				continue
			}
			unlocked = true
			if r.Reward.XP > 0 {
				if adv, err = c.Ranks.Grant(adv, r.Reward.XP, projected.PrestigeLevel); err != nil {
					return adv, nil, err
				}
			}
			if r.Reward.Currency > 0 {
				if _, err := chain.Apply(r.Reward.Currency, ledger.ReasonReward,
					economy.Ref(string(r.Change.ID)), economy.Memo("achievement")); err != nil {
					return adv, nil, err
				}
			}
		}
		if !unlocked {
			return adv, settled, nil
		}
	}
}

// mergeResult keeps one result per achievement; a later pass supersedes
// progress recorded by an earlier one.
func mergeResult(results []achievement.Result, r achievement.Result) []achievement.Result {
	for i := range results {
		if results[i].Change.ID == r.Change.ID {
			results[i] = r
			return results
		}
	}
	return append(results, r)
}

func notifications(results []achievement.Result) []ledger.AchievementNotification {
	notes := achievement.Notifications(results)
	if notes == nil {
		return []ledger.AchievementNotification{}
	}
	return notes
}

func (c *Coordinator) observeReward(r ledger.RewardResult) {
	if r.Score.TotalScore >= c.Scoring.PassingScore {
		c.metrics.ObserveAttempt(string(ledger.OutcomePassed))
	} else {
		c.metrics.ObserveAttempt(string(ledger.OutcomeFailed))
	}
	c.metrics.ObserveRankUps(len(r.RankEvents))
	c.metrics.ObserveCurrency(string(ledger.ReasonReward), r.CurrencyGained)
	for _, n := range r.AchievementsUnlocked {
		c.metrics.ObserveAchievement(n.Rarity)
	}
}

// =============================================================================
// COMMIT LOOP
// =============================================================================

// errNoCommit lets a build function finish the operation without writing.
var errNoCommit = errors.New("no commit")

type buildFunc func(snap ledger.UserProgress, now time.Time) (ledger.Diff, error)

// commit runs build against a fresh snapshot and commits the diff under the
// user's lock, restarting on version conflicts.
func (c *Coordinator) commit(ctx context.Context, op string, userID ledger.UserID, build buildFunc) (ledger.UserProgress, error) {
	unlock, err := c.locks.lock(ctx, userID)
	if err != nil {
		return ledger.UserProgress{}, err
	}
	defer unlock()

	log := c.logger.With(zap.String("op", op), zap.String("user_id", string(userID)))

	for try := 0; ; try++ {
		if err := ctx.Err(); err != nil {
			return ledger.UserProgress{}, err
		}
		snap, err := c.Store.Get(ctx, userID)
		if err != nil {
			return ledger.UserProgress{}, c.persistenceFailure(ctx, op, err)
		}

		diff, err := build(snap, c.clock())
		if errors.Is(err, errNoCommit) {
			return snap, nil
		}
		if err != nil {
			return ledger.UserProgress{}, err
		}

		// Last chance to back out with the ledger untouched.
		if err := ctx.Err(); err != nil {
			return ledger.UserProgress{}, err
		}

		start := time.Now()
		commitCtx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
		next, err := c.Store.CommitDiff(commitCtx, userID, snap.Version, diff)
		cancel()
		if err == nil {
			c.metrics.ObserveCommit(time.Since(start))
			return next, nil
		}

		switch {
		case errors.Is(err, ledger.ErrVersionConflict):
			c.metrics.ObserveConflict()
			if try >= c.cfg.MaxConflictRetries {
				log.Warn("conflict retries exhausted", zap.Int("retries", try))
				c.metrics.ObserveCommitFailure(op)
				return ledger.UserProgress{}, &ledger.PersistenceError{
					Op:  op,
					Err: fmt.Errorf("gave up after %d retries: %w", try, err),
				}
			}
			log.Debug("version conflict, retrying", zap.Int("try", try+1), zap.Int64("expected_version", snap.Version))
			continue
		case errors.Is(err, ledger.ErrDuplicateToken):
			return ledger.UserProgress{}, err
		case errors.Is(err, ledger.ErrInconsistentDiff), ledger.IsClientError(err):
			log.Error("diff rejected by store", zap.Error(err))
			return ledger.UserProgress{}, err
		default:
			return ledger.UserProgress{}, c.persistenceFailure(ctx, op, err)
		}
	}
}

// persistenceFailure wraps a store error. A cancelled caller gets its own
// context error back instead.
func (c *Coordinator) persistenceFailure(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	var pe *ledger.PersistenceError
	if !errors.As(err, &pe) {
		pe = &ledger.PersistenceError{Op: op, Err: err}
	}
	c.metrics.ObserveCommitFailure(op)
	c.logger.Warn("persistence failure", zap.String("op", op), zap.Error(err))
	return pe
}

// =============================================================================
// READS
// =============================================================================

func (c *Coordinator) Progress(ctx context.Context, userID ledger.UserID) (ledger.UserProgress, error) {
	p, err := c.Store.Get(ctx, userID)
	if err != nil {
		return ledger.UserProgress{}, c.persistenceFailure(ctx, "get_progress", err)
	}
	return p, nil
}

func (c *Coordinator) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	txs, err := c.Store.Transactions(ctx, userID)
	if err != nil {
		return nil, c.persistenceFailure(ctx, "list_transactions", err)
	}
	return txs, nil
}

func (c *Coordinator) Attempts(ctx context.Context, userID ledger.UserID, exerciseID ledger.ExerciseID) ([]ledger.AttemptRecord, error) {
	if _, err := c.Exercises.Lookup(exerciseID); err != nil {
		return nil, err
	}
	recs, err := c.Store.Attempts(ctx, userID, exerciseID)
	if err != nil {
		return nil, c.persistenceFailure(ctx, "list_attempts", err)
	}
	return recs, nil
}

// Eligibility reports what the gate would decide right now. It is advisory;
// CompleteAttempt evaluates the gate again under the user's lock.
func (c *Coordinator) Eligibility(ctx context.Context, userID ledger.UserID, exerciseID ledger.ExerciseID) (attempt.Decision, error) {
	ex, err := c.Exercises.Lookup(exerciseID)
	if err != nil {
		return attempt.Decision{}, err
	}
	p, err := c.Progress(ctx, userID)
	if err != nil {
		return attempt.Decision{}, err
	}
	return c.gate.Check(p, ex.ID, ex.Policy), nil
}
