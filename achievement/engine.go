package achievement

import (
	"fmt"
	"time"

	"github.com/warp/progression-engine/ledger"
)

// Result is the outcome of one ApplyProgress call.
// Change is nil when nothing needs to be written.
type Result struct {
	Unlocked     bool
	Notification *ledger.AchievementNotification
	Change       *ledger.AchievementChange
	Reward       Reward
}

type Engine struct {
	catalog *Catalog
}

func NewEngine(catalog *Catalog) *Engine {
	return &Engine{catalog: catalog}
}

func (e *Engine) Catalog() *Catalog { return e.catalog }

// ApplyProgress moves one achievement to newCurrent against snapshot p.
//
// Regressions fail with ErrInvalidProgress. An already unlocked achievement
// is a no-op returning Unlocked=false, so replays never grant twice.
func (e *Engine) ApplyProgress(p ledger.UserProgress, id ledger.AchievementID, newCurrent int64, at time.Time) (Result, error) {
	def, err := e.catalog.Lookup(id)
	if err != nil {
		return Result{}, err
	}
	existing := p.Achievement(id)
	if newCurrent < existing.Current {
		return Result{}, fmt.Errorf("%w: %s from %d to %d", ledger.ErrInvalidProgress, id, existing.Current, newCurrent)
	}
	if existing.Unlocked() {
		return Result{}, nil
	}

	unlock := newCurrent >= def.RequiredProgress && prerequisitesMet(p, def)
	if !unlock && newCurrent == existing.Current {
		return Result{}, nil
	}

	change := &ledger.AchievementChange{
		ID:       id,
		Current:  newCurrent,
		Required: def.RequiredProgress,
	}
	if !unlock {
		return Result{Change: change}, nil
	}

	unlockedAt := at
	change.UnlockedAt = &unlockedAt
	return Result{
		Unlocked: true,
		Change:   change,
		Reward:   def.Reward,
		Notification: &ledger.AchievementNotification{
			AchievementID:  def.ID,
			Name:           def.Name,
			Category:       def.Category,
			Rarity:         string(def.Rarity),
			RewardXP:       def.Reward.XP,
			RewardCurrency: def.Reward.Currency,
			UnlockedAt:     at,
			Enhanced:       def.Rarity.Enhanced(),
		},
	}, nil
}

func prerequisitesMet(p ledger.UserProgress, def Definition) bool {
	for _, pre := range def.Prerequisites {
		if !p.IsUnlocked(pre) {
			return false
		}
	}
	return true
}

// Evaluate measures every metric-driven achievement against p in
// prerequisite order and returns the results that change something.
// Unlocks within the same call satisfy later prerequisites. p is not
// modified.
//
// exerciseID limits exercise-scoped achievements to the one just attempted;
// pass "" to evaluate everything.
func (e *Engine) Evaluate(p ledger.UserProgress, exerciseID ledger.ExerciseID, at time.Time) ([]Result, error) {
	working := p.Clone()
	var results []Result
	for _, def := range e.catalog.ordered {
		if def.Metric == MetricManual || working.IsUnlocked(def.ID) {
			continue
		}
		if exerciseID != "" && !def.InScope(exerciseID) {
			continue
		}
		measured := def.Measure(working)
		if measured < working.Achievement(def.ID).Current {
			continue
		}
		res, err := e.ApplyProgress(working, def.ID, measured, at)
		if err != nil {
			return nil, err
		}
		if res.Change == nil {
			continue
		}
		working.Achievements[def.ID] = ledger.AchievementProgress{
			Current:    res.Change.Current,
			Required:   res.Change.Required,
			UnlockedAt: res.Change.UnlockedAt,
		}
		results = append(results, res)
	}
	return results, nil
}

// Changes collects the diff entries of results.
func Changes(results []Result) []ledger.AchievementChange {
	var out []ledger.AchievementChange
	for _, r := range results {
		if r.Change != nil {
			out = append(out, *r.Change)
		}
	}
	return out
}

// Notifications collects the unlock notifications of results.
func Notifications(results []Result) []ledger.AchievementNotification {
	var out []ledger.AchievementNotification
	for _, r := range results {
		if r.Notification != nil {
			out = append(out, *r.Notification)
		}
	}
	return out
}
