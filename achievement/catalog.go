/*
Package achievement tracks milestone progress and unlocks achievements.

PURPOSE:
  An achievement is a catalog entry with a required progress value, a
  one-time reward and optional prerequisites. Progress only moves forward;
  once UnlockedAt is set it never changes and the reward is never granted
  again.

KEY CONCEPTS IN THIS FILE (catalog.go):
  - Definition: Catalog entry (metric, required progress, reward, rarity)
  - Catalog: Validated set of definitions in prerequisite order
  - Metric: How progress is measured from a UserProgress snapshot

EVALUATION ORDER:
  Catalog.Ordered lists every achievement after all of its prerequisites.
  Evaluating in that order lets a prerequisite unlocked earlier in the same
  event satisfy a dependent one.

SEE ALSO:
  - engine.go: ApplyProgress and Evaluate
*/
package achievement

import (
	"fmt"

	"github.com/warp/progression-engine/ledger"
)

// =============================================================================
// METRICS AND RARITY
// =============================================================================

// Metric selects the UserProgress value that drives an achievement.
type Metric string

const (
	MetricExercisesCompleted Metric = "exercises_completed"
	MetricPerfectScores      Metric = "perfect_scores"
	MetricTotalXP            Metric = "total_xp"
	MetricPrestigeLevel      Metric = "prestige_level"

	// MetricManual is only advanced through explicit ApplyProgress calls.
	MetricManual Metric = "manual"
)

func (m Metric) Valid() bool {
	switch m {
	case MetricExercisesCompleted, MetricPerfectScores, MetricTotalXP, MetricPrestigeLevel, MetricManual:
		return true
	}
	return false
}

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

func (r Rarity) Valid() bool {
	switch r {
	case RarityCommon, RarityRare, RarityEpic, RarityLegendary:
		return true
	}
	return false
}

// Enhanced reports whether unlock notifications get enhanced presentation.
func (r Rarity) Enhanced() bool {
	return r == RarityEpic || r == RarityLegendary
}

// =============================================================================
// DEFINITION
// =============================================================================

type Reward struct {
	XP       int64 `json:"xp"`
	Currency int64 `json:"currency"`
}

type Definition struct {
	ID               ledger.AchievementID   `json:"id"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	Category         string                 `json:"category"`
	Rarity           Rarity                 `json:"rarity"`
	RequiredProgress int64                  `json:"required_progress"`
	Reward           Reward                 `json:"reward"`
	Prerequisites    []ledger.AchievementID `json:"prerequisites,omitempty"`
	Metric           Metric                 `json:"metric"`

	// Scope restricts exercise metrics to these exercises. Empty means all.
	Scope []ledger.ExerciseID `json:"scope,omitempty"`
}

// Measure returns the current metric value for p. Manual achievements
// report their stored progress.
func (d Definition) Measure(p ledger.UserProgress) int64 {
	switch d.Metric {
	case MetricExercisesCompleted:
		return d.countExercises(p, func(s ledger.AttemptSummary) bool { return s.Passed })
	case MetricPerfectScores:
		return d.countExercises(p, func(s ledger.AttemptSummary) bool { return s.BestScore >= 100 })
	case MetricTotalXP:
		return p.LifetimeXP
	case MetricPrestigeLevel:
		return int64(p.PrestigeLevel)
	default:
		return p.Achievement(d.ID).Current
	}
}

func (d Definition) countExercises(p ledger.UserProgress, match func(ledger.AttemptSummary) bool) int64 {
	var n int64
	if len(d.Scope) == 0 {
		for _, s := range p.Attempts {
			if match(s) {
				n++
			}
		}
		return n
	}
	for _, id := range d.Scope {
		if s, ok := p.Attempts[id]; ok && match(s) {
			n++
		}
	}
	return n
}

// InScope reports whether an attempt at exerciseID can move this achievement.
func (d Definition) InScope(exerciseID ledger.ExerciseID) bool {
	if d.Metric != MetricExercisesCompleted && d.Metric != MetricPerfectScores {
		return true
	}
	if len(d.Scope) == 0 {
		return true
	}
	for _, id := range d.Scope {
		if id == exerciseID {
			return true
		}
	}
	return false
}

// =============================================================================
// CATALOG
// =============================================================================

type Catalog struct {
	ordered []Definition
	index   map[ledger.AchievementID]int
}

// NewCatalog validates defs and orders them so prerequisites come first.
// Ties keep the input order.
func NewCatalog(defs []Definition) (*Catalog, error) {
	byID := make(map[ledger.AchievementID]Definition, len(defs))
	for i, d := range defs {
		if d.ID == "" {
			return nil, ledger.Invalid("achievements", "achievement %d has no id", i)
		}
		if _, dup := byID[d.ID]; dup {
			return nil, ledger.Invalid("achievements", "duplicate achievement id %q", d.ID)
		}
		if d.RequiredProgress <= 0 {
			return nil, ledger.Invalid("achievements", "%q: required progress must be positive", d.ID)
		}
		if d.Reward.XP < 0 || d.Reward.Currency < 0 {
			return nil, ledger.Invalid("achievements", "%q: reward must not be negative", d.ID)
		}
		if !d.Metric.Valid() {
			return nil, ledger.Invalid("achievements", "%q: unknown metric %q", d.ID, d.Metric)
		}
		if d.Rarity == "" {
			d.Rarity = RarityCommon
		}
		if !d.Rarity.Valid() {
			return nil, ledger.Invalid("achievements", "%q: unknown rarity %q", d.ID, d.Rarity)
		}
		byID[d.ID] = d
	}
	for _, d := range defs {
		for _, pre := range d.Prerequisites {
			if _, ok := byID[pre]; !ok {
				return nil, ledger.Invalid("achievements", "%q: unknown prerequisite %q", d.ID, pre)
			}
		}
	}

	ordered, err := topoSort(defs, byID)
	if err != nil {
		return nil, err
	}
	c := &Catalog{ordered: ordered, index: make(map[ledger.AchievementID]int, len(ordered))}
	for i, d := range ordered {
		c.index[d.ID] = i
	}
	return c, nil
}

// topoSort is a depth-first sort; a back edge means a prerequisite cycle.
func topoSort(defs []Definition, byID map[ledger.AchievementID]Definition) ([]Definition, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[ledger.AchievementID]int, len(defs))
	ordered := make([]Definition, 0, len(defs))

	var visit func(id ledger.AchievementID, path []ledger.AchievementID) error
	visit = func(id ledger.AchievementID, path []ledger.AchievementID) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return ledger.Invalid("achievements", "prerequisite cycle: %v", append(path, id))
		}
		state[id] = visiting
		d := byID[id]
		for _, pre := range d.Prerequisites {
			if err := visit(pre, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		ordered = append(ordered, d)
		return nil
	}

	for _, d := range defs {
		if err := visit(d.ID, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func (c *Catalog) Lookup(id ledger.AchievementID) (Definition, error) {
	i, ok := c.index[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ledger.ErrUnknownAchievement, id)
	}
	return c.ordered[i], nil
}

// Ordered returns definitions with every prerequisite before its dependents.
func (c *Catalog) Ordered() []Definition {
	return append([]Definition(nil), c.ordered...)
}

func (c *Catalog) Len() int { return len(c.ordered) }
