/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Converts a JSON catalog (rank ladder, achievements, shop, exercises and
  scoring tiers) into the validated, immutable structures the engines run
  on. Content owners edit the JSON; the engines never see unvalidated
  configuration.

JSON SCHEMA:
  {
    "prestige_factor": "1.1",
    "scoring": {
      "max_time_bonus": 10, "hint_steps": 4, "passing_score": 60,
      "tiers": {"easy": {"expected_seconds": 90, "accuracy_bonus": 5, "xp": 50, "currency": 10}}
    },
    "ranks": [{"id": "explorer", "name": "Explorer", "threshold": 0, "multiplier_bonus": "1.0"}],
    "achievements": [{"id": "first-steps", "category": "progress", "rarity": "common",
                      "required_progress": 1, "metric": "exercises_completed",
                      "reward": {"xp": 25, "currency": 10}}],
    "shop": [{"id": "xp-boost", "category": "power_up", "price": 150,
              "power_up": {"factor": "1.5", "duration_minutes": 60}}],
    "exercises": [{"id": "ex-1", "title": "Numbers", "difficulty": "easy",
                   "policy": {"max_attempts": 3, "allow_retry": true, "retry_delay_minutes": 5}}]
  }

VALIDATION:
  - Rank thresholds start at 0 and strictly increase
  - Achievement prerequisites exist and form no cycle
  - Achievement scopes name known exercises
  - Every difficulty has a scoring tier
  - Power-up items carry a factor above 1 and a duration

USAGE:
  f := factory.NewCatalogFactory()
  bundle, err := f.Load("catalog.json")  // or f.Default()

SEE ALSO:
  - rank/rank.go, achievement/catalog.go, economy/shop.go: per-catalog validation
  - coordinator/exercises.go: Exercise catalog
*/
package factory

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/warp/progression-engine/achievement"
	"github.com/warp/progression-engine/coordinator"
	"github.com/warp/progression-engine/economy"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/rank"
	"github.com/warp/progression-engine/scoring"
)

//go:embed default_catalog.json
var defaultCatalog []byte

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a complete catalog.
type CatalogJSON struct {
	PrestigeFactor *decimal.Decimal         `json:"prestige_factor,omitempty"`
	Scoring        *ScoringJSON             `json:"scoring,omitempty"`
	Ranks          []rank.Definition        `json:"ranks"`
	Achievements   []achievement.Definition `json:"achievements"`
	Shop           []economy.ShopItem       `json:"shop"`
	Exercises      []coordinator.Exercise   `json:"exercises"`
}

// ScoringJSON overrides the scoring policy. Omitted fields keep defaults.
type ScoringJSON struct {
	MaxTimeBonus int                 `json:"max_time_bonus,omitempty"`
	HintSteps    int                 `json:"hint_steps,omitempty"`
	PassingScore int                 `json:"passing_score,omitempty"`
	Tiers        map[string]TierJSON `json:"tiers,omitempty"`
}

// TierJSON is one difficulty tier.
type TierJSON struct {
	ExpectedSeconds int   `json:"expected_seconds"`
	AccuracyBonus   int   `json:"accuracy_bonus"`
	XP              int64 `json:"xp"`
	Currency        int64 `json:"currency"`
}

// Bundle is everything the engines need, validated.
type Bundle struct {
	Ranks        *rank.Engine
	Achievements *achievement.Catalog
	Shop         *economy.Catalog
	Exercises    *coordinator.ExerciseCatalog
	Scoring      scoring.Policy
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogs to engine structures.
type CatalogFactory struct{}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// Default returns the built-in catalog.
func (f *CatalogFactory) Default() (*Bundle, error) {
	b, err := f.Parse(defaultCatalog)
	return b, eris.Wrap(err, "factory: built-in catalog")
}

// Load reads and parses a catalog file.
func (f *CatalogFactory) Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "factory: read catalog %s", path)
	}
	b, err := f.Parse(data)
	return b, eris.Wrapf(err, "factory: catalog %s", path)
}

// Parse decodes JSON into a Bundle. Unknown fields are rejected so typos in
// hand-edited catalogs do not pass silently.
func (f *CatalogFactory) Parse(data []byte) (*Bundle, error) {
	var cj CatalogJSON
	if err := decodeStrict(data, &cj); err != nil {
		return nil, eris.Wrap(err, "factory: parse catalog JSON")
	}
	return f.FromJSON(cj)
}

// FromJSON validates cj and builds the engine structures.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) (*Bundle, error) {
	table, err := rank.NewTable(cj.Ranks)
	if err != nil {
		return nil, eris.Wrap(err, "factory: ranks")
	}
	prestige := rank.DefaultPrestigeFactor
	if cj.PrestigeFactor != nil {
		if !cj.PrestigeFactor.GreaterThan(decimal.NewFromInt(1)) {
			return nil, eris.Errorf("factory: prestige_factor must exceed 1, got %s", cj.PrestigeFactor)
		}
		prestige = *cj.PrestigeFactor
	}

	exercises, err := coordinator.NewExerciseCatalog(cj.Exercises)
	if err != nil {
		return nil, eris.Wrap(err, "factory: exercises")
	}
	for _, d := range cj.Achievements {
		for _, ex := range d.Scope {
			if _, err := exercises.Lookup(ex); err != nil {
				return nil, eris.Errorf("factory: achievement %q scoped to unknown exercise %q", d.ID, ex)
			}
		}
	}
	achievements, err := achievement.NewCatalog(cj.Achievements)
	if err != nil {
		return nil, eris.Wrap(err, "factory: achievements")
	}
	shop, err := economy.NewCatalog(cj.Shop)
	if err != nil {
		return nil, eris.Wrap(err, "factory: shop")
	}
	policy, err := parseScoring(cj.Scoring)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Ranks:        rank.NewEngine(table, prestige),
		Achievements: achievements,
		Shop:         shop,
		Exercises:    exercises,
		Scoring:      policy,
	}, nil
}

func parseScoring(sj *ScoringJSON) (scoring.Policy, error) {
	policy := scoring.DefaultPolicy()
	if sj == nil {
		return policy, nil
	}
	if sj.MaxTimeBonus != 0 {
		policy.MaxTimeBonus = sj.MaxTimeBonus
	}
	if sj.HintSteps != 0 {
		policy.HintSteps = sj.HintSteps
	}
	if sj.PassingScore != 0 {
		policy.PassingScore = sj.PassingScore
	}
	for name, tj := range sj.Tiers {
		d, err := scoring.ParseDifficulty(name)
		if err != nil {
			return scoring.Policy{}, eris.Wrap(err, "factory: scoring tiers")
		}
		if tj.ExpectedSeconds <= 0 || tj.AccuracyBonus < 0 || tj.XP < 0 || tj.Currency < 0 {
			return scoring.Policy{}, eris.Errorf("factory: scoring tier %q has non-positive time or negative rewards", name)
		}
		policy.Tiers[d] = scoring.Tier{
			ExpectedTime:  time.Duration(tj.ExpectedSeconds) * time.Second,
			AccuracyBonus: tj.AccuracyBonus,
			XP:            tj.XP,
			Currency:      tj.Currency,
		}
	}

	switch {
	case policy.MaxTimeBonus < 0:
		return scoring.Policy{}, eris.New("factory: scoring.max_time_bonus must not be negative")
	case policy.HintSteps <= 0:
		return scoring.Policy{}, eris.New("factory: scoring.hint_steps must be positive")
	case policy.PassingScore < 0 || policy.PassingScore > 100:
		return scoring.Policy{}, eris.New("factory: scoring.passing_score must be within 0..100")
	}
	for _, d := range scoring.Difficulties {
		if _, ok := policy.Tiers[d]; !ok {
			return scoring.Policy{}, eris.Errorf("factory: no scoring tier for %q", d)
		}
	}
	return policy, nil
}

// ToJSON converts a Bundle back to its JSON form.
func (f *CatalogFactory) ToJSON(b *Bundle) CatalogJSON {
	prestige := b.Ranks.PrestigeFactor()
	cj := CatalogJSON{
		PrestigeFactor: &prestige,
		Scoring: &ScoringJSON{
			MaxTimeBonus: b.Scoring.MaxTimeBonus,
			HintSteps:    b.Scoring.HintSteps,
			PassingScore: b.Scoring.PassingScore,
			Tiers:        make(map[string]TierJSON, len(b.Scoring.Tiers)),
		},
		Ranks:        b.Ranks.Table().Definitions(),
		Achievements: b.Achievements.Ordered(),
		Shop:         b.Shop.Items(),
		Exercises:    b.Exercises.All(),
	}
	for d, t := range b.Scoring.Tiers {
		cj.Scoring.Tiers[string(d)] = TierJSON{
			ExpectedSeconds: int(t.ExpectedTime / time.Second),
			AccuracyBonus:   t.AccuracyBonus,
			XP:              t.XP,
			Currency:        t.Currency,
		}
	}
	return cj
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Deps wires the bundle's catalogs into coordinator dependencies backed by store.
func (b *Bundle) Deps(store ledger.Store) coordinator.Deps {
	econ := economy.NewEngine()
	return coordinator.Deps{
		Store:        store,
		Exercises:    b.Exercises,
		Scoring:      b.Scoring,
		Ranks:        b.Ranks,
		Achievements: achievement.NewEngine(b.Achievements),
		Economy:      econ,
		Shop:         economy.NewShop(b.Shop, econ),
	}
}
