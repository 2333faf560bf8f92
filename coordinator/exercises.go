package coordinator

import (
	"fmt"

	"github.com/warp/progression-engine/attempt"
	"github.com/warp/progression-engine/ledger"
	"github.com/warp/progression-engine/scoring"
)

// Exercise is the read-only configuration the engine needs for one exercise.
type Exercise struct {
	ID         ledger.ExerciseID  `json:"id"`
	Title      string             `json:"title"`
	Mechanic   string             `json:"mechanic,omitempty"`
	Difficulty scoring.Difficulty `json:"difficulty"`
	Policy     attempt.Config     `json:"policy"`
}

// ExerciseCatalog is an immutable, validated set of exercises.
type ExerciseCatalog struct {
	order []ledger.ExerciseID
	byID  map[ledger.ExerciseID]Exercise
}

func NewExerciseCatalog(exercises []Exercise) (*ExerciseCatalog, error) {
	c := &ExerciseCatalog{byID: make(map[ledger.ExerciseID]Exercise, len(exercises))}
	for i, ex := range exercises {
		if ex.ID == "" {
			return nil, ledger.Invalid("exercises", "exercise %d has no id", i)
		}
		if _, dup := c.byID[ex.ID]; dup {
			return nil, ledger.Invalid("exercises", "duplicate exercise id %q", ex.ID)
		}
		d, err := scoring.ParseDifficulty(string(ex.Difficulty))
		if err != nil {
			return nil, fmt.Errorf("exercise %q: %w", ex.ID, err)
		}
		ex.Difficulty = d
		if err := ex.Policy.Validate(); err != nil {
			return nil, fmt.Errorf("exercise %q: %w", ex.ID, err)
		}
		c.byID[ex.ID] = ex
		c.order = append(c.order, ex.ID)
	}
	return c, nil
}

func (c *ExerciseCatalog) Lookup(id ledger.ExerciseID) (Exercise, error) {
	ex, ok := c.byID[id]
	if !ok {
		return Exercise{}, fmt.Errorf("%w: %s", ledger.ErrUnknownExercise, id)
	}
	return ex, nil
}

func (c *ExerciseCatalog) All() []Exercise {
	out := make([]Exercise, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
