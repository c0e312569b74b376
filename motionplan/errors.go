package motionplan

import "github.com/pkg/errors"

// Planning failure modes. All are surfaced as explicit errors with an empty
// path, never as panics; callers branch with errors.Is.
var (
	ErrStartOutOfBounds = errors.New("start position is outside the map")
	ErrGoalOutOfBounds  = errors.New("goal position is outside the map")
	ErrStartOccupied    = errors.New("start position is in collision")
	ErrGoalOccupied     = errors.New("goal position is in collision")
	ErrNoPathFound      = errors.New("no path to the goal exists")
	ErrIterationLimit   = errors.New("planner iteration budget exhausted")
)
