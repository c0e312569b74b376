// Package motionplan plans collision-free paths through an occupancy grid.
// It provides a common Planner interface with three strategies: a straight
// line (SimplePlanner), potential-field descent (PotentialFieldPlanner), and
// grid search (AStarPlanner), plus shared interpolation, smoothing, and
// collision helpers.
package motionplan

import (
	"context"

	"github.com/pkg/errors"

	"go.pathfinder.dev/nav/occupancygrid"
	"go.pathfinder.dev/nav/spatialmath"
)

// Path is an ordered sequence of waypoints; insertion order is traversal
// order. Planners tag the first waypoint "start" and the last "goal".
type Path []spatialmath.Waypoint

// Planner plans a path from start to goal through the given map. The map is
// only read. Implementations return an error (and no path) when planning
// fails; they never panic on unreachable goals.
type Planner interface {
	PlanPath(ctx context.Context, m *occupancygrid.Map, start, goal spatialmath.Pose, opts *Options) (Path, error)
}

// Heuristic selects the A* distance estimate.
type Heuristic int

// Supported A* heuristics.
const (
	HeuristicEuclidean Heuristic = iota
	HeuristicManhattan
	HeuristicOctile
)

func (h Heuristic) String() string {
	switch h {
	case HeuristicEuclidean:
		return "euclidean"
	case HeuristicManhattan:
		return "manhattan"
	case HeuristicOctile:
		return "octile"
	default:
		return "unknown"
	}
}

// Options tunes the planner family. Iteration budgets are deliberately
// configuration rather than constants.
type Options struct {
	// MaxSegmentLength is the interpolation bound between consecutive
	// waypoints, in meters.
	MaxSegmentLength float64
	// RobotRadius is the footprint disk used for collision checks, in meters.
	RobotRadius float64

	// Heuristic and AllowDiagonal configure A* expansion.
	Heuristic     Heuristic
	AllowDiagonal bool
	// MaxIterations caps A* node expansions.
	MaxIterations int

	// StepSize, GoalWeight, ObstacleWeight, and ObstacleRange configure
	// potential-field descent; MaxFieldSteps caps its iterations.
	StepSize       float64
	GoalWeight     float64
	ObstacleWeight float64
	ObstacleRange  float64
	MaxFieldSteps  int

	// Smooth enables elastic-band smoothing of A* output.
	Smooth          bool
	WeightData      float64
	WeightSmooth    float64
	SmoothTolerance float64
}

// DefaultOptions returns the planner configuration used when the caller
// passes nil options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentLength: 0.2,
		RobotRadius:      0.2,
		Heuristic:        HeuristicEuclidean,
		AllowDiagonal:    true,
		MaxIterations:    10000,
		StepSize:         0.1,
		GoalWeight:       1.0,
		ObstacleWeight:   0.5,
		ObstacleRange:    0.5,
		MaxFieldSteps:    1000,
		Smooth:           true,
		WeightData:       0.5,
		WeightSmooth:     0.1,
		SmoothTolerance:  1e-5,
	}
}

// Validate checks the options for usability.
func (o *Options) Validate() error {
	if o.MaxSegmentLength <= 0 {
		return errors.New("max segment length must be positive")
	}
	if o.RobotRadius < 0 {
		return errors.New("robot radius cannot be negative")
	}
	if o.MaxIterations <= 0 || o.MaxFieldSteps <= 0 {
		return errors.New("iteration budgets must be positive")
	}
	if o.StepSize <= 0 {
		return errors.New("step size must be positive")
	}
	if o.WeightData <= 0 || o.WeightData >= 1 || o.WeightSmooth <= 0 || o.WeightSmooth >= 1 {
		return errors.New("smoothing weights must be in (0, 1)")
	}
	return nil
}

// resolveOptions substitutes defaults for nil options.
func resolveOptions(opts *Options) *Options {
	if opts != nil {
		return opts
	}
	defaults := DefaultOptions()
	return &defaults
}
