package motionplan

import (
	"context"

	"github.com/edaniels/golog"

	"go.pathfinder.dev/nav/occupancygrid"
	"go.pathfinder.dev/nav/spatialmath"
)

// SimplePlanner returns the straight line from start to goal, interpolated to
// the maximum segment length. It never consults the map and is used as a
// fallback in environments known to be obstacle free.
type SimplePlanner struct {
	logger golog.Logger
}

// NewSimplePlanner returns a straight-line planner.
func NewSimplePlanner(logger golog.Logger) *SimplePlanner {
	return &SimplePlanner{logger: logger}
}

// PlanPath implements Planner.
func (p *SimplePlanner) PlanPath(
	ctx context.Context,
	m *occupancygrid.Map,
	start, goal spatialmath.Pose,
	opts *Options,
) (Path, error) {
	opts = resolveOptions(opts)
	path := Path{
		spatialmath.WaypointFromPose(start, spatialmath.ActionStart),
		spatialmath.WaypointFromPose(goal, spatialmath.ActionGoal),
	}
	path = InterpolatePath(path, opts.MaxSegmentLength)
	p.logger.Debugf("planned straight-line path with %d waypoints", len(path))
	return path, nil
}
