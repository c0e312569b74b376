package motionplan

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.pathfinder.dev/nav/occupancygrid"
	"go.pathfinder.dev/nav/spatialmath"
)

// PotentialFieldPlanner descends a force field: a unit attractive force
// toward the goal combined with inverse-square repulsive forces from occupied
// cells within ObstacleRange. It can get stuck in local minima; the step
// budget bounds that failure.
type PotentialFieldPlanner struct {
	logger golog.Logger
}

// NewPotentialFieldPlanner returns a force-field descent planner.
func NewPotentialFieldPlanner(logger golog.Logger) *PotentialFieldPlanner {
	return &PotentialFieldPlanner{logger: logger}
}

// PlanPath implements Planner.
func (p *PotentialFieldPlanner) PlanPath(
	ctx context.Context,
	m *occupancygrid.Map,
	start, goal spatialmath.Pose,
	opts *Options,
) (Path, error) {
	opts = resolveOptions(opts)

	path := Path{spatialmath.WaypointFromPose(start, spatialmath.ActionStart)}
	current := r3.Vector{X: start.X, Y: start.Y}

	for step := 0; step < opts.MaxFieldSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		toGoal := r3.Vector{X: goal.X - current.X, Y: goal.Y - current.Y}
		distToGoal := toGoal.Norm()
		if distToGoal < opts.StepSize {
			path = append(path, spatialmath.WaypointFromPose(goal, spatialmath.ActionGoal))
			p.logger.Debugf("potential field reached goal in %d steps", step)
			return path, nil
		}

		force := toGoal.Mul(opts.GoalWeight / distToGoal)
		force = force.Add(p.repulsion(m, current, opts))

		if magnitude := force.Norm(); magnitude > 0.01 {
			force = force.Mul(1 / magnitude)
		}

		current = current.Add(force.Mul(opts.StepSize))
		wp := spatialmath.NewOrientedWaypoint(current.X, current.Y, math.Atan2(force.Y, force.X))
		path = append(path, wp)
	}

	p.logger.Warnf("potential field failed to reach goal within %d steps", opts.MaxFieldSteps)
	return nil, errors.Wrap(ErrIterationLimit, "potential field descent")
}

// repulsion sums the inverse-square repulsive forces exerted on the position
// by occupied cells within the obstacle influence radius.
func (p *PotentialFieldPlanner) repulsion(m *occupancygrid.Map, pos r3.Vector, opts *Options) r3.Vector {
	var total r3.Vector
	gx, gy := m.WorldToGrid(pos.X, pos.Y)
	searchRange := int(opts.ObstacleRange / m.Resolution())

	for dy := -searchRange; dy <= searchRange; dy++ {
		for dx := -searchRange; dx <= searchRange; dx++ {
			cx, cy := gx+dx, gy+dy
			if !m.IsOccupied(cx, cy) {
				continue
			}
			ox, oy := m.GridToWorld(cx, cy)
			away := r3.Vector{X: pos.X - ox, Y: pos.Y - oy}
			dist := away.Norm()
			if dist > opts.ObstacleRange || dist <= 0.01 {
				continue
			}
			magnitude := opts.ObstacleWeight * (1/dist - 1/opts.ObstacleRange) / (dist * dist)
			total = total.Add(away.Mul(magnitude / dist))
		}
	}
	return total
}
