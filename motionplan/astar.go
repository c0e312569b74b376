package motionplan

import (
	"container/heap"
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.pathfinder.dev/nav/occupancygrid"
	"go.pathfinder.dev/nav/spatialmath"
)

const (
	orthogonalCost = 1.0
	diagonalCost   = math.Sqrt2

	// How often the search polls for context cancellation.
	ctxCheckInterval = 256
)

// AStarPlanner searches the occupancy grid with A* over a 4- or 8-connected
// cell lattice, inflating obstacles by the robot radius.
type AStarPlanner struct {
	logger golog.Logger
}

// NewAStarPlanner returns a grid A* planner.
func NewAStarPlanner(logger golog.Logger) *AStarPlanner {
	return &AStarPlanner{logger: logger}
}

type astarNode struct {
	x, y   int
	g, h   float64
	parent *astarNode
	index  int
	closed bool
}

func (n *astarNode) f() float64 { return n.g + n.h }

type openSet []*astarNode

func (s openSet) Len() int { return len(s) }

func (s openSet) Less(i, j int) bool {
	fi, fj := s[i].f(), s[j].f()
	if fi == fj {
		return s[i].h < s[j].h
	}
	return fi < fj
}

func (s openSet) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
	s[i].index = i
	s[j].index = j
}

func (s *openSet) Push(x interface{}) {
	n := x.(*astarNode)
	n.index = len(*s)
	*s = append(*s, n)
}

func (s *openSet) Pop() interface{} {
	old := *s
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.index = -1
	*s = old[:last]
	return n
}

// PlanPath implements Planner.
func (p *AStarPlanner) PlanPath(
	ctx context.Context,
	m *occupancygrid.Map,
	start, goal spatialmath.Pose,
	opts *Options,
) (Path, error) {
	opts = resolveOptions(opts)

	startX, startY := m.WorldToGrid(start.X, start.Y)
	goalX, goalY := m.WorldToGrid(goal.X, goal.Y)
	if !m.InBounds(startX, startY) {
		return nil, errors.Wrapf(ErrStartOutOfBounds, "(%.2f, %.2f)", start.X, start.Y)
	}
	if !m.InBounds(goalX, goalY) {
		return nil, errors.Wrapf(ErrGoalOutOfBounds, "(%.2f, %.2f)", goal.X, goal.Y)
	}

	radiusCells := int(opts.RobotRadius/m.Resolution()) + 1
	if cellInCollision(m, startX, startY, radiusCells) {
		return nil, errors.Wrapf(ErrStartOccupied, "(%.2f, %.2f)", start.X, start.Y)
	}
	if cellInCollision(m, goalX, goalY, radiusCells) {
		return nil, errors.Wrapf(ErrGoalOccupied, "(%.2f, %.2f)", goal.X, goal.Y)
	}

	h := heuristicFunc(opts.Heuristic)
	nodes := map[[2]int]*astarNode{}
	startNode := &astarNode{x: startX, y: startY, h: h(startX, startY, goalX, goalY)}
	nodes[[2]int{startX, startY}] = startNode

	open := openSet{}
	heap.Init(&open)
	heap.Push(&open, startNode)

	neighbors := neighborOffsets(opts.AllowDiagonal)

	for iter := 0; open.Len() > 0; iter++ {
		if iter >= opts.MaxIterations {
			return nil, errors.Wrapf(ErrIterationLimit, "after %d expansions", iter)
		}
		if iter%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		current := heap.Pop(&open).(*astarNode)
		current.closed = true

		if current.x == goalX && current.y == goalY {
			p.logger.Debugf("astar found path after %d expansions", iter)
			return p.buildPath(m, current, start, goal, opts)
		}

		for _, off := range neighbors {
			nx, ny := current.x+off.dx, current.y+off.dy
			if !m.InBounds(nx, ny) || cellInCollision(m, nx, ny, radiusCells) {
				continue
			}
			// Diagonal moves must not cut corners past a blocked
			// orthogonal neighbor.
			if off.dx != 0 && off.dy != 0 {
				if cellInCollision(m, current.x+off.dx, current.y, radiusCells) ||
					cellInCollision(m, current.x, current.y+off.dy, radiusCells) {
					continue
				}
			}

			g := current.g + off.cost
			key := [2]int{nx, ny}
			node, seen := nodes[key]
			if !seen {
				node = &astarNode{x: nx, y: ny, g: g, h: h(nx, ny, goalX, goalY), parent: current}
				nodes[key] = node
				heap.Push(&open, node)
				continue
			}
			if node.closed || g >= node.g {
				continue
			}
			node.g = g
			node.parent = current
			heap.Fix(&open, node.index)
		}
	}

	return nil, errors.Wrap(ErrNoPathFound, "open set exhausted")
}

// buildPath walks the parent chain back to the start, converts cells to world
// coordinates, assigns headings along the direction of travel, and optionally
// smooths the result.
func (p *AStarPlanner) buildPath(
	m *occupancygrid.Map,
	goalNode *astarNode,
	start, goal spatialmath.Pose,
	opts *Options,
) (Path, error) {
	var cells [][2]int
	for n := goalNode; n != nil; n = n.parent {
		cells = append(cells, [2]int{n.x, n.y})
	}
	for i, j := 0, len(cells)-1; i < j; i, j = i+1, j-1 {
		cells[i], cells[j] = cells[j], cells[i]
	}

	path := make(Path, 0, len(cells))
	for i, c := range cells {
		wx, wy := m.GridToWorld(c[0], c[1])
		switch i {
		case 0:
			path = append(path, spatialmath.WaypointFromPose(start, spatialmath.ActionStart))
		case len(cells) - 1:
			path = append(path, spatialmath.WaypointFromPose(goal, spatialmath.ActionGoal))
		default:
			px, py := m.GridToWorld(cells[i-1][0], cells[i-1][1])
			nx, ny := m.GridToWorld(cells[i+1][0], cells[i+1][1])
			theta := math.Atan2(ny-py, nx-px)
			path = append(path, spatialmath.NewOrientedWaypoint(wx, wy, theta))
		}
	}

	if opts.Smooth && len(path) > 2 {
		path = SmoothPath(path, opts.WeightData, opts.WeightSmooth, opts.SmoothTolerance)
	}
	return path, nil
}

type neighborOffset struct {
	dx, dy int
	cost   float64
}

func neighborOffsets(allowDiagonal bool) []neighborOffset {
	offsets := []neighborOffset{
		{1, 0, orthogonalCost},
		{-1, 0, orthogonalCost},
		{0, 1, orthogonalCost},
		{0, -1, orthogonalCost},
	}
	if allowDiagonal {
		offsets = append(offsets,
			neighborOffset{1, 1, diagonalCost},
			neighborOffset{1, -1, diagonalCost},
			neighborOffset{-1, 1, diagonalCost},
			neighborOffset{-1, -1, diagonalCost},
		)
	}
	return offsets
}

func heuristicFunc(h Heuristic) func(x, y, gx, gy int) float64 {
	switch h {
	case HeuristicManhattan:
		return func(x, y, gx, gy int) float64 {
			return float64(absInt(gx-x) + absInt(gy-y))
		}
	case HeuristicOctile:
		return func(x, y, gx, gy int) float64 {
			dx, dy := float64(absInt(gx-x)), float64(absInt(gy-y))
			return orthogonalCost*math.Max(dx, dy) + (diagonalCost-orthogonalCost)*math.Min(dx, dy)
		}
	default:
		return func(x, y, gx, gy int) float64 {
			dx, dy := float64(gx-x), float64(gy-y)
			return math.Hypot(dx, dy)
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
