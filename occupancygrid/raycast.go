package occupancygrid

import (
	"math"

	"go.pathfinder.dev/nav/spatialmath"
)

// TraceLine visits the grid cells of the digital line from (x0, y0) to
// (x1, y1) inclusive, in order, stopping early if visit returns false. This is
// the shared beam-tracing primitive used by both sensor simulation and scan
// rasterization.
func TraceLine(x0, y0, x1, y1 int, visit func(x, y int) bool) {
	dx := absInt(x1 - x0)
	dy := absInt(y1 - y0)
	sx := 1
	if x0 > x1 {
		sx = -1
	}
	sy := 1
	if y0 > y1 {
		sy = -1
	}
	err := dx - dy
	x, y := x0, y0
	for {
		if !visit(x, y) {
			return
		}
		if x == x1 && y == y1 {
			return
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x += sx
		}
		if e2 < dx {
			err += dx
			y += sy
		}
	}
}

// RayCast simulates a range beam from the pose at the given body-frame angle:
// it traces the beam through the grid and returns the range to the first
// occupied cell. Beams that leave the grid or find no obstacle report
// maxRange. The second return is false when the pose's own cell is already
// out of bounds.
func (m *Map) RayCast(from spatialmath.Pose, angle, maxRange float64) (float64, bool) {
	startX, startY := m.WorldToGrid(from.X, from.Y)
	if !m.InBounds(startX, startY) {
		return 0, false
	}

	worldAngle := from.Theta + angle
	endGX, endGY := m.WorldToGrid(
		from.X+maxRange*math.Cos(worldAngle),
		from.Y+maxRange*math.Sin(worldAngle),
	)

	m.mu.RLock()
	defer m.mu.RUnlock()

	hit := false
	var hitX, hitY int
	TraceLine(startX, startY, endGX, endGY, func(x, y int) bool {
		if x == startX && y == startY {
			// The robot's own cell never blocks the beam.
			return true
		}
		if !m.InBounds(x, y) {
			return false
		}
		if m.cells[y*m.width+x] >= m.occupiedThreshold {
			hit = true
			hitX, hitY = x, y
			return false
		}
		return true
	})
	if !hit {
		return maxRange, true
	}
	wx, wy := m.GridToWorld(hitX, hitY)
	return math.Min(maxRange, math.Hypot(wx-from.X, wy-from.Y)), true
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
