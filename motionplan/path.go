package motionplan

import (
	"math"

	"go.pathfinder.dev/nav/occupancygrid"
	"go.pathfinder.dev/nav/spatialmath"
)

// InterpolatePath subdivides any segment longer than maxSegmentLength into
// evenly spaced waypoints. When both segment endpoints carry a heading, the
// inserted waypoints interpolate it along the shorter angular arc.
func InterpolatePath(path Path, maxSegmentLength float64) Path {
	if len(path) < 2 || maxSegmentLength <= 0 {
		return path
	}

	out := Path{path[0]}
	for i := 1; i < len(path); i++ {
		prev := path[i-1]
		current := path[i]

		distance := prev.DistanceTo(current)
		if distance <= maxSegmentLength {
			out = append(out, current)
			continue
		}

		segments := int(math.Ceil(distance / maxSegmentLength))
		dx := (current.X - prev.X) / float64(segments)
		dy := (current.Y - prev.Y) / float64(segments)
		for j := 1; j < segments; j++ {
			wp := spatialmath.Waypoint{
				X:                 prev.X + float64(j)*dx,
				Y:                 prev.Y + float64(j)*dy,
				TolerancePosition: prev.TolerancePosition,
				ToleranceAngle:    prev.ToleranceAngle,
				Action:            spatialmath.ActionNavigate,
			}
			if prev.Theta != nil && current.Theta != nil {
				arc := spatialmath.AngleDiff(*current.Theta, *prev.Theta)
				theta := spatialmath.NormalizeAngle(*prev.Theta + float64(j)*arc/float64(segments))
				wp.Theta = &theta
			}
			out = append(out, wp)
		}
		out = append(out, current)
	}
	return out
}

// SmoothPath performs elastic-band smoothing: each interior waypoint is
// iteratively nudged toward its original position (weightData) and toward the
// average of its neighbors (weightSmooth) until total per-iteration movement
// drops below tolerance. The first and last waypoints never move. Interior
// headings are re-derived to face the direction between their neighbors.
func SmoothPath(path Path, weightData, weightSmooth, tolerance float64) Path {
	if len(path) < 3 {
		return path
	}

	out := clonePath(path)
	xs := make([]float64, len(path))
	ys := make([]float64, len(path))
	for i, wp := range path {
		xs[i] = wp.X
		ys[i] = wp.Y
	}

	change := tolerance + 1
	for change > tolerance {
		change = 0
		for i := 1; i < len(path)-1; i++ {
			origX, origY := xs[i], ys[i]

			xs[i] += weightData * (path[i].X - xs[i])
			xs[i] += weightSmooth * (xs[i-1] + xs[i+1] - 2*xs[i])

			ys[i] += weightData * (path[i].Y - ys[i])
			ys[i] += weightSmooth * (ys[i-1] + ys[i+1] - 2*ys[i])

			change += math.Abs(xs[i]-origX) + math.Abs(ys[i]-origY)
		}
	}

	for i := 1; i < len(path)-1; i++ {
		out[i].X = xs[i]
		out[i].Y = ys[i]
		theta := math.Atan2(out[i+1].Y-out[i-1].Y, out[i+1].X-out[i-1].X)
		out[i].Theta = &theta
	}
	return out
}

// CheckCollision reports, per waypoint, whether a robot footprint disk of the
// given radius centered at the waypoint intersects any occupied cell.
// Out-of-bounds waypoints count as collisions.
func CheckCollision(m *occupancygrid.Map, path Path, robotRadius float64) []bool {
	radiusCells := int(robotRadius/m.Resolution()) + 1
	out := make([]bool, len(path))
	for i, wp := range path {
		gx, gy := m.WorldToGrid(wp.X, wp.Y)
		if !m.InBounds(gx, gy) {
			out[i] = true
			continue
		}
		out[i] = cellInCollision(m, gx, gy, radiusCells)
	}
	return out
}

// cellInCollision reports whether any occupied cell lies within radiusCells
// of the given cell. This is the inflation test shared by CheckCollision and
// the A* expansion.
func cellInCollision(m *occupancygrid.Map, gx, gy, radiusCells int) bool {
	if m.IsOccupied(gx, gy) {
		return true
	}
	for dy := -radiusCells; dy <= radiusCells; dy++ {
		for dx := -radiusCells; dx <= radiusCells; dx++ {
			if dx*dx+dy*dy > radiusCells*radiusCells {
				continue
			}
			if m.IsOccupied(gx+dx, gy+dy) {
				return true
			}
		}
	}
	return false
}

func clonePath(path Path) Path {
	out := make(Path, len(path))
	for i, wp := range path {
		out[i] = cloneWaypoint(wp)
	}
	return out
}

func cloneWaypoint(wp spatialmath.Waypoint) spatialmath.Waypoint {
	if wp.Theta != nil {
		theta := *wp.Theta
		wp.Theta = &theta
	}
	if wp.Metadata != nil {
		metadata := make(map[string]string, len(wp.Metadata))
		for k, v := range wp.Metadata {
			metadata[k] = v
		}
		wp.Metadata = metadata
	}
	return wp
}
