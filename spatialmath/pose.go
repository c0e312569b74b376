// Package spatialmath defines the basic spatial types used throughout the
// navigation stack: 2D poses, waypoints, and angle arithmetic.
package spatialmath

import (
	"fmt"
	"math"
)

// Pose is a 2D robot pose: position in meters and heading in radians.
// It is an immutable value type; Theta is always kept in (-pi, pi].
type Pose struct {
	X     float64
	Y     float64
	Theta float64
}

// NewPose returns a pose with the heading normalized.
func NewPose(x, y, theta float64) Pose {
	return Pose{X: x, Y: y, Theta: NormalizeAngle(theta)}
}

// NewZeroPose returns the pose at the origin facing along +X.
func NewZeroPose() Pose {
	return Pose{}
}

// DistanceTo returns the Euclidean distance between the positions of two poses.
func (p Pose) DistanceTo(other Pose) float64 {
	return math.Hypot(other.X-p.X, other.Y-p.Y)
}

// AngleTo returns the world-frame bearing from this pose's position to another's.
func (p Pose) AngleTo(other Pose) float64 {
	return math.Atan2(other.Y-p.Y, other.X-p.X)
}

// Transform applies a body-frame delta to the pose: the delta's translation is
// rotated into this pose's heading frame before being added, and the headings
// compose. This is the motion model used for odometry integration.
func (p Pose) Transform(delta Pose) Pose {
	sin, cos := math.Sincos(p.Theta)
	return Pose{
		X:     p.X + delta.X*cos - delta.Y*sin,
		Y:     p.Y + delta.X*sin + delta.Y*cos,
		Theta: NormalizeAngle(p.Theta + delta.Theta),
	}
}

func (p Pose) String() string {
	return fmt.Sprintf("Pose(x=%.2f, y=%.2f, theta=%.1f°)", p.X, p.Y, p.Theta*180/math.Pi)
}

// NormalizeAngle wraps an angle in radians into (-pi, pi].
func NormalizeAngle(theta float64) float64 {
	theta = math.Mod(theta, 2*math.Pi)
	if theta <= -math.Pi {
		theta += 2 * math.Pi
	} else if theta > math.Pi {
		theta -= 2 * math.Pi
	}
	return theta
}

// AngleDiff returns the signed shortest rotation from b to a, in (-pi, pi].
func AngleDiff(a, b float64) float64 {
	return NormalizeAngle(a - b)
}
