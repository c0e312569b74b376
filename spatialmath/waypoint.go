package spatialmath

import (
	"fmt"
	"math"
)

// Default waypoint tolerances.
const (
	DefaultTolerancePosition = 0.1 // meters
	DefaultToleranceAngle    = 0.1 // radians
)

// Waypoint actions assigned by planners. The first waypoint of a planned path
// is tagged ActionStart and the last ActionGoal; interior waypoints are
// ActionNavigate.
const (
	ActionStart    = "start"
	ActionNavigate = "navigate"
	ActionGoal     = "goal"
)

// Waypoint is a target position, optionally with a target heading, plus the
// tolerances within which it counts as reached. A nil Theta makes the
// waypoint position-only.
type Waypoint struct {
	X                 float64
	Y                 float64
	Theta             *float64
	TolerancePosition float64
	ToleranceAngle    float64
	Action            string
	Metadata          map[string]string
}

// NewWaypoint returns a position-only waypoint with default tolerances.
func NewWaypoint(x, y float64) Waypoint {
	return Waypoint{
		X:                 x,
		Y:                 y,
		TolerancePosition: DefaultTolerancePosition,
		ToleranceAngle:    DefaultToleranceAngle,
		Action:            ActionNavigate,
	}
}

// NewOrientedWaypoint returns a waypoint that also constrains heading.
func NewOrientedWaypoint(x, y, theta float64) Waypoint {
	wp := NewWaypoint(x, y)
	normalized := NormalizeAngle(theta)
	wp.Theta = &normalized
	return wp
}

// WaypointFromPose returns an oriented waypoint at the pose with the given action tag.
func WaypointFromPose(pose Pose, action string) Waypoint {
	wp := NewOrientedWaypoint(pose.X, pose.Y, pose.Theta)
	wp.Action = action
	return wp
}

// DistanceTo returns the Euclidean distance between two waypoints.
func (w Waypoint) DistanceTo(other Waypoint) float64 {
	return math.Hypot(other.X-w.X, other.Y-w.Y)
}

// AngleTo returns the world-frame bearing from this waypoint to another.
func (w Waypoint) AngleTo(other Waypoint) float64 {
	return math.Atan2(other.Y-w.Y, other.X-w.X)
}

// IsReached reports whether the pose satisfies the waypoint. Position must be
// within TolerancePosition; when Theta is set, heading must additionally be
// within ToleranceAngle.
func (w Waypoint) IsReached(pose Pose) bool {
	if math.Hypot(w.X-pose.X, w.Y-pose.Y) > w.TolerancePosition {
		return false
	}
	if w.Theta == nil {
		return true
	}
	return math.Abs(AngleDiff(pose.Theta, *w.Theta)) <= w.ToleranceAngle
}

// ToPose converts the waypoint to a pose, with a zero heading when none is set.
func (w Waypoint) ToPose() Pose {
	theta := 0.0
	if w.Theta != nil {
		theta = *w.Theta
	}
	return NewPose(w.X, w.Y, theta)
}

func (w Waypoint) String() string {
	if w.Theta != nil {
		return fmt.Sprintf("Waypoint(x=%.2f, y=%.2f, theta=%.1f°, action=%s)", w.X, w.Y, *w.Theta*180/math.Pi, w.Action)
	}
	return fmt.Sprintf("Waypoint(x=%.2f, y=%.2f, action=%s)", w.X, w.Y, w.Action)
}
