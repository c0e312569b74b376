// Package navigation drives a robot base along planned paths. A Controller
// runs two workers per goal: a planning loop that periodically replans from
// the latest pose estimate against a snapshot of the map, and a control loop
// that follows the current path by issuing velocity commands. A Queue
// sequences multiple goals through one controller.
package navigation

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Base is the mobility interface the control loop drives. Linear velocity is
// meters per second along the base's heading; angular velocity is radians per
// second counterclockwise.
type Base interface {
	SetVelocity(ctx context.Context, linear, angular float64) error
}

// ErrNoPose is returned when navigation is requested before localization has
// produced a pose estimate.
var ErrNoPose = errors.New("no pose estimate available")

// State is the controller lifecycle state.
type State int

// Controller states. Succeeded, Failed, and Cancelled are terminal.
const (
	StateIdle State = iota
	StatePlanning
	StateMoving
	StatePaused
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateMoving:
		return "moving"
	case StatePaused:
		return "paused"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a navigation run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Options tunes the controller's loops and velocity envelope.
type Options struct {
	// PlanningPeriod is the replan interval; ControlPeriod the command
	// interval.
	PlanningPeriod time.Duration
	ControlPeriod  time.Duration

	// GoalTolerancePosition and GoalToleranceAngle define when the goal
	// pose counts as reached.
	GoalTolerancePosition float64
	GoalToleranceAngle    float64

	MaxLinearVelocity  float64
	MaxAngularVelocity float64
	MinLinearVelocity  float64

	// StopTimeout bounds worker joins and the final stop command.
	StopTimeout time.Duration
}

// DefaultOptions returns a 1 Hz planner and 10 Hz controller with a
// moderate velocity envelope.
func DefaultOptions() Options {
	return Options{
		PlanningPeriod:        time.Second,
		ControlPeriod:         100 * time.Millisecond,
		GoalTolerancePosition: 0.1,
		GoalToleranceAngle:    0.1,
		MaxLinearVelocity:     0.5,
		MaxAngularVelocity:    1.0,
		MinLinearVelocity:     0.1,
		StopTimeout:           2 * time.Second,
	}
}

// Validate checks the options for usability.
func (o *Options) Validate() error {
	if o.PlanningPeriod <= 0 || o.ControlPeriod <= 0 {
		return errors.New("loop periods must be positive")
	}
	if o.GoalTolerancePosition <= 0 || o.GoalToleranceAngle <= 0 {
		return errors.New("goal tolerances must be positive")
	}
	if o.MaxLinearVelocity <= 0 || o.MaxAngularVelocity <= 0 {
		return errors.New("velocity limits must be positive")
	}
	if o.MinLinearVelocity < 0 || o.MinLinearVelocity > o.MaxLinearVelocity {
		return errors.New("minimum linear velocity must be within [0, max]")
	}
	if o.StopTimeout <= 0 {
		return errors.New("stop timeout must be positive")
	}
	return nil
}
