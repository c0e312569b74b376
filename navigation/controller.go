package navigation

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.pathfinder.dev/nav/motionplan"
	"go.pathfinder.dev/nav/slam"
	"go.pathfinder.dev/nav/spatialmath"
)

// plan is an immutable planned path. The control loop keys its waypoint
// cursor off the generation so a replan restarts tracking from the new path.
type plan struct {
	path       motionplan.Path
	generation uint64
}

// Controller navigates a base toward one goal at a time. It is safe for
// concurrent use.
type Controller struct {
	opts   Options
	slam   *slam.SLAM
	base   Base
	logger golog.Logger

	mu             sync.Mutex
	state          State
	statusCallback func(State)
	goal           spatialmath.Pose
	cancelFunc     func()

	currentPlan    atomic.Pointer[plan]
	planGeneration atomic.Uint64

	activeBackgroundWorkers sync.WaitGroup
}

// NewController creates an idle controller over the given SLAM system and
// base.
func NewController(slamSys *slam.SLAM, base Base, opts Options, logger golog.Logger) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if slamSys == nil || base == nil {
		return nil, errors.New("slam system and base are required")
	}
	return &Controller{
		opts:   opts,
		slam:   slamSys,
		base:   base,
		state:  StateIdle,
		logger: logger,
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Goal returns the goal of the current or most recent navigation run.
func (c *Controller) Goal() spatialmath.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goal
}

// CurrentPath returns the path being followed, or nil before the first plan.
func (c *Controller) CurrentPath() motionplan.Path {
	if p := c.currentPlan.Load(); p != nil {
		return p.path
	}
	return nil
}

// SetStatusCallback registers a function invoked on every state transition.
// The callback runs on controller goroutines and must not block.
func (c *Controller) SetStatusCallback(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCallback = f
}

// NavigateToPose starts navigating to the goal. A nil planner defaults to
// A*. It returns ErrNoPose when localization has no estimate yet and an
// error when a run is already in progress; a finished run may be followed by
// a new one.
func (c *Controller) NavigateToPose(goal spatialmath.Pose, planner motionplan.Planner, planOpts *motionplan.Options) error {
	if _, ok := c.slam.Pose(); !ok {
		return ErrNoPose
	}

	c.mu.Lock()
	if c.state == StatePlanning || c.state == StateMoving || c.state == StatePaused {
		state := c.state
		c.mu.Unlock()
		return errors.Errorf("navigation already in progress (state %s)", state)
	}
	stale := c.cancelFunc
	c.mu.Unlock()

	// Join any workers left over from a finished run.
	if stale != nil {
		stale()
	}
	c.activeBackgroundWorkers.Wait()

	if planner == nil {
		planner = motionplan.NewAStarPlanner(c.logger)
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	c.mu.Lock()
	c.goal = goal
	c.cancelFunc = cancelFunc
	c.state = StatePlanning
	cb := c.statusCallback
	c.mu.Unlock()
	c.currentPlan.Store(nil)
	if cb != nil {
		cb(StatePlanning)
	}

	c.logger.Infof("navigating to %s", goal)
	c.startWorker(cancelCtx, "planning", func(ctx context.Context) {
		c.planLoop(ctx, goal, planner, planOpts)
	})
	c.startWorker(cancelCtx, "control", func(ctx context.Context) {
		c.controlLoop(ctx, goal)
	})
	return nil
}

// Pause suspends a moving controller, stopping the base but keeping the path.
func (c *Controller) Pause() {
	if c.State() != StateMoving {
		return
	}
	c.stopBase()
	c.transition(StatePaused)
}

// Resume continues a paused controller.
func (c *Controller) Resume() {
	if c.State() != StatePaused {
		return
	}
	c.transition(StateMoving)
}

// Cancel aborts the current run: it stops both workers, zeroes the base
// velocity, and joins the workers within StopTimeout. An active run ends in
// StateCancelled.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	active := c.state == StatePlanning || c.state == StateMoving || c.state == StatePaused
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	stopErr := c.stopBase()

	done := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		c.activeBackgroundWorkers.Wait()
		close(done)
	})
	var joinErr error
	select {
	case <-done:
	case <-time.After(c.opts.StopTimeout):
		joinErr = errors.New("timed out waiting for navigation workers to stop")
		c.logger.Error("timed out waiting for navigation workers to stop")
	}

	if active {
		c.transition(StateCancelled)
	}
	return multierr.Combine(stopErr, joinErr)
}

// Close cancels any active run.
func (c *Controller) Close(_ context.Context) error {
	return c.Cancel()
}

// transition moves the controller to s and fires the status callback. A
// terminal current state is never left except through NavigateToPose;
// entering a terminal state stops the workers.
func (c *Controller) transition(s State) {
	c.mu.Lock()
	if c.state == s || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.statusCallback
	cancel := c.cancelFunc
	c.mu.Unlock()

	c.logger.Debugf("navigation state -> %s", s)
	if s.Terminal() && cancel != nil {
		cancel()
	}
	if cb != nil {
		cb(s)
	}
}

// startWorker launches a loop goroutine. A panic inside the loop is logged
// and fails the run rather than crashing the process.
func (c *Controller) startWorker(ctx context.Context, name string, loop func(context.Context)) {
	c.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer c.activeBackgroundWorkers.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Errorw("navigation worker panicked", "worker", name, "panic", r)
				c.transition(StateFailed)
			}
		}()
		loop(ctx)
	})
}

// planLoop replans from the latest pose estimate once per PlanningPeriod,
// publishing each successful path as a new plan generation. The first
// success moves the controller from Planning to Moving; a planner error
// fails the run.
func (c *Controller) planLoop(ctx context.Context, goal spatialmath.Pose, planner motionplan.Planner, planOpts *motionplan.Options) {
	for {
		if ctx.Err() != nil {
			return
		}

		pose, ok := c.slam.Pose()
		if !ok {
			c.logger.Warn("planning skipped, no pose estimate")
		} else {
			path, err := planner.PlanPath(ctx, c.slam.Map().Snapshot(), pose, goal, planOpts)
			switch {
			case errors.Is(err, context.Canceled):
				return
			case err != nil:
				c.logger.Errorw("planning failed", "error", err)
				c.transition(StateFailed)
				return
			default:
				generation := c.planGeneration.Add(1)
				c.currentPlan.Store(&plan{path: path, generation: generation})
				if c.State() == StatePlanning {
					c.transition(StateMoving)
				}
			}
		}

		if !goutils.SelectContextOrWait(ctx, c.opts.PlanningPeriod) {
			return
		}
	}
}

// controlLoop follows the current plan at ControlPeriod, advancing a local
// waypoint cursor that resets whenever a new plan generation appears.
func (c *Controller) controlLoop(ctx context.Context, goal spatialmath.Pose) {
	var cursor int
	var generation uint64

	for {
		if !goutils.SelectContextOrWait(ctx, c.opts.ControlPeriod) {
			return
		}

		switch state := c.State(); {
		case state.Terminal():
			return
		case state == StatePlanning || state == StatePaused:
			continue
		}

		p := c.currentPlan.Load()
		if p == nil {
			continue
		}
		if p.generation != generation {
			generation = p.generation
			cursor = 0
		}

		pose, ok := c.slam.Pose()
		if !ok {
			c.logger.Warn("control skipped, no pose estimate")
			continue
		}

		if c.goalReached(pose, goal) {
			goutils.UncheckedError(c.stopBase())
			c.transition(StateSucceeded)
			return
		}

		for cursor < len(p.path) && p.path[cursor].IsReached(pose) {
			cursor++
		}
		if cursor >= len(p.path) {
			goutils.UncheckedError(c.stopBase())
			c.logger.Error("exhausted path without reaching the goal")
			c.transition(StateFailed)
			return
		}

		c.driveToward(ctx, pose, p.path[cursor])
	}
}

func (c *Controller) goalReached(pose, goal spatialmath.Pose) bool {
	if pose.DistanceTo(goal) > c.opts.GoalTolerancePosition {
		return false
	}
	return math.Abs(spatialmath.AngleDiff(pose.Theta, goal.Theta)) <= c.opts.GoalToleranceAngle
}

// driveToward issues one proportional velocity command toward the waypoint:
// linear speed clamped to the velocity envelope and halved while the heading
// error is large, angular speed proportional to the heading error.
func (c *Controller) driveToward(ctx context.Context, pose spatialmath.Pose, wp spatialmath.Waypoint) {
	bearing := math.Atan2(wp.Y-pose.Y, wp.X-pose.X)
	headingErr := spatialmath.AngleDiff(bearing, pose.Theta)
	distance := math.Hypot(wp.X-pose.X, wp.Y-pose.Y)

	linear := math.Min(math.Max(distance, c.opts.MinLinearVelocity), c.opts.MaxLinearVelocity)
	if math.Abs(headingErr) > 0.5 {
		linear *= 0.5
	}
	angular := c.opts.MaxAngularVelocity * headingErr / math.Pi

	if err := c.base.SetVelocity(ctx, linear, angular); err != nil {
		c.logger.Errorw("base rejected velocity command", "error", err)
		c.transition(StateFailed)
	}
}

// stopBase zeroes the base velocity with its own deadline so a stop still
// goes out after the run context is cancelled.
func (c *Controller) stopBase() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
	defer cancel()
	if err := c.base.SetVelocity(ctx, 0, 0); err != nil {
		return errors.Wrap(err, "failed to stop base")
	}
	return nil
}
