package navigation

import (
	"sync"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	goutils "go.viam.com/utils"

	"go.pathfinder.dev/nav/motionplan"
	"go.pathfinder.dev/nav/spatialmath"
)

// Task is one queued navigation goal. A nil goal heading means the robot
// arrives facing its direction of approach.
type Task struct {
	ID       uuid.UUID
	Goal     spatialmath.Waypoint
	Planner  motionplan.Planner
	PlanOpts *motionplan.Options
	// OnComplete is invoked exactly once with the terminal state of the
	// task's run.
	OnComplete func(State)
}

// Queue sequences navigation tasks through a single controller. When a task
// reaches a terminal state its OnComplete fires; Succeeded and Failed
// advance to the next task, Cancelled stops the queue.
type Queue struct {
	controller *Controller
	logger     golog.Logger

	mu           sync.Mutex
	tasks        []*Task
	active       *Task
	userCallback func(State)
}

// NewQueue wraps the controller, taking over its status callback. Callers
// needing transition notifications register them on the queue instead.
func NewQueue(controller *Controller, logger golog.Logger) *Queue {
	q := &Queue{controller: controller, logger: logger}
	controller.SetStatusCallback(q.onStatus)
	return q
}

// SetStatusCallback registers a function forwarded every controller state
// transition.
func (q *Queue) SetStatusCallback(f func(State)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.userCallback = f
}

// AddGoal queues a goal position, optionally with a target heading, and
// returns the new task's ID.
func (q *Queue) AddGoal(
	x, y float64,
	theta *float64,
	planner motionplan.Planner,
	planOpts *motionplan.Options,
	onComplete func(State),
) uuid.UUID {
	goal := spatialmath.NewWaypoint(x, y)
	if theta != nil {
		goal = spatialmath.NewOrientedWaypoint(x, y, *theta)
	}
	return q.AddTask(&Task{
		Goal:       goal,
		Planner:    planner,
		PlanOpts:   planOpts,
		OnComplete: onComplete,
	})
}

// AddTask appends the task, assigning an ID when it lacks one, and starts it
// immediately when nothing is running.
func (q *Queue) AddTask(task *Task) uuid.UUID {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	idle := q.active == nil
	q.mu.Unlock()

	if idle {
		q.startNext()
	}
	return task.ID
}

// Len returns the number of tasks waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// ActiveTask returns the task currently navigating, if any.
func (q *Queue) ActiveTask() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active, q.active != nil
}

// ClearQueue drops all pending tasks and cancels the active one.
func (q *Queue) ClearQueue() error {
	q.mu.Lock()
	q.tasks = nil
	q.mu.Unlock()
	return q.controller.Cancel()
}

// onStatus is the controller's status callback. It runs on controller
// goroutines; advancing the queue happens on a fresh goroutine because
// starting the next task joins the very worker this callback runs on.
func (q *Queue) onStatus(s State) {
	q.mu.Lock()
	cb := q.userCallback
	q.mu.Unlock()
	if cb != nil {
		cb(s)
	}
	if !s.Terminal() {
		return
	}

	q.mu.Lock()
	task := q.active
	q.active = nil
	q.mu.Unlock()

	if task != nil {
		q.logger.Infof("task %s finished: %s", task.ID, s)
		if task.OnComplete != nil {
			task.OnComplete(s)
		}
	}
	if s == StateCancelled {
		return
	}
	goutils.PanicCapturingGo(q.startNext)
}

// startNext pops and starts the next pending task, if any. A task that fails
// to start completes as Failed and the queue halts until the next AddTask.
func (q *Queue) startNext() {
	q.mu.Lock()
	if q.active != nil || len(q.tasks) == 0 {
		q.mu.Unlock()
		return
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.active = task
	q.mu.Unlock()

	if err := q.controller.NavigateToPose(q.resolveGoal(task), task.Planner, task.PlanOpts); err != nil {
		q.logger.Errorw("failed to start queued task", "task", task.ID, "error", err)
		q.mu.Lock()
		q.active = nil
		q.mu.Unlock()
		if task.OnComplete != nil {
			task.OnComplete(StateFailed)
		}
	}
}

// resolveGoal turns the task's waypoint into a goal pose, deriving the
// heading from the approach direction when the waypoint leaves it open.
func (q *Queue) resolveGoal(task *Task) spatialmath.Pose {
	if task.Goal.Theta != nil {
		return task.Goal.ToPose()
	}
	theta := 0.0
	if pose, ok := q.controller.slam.Pose(); ok {
		theta = pose.AngleTo(spatialmath.NewPose(task.Goal.X, task.Goal.Y, 0))
	}
	return spatialmath.NewPose(task.Goal.X, task.Goal.Y, theta)
}
