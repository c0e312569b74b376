package navigation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"go.viam.com/test"
	goutils "go.viam.com/utils"

	"go.pathfinder.dev/nav/motionplan"
	"go.pathfinder.dev/nav/spatialmath"
)

// completionRecorder counts terminal callbacks per task.
type completionRecorder struct {
	mu     sync.Mutex
	states []State
	done   chan State
}

func newCompletionRecorder() *completionRecorder {
	return &completionRecorder{done: make(chan State, 8)}
}

func (r *completionRecorder) callback(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.done <- s
}

func (r *completionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *completionRecorder) wait(t *testing.T, timeout time.Duration) State {
	t.Helper()
	select {
	case s := <-r.done:
		return s
	case <-time.After(timeout):
		t.Fatal("timed out waiting for task completion")
		return StateIdle
	}
}

func newTestQueue(t *testing.T, withSim bool) (*Queue, *Controller, func()) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	slamSys := newNavSLAM(t)
	base := &fakeBase{}

	stop := func() {}
	if withSim {
		stop = startSim(slamSys, base)
	}

	c, err := NewController(slamSys, base, fastOptions(), logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		goutils.UncheckedError(c.Close(context.Background()))
	})
	return NewQueue(c, logger), c, stop
}

func TestQueueRunsTasksInOrder(t *testing.T) {
	logger := golog.NewTestLogger(t)
	q, c, stop := newTestQueue(t, true)
	defer stop()

	first := newCompletionRecorder()
	second := newCompletionRecorder()
	planner := motionplan.NewSimplePlanner(logger)

	firstID := q.AddGoal(0.4, 0, nil, planner, nil, first.callback)
	secondID := q.AddGoal(0.8, 0, nil, planner, nil, second.callback)
	test.That(t, firstID, test.ShouldNotEqual, secondID)

	// The first task starts immediately; the second waits.
	active, ok := q.ActiveTask()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, active.ID, test.ShouldEqual, firstID)
	test.That(t, q.Len(), test.ShouldEqual, 1)

	test.That(t, first.wait(t, 20*time.Second), test.ShouldEqual, StateSucceeded)
	test.That(t, second.wait(t, 20*time.Second), test.ShouldEqual, StateSucceeded)

	test.That(t, first.count(), test.ShouldEqual, 1)
	test.That(t, second.count(), test.ShouldEqual, 1)
	test.That(t, q.Len(), test.ShouldEqual, 0)
	_, ok = q.ActiveTask()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, c.State(), test.ShouldEqual, StateSucceeded)
}

func TestQueueAdvancesPastFailedTask(t *testing.T) {
	logger := golog.NewTestLogger(t)
	q, _, stop := newTestQueue(t, true)
	defer stop()

	first := newCompletionRecorder()
	second := newCompletionRecorder()

	// The first goal is outside the map, so A* fails it; the queue must
	// still run the second.
	q.AddGoal(50, 50, nil, nil, nil, first.callback)
	q.AddGoal(0.4, 0, nil, motionplan.NewSimplePlanner(logger), nil, second.callback)

	test.That(t, first.wait(t, 10*time.Second), test.ShouldEqual, StateFailed)
	test.That(t, second.wait(t, 20*time.Second), test.ShouldEqual, StateSucceeded)
	test.That(t, first.count(), test.ShouldEqual, 1)
	test.That(t, second.count(), test.ShouldEqual, 1)
}

func TestQueueClearCancelsActiveTask(t *testing.T) {
	logger := golog.NewTestLogger(t)
	q, c, stop := newTestQueue(t, true)
	defer stop()

	first := newCompletionRecorder()
	pending := newCompletionRecorder()
	planner := motionplan.NewSimplePlanner(logger)

	q.AddGoal(4.0, 0, nil, planner, nil, first.callback)
	q.AddGoal(0, 4.0, nil, planner, nil, pending.callback)

	// Give the first task time to start moving.
	deadline := time.Now().Add(5 * time.Second)
	for c.State() != StateMoving && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, c.State(), test.ShouldEqual, StateMoving)

	test.That(t, q.ClearQueue(), test.ShouldBeNil)
	test.That(t, first.wait(t, 5*time.Second), test.ShouldEqual, StateCancelled)
	test.That(t, first.count(), test.ShouldEqual, 1)

	test.That(t, q.Len(), test.ShouldEqual, 0)
	_, ok := q.ActiveTask()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, c.State(), test.ShouldEqual, StateCancelled)

	// The pending task never ran.
	test.That(t, pending.count(), test.ShouldEqual, 0)
}

func TestQueueOrientedGoal(t *testing.T) {
	logger := golog.NewTestLogger(t)
	q, c, stop := newTestQueue(t, true)
	defer stop()

	done := newCompletionRecorder()
	theta := 0.0
	q.AddGoal(0.4, 0, &theta, motionplan.NewSimplePlanner(logger), nil, done.callback)
	test.That(t, done.wait(t, 20*time.Second), test.ShouldEqual, StateSucceeded)

	goal := c.Goal()
	test.That(t, goal.X, test.ShouldAlmostEqual, 0.4)
	test.That(t, goal.Theta, test.ShouldAlmostEqual, 0.0)
}

func TestQueueForwardsStatusCallback(t *testing.T) {
	logger := golog.NewTestLogger(t)
	q, _, stop := newTestQueue(t, true)
	defer stop()

	var mu sync.Mutex
	var seen []State
	q.SetStatusCallback(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	done := newCompletionRecorder()
	q.AddGoal(0.4, 0, nil, motionplan.NewSimplePlanner(logger), nil, done.callback)
	test.That(t, done.wait(t, 20*time.Second), test.ShouldEqual, StateSucceeded)

	mu.Lock()
	defer mu.Unlock()
	test.That(t, seen, test.ShouldContain, StatePlanning)
	test.That(t, seen, test.ShouldContain, StateMoving)
	test.That(t, seen, test.ShouldContain, StateSucceeded)
}

func TestAddTaskAssignsID(t *testing.T) {
	logger := golog.NewTestLogger(t)
	q, _, stop := newTestQueue(t, false)
	defer stop()

	task := &Task{Goal: spatialmath.NewWaypoint(0.3, 0), Planner: motionplan.NewSimplePlanner(logger)}
	id := q.AddTask(task)
	test.That(t, id, test.ShouldNotEqual, uuid.Nil)
	test.That(t, task.ID, test.ShouldEqual, id)
}
