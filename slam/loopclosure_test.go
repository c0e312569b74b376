package slam

import (
	"testing"

	"go.viam.com/test"

	"go.pathfinder.dev/nav/spatialmath"
)

// loopTrajectory returns a pose history that leaves the origin and comes
// back: n outbound poses along +X, then n inbound, ending at the start.
func loopTrajectory(n int) []spatialmath.Pose {
	var history []spatialmath.Pose
	for i := 0; i <= n; i++ {
		history = append(history, spatialmath.NewPose(float64(i)*0.5, 0, 0))
	}
	for i := n - 1; i >= 0; i-- {
		history = append(history, spatialmath.NewPose(float64(i)*0.5, 0, 0))
	}
	return history
}

func TestDetectIgnoresShortHistory(t *testing.T) {
	d := NewLoopClosureDetector()
	history := loopTrajectory(5)
	_, ok := d.Detect(history)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDetectFindsRevisit(t *testing.T) {
	d := NewLoopClosureDetector()
	history := loopTrajectory(15) // 31 poses, ends back at the origin

	closure, ok := d.Detect(history)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, closure.CurrentIndex, test.ShouldEqual, len(history)-1)
	// The closest old pose is the start itself.
	test.That(t, closure.MatchedIndex, test.ShouldEqual, 0)
	test.That(t, closure.Distance, test.ShouldAlmostEqual, 0)

	test.That(t, len(d.Closures()), test.ShouldEqual, 1)
}

func TestDetectRejectsHeadingMismatch(t *testing.T) {
	d := NewLoopClosureDetector()
	history := loopTrajectory(15)
	// Same position, opposite heading.
	history[len(history)-1] = spatialmath.NewPose(0, 0, 3.0)

	_, ok := d.Detect(history)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDetectRejectsDistantPoses(t *testing.T) {
	d := NewLoopClosureDetector()
	var history []spatialmath.Pose
	// A straight run never revisits anything.
	for i := 0; i < 40; i++ {
		history = append(history, spatialmath.NewPose(float64(i)*0.5, 0, 0))
	}
	_, ok := d.Detect(history)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestClosureRecord(t *testing.T) {
	d := NewLoopClosureDetector()
	history := loopTrajectory(15)

	_, ok := d.Detect(history)
	test.That(t, ok, test.ShouldBeTrue)
	_, ok = d.Detect(history)
	test.That(t, ok, test.ShouldBeTrue)

	test.That(t, len(d.Closures()), test.ShouldEqual, 2)
	test.That(t, len(d.Recent(1)), test.ShouldEqual, 1)
	test.That(t, len(d.Recent(10)), test.ShouldEqual, 2)

	d.Reset()
	test.That(t, len(d.Closures()), test.ShouldEqual, 0)
}
