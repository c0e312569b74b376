package slam

import (
	"math"
	"time"

	"go.pathfinder.dev/nav/spatialmath"
)

// Loop closure detection defaults.
const (
	defaultClosureDistance   = 1.0 // meters
	defaultClosureAngle      = 0.3 // radians
	defaultClosureSeparation = 20  // poses excluded from the search window
)

// Closure records a detected revisit of a previously traversed pose.
type Closure struct {
	CurrentIndex int
	MatchedIndex int
	Distance     float64
	Timestamp    time.Time
}

// LoopClosureDetector finds revisits in a pose trajectory: a recent pose that
// lies within the distance and heading thresholds of a pose from well before
// it. It keeps a record of every closure it has reported.
type LoopClosureDetector struct {
	distanceThreshold float64
	angleThreshold    float64
	minSeparation     int

	closures []Closure
}

// NewLoopClosureDetector returns a detector with the default thresholds.
func NewLoopClosureDetector() *LoopClosureDetector {
	return &LoopClosureDetector{
		distanceThreshold: defaultClosureDistance,
		angleThreshold:    defaultClosureAngle,
		minSeparation:     defaultClosureSeparation,
	}
}

// Detect checks the newest pose in history against all poses older than the
// separation window and reports the closest match within thresholds. A match
// is recorded before being returned.
func (d *LoopClosureDetector) Detect(history []spatialmath.Pose) (Closure, bool) {
	if len(history) <= d.minSeparation {
		return Closure{}, false
	}

	current := history[len(history)-1]
	search := history[:len(history)-d.minSeparation]

	bestIdx := -1
	bestDist := math.Inf(1)
	for i, old := range search {
		dist := current.DistanceTo(old)
		if dist >= d.distanceThreshold {
			continue
		}
		if math.Abs(spatialmath.AngleDiff(current.Theta, old.Theta)) >= d.angleThreshold {
			continue
		}
		if dist < bestDist {
			bestDist = dist
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return Closure{}, false
	}

	closure := Closure{
		CurrentIndex: len(history) - 1,
		MatchedIndex: bestIdx,
		Distance:     bestDist,
		Timestamp:    time.Now(),
	}
	d.closures = append(d.closures, closure)
	return closure, true
}

// Closures returns a copy of every recorded closure in detection order.
func (d *LoopClosureDetector) Closures() []Closure {
	out := make([]Closure, len(d.closures))
	copy(out, d.closures)
	return out
}

// Recent returns up to n of the most recently recorded closures.
func (d *LoopClosureDetector) Recent(n int) []Closure {
	if n >= len(d.closures) {
		return d.Closures()
	}
	out := make([]Closure, n)
	copy(out, d.closures[len(d.closures)-n:])
	return out
}

// Reset clears the closure record.
func (d *LoopClosureDetector) Reset() {
	d.closures = nil
}
