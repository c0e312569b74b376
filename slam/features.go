package slam

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"

	"go.pathfinder.dev/nav/spatialmath"
)

// Feature extraction defaults.
const (
	defaultMinCornerAngle  = 0.5 // radians of bend relative to a straight wall
	defaultClusterDistance = 0.3 // meters
)

// FeatureExtractor detects corner features in range scans. Corners are stable
// across viewpoints, which makes them usable as landmarks.
type FeatureExtractor struct {
	minCornerAngle  float64
	clusterDistance float64
	logger          golog.Logger
}

// NewFeatureExtractor returns an extractor with the default corner and
// clustering thresholds.
func NewFeatureExtractor(logger golog.Logger) *FeatureExtractor {
	return &FeatureExtractor{
		minCornerAngle:  defaultMinCornerAngle,
		clusterDistance: defaultClusterDistance,
		logger:          logger,
	}
}

// CornersFromScan returns world-frame corner positions found in the scan. A
// scan point counts as a corner when the polyline through its neighbors bends
// by more than the corner threshold; nearby corners are merged by averaging.
// Invalid beams (non-positive, NaN, Inf) are skipped.
func (f *FeatureExtractor) CornersFromScan(ranges, angles []float64, pose spatialmath.Pose) []r3.Vector {
	if len(ranges) != len(angles) {
		return nil
	}

	points := make([]r3.Vector, 0, len(ranges))
	for i, r := range ranges {
		if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		points = append(points, r3.Vector{
			X: r * math.Cos(angles[i]),
			Y: r * math.Sin(angles[i]),
		})
	}
	if len(points) < 3 {
		return nil
	}

	sinT, cosT := math.Sin(pose.Theta), math.Cos(pose.Theta)
	var corners []r3.Vector
	for i := 1; i < len(points)-1; i++ {
		v1 := points[i-1].Sub(points[i])
		v2 := points[i+1].Sub(points[i])
		n1, n2 := v1.Norm(), v2.Norm()
		if n1 == 0 || n2 == 0 {
			continue
		}

		dot := v1.Dot(v2) / (n1 * n2)
		dot = math.Max(-1, math.Min(1, dot))
		// Collinear neighbors give an angle of pi; the bend is the
		// deviation from that.
		bend := math.Pi - math.Acos(dot)
		if bend <= f.minCornerAngle {
			continue
		}

		corners = append(corners, r3.Vector{
			X: pose.X + points[i].X*cosT - points[i].Y*sinT,
			Y: pose.Y + points[i].X*sinT + points[i].Y*cosT,
		})
	}

	clustered := f.cluster(corners)
	f.logger.Debugf("extracted %d corners from %d scan points", len(clustered), len(points))
	return clustered
}

// cluster merges corners closer together than the clustering distance by
// averaging their positions.
func (f *FeatureExtractor) cluster(corners []r3.Vector) []r3.Vector {
	var out []r3.Vector
	for _, c := range corners {
		merged := false
		for i, existing := range out {
			if c.Sub(existing).Norm() < f.clusterDistance {
				out[i] = existing.Add(c).Mul(0.5)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, c)
		}
	}
	return out
}

// MatchFeatures greedily pairs each feature in a with its nearest unmatched
// neighbor in b, rejecting pairs farther apart than maxDist. The result maps
// indices in a to indices in b.
func MatchFeatures(a, b []r3.Vector, maxDist float64) map[int]int {
	matches := make(map[int]int)
	taken := make(map[int]bool, len(b))
	for i, fa := range a {
		best := -1
		bestDist := maxDist
		for j, fb := range b {
			if taken[j] {
				continue
			}
			if d := fa.Sub(fb).Norm(); d < bestDist {
				bestDist = d
				best = j
			}
		}
		if best >= 0 {
			matches[i] = best
			taken[best] = true
		}
	}
	return matches
}
