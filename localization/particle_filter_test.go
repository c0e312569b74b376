package localization

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"go.pathfinder.dev/nav/occupancygrid"
	"go.pathfinder.dev/nav/spatialmath"
)

func newFilter(t *testing.T, opts Options) *ParticleFilter {
	t.Helper()
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	pf, err := NewParticleFilter(opts, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return pf
}

func openMap(t *testing.T) *occupancygrid.Map {
	t.Helper()
	m, err := occupancygrid.NewMap(100, 100, 0.1, -5, -5, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	// Mark everything free so uniform initialization has room.
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			m.SetCell(x, y, 0.1)
		}
	}
	return m
}

func weightSum(pf *ParticleFilter) float64 {
	sum := 0.0
	for _, p := range pf.Particles() {
		sum += p.Weight
	}
	return sum
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	test.That(t, opts.Validate(), test.ShouldBeNil)

	bad := DefaultOptions()
	bad.NumParticles = 0
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	bad = DefaultOptions()
	bad.RangeSigma = -1
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}

func TestUninitializedFilter(t *testing.T) {
	pf := newFilter(t, DefaultOptions())
	_, ok := pf.Pose()
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = pf.Covariance()
	test.That(t, ok, test.ShouldBeFalse)

	// Predict and correct before initialization are logged no-ops.
	pf.Predict(spatialmath.Pose{X: 1})
	pf.UpdateFromLandmarks(map[string]RangeBearing{"a": {1, 0}}, openMap(t))
	_, ok = pf.Pose()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestInitializeGaussian(t *testing.T) {
	pf := newFilter(t, DefaultOptions())
	seed := spatialmath.NewPose(1, 2, 0.5)
	pf.InitializeGaussian(seed, 0.1, 0.05)

	pose, ok := pf.Pose()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose, test.ShouldResemble, seed)
	test.That(t, weightSum(pf), test.ShouldAlmostEqual, 1.0, 1e-9)

	particles := pf.Particles()
	test.That(t, len(particles), test.ShouldEqual, 100)
	for _, p := range particles {
		test.That(t, p.Pose.DistanceTo(seed), test.ShouldBeLessThan, 1.5)
	}
}

func TestInitializeUniformUsesFreeSpace(t *testing.T) {
	m := openMap(t)
	// Occupy the left half of the map.
	for y := 0; y < 100; y++ {
		for x := 0; x < 50; x++ {
			m.SetCell(x, y, 0.9)
		}
	}

	pf := newFilter(t, DefaultOptions())
	pf.InitializeUniform(m)
	test.That(t, pf.Initialized(), test.ShouldBeTrue)
	test.That(t, weightSum(pf), test.ShouldAlmostEqual, 1.0, 1e-9)

	inFree := 0
	for _, p := range pf.Particles() {
		gx, gy := m.WorldToGrid(p.Pose.X, p.Pose.Y)
		if m.IsFree(gx, gy) {
			inFree++
		}
	}
	// The free half of the map is large, so every particle should land there.
	test.That(t, inFree, test.ShouldEqual, 100)
}

func TestPredictMovesParticlesInHeadingFrame(t *testing.T) {
	opts := DefaultOptions()
	opts.PositionSigma = 0 // noise-free for a deterministic check
	opts.OrientationSigma = 0
	pf := newFilter(t, opts)
	pf.InitializeGaussian(spatialmath.NewPose(0, 0, math.Pi/2), 0, 0)

	// A forward body-frame delta moves particles along +Y given the pi/2 heading.
	pf.Predict(spatialmath.Pose{X: 1})
	pose, ok := pf.Pose()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, pose.Y, test.ShouldAlmostEqual, 1, 1e-9)
}

func TestPredictNoiseScalesWithMotion(t *testing.T) {
	spread := func(delta spatialmath.Pose) float64 {
		pf := newFilter(t, DefaultOptions())
		pf.InitializeGaussian(spatialmath.NewPose(0, 0, 0), 0, 0)
		pf.Predict(delta)
		best, _ := pf.Pose()
		total := 0.0
		for _, p := range pf.Particles() {
			total += p.Pose.DistanceTo(best)
		}
		return total / float64(len(pf.Particles()))
	}

	small := spread(spatialmath.Pose{X: 0.01})
	large := spread(spatialmath.Pose{X: 5})
	test.That(t, large, test.ShouldBeGreaterThan, small)
}

func TestUpdateFromLandmarksConcentratesWeight(t *testing.T) {
	m := openMap(t)
	m.AddLandmark("beacon", 2, 0, "")

	pf := newFilter(t, DefaultOptions())
	pf.InitializeGaussian(spatialmath.NewPose(0, 0, 0), 0.5, 0.1)

	// Observation consistent with standing at the origin facing the beacon.
	pf.UpdateFromLandmarks(map[string]RangeBearing{"beacon": {Range: 2, Bearing: 0}}, m)

	test.That(t, weightSum(pf), test.ShouldAlmostEqual, 1.0, 1e-9)
	pose, ok := pf.Pose()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.DistanceTo(spatialmath.NewPose(0, 0, 0)), test.ShouldBeLessThan, 0.5)
}

func TestUpdateFromLandmarksCollapseResets(t *testing.T) {
	m := openMap(t)
	m.AddLandmark("beacon", 2, 0, "")

	pf := newFilter(t, DefaultOptions())
	pf.InitializeGaussian(spatialmath.NewPose(0, 0, 0), 0.01, 0.01)

	// A wildly inconsistent observation drives every weight to zero; the
	// filter must reset to uniform rather than divide by zero.
	pf.UpdateFromLandmarks(map[string]RangeBearing{"beacon": {Range: 500, Bearing: math.Pi}}, m)
	test.That(t, weightSum(pf), test.ShouldAlmostEqual, 1.0, 1e-9)
}

func TestUpdateFromScan(t *testing.T) {
	m := openMap(t)
	// Wall at world x = 2.
	wallX, _ := m.WorldToGrid(2.0, 0)
	for y := 0; y < 100; y++ {
		m.SetCell(wallX, y, 1.0)
	}

	pf := newFilter(t, DefaultOptions())
	pf.InitializeGaussian(spatialmath.NewPose(0, 0, 0), 0.3, 0.05)

	// Several forward-ish beams all consistent with the wall 2m ahead.
	angles := []float64{-0.2, -0.1, 0, 0.1, 0.2, 0.3}
	ranges := make([]float64, len(angles))
	for i, a := range angles {
		ranges[i] = 2.0 / math.Cos(a)
	}
	err := pf.UpdateFromScan(ranges, angles, m)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, weightSum(pf), test.ShouldAlmostEqual, 1.0, 1e-9)

	pose, ok := pf.Pose()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, math.Abs(pose.X), test.ShouldBeLessThan, 0.4)
}

func TestUpdateFromScanMismatchedLengths(t *testing.T) {
	pf := newFilter(t, DefaultOptions())
	pf.InitializeGaussian(spatialmath.NewPose(0, 0, 0), 0.1, 0.1)
	err := pf.UpdateFromScan([]float64{1, 2}, []float64{0}, openMap(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestUpdateFromScanTooFewBeams(t *testing.T) {
	m := openMap(t)
	pf := newFilter(t, DefaultOptions())
	pf.InitializeGaussian(spatialmath.NewPose(0, 0, 0), 0.1, 0.1)

	// Only invalid measurements: every particle falls below the valid-beam
	// floor and weights re-normalize to uniform over near-zero values.
	err := pf.UpdateFromScan(
		[]float64{-1, math.NaN(), math.Inf(1)},
		[]float64{0, 0.1, 0.2},
		m,
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, weightSum(pf), test.ShouldAlmostEqual, 1.0, 1e-9)
}

func TestCircularMeanHeading(t *testing.T) {
	pf := newFilter(t, Options{
		NumParticles:         2,
		RangeSigma:           0.2,
		LandmarkRangeSigma:   0.5,
		LandmarkBearingSigma: 0.1,
		MaxRange:             10,
		MinValidBeams:        5,
		Seed:                 1,
	})
	pf.InitializeGaussian(spatialmath.NewPose(0, 0, 0), 0, 0)

	// Hand-place particles straddling the wrap point with equal weight.
	pf.poses[0] = spatialmath.NewPose(0, 0, -0.01)
	pf.poses[1] = spatialmath.NewPose(0, 0, 0.01)
	pf.updateBestPose()

	pose, ok := pf.Pose()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, math.Abs(pose.Theta), test.ShouldBeLessThan, 1e-6)

	// Same across the pi boundary: mean of pi-0.01 and -pi+0.01 is pi, not 0.
	pf.poses[0] = spatialmath.NewPose(0, 0, math.Pi-0.01)
	pf.poses[1] = spatialmath.NewPose(0, 0, -math.Pi+0.01)
	pf.updateBestPose()
	pose, _ = pf.Pose()
	test.That(t, math.Abs(math.Abs(pose.Theta)-math.Pi), test.ShouldBeLessThan, 1e-6)
}

func TestCovariance(t *testing.T) {
	pf := newFilter(t, DefaultOptions())
	pf.InitializeGaussian(spatialmath.NewPose(1, 2, 0.3), 0.2, 0.1)

	cov, ok := pf.Covariance()
	test.That(t, ok, test.ShouldBeTrue)
	r, c := cov.Dims()
	test.That(t, r, test.ShouldEqual, 3)
	test.That(t, c, test.ShouldEqual, 3)
	// Variances are non-negative and in the rough magnitude of the spread.
	test.That(t, cov.At(0, 0), test.ShouldBeGreaterThanOrEqualTo, 0.0)
	test.That(t, cov.At(1, 1), test.ShouldBeGreaterThanOrEqualTo, 0.0)
	test.That(t, cov.At(2, 2), test.ShouldBeGreaterThanOrEqualTo, 0.0)
	test.That(t, cov.At(0, 0), test.ShouldBeLessThan, 1.0)
}

func TestResampleKeepsWeightSumAndCount(t *testing.T) {
	m := openMap(t)
	m.AddLandmark("beacon", 1, 1, "")

	pf := newFilter(t, DefaultOptions())
	pf.InitializeGaussian(spatialmath.NewPose(0, 0, 0), 1.0, 0.5)

	// Repeated corrections eventually force a resample; the particle count
	// and weight sum invariants must hold throughout.
	for i := 0; i < 5; i++ {
		pf.UpdateFromLandmarks(map[string]RangeBearing{"beacon": {Range: math.Sqrt2, Bearing: math.Pi / 4}}, m)
		test.That(t, len(pf.Particles()), test.ShouldEqual, 100)
		test.That(t, weightSum(pf), test.ShouldAlmostEqual, 1.0, 1e-9)
	}
	test.That(t, pf.EffectiveSampleSize(), test.ShouldBeGreaterThan, 1.0)
}
