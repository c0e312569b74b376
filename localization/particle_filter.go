// Package localization estimates robot pose with a Monte-Carlo particle
// filter: belief is a fixed-size set of weighted pose hypotheses driven by an
// odometry motion model and corrected against landmark or range-scan
// observations on an occupancy grid.
package localization

import (
	"math"
	"math/rand"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"go.pathfinder.dev/nav/occupancygrid"
	"go.pathfinder.dev/nav/spatialmath"
)

// RangeBearing is a single landmark observation: distance in meters and
// bearing in radians relative to the robot's heading.
type RangeBearing struct {
	Range   float64
	Bearing float64
}

// Particle is one pose hypothesis with its normalized weight.
type Particle struct {
	Pose   spatialmath.Pose
	Weight float64
}

// Options configures a particle filter.
type Options struct {
	// NumParticles is fixed for the lifetime of the filter.
	NumParticles int
	// PositionSigma scales position noise with the magnitude of each
	// odometry delta (meters of noise per meter moved).
	PositionSigma float64
	// OrientationSigma scales heading noise with the magnitude of each
	// heading delta.
	OrientationSigma float64
	// RangeSigma is the scan sensor model standard deviation in meters.
	RangeSigma float64
	// LandmarkRangeSigma and LandmarkBearingSigma are the landmark sensor
	// model standard deviations.
	LandmarkRangeSigma   float64
	LandmarkBearingSigma float64
	// MaxRange bounds ray casting during scan correction.
	MaxRange float64
	// MinValidBeams is the number of usable beams below which a particle is
	// assigned a near-zero weight during scan correction.
	MinValidBeams int
	// Seed makes the filter deterministic when nonzero.
	Seed int64
}

// DefaultOptions returns the filter configuration used by the SLAM system.
func DefaultOptions() Options {
	return Options{
		NumParticles:         100,
		PositionSigma:        0.1,
		OrientationSigma:     0.05,
		RangeSigma:           0.2,
		LandmarkRangeSigma:   0.5,
		LandmarkBearingSigma: 0.1,
		MaxRange:             10.0,
		MinValidBeams:        5,
	}
}

// Validate checks the options for usability.
func (o *Options) Validate() error {
	if o.NumParticles <= 0 {
		return errors.New("particle count must be positive")
	}
	if o.RangeSigma <= 0 || o.LandmarkRangeSigma <= 0 || o.LandmarkBearingSigma <= 0 {
		return errors.New("sensor model sigmas must be positive")
	}
	if o.MaxRange <= 0 {
		return errors.New("max range must be positive")
	}
	return nil
}

// minimum weight kept for particles the scan cannot support, so the weight
// vector never collapses to exact zero.
const nearZeroWeight = 1e-10

// ParticleFilter is a Monte-Carlo pose estimator. It is not goroutine safe;
// the owning SLAM system serializes access.
type ParticleFilter struct {
	opts   Options
	logger golog.Logger
	random *rand.Rand

	poses       []spatialmath.Pose
	weights     []float64
	bestPose    spatialmath.Pose
	initialized bool
}

// NewParticleFilter creates an uninitialized filter; call InitializeUniform or
// InitializeGaussian before predicting or correcting.
func NewParticleFilter(opts Options, logger golog.Logger) (*ParticleFilter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	pf := &ParticleFilter{
		opts:    opts,
		logger:  logger,
		random:  rand.New(rand.NewSource(seed)),
		poses:   make([]spatialmath.Pose, opts.NumParticles),
		weights: make([]float64, opts.NumParticles),
	}
	logger.Debugf("created particle filter with %d particles", opts.NumParticles)
	return pf, nil
}

// Initialized reports whether the particle set has been seeded.
func (pf *ParticleFilter) Initialized() bool { return pf.initialized }

// InitializeUniform spreads particles uniformly over the map's free space.
// If free cells are too scarce to place every particle within a bounded number
// of attempts, the remainder is placed without the free-space constraint.
func (pf *ParticleFilter) InitializeUniform(m *occupancygrid.Map) {
	originX, originY := m.Origin()
	widthMeters := float64(m.Width()) * m.Resolution()
	heightMeters := float64(m.Height()) * m.Resolution()

	const maxAttempts = 1000
	placed := 0
	for attempts := 0; placed < pf.opts.NumParticles && attempts < pf.opts.NumParticles+maxAttempts; attempts++ {
		pose := spatialmath.NewPose(
			originX+pf.random.Float64()*widthMeters,
			originY+pf.random.Float64()*heightMeters,
			pf.random.Float64()*2*math.Pi,
		)
		gx, gy := m.WorldToGrid(pose.X, pose.Y)
		if !m.IsFree(gx, gy) {
			continue
		}
		pf.poses[placed] = pose
		placed++
	}
	for ; placed < pf.opts.NumParticles; placed++ {
		pf.poses[placed] = spatialmath.NewPose(
			originX+pf.random.Float64()*widthMeters,
			originY+pf.random.Float64()*heightMeters,
			pf.random.Float64()*2*math.Pi,
		)
	}

	pf.resetUniformWeights()
	pf.updateBestPose()
	pf.initialized = true
	pf.logger.Debugf("initialized %d particles uniformly over the map", pf.opts.NumParticles)
}

// InitializeGaussian seeds the particle set with a Gaussian spread around a
// known pose.
func (pf *ParticleFilter) InitializeGaussian(seed spatialmath.Pose, positionSigma, orientationSigma float64) {
	position := distuv.Normal{Mu: 0, Sigma: positionSigma}
	orientation := distuv.Normal{Mu: 0, Sigma: orientationSigma}
	for i := range pf.poses {
		pf.poses[i] = spatialmath.NewPose(
			seed.X+position.Rand(),
			seed.Y+position.Rand(),
			seed.Theta+orientation.Rand(),
		)
	}
	pf.resetUniformWeights()
	pf.bestPose = seed
	pf.initialized = true
	pf.logger.Debugf("initialized %d particles around %s", pf.opts.NumParticles, seed)
}

// Predict applies an odometry delta (expressed in the robot's body frame) to
// every particle, rotated into that particle's own heading, with Gaussian
// noise whose standard deviation scales with the magnitude of the motion.
func (pf *ParticleFilter) Predict(delta spatialmath.Pose) {
	if !pf.initialized {
		pf.logger.Warn("particle filter not initialized; ignoring predict")
		return
	}
	posSigma := pf.opts.PositionSigma * math.Hypot(delta.X, delta.Y)
	oriSigma := pf.opts.OrientationSigma * math.Abs(delta.Theta)
	for i, pose := range pf.poses {
		moved := pose.Transform(delta)
		pf.poses[i] = spatialmath.NewPose(
			moved.X+pf.random.NormFloat64()*posSigma,
			moved.Y+pf.random.NormFloat64()*posSigma,
			moved.Theta+pf.random.NormFloat64()*oriSigma,
		)
	}
}

// UpdateFromLandmarks reweights particles against landmark observations. For
// each particle the likelihood of every observed landmark is the product of
// Gaussian models on range and bearing error; observations of landmarks not
// registered in the map are skipped.
func (pf *ParticleFilter) UpdateFromLandmarks(observed map[string]RangeBearing, m *occupancygrid.Map) {
	if !pf.initialized {
		pf.logger.Warn("particle filter not initialized; ignoring landmark update")
		return
	}
	if len(observed) == 0 {
		return
	}
	known := m.Landmarks()

	for i, pose := range pf.poses {
		weight := 1.0
		for id, obs := range observed {
			lm, ok := known[id]
			if !ok {
				continue
			}
			dx := lm.X - pose.X
			dy := lm.Y - pose.Y
			expectedRange := math.Hypot(dx, dy)
			expectedBearing := spatialmath.NormalizeAngle(math.Atan2(dy, dx) - pose.Theta)

			rangeErr := obs.Range - expectedRange
			bearingErr := spatialmath.AngleDiff(obs.Bearing, expectedBearing)
			weight *= gaussianLikelihood(rangeErr, pf.opts.LandmarkRangeSigma)
			weight *= gaussianLikelihood(bearingErr, pf.opts.LandmarkBearingSigma)
		}
		pf.weights[i] = weight
	}

	pf.normalizeWeights()
	pf.maybeResample()
	pf.updateBestPose()
}

// UpdateFromScan reweights particles against a range scan by ray casting each
// beam from every particle through the grid and comparing to the measurement
// with a Gaussian model. Particles supported by fewer than MinValidBeams
// usable beams receive a near-zero (never exactly zero) weight.
func (pf *ParticleFilter) UpdateFromScan(ranges, angles []float64, m *occupancygrid.Map) error {
	if !pf.initialized {
		pf.logger.Warn("particle filter not initialized; ignoring scan update")
		return nil
	}
	if len(ranges) != len(angles) {
		return errors.Errorf("scan has %d ranges but %d angles", len(ranges), len(angles))
	}

	for i, pose := range pf.poses {
		weight := 1.0
		validBeams := 0
		for j, measured := range ranges {
			if measured <= 0 || math.IsNaN(measured) || math.IsInf(measured, 0) {
				continue
			}
			expected, ok := m.RayCast(pose, angles[j], pf.opts.MaxRange)
			if !ok {
				continue
			}
			weight *= gaussianLikelihood(measured-expected, pf.opts.RangeSigma)
			validBeams++
		}
		if validBeams < pf.opts.MinValidBeams {
			weight = nearZeroWeight
		}
		pf.weights[i] = weight
	}

	pf.normalizeWeights()
	pf.maybeResample()
	pf.updateBestPose()
	return nil
}

// Pose returns the current best estimate: weighted mean position with a
// circular-mean heading. The second return is false before initialization.
func (pf *ParticleFilter) Pose() (spatialmath.Pose, bool) {
	if !pf.initialized {
		return spatialmath.Pose{}, false
	}
	return pf.bestPose, true
}

// Covariance returns the 3x3 weighted covariance over (x, y, theta). Heading
// values are re-centered around the best-estimate heading before differencing
// so the wrap discontinuity does not inflate the theta variance.
func (pf *ParticleFilter) Covariance() (*mat.SymDense, bool) {
	if !pf.initialized {
		return nil, false
	}
	cov := mat.NewSymDense(3, nil)
	for i, pose := range pf.poses {
		w := pf.weights[i]
		diff := []float64{
			pose.X - pf.bestPose.X,
			pose.Y - pf.bestPose.Y,
			spatialmath.AngleDiff(pose.Theta, pf.bestPose.Theta),
		}
		for r := 0; r < 3; r++ {
			for c := r; c < 3; c++ {
				cov.SetSym(r, c, cov.At(r, c)+w*diff[r]*diff[c])
			}
		}
	}
	return cov, true
}

// Particles returns a copy of the current particle set.
func (pf *ParticleFilter) Particles() []Particle {
	out := make([]Particle, len(pf.poses))
	for i, pose := range pf.poses {
		out[i] = Particle{Pose: pose, Weight: pf.weights[i]}
	}
	return out
}

// EffectiveSampleSize returns 1/sum(w^2), the degeneracy measure that
// triggers resampling.
func (pf *ParticleFilter) EffectiveSampleSize() float64 {
	sumSq := 0.0
	for _, w := range pf.weights {
		sumSq += w * w
	}
	if sumSq == 0 {
		return 0
	}
	return 1 / sumSq
}

func (pf *ParticleFilter) resetUniformWeights() {
	for i := range pf.weights {
		pf.weights[i] = 1 / float64(pf.opts.NumParticles)
	}
}

// normalizeWeights scales weights to sum to one. A fully collapsed weight
// vector is reset to uniform.
func (pf *ParticleFilter) normalizeWeights() {
	total := floats.Sum(pf.weights)
	if total <= 0 {
		pf.logger.Warn("all particle weights collapsed to zero; resetting to uniform")
		pf.resetUniformWeights()
		return
	}
	floats.Scale(1/total, pf.weights)
}

// maybeResample performs low-variance (systematic) resampling when the
// effective sample size drops below half the particle count.
func (pf *ParticleFilter) maybeResample() {
	n := pf.opts.NumParticles
	if pf.EffectiveSampleSize() >= float64(n)/2 {
		return
	}

	resampled := make([]spatialmath.Pose, n)
	r := pf.random.Float64() / float64(n)
	c := pf.weights[0]
	i := 0
	for m := 0; m < n; m++ {
		u := r + float64(m)/float64(n)
		for u > c && i < n-1 {
			i++
			c += pf.weights[i]
		}
		resampled[m] = pf.poses[i]
	}
	pf.poses = resampled
	pf.resetUniformWeights()
}

func (pf *ParticleFilter) updateBestPose() {
	var x, y, sinSum, cosSum float64
	for i, pose := range pf.poses {
		w := pf.weights[i]
		x += w * pose.X
		y += w * pose.Y
		sinSum += w * math.Sin(pose.Theta)
		cosSum += w * math.Cos(pose.Theta)
	}
	pf.bestPose = spatialmath.NewPose(x, y, math.Atan2(sinSum, cosSum))
}

func gaussianLikelihood(err, sigma float64) float64 {
	z := err / sigma
	return math.Exp(-0.5 * z * z)
}
