// Package slam fuses odometry, range scans, and landmark observations into a
// simultaneously estimated pose and occupancy grid map. A particle filter
// tracks the pose; each accepted scan is rasterized into the grid from the
// current estimate; a loop closure detector watches the pose history for
// revisits and softens the map where drift has accumulated.
package slam

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.pathfinder.dev/nav/localization"
	"go.pathfinder.dev/nav/occupancygrid"
	"go.pathfinder.dev/nav/spatialmath"
)

// ErrNotInitialized is returned by Update before the system has either an
// initial pose or a first scan to seed from.
var ErrNotInitialized = errors.New("slam not initialized, waiting for scan data")

// maxHistory bounds the pose history length.
const maxHistory = 1000

// loopClosureInterval is how many updates pass between loop closure checks.
const loopClosureInterval = 10

// MapUpdateOptions tunes how accepted scans are rasterized into the grid.
type MapUpdateOptions struct {
	// OccupiedProb is written to each beam's terminal cell.
	OccupiedProb float64
	// FreeProb is written to cells along the beam.
	FreeProb float64
	// OccupiedExpansion thickens obstacle hits by this many cells, with
	// occupancy fading toward the edge of the neighborhood.
	OccupiedExpansion int
	// MaxRange and MinRange bound which beams update the map at all.
	MaxRange float64
	MinRange float64
}

// DefaultMapUpdateOptions returns the standard rasterization parameters.
func DefaultMapUpdateOptions() MapUpdateOptions {
	return MapUpdateOptions{
		OccupiedProb:      0.9,
		FreeProb:          0.1,
		OccupiedExpansion: 1,
		MaxRange:          10.0,
		MinRange:          0.1,
	}
}

// Options configures a SLAM system.
type Options struct {
	MapWidth      int
	MapHeight     int
	MapResolution float64
	ParticleCount int
	// InitialPose, when set, seeds the filter there instead of waiting for
	// the first scan.
	InitialPose *spatialmath.Pose
	MapUpdate   MapUpdateOptions
	// Seed fixes the particle filter's random source; zero seeds from the
	// clock.
	Seed int64
}

// DefaultOptions returns a 25x25 meter map at 5 cm resolution tracked by 100
// particles.
func DefaultOptions() Options {
	return Options{
		MapWidth:      500,
		MapHeight:     500,
		MapResolution: 0.05,
		ParticleCount: 100,
		MapUpdate:     DefaultMapUpdateOptions(),
	}
}

// Validate checks the options for usability.
func (o *Options) Validate() error {
	if o.MapWidth <= 0 || o.MapHeight <= 0 {
		return errors.Errorf("map dimensions must be positive, got %dx%d", o.MapWidth, o.MapHeight)
	}
	if o.MapResolution <= 0 {
		return errors.New("map resolution must be positive")
	}
	if o.ParticleCount <= 0 {
		return errors.New("particle count must be positive")
	}
	if o.MapUpdate.OccupiedProb <= o.MapUpdate.FreeProb {
		return errors.New("occupied probability must exceed free probability")
	}
	if o.MapUpdate.OccupiedExpansion < 0 {
		return errors.New("occupied expansion cannot be negative")
	}
	return nil
}

// Stats reports runtime counters for a SLAM system.
type Stats struct {
	Updates            int
	LoopClosures       int
	LandmarksSeen      int
	MeanUpdateDuration time.Duration
}

// SLAM is the fused localization and mapping system. All methods are safe for
// concurrent use; Update is the single writer of the grid.
type SLAM struct {
	mu sync.RWMutex

	opts     Options
	grid     *occupancygrid.Map
	filter   *localization.ParticleFilter
	features *FeatureExtractor
	detector *LoopClosureDetector

	history     []spatialmath.Pose
	stats       Stats
	initialized bool
	cornerSeq   int

	logger golog.Logger
}

// New creates a SLAM system with a centered map origin. When opts.InitialPose
// is set, the filter is seeded around it and a small region of the map at the
// pose is marked free.
func New(opts Options, logger golog.Logger) (*SLAM, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	originX := -float64(opts.MapWidth) * opts.MapResolution / 2
	originY := -float64(opts.MapHeight) * opts.MapResolution / 2
	grid, err := occupancygrid.NewMap(opts.MapWidth, opts.MapHeight, opts.MapResolution, originX, originY, logger)
	if err != nil {
		return nil, err
	}

	filterOpts := localization.DefaultOptions()
	filterOpts.NumParticles = opts.ParticleCount
	filterOpts.MaxRange = opts.MapUpdate.MaxRange
	filterOpts.Seed = opts.Seed
	filter, err := localization.NewParticleFilter(filterOpts, logger)
	if err != nil {
		return nil, err
	}

	s := &SLAM{
		opts:     opts,
		grid:     grid,
		filter:   filter,
		features: NewFeatureExtractor(logger),
		detector: NewLoopClosureDetector(),
		logger:   logger,
	}

	if opts.InitialPose != nil {
		pose := *opts.InitialPose
		filter.InitializeGaussian(pose, 0.2, 0.1)
		gx, gy := grid.WorldToGrid(pose.X, pose.Y)
		grid.SetCellsInRadius(gx, gy, 5, 0.1)
		s.history = append(s.history, pose)
		s.initialized = true
	}

	logger.Infof("initialized slam with %dx%d map at %gm resolution", opts.MapWidth, opts.MapHeight, opts.MapResolution)
	return s, nil
}

// Update advances the system one cycle: predict from the odometry delta (nil
// means stationary), correct from landmark observations and/or the scan,
// rasterize the scan into the grid, and periodically check for loop closures.
// It returns the pose estimate and whether the map changed. Before
// initialization the first scan seeds the filter at the origin; until then
// Update returns ErrNotInitialized.
func (s *SLAM) Update(
	delta *spatialmath.Pose,
	ranges, angles []float64,
	landmarks map[string]localization.RangeBearing,
) (spatialmath.Pose, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()

	motion := spatialmath.Pose{}
	if delta != nil {
		motion = *delta
	}

	hasScan := len(ranges) > 0 && len(ranges) == len(angles)
	if !s.initialized && hasScan {
		seed := spatialmath.Pose{}
		s.filter.InitializeGaussian(seed, 0.5, 0.2)
		s.history = append(s.history, seed)
		s.initialized = true
		s.logger.Info("seeding slam at the origin from first scan")
	}
	if !s.initialized {
		return spatialmath.Pose{}, false, ErrNotInitialized
	}

	s.filter.Predict(motion)

	mapUpdated := false

	if len(landmarks) > 0 {
		s.filter.UpdateFromLandmarks(landmarks, s.grid)
		s.stats.LandmarksSeen += len(landmarks)
		s.registerLandmarks(landmarks)
		mapUpdated = true
	}

	if len(ranges) > 0 {
		if !hasScan {
			s.logger.Warnf("scan length %d does not match angle length %d, skipping scan", len(ranges), len(angles))
		} else if err := s.filter.UpdateFromScan(ranges, angles, s.grid); err != nil {
			s.logger.Warnw("scan correction failed, skipping scan", "error", err)
		} else if pose, ok := s.filter.Pose(); ok {
			s.rasterizeScan(pose, ranges, angles)
			if len(landmarks) == 0 {
				s.registerScanCorners(pose, ranges, angles)
			}
			mapUpdated = true
		}
	}

	pose, poseKnown := s.filter.Pose()
	if poseKnown {
		s.history = append(s.history, pose)
		if len(s.history) > maxHistory {
			s.history = s.history[len(s.history)-maxHistory:]
		}
	}

	if mapUpdated && len(s.history) > loopClosureInterval && s.stats.Updates%loopClosureInterval == 0 {
		if closure, ok := s.detector.Detect(s.history); ok {
			s.stats.LoopClosures++
			gx, gy := s.grid.WorldToGrid(pose.X, pose.Y)
			s.grid.SetCellsInRadius(gx, gy, 3, 0.5)
			s.logger.Infof("loop closure at %.2fm from pose %d", closure.Distance, closure.MatchedIndex)
		}
	}

	s.stats.Updates++
	elapsed := time.Since(start)
	n := time.Duration(s.stats.Updates)
	s.stats.MeanUpdateDuration = (s.stats.MeanUpdateDuration*(n-1) + elapsed) / n

	return pose, mapUpdated, nil
}

// registerLandmarks adds observed landmarks to the map at their projected
// world positions, keyed by observation ID. Already known landmarks are left
// where they are.
func (s *SLAM) registerLandmarks(landmarks map[string]localization.RangeBearing) {
	pose, ok := s.filter.Pose()
	if !ok {
		return
	}
	for id, obs := range landmarks {
		if _, known := s.grid.Landmark(id); known {
			continue
		}
		lx := pose.X + obs.Range*math.Cos(pose.Theta+obs.Bearing)
		ly := pose.Y + obs.Range*math.Sin(pose.Theta+obs.Bearing)
		s.grid.AddLandmark(id, lx, ly, "observed landmark")
	}
}

// registerScanCorners promotes corner features from the scan to map landmarks
// when they are not already near a known one. This gives landmark correction
// something to work with in environments without tagged beacons.
func (s *SLAM) registerScanCorners(pose spatialmath.Pose, ranges, angles []float64) {
	corners := s.features.CornersFromScan(ranges, angles, pose)
	if len(corners) == 0 {
		return
	}

	known := s.grid.Landmarks()
	for _, c := range corners {
		near := false
		for _, lm := range known {
			if math.Hypot(c.X-lm.X, c.Y-lm.Y) < s.features.clusterDistance {
				near = true
				break
			}
		}
		if near {
			continue
		}
		s.cornerSeq++
		name := fmt.Sprintf("corner-%d", s.cornerSeq)
		s.grid.AddLandmark(name, c.X, c.Y, "scan corner")
		s.stats.LandmarksSeen++
	}
}

// rasterizeScan writes one accepted scan into the grid from the given pose:
// cells along each beam become free, the terminal cell becomes occupied, and
// a small neighborhood around the terminal cell is pushed toward occupied
// with falloff.
func (s *SLAM) rasterizeScan(pose spatialmath.Pose, ranges, angles []float64) {
	p := s.opts.MapUpdate

	startX, startY := s.grid.WorldToGrid(pose.X, pose.Y)
	if !s.grid.InBounds(startX, startY) {
		s.logger.Warnf("pose (%.2f, %.2f) is outside the map bounds", pose.X, pose.Y)
		return
	}

	for i, r := range ranges {
		if r <= p.MinRange || r > p.MaxRange {
			continue
		}

		worldAngle := pose.Theta + angles[i]
		endX, endY := s.grid.WorldToGrid(
			pose.X+r*math.Cos(worldAngle),
			pose.Y+r*math.Sin(worldAngle),
		)
		if !s.grid.InBounds(endX, endY) {
			continue
		}

		occupancygrid.TraceLine(startX, startY, endX, endY, func(x, y int) bool {
			if (x != startX || y != startY) && (x != endX || y != endY) {
				s.grid.SetCell(x, y, p.FreeProb)
			}
			return true
		})

		s.grid.SetCell(endX, endY, p.OccupiedProb)
		s.expandHit(endX, endY)
	}
}

// expandHit pushes cells around an obstacle hit toward occupied, fading with
// ring distance.
func (s *SLAM) expandHit(cx, cy int) {
	p := s.opts.MapUpdate
	for ring := 1; ring <= p.OccupiedExpansion; ring++ {
		fade := p.OccupiedProb * (1 - float64(ring)/float64(p.OccupiedExpansion+1))
		for dy := -ring; dy <= ring; dy++ {
			for dx := -ring; dx <= ring; dx++ {
				if dx*dx+dy*dy > ring*ring {
					continue
				}
				nx, ny := cx+dx, cy+dy
				if nx == cx && ny == cy {
					continue
				}
				current, ok := s.grid.Cell(nx, ny)
				if !ok {
					continue
				}
				s.grid.SetCell(nx, ny, current+(p.OccupiedProb-current)*fade)
			}
		}
	}
}

// Pose returns the current pose estimate; ok is false before initialization.
func (s *SLAM) Pose() (spatialmath.Pose, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.Pose()
}

// Covariance returns the 3x3 pose covariance; ok is false before
// initialization.
func (s *SLAM) Covariance() (*mat.SymDense, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.Covariance()
}

// Map returns the live occupancy grid. The grid is internally locked; callers
// needing an isolated view should use its Snapshot.
func (s *SLAM) Map() *occupancygrid.Map {
	return s.grid
}

// History returns a copy of the retained pose trajectory.
func (s *SLAM) History() []spatialmath.Pose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]spatialmath.Pose, len(s.history))
	copy(out, s.history)
	return out
}

// Stats returns a copy of the runtime counters.
func (s *SLAM) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Closures returns every recorded loop closure in detection order.
func (s *SLAM) Closures() []Closure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detector.Closures()
}

// SaveMap stamps the map with update timestamps and persists it.
func (s *SLAM) SaveMap(path string) error {
	now := time.Now().Format(time.RFC3339)
	s.grid.SetMetadata("last_updated", now)
	if _, ok := s.grid.Metadata()["created"]; !ok {
		s.grid.SetMetadata("created", now)
	}
	return s.grid.Save(path)
}

// LoadMap loads a previously saved occupancy grid.
func LoadMap(path string, logger golog.Logger) (*occupancygrid.Map, error) {
	return occupancygrid.LoadMap(path, logger)
}
