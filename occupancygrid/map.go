// Package occupancygrid implements a probabilistic 2D occupancy grid map with
// world/grid coordinate mapping, a landmark registry, grid ray casting, and
// persistence. Each cell holds an occupancy probability in [0, 1] where 0 is
// free, 1 is occupied, and 0.5 is unknown.
//
// The grid has a single writer (the SLAM update cycle) and many readers
// (planners, localization). All access goes through a read-write lock so
// readers always observe a consistent state; Snapshot gives longer-running
// readers an isolated copy.
package occupancygrid

import (
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Default occupancy classification thresholds.
const (
	DefaultOccupiedThreshold = 0.65
	DefaultFreeThreshold     = 0.35
	defaultUnknownEpsilon    = 0.1
	unknownProb              = 0.5
)

// Landmark is a named point of interest in world coordinates.
type Landmark struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Description string  `json:"description"`
}

// Map is an occupancy grid. Dimensions, resolution, and origin are immutable
// after construction; only cell values, landmarks, and metadata mutate.
type Map struct {
	mu         sync.RWMutex
	width      int
	height     int
	resolution float64 // meters per cell
	originX    float64
	originY    float64

	cells     []float64 // row-major, index y*width+x
	landmarks map[string]Landmark
	metadata  map[string]string

	occupiedThreshold float64
	freeThreshold     float64

	logger golog.Logger
}

// NewMap creates a grid of width x height cells at the given resolution
// (meters per cell), with the world position of cell (0, 0) at the origin.
// All cells start unknown.
func NewMap(width, height int, resolution, originX, originY float64, logger golog.Logger) (*Map, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("map dimensions must be positive, got %dx%d", width, height)
	}
	if resolution <= 0 {
		return nil, errors.Errorf("map resolution must be positive, got %f", resolution)
	}
	cells := make([]float64, width*height)
	for i := range cells {
		cells[i] = unknownProb
	}
	m := &Map{
		width:             width,
		height:            height,
		resolution:        resolution,
		originX:           originX,
		originY:           originY,
		cells:             cells,
		landmarks:         map[string]Landmark{},
		metadata:          map[string]string{},
		occupiedThreshold: DefaultOccupiedThreshold,
		freeThreshold:     DefaultFreeThreshold,
		logger:            logger,
	}
	logger.Debugf("created %dx%d occupancy grid at %.3fm/cell", width, height, resolution)
	return m, nil
}

// Width returns the grid width in cells.
func (m *Map) Width() int { return m.width }

// Height returns the grid height in cells.
func (m *Map) Height() int { return m.height }

// Resolution returns the cell size in meters.
func (m *Map) Resolution() float64 { return m.resolution }

// Origin returns the world coordinates of grid cell (0, 0).
func (m *Map) Origin() (float64, float64) { return m.originX, m.originY }

// SetThresholds overrides the occupied/free classification thresholds. The
// free threshold must stay below the occupied one so a band of unknown values
// remains between them.
func (m *Map) SetThresholds(occupied, free float64) error {
	if free >= occupied {
		return errors.Errorf("free threshold %f must be below occupied threshold %f", free, occupied)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occupiedThreshold = occupied
	m.freeThreshold = free
	return nil
}

// InBounds reports whether the grid cell coordinates are inside the map.
func (m *Map) InBounds(x, y int) bool {
	return x >= 0 && x < m.width && y >= 0 && y < m.height
}

// WorldToGrid converts world coordinates in meters to the nearest grid cell.
func (m *Map) WorldToGrid(wx, wy float64) (int, int) {
	gx := int(math.Round((wx - m.originX) / m.resolution))
	gy := int(math.Round((wy - m.originY) / m.resolution))
	return gx, gy
}

// GridToWorld converts grid cell coordinates to the cell's world position.
func (m *Map) GridToWorld(gx, gy int) (float64, float64) {
	return float64(gx)*m.resolution + m.originX, float64(gy)*m.resolution + m.originY
}

// Cell returns the occupancy probability of a cell, with false out of bounds.
func (m *Map) Cell(x, y int) (float64, bool) {
	if !m.InBounds(x, y) {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cells[y*m.width+x], true
}

// SetCell sets a cell's occupancy probability, clamped to [0, 1]. Out-of-bounds
// writes are dropped and reported as false; they never panic.
func (m *Map) SetCell(x, y int, v float64) bool {
	if !m.InBounds(x, y) {
		return false
	}
	m.mu.Lock()
	m.cells[y*m.width+x] = clampProb(v)
	m.mu.Unlock()
	return true
}

// SetCellsInRadius sets every in-bounds cell whose center lies within radius
// cells of the center (inclusive) to the clamped value, returning the number
// of cells updated.
func (m *Map) SetCellsInRadius(cx, cy, radius int, v float64) int {
	if radius < 0 {
		return 0
	}
	v = clampProb(v)
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := 0
	for y := max(0, cy-radius); y <= min(m.height-1, cy+radius); y++ {
		for x := max(0, cx-radius); x <= min(m.width-1, cx+radius); x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= radius*radius {
				m.cells[y*m.width+x] = v
				updated++
			}
		}
	}
	return updated
}

// IsOccupied reports whether a cell's probability is at or above the occupied
// threshold. Out-of-bounds cells are not occupied.
func (m *Map) IsOccupied(x, y int) bool {
	if !m.InBounds(x, y) {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cells[y*m.width+x] >= m.occupiedThreshold
}

// IsFree reports whether a cell's probability is at or below the free
// threshold. Out-of-bounds cells are not free.
func (m *Map) IsFree(x, y int) bool {
	if !m.InBounds(x, y) {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cells[y*m.width+x] <= m.freeThreshold
}

// IsUnknown reports whether a cell's probability lies within an epsilon band
// around 0.5.
func (m *Map) IsUnknown(x, y int) bool {
	if !m.InBounds(x, y) {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.cells[y*m.width+x]
	return v >= unknownProb-defaultUnknownEpsilon && v <= unknownProb+defaultUnknownEpsilon
}

// AddLandmark registers or replaces a named landmark at a world position.
func (m *Map) AddLandmark(name string, x, y float64, description string) {
	m.mu.Lock()
	m.landmarks[name] = Landmark{X: x, Y: y, Description: description}
	m.mu.Unlock()
	m.logger.Debugf("added landmark %q at (%.2f, %.2f)", name, x, y)
}

// Landmark looks up a landmark by name.
func (m *Map) Landmark(name string) (Landmark, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lm, ok := m.landmarks[name]
	return lm, ok
}

// Landmarks returns a copy of the landmark registry.
func (m *Map) Landmarks() map[string]Landmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Landmark, len(m.landmarks))
	for name, lm := range m.landmarks {
		out[name] = lm
	}
	return out
}

// SetMetadata sets a free-form metadata entry on the map.
func (m *Map) SetMetadata(key, value string) {
	m.mu.Lock()
	m.metadata[key] = value
	m.mu.Unlock()
}

// Metadata returns a copy of the map's metadata block.
func (m *Map) Metadata() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out
}

// Snapshot returns a deep copy of the map taken under the read lock, giving
// the caller an isolated view unaffected by subsequent writes.
func (m *Map) Snapshot() *Map {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cells := make([]float64, len(m.cells))
	copy(cells, m.cells)
	landmarks := make(map[string]Landmark, len(m.landmarks))
	for name, lm := range m.landmarks {
		landmarks[name] = lm
	}
	metadata := make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		metadata[k] = v
	}
	return &Map{
		width:             m.width,
		height:            m.height,
		resolution:        m.resolution,
		originX:           m.originX,
		originY:           m.originY,
		cells:             cells,
		landmarks:         landmarks,
		metadata:          metadata,
		occupiedThreshold: m.occupiedThreshold,
		freeThreshold:     m.freeThreshold,
		logger:            m.logger,
	}
}

func clampProb(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
