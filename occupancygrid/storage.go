package occupancygrid

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// mapContainer is the on-disk map format: a gzip-compressed JSON document
// holding the grid, its geometry, and the landmark/metadata block. The
// container layout is private; only round-trip fidelity is promised.
type mapContainer struct {
	Width      int                 `json:"width"`
	Height     int                 `json:"height"`
	Resolution float64             `json:"resolution"`
	OriginX    float64             `json:"origin_x"`
	OriginY    float64             `json:"origin_y"`
	Cells      []float64           `json:"cells"`
	Landmarks  map[string]Landmark `json:"landmarks"`
	Metadata   map[string]string   `json:"metadata"`
}

// Save writes the map to the given path, creating parent directories as
// needed. The stored grid, dimensions, resolution, origin, landmarks, and
// metadata are reproduced exactly by LoadMap.
func (m *Map) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating map directory")
		}
	}

	snap := m.Snapshot()
	container := mapContainer{
		Width:      snap.width,
		Height:     snap.height,
		Resolution: snap.resolution,
		OriginX:    snap.originX,
		OriginY:    snap.originY,
		Cells:      snap.cells,
		Landmarks:  snap.landmarks,
		Metadata:   snap.metadata,
	}

	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating map file")
	}
	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(&container); err != nil {
		goutils.UncheckedError(gz.Close())
		goutils.UncheckedError(f.Close())
		return errors.Wrap(err, "encoding map")
	}
	if err := gz.Close(); err != nil {
		goutils.UncheckedError(f.Close())
		return errors.Wrap(err, "finalizing map file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing map file")
	}
	m.logger.Infof("map saved to %s", path)
	return nil
}

// LoadMap reads a map previously written by Save.
func LoadMap(path string, logger golog.Logger) (*Map, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening map file")
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "reading map container")
	}
	defer goutils.UncheckedErrorFunc(gz.Close)

	var container mapContainer
	if err := json.NewDecoder(gz).Decode(&container); err != nil {
		return nil, errors.Wrap(err, "decoding map")
	}

	m, err := NewMap(container.Width, container.Height, container.Resolution,
		container.OriginX, container.OriginY, logger)
	if err != nil {
		return nil, errors.Wrap(err, "invalid map geometry")
	}
	if len(container.Cells) != container.Width*container.Height {
		return nil, errors.Errorf("map cell count %d does not match %dx%d grid",
			len(container.Cells), container.Width, container.Height)
	}
	for i, v := range container.Cells {
		m.cells[i] = clampProb(v)
	}
	if container.Landmarks != nil {
		m.landmarks = container.Landmarks
	}
	if container.Metadata != nil {
		m.metadata = container.Metadata
	}
	logger.Infof("map loaded from %s", path)
	return m, nil
}
