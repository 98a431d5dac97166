package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SnapshotVersion is incremented when the format changes.
const SnapshotVersion = 1

// ErrSnapshotVersion is returned when loading a snapshot written by an
// incompatible format version.
var ErrSnapshotVersion = errors.New("unsupported snapshot version")

// Snapshot holds the complete particle state of an engine for replay.
type Snapshot struct {
	Version int    `json:"version"`
	Seed    int64  `json:"seed"`
	Backend string `json:"backend"`

	Dims    int `json:"dims"`
	GridRes int `json:"grid_res"`

	Step        int64   `json:"step"`
	Time        float64 `json:"time"`
	Injections  int     `json:"injections"`
	RestDensity float32 `json:"rest_density,omitempty"`

	Particles []ParticleState `json:"particles"`

	Bookmark *Bookmark `json:"bookmark,omitempty"`
}

// ParticleState holds one particle's complete state.
type ParticleState struct {
	X  float32 `json:"x"`
	Y  float32 `json:"y"`
	Z  float32 `json:"z"`
	VX float32 `json:"vx"`
	VY float32 `json:"vy"`
	VZ float32 `json:"vz"`

	// Affine velocity matrix, row-major.
	C [9]float32 `json:"c"`

	Mass float32 `json:"mass"`
	Lobe int8    `json:"lobe"`
}

// SaveSnapshot writes a snapshot to disk.
// Returns the filepath where it was saved.
func SaveSnapshot(snapshot *Snapshot, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	name := fmt.Sprintf("snapshot_%d", snapshot.Step)
	if snapshot.Bookmark != nil {
		sanitized := strings.ReplaceAll(string(snapshot.Bookmark.Type), " ", "_")
		name = fmt.Sprintf("snapshot_%d_%s", snapshot.Step, sanitized)
	}
	path := filepath.Join(dir, name+".json")

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// LoadSnapshot reads a snapshot from disk.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snapshot.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, snapshot.Version)
	}
	return &snapshot, nil
}
