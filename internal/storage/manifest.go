package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

// Manifest describes one published run.
type Manifest struct {
	RunID     string                `json:"run_id"`
	Mode      string                `json:"mode"` // "timelapse" | "clip"
	Layout    string                `json:"layout"`
	Missing   string                `json:"missing_policy,omitempty"`
	Cameras   []string              `json:"cameras"`
	Range     RangeInfo             `json:"range"`
	Skip      *SkipInfo             `json:"skip,omitempty"`
	Request   RequestInfo           `json:"request"`
	Outputs   map[string]OutputInfo `json:"outputs"`
	Requested int64                 `json:"requested"` // output positions asked for
	Positions int64                 `json:"positions"` // output positions written
	Dropped   []timeline.Drop       `json:"dropped"`
	Producer  ProducerInfo          `json:"producer"`
	CreatedAt time.Time             `json:"created_at"`
}

// RangeInfo describes the source time range.
type RangeInfo struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Zone     string    `json:"zone"`
	Included string    `json:"included"` // time left after calendar exclusion
}

// SkipInfo lists the calendar exclusions of a timelapse.
type SkipInfo struct {
	Days  []string `json:"days,omitempty"`
	Hours []string `json:"hours,omitempty"`
}

// RequestInfo records the output parameters.
type RequestInfo struct {
	OutputDuration string  `json:"output_duration,omitempty"`
	FPS            float64 `json:"fps,omitempty"`
	Tick           string  `json:"tick,omitempty"`
	Preset         string  `json:"preset,omitempty"`
	Encoder        string  `json:"encoder,omitempty"`
}

// OutputInfo describes a single published video.
type OutputInfo struct {
	File     string `json:"file"`
	URI      string `json:"uri"`
	Checksum string `json:"checksum"`
	ByteSize int64  `json:"byte_size"`
	Units    int    `json:"units"` // frames or segments encoded
}

// ProducerInfo describes the software that produced the run.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// FileChecksum computes the SHA256 checksum and size of a file.
func FileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}
