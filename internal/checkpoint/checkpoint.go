// Package checkpoint remembers the last day a scheduled job published, so a
// restarted scheduler does not render the same day twice.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// DayLayout formats Checkpoint.LastCompletedDay.
const DayLayout = "2006-01-02"

// Checkpoint represents a scheduled job's progress state.
type Checkpoint struct {
	Job              string    `json:"job"`
	LastCompletedDay string    `json:"last_completed_day"` // DayLayout, instance zone
	RunID            string    `json:"run_id,omitempty"`
	Manifest         string    `json:"manifest,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Completed reports whether day (DayLayout) is at or before the last
// completed day.
func (cp *Checkpoint) Completed(day string) bool {
	return cp != nil && cp.LastCompletedDay != "" && day <= cp.LastCompletedDay
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint of job.
	Load(ctx context.Context, job string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists one JSON file per job.
type fileManager struct {
	dir string
}

func (m *fileManager) checkpointPath(job string) string {
	return filepath.Join(m.dir, "checkpoint_"+safeName(job)+".json")
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, job string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(job))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.Job == "" {
		return errors.New("checkpoint has no job name")
	}
	path := m.checkpointPath(cp.Job)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// safeName keeps job names from escaping the checkpoint directory.
func safeName(job string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, job)
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, job string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
