// Package config loads frigate-reel settings from a YAML file, a .env file
// and the environment, in increasing order of precedence.
package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/frigate-reel/internal/calendar"
	"github.com/withObsrvr/frigate-reel/internal/catalog"
	"github.com/withObsrvr/frigate-reel/internal/checkpoint"
	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/logging"
	"github.com/withObsrvr/frigate-reel/internal/metrics"
	"github.com/withObsrvr/frigate-reel/internal/notify"
	"github.com/withObsrvr/frigate-reel/internal/storage"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
)

type contextKey string

const configKey contextKey = "config"

// Config holds all application configuration.
type Config struct {
	Instance   InstanceConfig    `yaml:"instance"`
	Storage    storage.Config    `yaml:"storage"`
	Encode     EncodeConfig      `yaml:"encode"`
	Perf       PerfConfig        `yaml:"perf"`
	Logging    logging.Config    `yaml:"logging"`
	Metrics    metrics.Config    `yaml:"metrics"`
	Checkpoint checkpoint.Config `yaml:"checkpoint"`
	Schedule   ScheduleConfig    `yaml:"schedule"`
	Catalog    catalog.Config    `yaml:"catalog"`
	Notify     notify.Config     `yaml:"notify"`
}

// InstanceConfig locates the Frigate recordings.
type InstanceConfig struct {
	Root     string `yaml:"root"`     // detected when empty
	Timezone string `yaml:"timezone"` // IANA name of the zone Frigate writes directories in, host zone when empty
}

// EncodeConfig tunes ffmpeg.
type EncodeConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"` // looked up in PATH when empty
	Threads    int    `yaml:"threads"`
	Preset     string `yaml:"preset"`
	CRF        int    `yaml:"crf"`
	HWAccel    string `yaml:"hwaccel"` // auto | none | qsv | vaapi
	Reencode   bool   `yaml:"reencode"`
	CellWidth  int    `yaml:"cell_width"`
	CellHeight int    `yaml:"cell_height"`
}

// PerfConfig sizes the extraction pool and scratch space.
type PerfConfig struct {
	Workers   int    `yaml:"workers"` // host default when 0
	Window    int    `yaml:"window"`
	WorkDir   string `yaml:"work_dir"`
	MinFreeMB uint64 `yaml:"min_free_mb"`
}

// ScheduleConfig describes the daily timelapse of the schedule command.
type ScheduleConfig struct {
	Cron           string   `yaml:"cron"`
	Name           string   `yaml:"name"`
	Cameras        []string `yaml:"cameras"`
	Layout         string   `yaml:"layout"`
	Missing        string   `yaml:"missing"`
	OutputDuration string   `yaml:"output_duration"`
	FPS            float64  `yaml:"fps"`
	SkipDays       string   `yaml:"skip_days"`
	SkipHours      string   `yaml:"skip_hours"`
}

// DefaultSchedule fires at 00:05:00 every day.
const DefaultSchedule = "0 5 0 * * *"

// x264 presets accepted by every encoder.
var presets = map[string]bool{
	"ultrafast": true, "superfast": true, "veryfast": true, "faster": true, "fast": true,
	"medium": true, "slow": true, "slower": true, "veryslow": true,
}

func defaultConfig() *Config {
	return &Config{
		Storage: storage.Config{
			Backend:  "local",
			LocalDir: ".",
		},
		Encode: EncodeConfig{
			Preset:  "fast",
			CRF:     30,
			HWAccel: "auto",
		},
		Perf: PerfConfig{
			MinFreeMB: 512,
		},
		Logging: logging.Config{
			Format: "text",
			Level:  "info",
		},
		Metrics: metrics.Config{
			Address: ":9090",
		},
		Checkpoint: checkpoint.Config{
			Dir: "./checkpoints",
		},
		Schedule: ScheduleConfig{
			Cron:           DefaultSchedule,
			Name:           "daily",
			Layout:         "separate",
			Missing:        "placeholder",
			OutputDuration: "1m",
			FPS:            30,
		},
		Catalog: catalog.Config{
			Driver: "sqlite",
		},
		Notify: notify.Config{
			BackupDir: "./events",
		},
	}
}

// Load reads configuration. A .env file in the working directory is loaded
// into the environment first; a missing one is ignored. The YAML file is
// path, or the first candidate that exists; environment variables override
// both.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &errdefs.ConfigError{Field: path, Reason: err.Error()}
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{
		"./frigate-reel.yaml",
		"./frigate-reel.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "frigate-reel", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() error {
	c.Instance.Root = getenvDefault("FRIGATE_INSTANCE", c.Instance.Root)
	c.Instance.Timezone = getenvDefault("FRIGATE_TZ", c.Instance.Timezone)

	c.Storage.Backend = getenvDefault("REEL_OUTPUT_BACKEND", c.Storage.Backend)
	c.Storage.LocalDir = getenvDefault("REEL_OUTPUT_DIR", c.Storage.LocalDir)
	c.Storage.Bucket = getenvDefault("REEL_OUTPUT_BUCKET", c.Storage.Bucket)
	c.Storage.Prefix = getenvDefault("REEL_OUTPUT_PREFIX", c.Storage.Prefix)
	c.Storage.Endpoint = getenvDefault("REEL_S3_ENDPOINT", c.Storage.Endpoint)
	c.Storage.Region = getenvDefault("REEL_S3_REGION", c.Storage.Region)

	c.Encode.FFmpegPath = getenvDefault("REEL_FFMPEG", c.Encode.FFmpegPath)
	c.Encode.Preset = getenvDefault("REEL_PRESET", c.Encode.Preset)
	c.Encode.HWAccel = getenvDefault("REEL_HWACCEL", c.Encode.HWAccel)

	c.Perf.WorkDir = getenvDefault("REEL_WORK_DIR", c.Perf.WorkDir)

	c.Logging.Level = getenvDefault("REEL_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("REEL_LOG_FORMAT", c.Logging.Format)

	if v := os.Getenv("REEL_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = v
	}
	if v := os.Getenv("REEL_CHECKPOINT_DIR"); v != "" {
		c.Checkpoint.Enabled = true
		c.Checkpoint.Dir = v
	}
	c.Schedule.Cron = getenvDefault("REEL_SCHEDULE", c.Schedule.Cron)

	c.Catalog.Driver = getenvDefault("REEL_CATALOG_DRIVER", c.Catalog.Driver)
	c.Catalog.DSN = getenvDefault("REEL_CATALOG_DSN", c.Catalog.DSN)
	if v := os.Getenv("REEL_NOTIFY_ENDPOINT"); v != "" {
		c.Notify.Enabled = true
		c.Notify.Endpoint = v
	}

	var err error
	if c.Perf.Workers, err = getenvInt("REEL_WORKERS", c.Perf.Workers); err != nil {
		return err
	}
	if c.Encode.CRF, err = getenvInt("REEL_CRF", c.Encode.CRF); err != nil {
		return err
	}
	if c.Encode.Threads, err = getenvInt("REEL_THREADS", c.Encode.Threads); err != nil {
		return err
	}
	if c.Storage.AllowOverwrite, err = getenvBool("REEL_ALLOW_OVERWRITE", c.Storage.AllowOverwrite); err != nil {
		return err
	}
	if c.Encode.Reencode, err = getenvBool("REEL_REENCODE", c.Encode.Reencode); err != nil {
		return err
	}
	return nil
}

// Validate checks every field that can be checked without touching the
// recordings.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return &errdefs.ConfigError{Field: "storage", Reason: err.Error()}
	}
	if c.Perf.Workers < 0 {
		return errdefs.Configf("perf.workers", "must not be negative, got %d", c.Perf.Workers)
	}
	if c.Perf.Window < 0 {
		return errdefs.Configf("perf.window", "must not be negative, got %d", c.Perf.Window)
	}
	if !presets[c.Encode.Preset] {
		return errdefs.Configf("encode.preset", "unknown preset %q", c.Encode.Preset)
	}
	if c.Encode.CRF < 0 || c.Encode.CRF > 51 {
		return errdefs.Configf("encode.crf", "must be between 0 and 51, got %d", c.Encode.CRF)
	}
	switch strings.ToLower(c.Encode.HWAccel) {
	case "", "auto", "none", "qsv", "vaapi":
	default:
		return errdefs.Configf("encode.hwaccel", "unknown accelerator %q (want auto, none, qsv or vaapi)", c.Encode.HWAccel)
	}
	if c.Encode.CellWidth < 0 || c.Encode.CellHeight < 0 {
		return errdefs.Configf("encode.cell_width", "grid cell size must not be negative")
	}
	if err := c.Catalog.Validate(); err != nil {
		return &errdefs.ConfigError{Field: "catalog.driver", Reason: err.Error()}
	}
	if _, err := c.Schedule.Rule(); err != nil {
		return err
	}
	if _, err := c.Schedule.Duration(); err != nil {
		return err
	}
	if c.Schedule.FPS <= 0 {
		return errdefs.Configf("schedule.fps", "must be greater than 0, got %g", c.Schedule.FPS)
	}
	if _, err := timeline.ParseLayout(c.Schedule.Layout); err != nil {
		return err
	}
	if _, err := timeline.ParseMissingPolicy(c.Schedule.Missing); err != nil {
		return err
	}
	return nil
}

// Location returns the instance time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Instance.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Instance.Timezone)
	if err != nil {
		return nil, errdefs.Configf("instance.timezone", "%v", err)
	}
	return loc, nil
}

// MinFreeBytes converts the free-space floor to bytes.
func (c *Config) MinFreeBytes() uint64 {
	return c.Perf.MinFreeMB << 20
}

// Rule parses the schedule's calendar exclusions.
func (s ScheduleConfig) Rule() (calendar.Rule, error) {
	return calendar.ParseRule(s.SkipDays, s.SkipHours)
}

// Duration parses the schedule's output duration.
func (s ScheduleConfig) Duration() (time.Duration, error) {
	return timeline.ParseDuration(s.OutputDuration)
}

// WithConfig stores config in context.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context, falling back to defaults.
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return defaultConfig()
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errdefs.Configf(key, "not an integer: %q", v)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errdefs.Configf(key, "not a boolean: %q", v)
	}
	return b, nil
}
