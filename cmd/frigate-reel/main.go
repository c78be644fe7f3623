package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/frigate-reel/internal/catalog"
	"github.com/withObsrvr/frigate-reel/internal/config"
	"github.com/withObsrvr/frigate-reel/internal/engine"
	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/ffmpeg"
	"github.com/withObsrvr/frigate-reel/internal/logging"
	"github.com/withObsrvr/frigate-reel/internal/metrics"
	"github.com/withObsrvr/frigate-reel/internal/notify"
	"github.com/withObsrvr/frigate-reel/internal/recordings"
	"github.com/withObsrvr/frigate-reel/internal/storage"
)

var (
	cfgFile    string
	verbose    bool
	instance   string
	workers    int
	noProgress bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:           "frigate-reel",
	Short:         "Timelapses and clips from Frigate NVR recordings",
	Long:          "Builds timelapses and exact clips from a Frigate recordings tree, one video per camera or a single grid.",
	Version:       fmt.Sprintf("%s (%s)", engine.Version, engine.GitSHA),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if verbose {
			cfg.Logging.Level = "debug"
		}
		logging.Setup(cfg.Logging)

		if instance != "" {
			cfg.Instance.Root = instance
		}
		if cmd.Flags().Changed("workers") {
			cfg.Perf.Workers = workers
		}

		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./frigate-reel.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&instance, "instance", "i", "", "Frigate instance path (auto-detected if not specified)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "parallel extractions (default: twice the CPU count, 16..32)")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")

	rootCmd.AddCommand(timelapseCmd)
	rootCmd.AddCommand(clipCmd)
	rootCmd.AddCommand(camerasCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(historyCmd)
}

// exitCode maps failures to distinct process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 130
	case errdefs.IsConfig(err):
		return 2
	case errdefs.IsNotFound(err):
		return 3
	}
	return 1
}

// runtime holds everything a run needs.
type runtime struct {
	cfg     *config.Config
	locator *recordings.Locator
	engine  *engine.Engine
	store   storage.Store
	catalog *catalog.Catalog // nil when disabled
	emitter notify.Emitter
	log     *slog.Logger
}

// instanceRoot returns the configured instance or the first detected one.
func instanceRoot(cfg *config.Config) (string, error) {
	if cfg.Instance.Root != "" {
		return cfg.Instance.Root, nil
	}
	root, err := recordings.DetectInstance(recordings.DefaultInstancePaths())
	if err != nil {
		return "", errdefs.Configf("instance", "%v; pass --instance or set FRIGATE_INSTANCE", err)
	}
	return root, nil
}

// newRuntime wires locator, ffmpeg, store, metrics and engine. storeCfg
// may differ from cfg.Storage when the caller named an output path.
func newRuntime(ctx context.Context, cfg *config.Config, storeCfg storage.Config, progress bool) (*runtime, error) {
	log := logging.Component("main")

	root, err := instanceRoot(cfg)
	if err != nil {
		return nil, err
	}
	zone, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	locator := recordings.New(root, zone)

	var exec *ffmpeg.Executor
	if cfg.Encode.FFmpegPath != "" {
		exec = ffmpeg.NewWithPath(cfg.Encode.FFmpegPath, cfg.Encode.Threads)
	} else if exec, err = ffmpeg.New(cfg.Encode.Threads); err != nil {
		return nil, err
	}
	hw, ok := ffmpeg.ParseHWAccel(cfg.Encode.HWAccel)
	if !ok {
		hw = exec.DetectHWAccel(ctx)
	}

	if err := storeCfg.Validate(); err != nil {
		return nil, &errdefs.ConfigError{Field: "storage", Reason: err.Error()}
	}
	store, err := storage.NewStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open output store: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.Init("frigate_reel")
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	backend := &engine.FFmpegBackend{
		Exec:     exec,
		HW:       hw,
		Preset:   cfg.Encode.Preset,
		CRF:      cfg.Encode.CRF,
		Reencode: cfg.Encode.Reencode,
		CellW:    cfg.Encode.CellWidth,
		CellH:    cfg.Encode.CellHeight,
		OnEncodeProgress: func(p *ffmpeg.Progress) {
			log.Debug("encode progress", "frame", p.Frame, "fps", p.FPS, "time", p.Time, "speed", p.Speed)
		},
	}

	opts := engine.Options{
		Workers:        cfg.Perf.Workers,
		Window:         cfg.Perf.Window,
		WorkDir:        cfg.Perf.WorkDir,
		MinFreeBytes:   cfg.MinFreeBytes(),
		CellW:          cfg.Encode.CellWidth,
		CellH:          cfg.Encode.CellHeight,
		Preset:         cfg.Encode.Preset,
		AllowOverwrite: storeCfg.AllowOverwrite,
	}
	if progress && !noProgress {
		opts.OnProgress = progressReporter()
	}

	rt := &runtime{cfg: cfg, locator: locator, store: store, log: log}
	if cfg.Catalog.DSN != "" {
		if rt.catalog, err = catalog.Open(ctx, cfg.Catalog); err != nil {
			store.Close()
			return nil, err
		}
		opts.Recorders = append(opts.Recorders, rt.catalog)
	}
	if rt.emitter, err = notify.NewEmitter(cfg.Notify); err != nil {
		rt.Close()
		return nil, err
	}
	opts.Recorders = append(opts.Recorders, rt.emitter)
	rt.engine = engine.New(locator, backend, store, opts)

	log.Info("frigate-reel starting",
		"version", engine.Version,
		"git_sha", engine.GitSHA,
		"instance", root,
		"zone", zone.String(),
		"encoder", backend.Describe(),
		"output", store.URI(""),
	)

	return rt, nil
}

func (r *runtime) Close() {
	if r.emitter != nil {
		r.emitter.Close()
	}
	if r.catalog != nil {
		if err := r.catalog.Close(); err != nil {
			r.log.Warn("close catalog", "error", err)
		}
	}
	if err := r.store.Close(); err != nil {
		r.log.Warn("close output store", "error", err)
	}
}

// progressReporter draws a bar sized on the first callback, when the total
// is known. Calls come from a single goroutine.
func progressReporter() func(done, total int64) {
	var bar *progressbar.ProgressBar
	return func(done, total int64) {
		if bar == nil {
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetDescription("Extracting"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("frames"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set64(done)
		if done >= total {
			_ = bar.Finish()
		}
	}
}

// outputTarget splits an explicit output path for the local backend: the
// directory becomes the store root and the file name the key. Other
// backends use the output as a key under their prefix.
func outputTarget(storeCfg storage.Config, output string) (storage.Config, string, error) {
	if output == "" {
		return storeCfg, "", nil
	}
	switch storeCfg.Backend {
	case "", "local", "file":
		abs, err := filepath.Abs(output)
		if err != nil {
			return storeCfg, "", fmt.Errorf("resolve output %s: %w", output, err)
		}
		storeCfg.LocalDir = filepath.Dir(abs)
		storeCfg.Prefix = ""
		return storeCfg, filepath.Base(abs), nil
	}
	return storeCfg, output, nil
}
