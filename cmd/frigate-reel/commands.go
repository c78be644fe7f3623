package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/frigate-reel/internal/calendar"
	"github.com/withObsrvr/frigate-reel/internal/catalog"
	"github.com/withObsrvr/frigate-reel/internal/checkpoint"
	"github.com/withObsrvr/frigate-reel/internal/config"
	"github.com/withObsrvr/frigate-reel/internal/engine"
	"github.com/withObsrvr/frigate-reel/internal/errdefs"
	"github.com/withObsrvr/frigate-reel/internal/recordings"
	"github.com/withObsrvr/frigate-reel/internal/timeline"
	"github.com/withObsrvr/frigate-reel/internal/watcher"
)

// rangeFlags are shared by timelapse and clip.
type rangeFlags struct {
	cameras   []string
	start     string
	end       string
	span      string
	output    string
	layout    string
	preset    string
	overwrite bool
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.cameras, "cameras", "c", nil, "comma-separated camera names (e.g. bporchcam,frontcam)")
	cmd.Flags().StringVarP(&f.start, "start", "s", "", "start time (e.g. 2025-12-01T08:00)")
	cmd.Flags().StringVarP(&f.end, "end", "e", "", "end time (e.g. 2025-12-05T16:00)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output file (default: {camera}_{YYYYMMDD_HHMM}.mp4)")
	cmd.Flags().StringVar(&f.layout, "layout", "separate", "separate | grid")
	cmd.Flags().StringVar(&f.preset, "preset", "", "encoder preset (default from config)")
	cmd.Flags().BoolVar(&f.overwrite, "overwrite", false, "replace existing outputs")
	_ = cmd.MarkFlagRequired("cameras")
	_ = cmd.MarkFlagRequired("start")
}

// timeRange resolves --start with either --end or the span flag.
func (f *rangeFlags) timeRange(zone *time.Location, spanFlag string) (timeline.TimeRange, error) {
	start, err := timeline.ParseInstant(f.start, zone)
	if err != nil {
		return timeline.TimeRange{}, err
	}
	switch {
	case f.end != "" && f.span != "":
		return timeline.TimeRange{}, errdefs.Configf("end", "use either --end or --%s, not both", spanFlag)
	case f.end != "":
		end, err := timeline.ParseInstant(f.end, zone)
		if err != nil {
			return timeline.TimeRange{}, err
		}
		return timeline.NewTimeRange(start, end)
	case f.span != "":
		d, err := timeline.ParseDuration(f.span)
		if err != nil {
			return timeline.TimeRange{}, err
		}
		return timeline.RangeFromDuration(start, d)
	}
	return timeline.TimeRange{}, errdefs.Configf("end", "one of --end or --%s is required", spanFlag)
}

// prepare applies the flags to cfg and opens a runtime.
func (f *rangeFlags) prepare(cmd *cobra.Command) (*runtime, string, error) {
	cfg := config.FromContext(cmd.Context())
	if f.preset != "" {
		cfg.Encode.Preset = f.preset
	}
	storeCfg := cfg.Storage
	if f.overwrite {
		storeCfg.AllowOverwrite = true
	}
	storeCfg, key, err := outputTarget(storeCfg, f.output)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	rt, err := newRuntime(cmd.Context(), cfg, storeCfg, true)
	if err != nil {
		return nil, "", err
	}
	return rt, key, nil
}

var (
	tlFlags     rangeFlags
	tlDuration  string
	tlFPS       float64
	tlSkipDays  string
	tlSkipHours string
	tlMissing   string
)

var timelapseCmd = &cobra.Command{
	Use:   "timelapse",
	Short: "Sample a time range into a short video",
	Example: `  frigate-reel timelapse -c bporchcam -s 2025-12-01T08:00 -e 2025-12-05T16:00 \
    --duration 5m --skip-days sat,sun --skip-hours 16-8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, key, err := tlFlags.prepare(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		r, err := tlFlags.timeRange(rt.locator.Zone(), "span")
		if err != nil {
			return err
		}
		outDur, err := timeline.ParseDuration(tlDuration)
		if err != nil {
			return err
		}
		rule, err := calendar.ParseRule(tlSkipDays, tlSkipHours)
		if err != nil {
			return err
		}
		layout, err := timeline.ParseLayout(tlFlags.layout)
		if err != nil {
			return err
		}
		missing, err := timeline.ParseMissingPolicy(tlMissing)
		if err != nil {
			return err
		}

		res, err := rt.engine.Timelapse(cmd.Context(), engine.TimelapseRequest{
			TimelapseRequest: timeline.TimelapseRequest{
				Cameras:        tlFlags.cameras,
				Range:          r,
				OutputDuration: outDur,
				FPS:            tlFPS,
				Rule:           rule,
				Layout:         layout,
				Missing:        missing,
			},
			Output: key,
		})
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	},
}

var (
	clipFlags    rangeFlags
	clipReencode bool
)

var clipCmd = &cobra.Command{
	Use:   "clip",
	Short: "Copy an exact time range into a video",
	Example: `  frigate-reel clip -c frontcam,bporchcam -s "2025-12-01 08:00" -d 10m --layout grid`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if clipReencode {
			config.FromContext(cmd.Context()).Encode.Reencode = true
		}
		rt, key, err := clipFlags.prepare(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		r, err := clipFlags.timeRange(rt.locator.Zone(), "duration")
		if err != nil {
			return err
		}
		layout, err := timeline.ParseLayout(clipFlags.layout)
		if err != nil {
			return err
		}

		res, err := rt.engine.Clip(cmd.Context(), engine.ClipRequest{
			ClipRequest: timeline.ClipRequest{
				Cameras: clipFlags.cameras,
				Range:   r,
				Layout:  layout,
			},
			Output: key,
		})
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	},
}

var camerasDays int

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "List cameras with recent footage",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := instanceRoot(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		cameras, err := recordings.ListCameras(root, camerasDays)
		if err != nil {
			return err
		}
		if len(cameras) == 0 {
			return &errdefs.NotFoundError{Dir: root + "/recordings"}
		}
		for _, c := range cameras {
			fmt.Fprintln(cmd.OutOrStdout(), c)
		}
		return nil
	},
}

var scheduleOnce bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Render yesterday's timelapse every day",
	Long: `Runs until interrupted, rendering the previous day's timelapse on the
cron schedule in the config file (default "0 5 0 * * *", seconds first).
Days already recorded in the checkpoint are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.FromContext(ctx)

		rt, err := newRuntime(ctx, cfg, cfg.Storage, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		cp, err := checkpoint.NewManager(cfg.Checkpoint)
		if err != nil {
			return err
		}
		w, err := watcher.New(cfg, rt.engine, cp)
		if err != nil {
			return &errdefs.ConfigError{Field: "schedule", Reason: err.Error()}
		}

		if scheduleOnce {
			return w.RunOnce(ctx)
		}
		if err := w.Run(ctx); err != nil {
			return err
		}
		rt.log.Info("scheduler stopped cleanly")
		return nil
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently published runs from the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		if cfg.Catalog.DSN == "" {
			return errdefs.Configf("catalog.dsn", "no catalog configured; set catalog.dsn or REEL_CATALOG_DSN")
		}
		cat, err := catalog.Open(cmd.Context(), cfg.Catalog)
		if err != nil {
			return err
		}
		defer cat.Close()

		runs, err := cat.Recent(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), runs)
		return nil
	},
}

func init() {
	tlFlags.register(timelapseCmd)
	timelapseCmd.Flags().StringVar(&tlFlags.span, "span", "", "range length instead of --end (e.g. 8h)")
	timelapseCmd.Flags().StringVarP(&tlDuration, "duration", "d", "5m", "target output duration (e.g. 5m, 1h, 90s)")
	timelapseCmd.Flags().Float64Var(&tlFPS, "fps", 30, "output frame rate")
	timelapseCmd.Flags().StringVar(&tlSkipDays, "skip-days", "", "days to skip (e.g. sat,sun)")
	timelapseCmd.Flags().StringVar(&tlSkipHours, "skip-hours", "", "hour ranges to skip (e.g. 16-8 for 4pm to 8am)")
	timelapseCmd.Flags().StringVar(&tlMissing, "missing", "placeholder", "missing camera frames in a grid: placeholder | skip")

	clipFlags.register(clipCmd)
	clipCmd.Flags().StringVarP(&clipFlags.span, "duration", "d", "", "clip length instead of --end (e.g. 10m)")
	clipCmd.Flags().BoolVar(&clipReencode, "reencode", false, "re-encode the joined clip with the configured preset")

	camerasCmd.Flags().IntVar(&camerasDays, "days", 7, "only look at the most recent N days")

	scheduleCmd.Flags().BoolVar(&scheduleOnce, "once", false, "render the previous day now and exit")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
}

// printResult lists published outputs in a stable order.
func printResult(w io.Writer, res *engine.Result) {
	keys := make([]string, 0, len(res.Outputs))
	for k := range res.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "run %s: %d positions in %s\n", res.RunID, res.Positions, res.Elapsed.Round(time.Millisecond))
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %s\n", k, res.Outputs[k])
	}
	if len(res.Dropped) > 0 {
		reasons := make(map[string]int)
		for _, d := range res.Dropped {
			reasons[d.Reason]++
		}
		parts := make([]string, 0, len(reasons))
		for r, n := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%d", r, n))
		}
		sort.Strings(parts)
		fmt.Fprintf(w, "  dropped      %d (%s)\n", len(res.Dropped), strings.Join(parts, ", "))
	}
	fmt.Fprintf(w, "  manifest     %s\n", res.Manifest)
}

func printHistory(w io.Writer, runs []catalog.Run) {
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-9s %-8s %s  %s -> %s  positions=%d dropped=%d\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Mode, r.Layout, strings.Join(r.Cameras, ","),
			r.Start.Local().Format("2006-01-02 15:04"), r.End.Local().Format("2006-01-02 15:04"),
			r.Positions, r.Dropped)
		for _, o := range r.Outputs {
			fmt.Fprintf(w, "    %-12s %s\n", o.Name, o.URI)
		}
	}
}
