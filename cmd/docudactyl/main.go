package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hyperpolymath/docudactyl-sub001/internal/abi"
	"github.com/hyperpolymath/docudactyl-sub001/internal/config"
	"github.com/hyperpolymath/docudactyl-sub001/internal/engine"
)

var Version = "1.0.0"

// loadConfigWithOverrides loads the TOML configuration and applies CLI flag
// overrides on top. Flags the user did not pass leave the file values alone.
func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("manifest") {
		cfg.Manifest.Path = c.String("manifest")
	}
	if c.IsSet("manifest-mode") {
		cfg.Manifest.Mode = c.String("manifest-mode")
	}
	if v := c.StringSlice("include"); len(v) > 0 {
		cfg.Manifest.Include = v
	}
	if v := c.StringSlice("exclude"); len(v) > 0 {
		cfg.Manifest.Exclude = append(cfg.Manifest.Exclude, v...)
	}
	if c.IsSet("output-dir") {
		cfg.Output.Dir = c.String("output-dir")
	}
	if c.IsSet("format") {
		cfg.Output.Format = c.String("format")
	}
	if c.IsSet("stages") {
		cfg.Stages.Config = c.String("stages")
	}
	if c.IsSet("model-dir") {
		cfg.Stages.ModelDir = c.String("model-dir")
	}
	if c.IsSet("cache-dir") {
		cfg.Cache.Dir = c.String("cache-dir")
	}
	if c.IsSet("cache-size-mb") {
		cfg.Cache.SizeMB = c.Int("cache-size-mb")
	}
	if c.IsSet("l2-address") {
		cfg.Cache.L2Address = c.String("l2-address")
	}
	if c.IsSet("no-conduit") {
		cfg.Cache.ConduitEnabled = !c.Bool("no-conduit")
	}
	if c.IsSet("workers") {
		cfg.Dispatch.Workers = c.Int("workers")
	}
	if c.IsSet("chunk-size") {
		cfg.Dispatch.ChunkSize = c.Int("chunk-size")
	}
	if c.IsSet("timeout") {
		cfg.Dispatch.TimeoutSec = c.Int("timeout")
	}
	if c.IsSet("max-retries") {
		cfg.Dispatch.MaxRetries = c.Int("max-retries")
	}
	if c.IsSet("prefetch-window") {
		cfg.Dispatch.PrefetchWindow = c.Int("prefetch-window")
	}
	if c.IsSet("grace-period-sec") {
		cfg.Dispatch.GracePeriodSec = c.Int("grace-period-sec")
	}
	if c.IsSet("resume") {
		cfg.Checkpoint.Resume = c.Bool("resume")
	}
	if c.IsSet("checkpoint-interval-docs") {
		cfg.Checkpoint.IntervalDocs = c.Int("checkpoint-interval-docs")
	}
	if c.IsSet("progress-interval-sec") {
		cfg.Progress.IntervalSec = c.Int("progress-interval-sec")
	}
	if c.IsSet("num-locales") {
		cfg.Cluster.NumLocales = c.Int("num-locales")
	}
	if c.IsSet("locale-id") {
		cfg.Cluster.LocaleID = c.Int("locale-id")
	}
	return cfg, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func run(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return cli.Exit(err.Error(), engine.ExitConfig)
	}
	log, err := newLogger(c.Bool("verbose"))
	if err != nil {
		return cli.Exit(err.Error(), engine.ExitConfig)
	}
	defer log.Sync()

	e, err := engine.New(cfg, log)
	if err != nil {
		return exitFor(err)
	}
	if err := e.Run(context.Background()); err != nil {
		return exitFor(err)
	}
	return nil
}

// exitFor maps engine errors onto the contractual process exit codes.
func exitFor(err error) error {
	var xe *engine.ExitError
	if errors.As(err, &xe) {
		return cli.Exit(err.Error(), xe.Code)
	}
	return cli.Exit(err.Error(), engine.ExitConfig)
}

func listStages(*cli.Context) error {
	fmt.Printf("%-4s %-16s %s\n", "bit", "stage", "presets")
	for bit := 0; bit < abi.NumStages; bit++ {
		var presets []byte
		if abi.MaskFast.Has(bit) {
			presets = append(presets, 'f')
		}
		if abi.MaskAnalysis.Has(bit) {
			presets = append(presets, 'a')
		}
		fmt.Printf("%-4d %-16s %s\n", bit, abi.StageName(bit), presets)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "docudactyl",
		Usage:   "Distributed multi-format document extraction",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML config file path",
				Value:   "docudactyl.toml",
			},
			&cli.StringFlag{
				Name:    "manifest",
				Aliases: []string{"m"},
				Usage:   "Work-list file, plain or enriched JSON lines",
			},
			&cli.StringFlag{
				Name:  "manifest-mode",
				Usage: "Manifest distribution: shared or broadcast",
			},
			&cli.StringSliceFlag{
				Name:  "include",
				Usage: "Only process paths matching glob patterns (doublestar)",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "Skip paths matching glob patterns (doublestar)",
			},
			&cli.StringFlag{
				Name:    "output-dir",
				Aliases: []string{"o"},
				Usage:   "Directory for output shards, checkpoint, and run report",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output serialization: scheme, json, or csv",
			},
			&cli.StringFlag{
				Name:    "stages",
				Aliases: []string{"s"},
				Usage:   "Stage selection: none, fast, analysis, all, or a hex mask",
			},
			&cli.StringFlag{
				Name:  "model-dir",
				Usage: "Search directory for optional ML and OCR backends",
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "L1 cache directory (default: <output-dir>/cache)",
			},
			&cli.IntFlag{
				Name:  "cache-size-mb",
				Usage: "L1 cache size budget in MiB",
			},
			&cli.StringFlag{
				Name:  "l2-address",
				Usage: "Shared L2 cache address host:port (empty disables L2)",
			},
			&cli.BoolFlag{
				Name:  "no-conduit",
				Usage: "Skip conduit preprocessing (magic sniff, validation, hashing)",
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "Worker pool size (0 = logical CPU count)",
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Entries handed to a worker per dispatch",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Per-document wall-clock budget in seconds",
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Retry budget for retryable failures",
			},
			&cli.IntFlag{
				Name:  "prefetch-window",
				Usage: "Read-ahead window over upcoming manifest entries (0 disables)",
			},
			&cli.IntFlag{
				Name:  "grace-period-sec",
				Usage: "Drain grace period after SIGTERM or SIGINT in seconds",
			},
			&cli.BoolFlag{
				Name:  "resume",
				Usage: "Skip documents recorded in the checkpoint journal",
			},
			&cli.IntFlag{
				Name:  "checkpoint-interval-docs",
				Usage: "Documents between checkpoint journal fsyncs",
			},
			&cli.IntFlag{
				Name:  "progress-interval-sec",
				Usage: "Seconds between progress heartbeat lines",
			},
			&cli.IntFlag{
				Name:  "num-locales",
				Usage: "Total node count for deterministic partitioning",
			},
			&cli.IntFlag{
				Name:  "locale-id",
				Usage: "This node's index, 0-based",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Human-readable debug logging",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "stages",
				Usage:  "List the stage slot assignments and preset membership",
				Action: listStages,
			},
		},
	}

	// Run handles cli.Exit codes itself; anything left is a config error.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(engine.ExitConfig)
	}
}
