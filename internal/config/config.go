// Package config holds the run configuration: the operator-facing option
// surface plus engine tunables, loadable from a TOML file with CLI overrides
// applied on top by the front-end.
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/pelletier/go-toml/v2"
)

// Defaults for tunables that are almost never changed.
const (
	DefaultChunkSize          = 256
	DefaultTimeoutSec         = 600
	DefaultMaxRetries         = 2
	DefaultPrefetchWindow     = 8
	DefaultGracePeriodSec     = 30
	DefaultCheckpointInterval = 10000
	DefaultProgressInterval   = 60
	DefaultCacheSizeMB        = 10 * 1024
	DefaultShardBufferBytes   = 4 << 20
	DefaultShardRotateBytes   = 1 << 30
	DefaultFlushIntervalSec   = 5
)

type Config struct {
	Manifest   Manifest
	Output     Output
	Stages     Stages
	Cache      Cache
	Dispatch   Dispatch
	Checkpoint Checkpoint
	Progress   Progress
	Cluster    Cluster
}

type Manifest struct {
	Path string `toml:"path"`
	Mode string `toml:"mode"` // "shared" or "broadcast"
	// Optional glob filters applied while loading, doublestar syntax.
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

type Output struct {
	Dir              string `toml:"dir"`
	Format           string `toml:"format"` // "scheme", "json", "csv"
	ShardBufferBytes int    `toml:"shard_buffer_bytes"`
	ShardRotateBytes int64  `toml:"shard_rotate_bytes"`
	FlushIntervalSec int    `toml:"flush_interval_sec"`
}

type Stages struct {
	Config   string `toml:"config"` // preset name or explicit mask
	ModelDir string `toml:"model_dir"`
}

type Cache struct {
	Dir            string `toml:"dir"`
	SizeMB         int    `toml:"size_mb"`
	L2Address      string `toml:"l2_address"`
	ConduitEnabled bool   `toml:"conduit_enabled"`
}

type Dispatch struct {
	ChunkSize      int `toml:"chunk_size"`
	Workers        int `toml:"workers"` // 0 = logical CPU count
	TimeoutSec     int `toml:"timeout_sec"`
	MaxRetries     int `toml:"max_retries"`
	PrefetchWindow int `toml:"prefetch_window"`
	GracePeriodSec int `toml:"grace_period_sec"`
}

type Checkpoint struct {
	Resume       bool `toml:"resume"`
	IntervalDocs int  `toml:"interval_docs"`
}

type Progress struct {
	IntervalSec int `toml:"interval_sec"`
}

type Cluster struct {
	NumLocales int `toml:"num_locales"`
	LocaleID   int `toml:"locale_id"`
}

// Default returns a configuration with every tunable at its documented
// default. Manifest path and output dir have no default; Validate rejects a
// config that leaves them empty.
func Default() *Config {
	return &Config{
		Manifest: Manifest{Mode: "shared"},
		Output: Output{
			Format:           "json",
			ShardBufferBytes: DefaultShardBufferBytes,
			ShardRotateBytes: DefaultShardRotateBytes,
			FlushIntervalSec: DefaultFlushIntervalSec,
		},
		Stages: Stages{Config: "fast"},
		Cache: Cache{
			SizeMB:         DefaultCacheSizeMB,
			ConduitEnabled: true,
		},
		Dispatch: Dispatch{
			ChunkSize:      DefaultChunkSize,
			TimeoutSec:     DefaultTimeoutSec,
			MaxRetries:     DefaultMaxRetries,
			PrefetchWindow: DefaultPrefetchWindow,
			GracePeriodSec: DefaultGracePeriodSec,
		},
		Checkpoint: Checkpoint{IntervalDocs: DefaultCheckpointInterval},
		Progress:   Progress{IntervalSec: DefaultProgressInterval},
		Cluster:    Cluster{NumLocales: 1},
	}
}

// Load reads a TOML config file over the defaults. A missing file is not an
// error: the defaults stand and the CLI supplies the rest.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// WorkerCount resolves the effective worker pool size.
func (c *Config) WorkerCount() int {
	if c.Dispatch.Workers > 0 {
		return c.Dispatch.Workers
	}
	return runtime.NumCPU()
}

// Validate checks every option for range and consistency. A failure here is a
// configuration error and terminates the run at startup with exit code 1.
func (c *Config) Validate() error {
	if c.Manifest.Path == "" {
		return fmt.Errorf("manifest path is required")
	}
	if c.Manifest.Mode != "shared" && c.Manifest.Mode != "broadcast" {
		return fmt.Errorf("manifest mode must be shared or broadcast, got %q", c.Manifest.Mode)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output dir is required")
	}
	switch c.Output.Format {
	case "scheme", "json", "csv":
	default:
		return fmt.Errorf("output format must be scheme, json, or csv, got %q", c.Output.Format)
	}
	if c.Output.ShardBufferBytes < 4096 {
		return fmt.Errorf("shard buffer must be at least 4096 bytes, got %d", c.Output.ShardBufferBytes)
	}
	if c.Output.ShardRotateBytes < int64(c.Output.ShardBufferBytes) {
		return fmt.Errorf("shard rotate size %d is smaller than the shard buffer %d",
			c.Output.ShardRotateBytes, c.Output.ShardBufferBytes)
	}
	if c.Output.FlushIntervalSec < 1 {
		return fmt.Errorf("flush interval must be at least 1s, got %d", c.Output.FlushIntervalSec)
	}
	if c.Cache.SizeMB < 1 {
		return fmt.Errorf("cache size must be at least 1 MB, got %d", c.Cache.SizeMB)
	}
	if c.Dispatch.ChunkSize < 1 || c.Dispatch.ChunkSize > 65536 {
		return fmt.Errorf("chunk size must be between 1 and 65536, got %d", c.Dispatch.ChunkSize)
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.TimeoutSec < 1 {
		return fmt.Errorf("document timeout must be at least 1s, got %d", c.Dispatch.TimeoutSec)
	}
	if c.Dispatch.MaxRetries < 0 || c.Dispatch.MaxRetries > 10 {
		return fmt.Errorf("max retries must be between 0 and 10, got %d", c.Dispatch.MaxRetries)
	}
	if c.Dispatch.PrefetchWindow < 0 {
		return fmt.Errorf("prefetch window must be non-negative, got %d", c.Dispatch.PrefetchWindow)
	}
	if c.Checkpoint.IntervalDocs < 1 {
		return fmt.Errorf("checkpoint interval must be at least 1 document, got %d", c.Checkpoint.IntervalDocs)
	}
	if c.Progress.IntervalSec < 1 {
		return fmt.Errorf("progress interval must be at least 1s, got %d", c.Progress.IntervalSec)
	}
	if c.Cluster.NumLocales < 1 {
		return fmt.Errorf("num locales must be at least 1, got %d", c.Cluster.NumLocales)
	}
	if c.Cluster.LocaleID < 0 || c.Cluster.LocaleID >= c.Cluster.NumLocales {
		return fmt.Errorf("locale id %d out of range for %d locales", c.Cluster.LocaleID, c.Cluster.NumLocales)
	}
	return nil
}
