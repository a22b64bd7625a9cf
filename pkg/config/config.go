package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root of the lsmkv configuration file.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Admin  AdminConfig  `yaml:"admin"`
	DB     `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AdminConfig configures the optional health/stats HTTP endpoint.
type AdminConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// DB holds everything the storage engine needs.
type DB struct {
	Dir        string           `yaml:"dir"`
	WAL        WALConfig        `yaml:"wal"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	Segment    SegmentConfig    `yaml:"segment"`
	Cache      CacheConfig      `yaml:"cache"`
	Compaction CompactionConfig `yaml:"compaction"`
	Manifest   ManifestConfig   `yaml:"manifest"`

	// FlushOnClose writes the active memtable into a segment on Close.
	FlushOnClose bool `yaml:"flush_on_close"`
}

// SyncMode controls when WAL appends reach stable storage.
type SyncMode string

const (
	// SyncAlways fsyncs after every append.
	SyncAlways SyncMode = "always"
	// SyncBatch fsyncs on a timer and on rotation/close.
	SyncBatch SyncMode = "batch"
	// SyncNone fsyncs only on rotation/close.
	SyncNone SyncMode = "none"
)

type WALConfig struct {
	Sync         SyncMode      `yaml:"sync"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

type MemtableConfig struct {
	FlushThresholdBytes int `yaml:"flush_threshold"`
	MaxImmTables        int `yaml:"max_imm_tables"`
}

// Compression names a segment block codec.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
)

type SegmentConfig struct {
	BlockSize      int         `yaml:"block_size"`
	TargetFileSize int64       `yaml:"target_file_size"`
	Compression    Compression `yaml:"compression"`
	BloomFPRate    float64     `yaml:"bloom_fp_rate"`
}

type CacheConfig struct {
	CapacityBytes int64 `yaml:"capacity_bytes"`
}

type CompactionConfig struct {
	L0Trigger           int           `yaml:"l0_trigger"`
	LevelBaseBytes      int64         `yaml:"level_base_bytes"`
	LevelSizeMultiplier int           `yaml:"level_size_multiplier"`
	MaxLevels           int           `yaml:"max_levels"`
	Interval            time.Duration `yaml:"interval"`
	Disabled            bool          `yaml:"disabled"`
}

type ManifestConfig struct {
	MaxEdits int `yaml:"max_edits"`
}

// Default returns a baseline config. Durability comes first: every WAL
// append is fsynced before the write is acknowledged.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Admin: AdminConfig{
			Addr:              "127.0.0.1:8080",
			ReadHeaderTimeout: time.Second,
		},
		DB: DefaultDB(),
	}
}

func DefaultDB() DB {
	return DB{
		Dir: "./data",
		WAL: WALConfig{
			Sync:         SyncAlways,
			SyncInterval: 10 * time.Millisecond,
		},
		Memtable: MemtableConfig{
			FlushThresholdBytes: 4 << 20,
			MaxImmTables:        4,
		},
		Segment: SegmentConfig{
			BlockSize:      4 << 10,
			TargetFileSize: 2 << 20,
			Compression:    CompressionSnappy,
			BloomFPRate:    0.01,
		},
		Cache: CacheConfig{
			CapacityBytes: 8 << 20,
		},
		Compaction: CompactionConfig{
			L0Trigger:           4,
			LevelBaseBytes:      8 << 20,
			LevelSizeMultiplier: 10,
			MaxLevels:           7,
			Interval:            time.Second,
		},
		Manifest: ManifestConfig{
			MaxEdits: 1000,
		},
		FlushOnClose: true,
	}
}

// Load reads a YAML config file on top of Default. A missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the whole config.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid logger level %q", c.Logger.Level)
	}
	return c.DB.Validate()
}

// Validate checks engine settings.
func (d *DB) Validate() error {
	var errs []error

	switch d.WAL.Sync {
	case SyncAlways, SyncNone:
	case SyncBatch:
		if d.WAL.SyncInterval <= 0 {
			errs = append(errs, errors.New("wal.sync_interval must be positive in batch mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid wal.sync %q", d.WAL.Sync))
	}

	if d.Memtable.FlushThresholdBytes < 1 {
		errs = append(errs, errors.New("memtable.flush_threshold must be at least 1"))
	}
	if d.Memtable.MaxImmTables < 1 {
		errs = append(errs, errors.New("memtable.max_imm_tables must be at least 1"))
	}

	if d.Segment.BlockSize < 64 {
		errs = append(errs, errors.New("segment.block_size must be at least 64"))
	}
	if d.Segment.TargetFileSize < int64(d.Segment.BlockSize) {
		errs = append(errs, errors.New("segment.target_file_size must be at least one block"))
	}
	switch d.Segment.Compression {
	case CompressionNone, CompressionSnappy, CompressionZstd:
	default:
		errs = append(errs, fmt.Errorf("invalid segment.compression %q", d.Segment.Compression))
	}
	if d.Segment.BloomFPRate <= 0 || d.Segment.BloomFPRate >= 1 {
		errs = append(errs, errors.New("segment.bloom_fp_rate must be in (0, 1)"))
	}

	if d.Cache.CapacityBytes < 0 {
		errs = append(errs, errors.New("cache.capacity_bytes must not be negative"))
	}

	if d.Compaction.L0Trigger < 1 {
		errs = append(errs, errors.New("compaction.l0_trigger must be at least 1"))
	}
	if d.Compaction.LevelBaseBytes < 1 {
		errs = append(errs, errors.New("compaction.level_base_bytes must be at least 1"))
	}
	if d.Compaction.LevelSizeMultiplier < 2 {
		errs = append(errs, errors.New("compaction.level_size_multiplier must be at least 2"))
	}
	if d.Compaction.MaxLevels < 2 {
		errs = append(errs, errors.New("compaction.max_levels must be at least 2"))
	}

	if d.Manifest.MaxEdits < 1 {
		errs = append(errs, errors.New("manifest.max_edits must be at least 1"))
	}

	return errors.Join(errs...)
}
