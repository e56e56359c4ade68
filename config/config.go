// Package config loads the cidmap command configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tamirms/cidmap"
	"github.com/tamirms/cidmap/internal/logging"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("loglevel", validateLogLevel)
	_ = validate.RegisterValidation("bytesize", validateByteSize)
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, err := logging.ParseLevel(fl.Field().String())
	return err == nil
}

func validateByteSize(fl validator.FieldLevel) bool {
	_, err := humanize.ParseBytes(fl.Field().String())
	return err == nil
}

// Config is the full command configuration.
type Config struct {
	// IndexDir holds preferred.idx, parent.idx and optionally keyhint.idx.
	IndexDir string `yaml:"index_dir" validate:"required"`
	// StorePath is the BadgerDB directory for resolved records.
	StorePath string `yaml:"store_path" validate:"required"`

	Ingest IngestConfig `yaml:"ingest"`
	Build  BuildConfig  `yaml:"build"`
	Log    LogConfig    `yaml:"log"`

	// MetricsAddr serves /metrics when set, e.g. ":9102".
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// IngestConfig tunes the pipeline and mapper.
type IngestConfig struct {
	BatchSize              int     `yaml:"batch_size" validate:"gt=0"`
	CacheCapacity          int     `yaml:"cache_capacity" validate:"gt=0"`
	MemoryThresholdPercent float64 `yaml:"memory_threshold_percent" validate:"gt=0,lte=100"`
	// ClearEvery clears caches every n batches; 0 disables it.
	ClearEvery    uint64 `yaml:"clear_every"`
	ProgressEvery uint64 `yaml:"progress_every"`
	// MaxFiles caps candidate files per invocation; 0 means all.
	MaxFiles int `yaml:"max_files" validate:"gte=0"`
	// KeepFiles leaves processed candidate files in place.
	KeepFiles     bool `yaml:"keep_files"`
	ConflictLimit int  `yaml:"conflict_limit" validate:"gte=0"`
	SyncWrites    bool `yaml:"sync_writes"`
}

// BuildConfig tunes index builds.
type BuildConfig struct {
	// MemoryBudget is a byte size such as "64MiB".
	MemoryBudget string `yaml:"memory_budget" validate:"required,bytesize"`
	TempDir      string `yaml:"temp_dir"`
	Duplicates   string `yaml:"duplicates" validate:"oneof=last-wins reject"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level" validate:"loglevel"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		IndexDir:  "indexes",
		StorePath: "store",
		Ingest: IngestConfig{
			BatchSize:              1000,
			CacheCapacity:          10000,
			MemoryThresholdPercent: 80,
			ClearEvery:             100,
			ProgressEvery:          10000,
			ConflictLimit:          50000,
			SyncWrites:             true,
		},
		Build: BuildConfig{
			MemoryBudget: "64MiB",
			Duplicates:   cidmap.DuplicateLastWins.String(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.Join(msgs...)
		}
		return err
	}
	return nil
}

// MemoryBudgetBytes parses Build.MemoryBudget.
func (c *Config) MemoryBudgetBytes() (int, error) {
	n, err := humanize.ParseBytes(c.Build.MemoryBudget)
	if err != nil {
		return 0, fmt.Errorf("memory budget %q: %w", c.Build.MemoryBudget, err)
	}
	return int(n), nil
}

// DuplicatePolicy maps Build.Duplicates to the builder policy.
func (c *Config) DuplicatePolicy() cidmap.DuplicatePolicy {
	if c.Build.Duplicates == cidmap.DuplicateReject.String() {
		return cidmap.DuplicateReject
	}
	return cidmap.DuplicateLastWins
}

// BuildOptions returns the builder options this configuration implies.
func (c *Config) BuildOptions() ([]cidmap.BuildOption, error) {
	budget, err := c.MemoryBudgetBytes()
	if err != nil {
		return nil, err
	}
	opts := []cidmap.BuildOption{
		cidmap.WithMemoryBudget(budget),
		cidmap.WithDuplicatePolicy(c.DuplicatePolicy()),
	}
	if c.Build.TempDir != "" {
		opts = append(opts, cidmap.WithTempDir(c.Build.TempDir))
	}
	return opts, nil
}

// MapperOptions returns the mapper options this configuration implies.
func (c *Config) MapperOptions() []cidmap.MapperOption {
	return []cidmap.MapperOption{
		cidmap.WithCacheCapacity(c.Ingest.CacheCapacity),
		cidmap.WithMemoryThreshold(c.Ingest.MemoryThresholdPercent),
	}
}
