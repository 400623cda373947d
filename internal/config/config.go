// Package config loads the dalle configuration file and resolves it, with
// environment fallbacks, into validated run settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Gertie01/dalle-mini/internal/batch"
	"github.com/Gertie01/dalle-mini/internal/dataset"
)

const (
	EnvOutputDir = "DALLE_OUTPUT_DIR"
	EnvModel     = "DALLE_MODEL"
)

var ErrInvalid = errors.New("config: invalid setting")

// Config is the on-disk configuration (~/.config/dalle/config.yaml).
// Numeric and boolean fields are pointers so "not set" is distinguishable
// from a zero value.
type Config struct {
	Source     string `yaml:"source"`
	SourceKind string `yaml:"source_kind"`
	OutputDir  string `yaml:"output_dir"`
	Model      string `yaml:"model"`

	ImageSize    *int   `yaml:"image_size"`
	BatchSize    *int   `yaml:"batch_size"`
	Devices      *int   `yaml:"devices"`
	SaveEvery    *int   `yaml:"save_every"`
	PartialBatch string `yaml:"partial_batch"`

	// Item error handling
	OnError             string         `yaml:"on_error"`
	SkipLog             string         `yaml:"skip_log"`
	MaxConsecutiveSkips *int           `yaml:"max_consecutive_skips"`
	StallTimeout        *time.Duration `yaml:"stall_timeout"`

	Durable    *bool  `yaml:"durable"`
	StatusAddr string `yaml:"status_addr"`

	// Remote model server
	RemoteRPS     *float64       `yaml:"remote_rps"`
	RemoteTimeout *time.Duration `yaml:"remote_timeout"`

	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultPath returns the per-user config file location, or "" if the
// user config directory is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dalle", "config.yaml")
}

// Load reads path. A missing file is only an error when required is set;
// otherwise it yields a zero Config.
func Load(path string, required bool) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Settings are the resolved values for an encode run.
type Settings struct {
	Source     string
	SourceKind string
	OutputDir  string
	Model      string

	ImageSize    int
	BatchSize    int
	Devices      int
	SaveEvery    int
	PartialBatch string

	OnError             string
	SkipLog             string
	MaxConsecutiveSkips int
	StallTimeout        time.Duration

	Durable    bool
	StatusAddr string

	RemoteRPS     float64
	RemoteTimeout time.Duration

	S3Region   string
	S3Endpoint string

	LogLevel  string
	LogFormat string
}

// Defaults returns settings before any file, environment or flag is applied.
// Devices stays zero so the caller can pick a default suited to the model.
func Defaults() Settings {
	return Settings{
		SourceKind:          dataset.KindShards,
		ImageSize:           256,
		BatchSize:           8,
		SaveEvery:           128,
		PartialBatch:        string(batch.Pad),
		OnError:             "warn",
		MaxConsecutiveSkips: dataset.DefaultMaxConsecutiveSkips,
		StallTimeout:        dataset.DefaultStallTimeout,
		RemoteTimeout:       5 * time.Minute,
		LogLevel:            "info",
		LogFormat:           "pretty",
	}
}

// Apply overlays every value set in cfg.
func (s *Settings) Apply(cfg Config) {
	setString(&s.Source, cfg.Source)
	setString(&s.SourceKind, cfg.SourceKind)
	setString(&s.OutputDir, cfg.OutputDir)
	setString(&s.Model, cfg.Model)
	setValue(&s.ImageSize, cfg.ImageSize)
	setValue(&s.BatchSize, cfg.BatchSize)
	setValue(&s.Devices, cfg.Devices)
	setValue(&s.SaveEvery, cfg.SaveEvery)
	setString(&s.PartialBatch, cfg.PartialBatch)
	setString(&s.OnError, cfg.OnError)
	setString(&s.SkipLog, cfg.SkipLog)
	setValue(&s.MaxConsecutiveSkips, cfg.MaxConsecutiveSkips)
	setValue(&s.StallTimeout, cfg.StallTimeout)
	setValue(&s.Durable, cfg.Durable)
	setString(&s.StatusAddr, cfg.StatusAddr)
	setValue(&s.RemoteRPS, cfg.RemoteRPS)
	setValue(&s.RemoteTimeout, cfg.RemoteTimeout)
	setString(&s.S3Region, cfg.S3Region)
	setString(&s.S3Endpoint, cfg.S3Endpoint)
	setString(&s.LogLevel, cfg.LogLevel)
	setString(&s.LogFormat, cfg.LogFormat)
}

// ApplyEnv fills the output directory and model from the environment when
// neither the file nor a flag provided them.
func (s *Settings) ApplyEnv() {
	if s.OutputDir == "" {
		s.OutputDir = strings.TrimSpace(os.Getenv(EnvOutputDir))
	}
	if s.Model == "" {
		s.Model = strings.TrimSpace(os.Getenv(EnvModel))
	}
}

// RemoteModel reports whether Model points at a model server.
func (s Settings) RemoteModel() bool {
	return strings.HasPrefix(s.Model, "http://") || strings.HasPrefix(s.Model, "https://")
}

// UsesS3 reports whether the source needs an S3 client.
func (s Settings) UsesS3() bool {
	return strings.HasPrefix(s.Source, "s3://")
}

func (s Settings) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if s.Source == "" {
		bad("source is required")
	}
	if s.OutputDir == "" {
		bad("output_dir is required (or set %s)", EnvOutputDir)
	}
	if s.Model == "" {
		bad("model is required (or set %s)", EnvModel)
	}
	switch s.SourceKind {
	case dataset.KindShards, dataset.KindRows:
	default:
		bad("source_kind %q (want %s or %s)", s.SourceKind, dataset.KindShards, dataset.KindRows)
	}
	if s.ImageSize <= 0 {
		bad("image_size must be positive, got %d", s.ImageSize)
	}
	if s.BatchSize <= 0 {
		bad("batch_size must be positive, got %d", s.BatchSize)
	}
	if s.Devices <= 0 {
		bad("devices must be positive, got %d", s.Devices)
	}
	if s.SaveEvery <= 0 {
		bad("save_every must be positive, got %d", s.SaveEvery)
	}
	if _, err := batch.ParsePolicy(s.PartialBatch); err != nil {
		bad("%v", err)
	}
	switch s.OnError {
	case "fail", "warn":
	case "log":
		if s.SkipLog == "" {
			bad("on_error=log requires skip_log")
		}
	default:
		bad("on_error %q (want fail, warn or log)", s.OnError)
	}
	if s.MaxConsecutiveSkips < 0 {
		bad("max_consecutive_skips must not be negative")
	}
	if s.StallTimeout < 0 {
		bad("stall_timeout must not be negative")
	}
	if s.RemoteRPS < 0 {
		bad("remote_rps must not be negative")
	}
	switch s.LogFormat {
	case "", "pretty", "json", "text":
	default:
		bad("log_format %q (want pretty, json or text)", s.LogFormat)
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setValue[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
