package scantrans

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDailyFreeLimit   = 10
	defaultImageConcurrency = 2
	defaultPageConcurrency  = 2
	defaultPollInterval     = 1200 * time.Millisecond
	defaultPollTimeout      = 180 * time.Second
)

// Config is the top-level engine configuration.
type Config struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`

	DailyFreeLimit int64 `yaml:"daily_free_limit"`

	ImageConcurrency int `yaml:"image_concurrency"`
	PageConcurrency  int `yaml:"page_concurrency"`

	PollInterval Duration `yaml:"poll_interval"`
	PollTimeout  Duration `yaml:"poll_timeout"`

	// OutputDir receives per-unit result artifacts and composite documents.
	// Empty means a fresh temp directory per batch.
	OutputDir string `yaml:"output_dir"`

	Translator TranslatorDefaults `yaml:"translator"`
}

// TranslatorDefaults fill in TranslateOptions fields the caller leaves empty.
type TranslatorDefaults struct {
	Model       string `yaml:"model"`
	TargetLang  string `yaml:"target_lang"`
	Device      string `yaml:"device"`
	ComputeType string `yaml:"compute_type"`
}

// DefaultConfig returns the engine defaults: two-wide image and page
// dispatch, 1.2s poll interval, 180s poll timeout, 10 free units per day.
func DefaultConfig() Config {
	return Config{
		DailyFreeLimit:   defaultDailyFreeLimit,
		ImageConcurrency: defaultImageConcurrency,
		PageConcurrency:  defaultPageConcurrency,
		PollInterval:     Duration(defaultPollInterval),
		PollTimeout:      Duration(defaultPollTimeout),
		Translator: TranslatorDefaults{
			Model:       "offline",
			TargetLang:  "ENG",
			Device:      "cuda",
			ComputeType: "float16",
		},
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("scantrans: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("scantrans: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.DailyFreeLimit < 0 {
		return fmt.Errorf("scantrans: config: daily_free_limit must not be negative")
	}
	if c.ImageConcurrency < 1 {
		return fmt.Errorf("scantrans: config: image_concurrency must be at least 1")
	}
	if c.PageConcurrency < 1 {
		return fmt.Errorf("scantrans: config: page_concurrency must be at least 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("scantrans: config: poll_interval must be positive")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("scantrans: config: poll_timeout must be positive")
	}
	if time.Duration(c.PollTimeout) < time.Duration(c.PollInterval) {
		return fmt.Errorf("scantrans: config: poll_timeout must not be shorter than poll_interval")
	}
	return nil
}

// Duration wraps time.Duration so YAML values like "1.2s" parse directly.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("scantrans: config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
