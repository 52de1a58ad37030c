package forwarder

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the forwarder agent configuration.
type Config struct {
	// ServerURL is the base URL of the ingest server, e.g.
	// "https://logwarden.example.com". Required.
	ServerURL string `yaml:"server_url"`

	// APIKey is the shared ingest secret sent as X-API-Key. Required.
	APIKey string `yaml:"api_key"`

	// QueuePath is the SQLite spool file. Required; lines buffered here
	// survive restarts.
	QueuePath string `yaml:"queue_path"`

	// LogLevel sets the minimum log severity. Defaults to "info".
	LogLevel string `yaml:"log_level"`

	// BatchSize caps lines per POST. Defaults to 200; the server rejects
	// batches above 1000.
	BatchSize int `yaml:"batch_size"`

	// FlushSeconds is the shipper wake-up interval. Defaults to 2.
	FlushSeconds int `yaml:"flush_seconds"`

	TailFiles []TailFile `yaml:"tail_files"`
}

// TailFile is one followed log file, labelled with the source hint the
// server's parser dispatch expects.
type TailFile struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, applies defaults, and
// validates required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushSeconds <= 0 {
		cfg.FlushSeconds = 2
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if cfg.APIKey == "" {
		errs = append(errs, errors.New("api_key is required"))
	}
	if cfg.QueuePath == "" {
		errs = append(errs, errors.New("queue_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if len(cfg.TailFiles) == 0 {
		errs = append(errs, errors.New("at least one tail_files entry is required"))
	}
	for i, tf := range cfg.TailFiles {
		prefix := fmt.Sprintf("tail_files[%d]", i)
		if tf.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
		if tf.Source == "" {
			errs = append(errs, fmt.Errorf("%s: source is required", prefix))
		}
	}

	return errors.Join(errs...)
}
