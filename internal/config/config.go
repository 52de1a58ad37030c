// Package config provides YAML configuration loading and validation for
// the LogWarden server.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/logwarden/logwarden/internal/event"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	// ListenAddr is the HTTP listen address. Defaults to ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// DatabaseURL is the PostgreSQL connection string. Required.
	DatabaseURL string `yaml:"database_url"`

	// RedisAddr enables the shared hot cache when set (host:port). Empty
	// falls back to the in-memory cache.
	RedisAddr string `yaml:"redis_addr"`

	// APIKey is the shared secret for the ingest endpoint. Required.
	APIKey string `yaml:"api_key"`

	// JWTSecret enables bearer auth on the dashboard API when set. Empty
	// disables authentication (lab deployments only).
	JWTSecret string `yaml:"jwt_secret"`

	Ingest    IngestConfig    `yaml:"ingest"`
	TailFiles []TailFile      `yaml:"tail_files"`
	Retention RetentionConfig `yaml:"retention"`
	Alerts    AlertConfig     `yaml:"alerts"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	AutoBlock AutoBlockConfig `yaml:"autoblock"`
	ML        MLConfig        `yaml:"ml"`
}

// IngestConfig tunes the ingest rate limiter.
type IngestConfig struct {
	// RateLimit requests per RateWindowSeconds per client address.
	// Defaults to 100 per 60s.
	RateLimit         int `yaml:"rate_limit"`
	RateWindowSeconds int `yaml:"rate_window_seconds"`
}

// TailFile is one locally tailed log file.
type TailFile struct {
	// Path is the file to follow. Required.
	Path string `yaml:"path"`

	// Source labels the lines for the parser and the live feed
	// (e.g. "auth", "ufw"). Required.
	Source string `yaml:"source"`
}

// RetentionConfig bounds the event store. MaxSizeMB 0 disables the
// worker.
type RetentionConfig struct {
	MaxSizeMB       int64 `yaml:"max_size_mb"`
	DeleteSizeMB    int64 `yaml:"delete_size_mb"`
	IntervalMinutes int   `yaml:"interval_minutes"`
}

// AlertConfig drives the alert monitor and notification gates.
type AlertConfig struct {
	LookbackHours        int      `yaml:"lookback_hours"`
	BucketMinutes        int      `yaml:"bucket_minutes"`
	CheckIntervalSeconds int      `yaml:"check_interval_seconds"`
	RateLimitMinutes     int      `yaml:"rate_limit_minutes"`
	SeverityThreshold    string   `yaml:"severity_threshold"`
	RiskThreshold        float64  `yaml:"risk_threshold"`
	Recipients           []string `yaml:"recipients"`
}

// SMTPConfig configures the outbound mailer. Addr empty disables email.
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AutoBlockConfig is the block policy. Enabled false keeps the actor
// out of the wiring entirely.
type AutoBlockConfig struct {
	Enabled bool `yaml:"enabled"`

	BlockCritical bool `yaml:"block_critical"`
	BlockHigh     bool `yaml:"block_high"`
	BlockMedium   bool `yaml:"block_medium"`
	BlockLow      bool `yaml:"block_low"`

	BruteForceAttempts int `yaml:"brute_force_attempts"`
	FloodRequests      int `yaml:"flood_requests"`
	PortScanPorts      int `yaml:"port_scan_ports"`

	RiskThreshold       float64  `yaml:"risk_threshold"`
	AnomalyThreshold    float64  `yaml:"anomaly_threshold"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	ThreatLabels        []string `yaml:"threat_labels"`

	RequireMLConfirmation bool `yaml:"require_ml_confirmation"`
	CooldownHours         int  `yaml:"cooldown_hours"`

	// FirewallCmd is the argv prefix for the privileged firewall command.
	// Defaults to ["sudo", "-n", "ufw"].
	FirewallCmd []string `yaml:"firewall_cmd"`
}

// MLConfig locates the model artifacts and the feature cache.
type MLConfig struct {
	// ModelDir holds the artifact set and version snapshots. Empty
	// disables ML scoring.
	ModelDir string `yaml:"model_dir"`

	// CachePath is the SQLite feature/prediction cache. Empty keeps the
	// scorer cacheless.
	CachePath string `yaml:"cache_path"`

	RetrainIntervalHours int `yaml:"retrain_interval_hours"`
	TrainLookbackDays    int `yaml:"train_lookback_days"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields. It returns a
// typed error describing the first validation failure encountered.
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

// applyDefaults fills in zero-value optional fields with sensible
// defaults.
func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Ingest.RateLimit <= 0 {
		cfg.Ingest.RateLimit = 100
	}
	if cfg.Ingest.RateWindowSeconds <= 0 {
		cfg.Ingest.RateWindowSeconds = 60
	}
	if cfg.Retention.DeleteSizeMB <= 0 {
		cfg.Retention.DeleteSizeMB = 64
	}
	if cfg.Retention.IntervalMinutes <= 0 {
		cfg.Retention.IntervalMinutes = 5
	}
	if cfg.Alerts.LookbackHours <= 0 {
		cfg.Alerts.LookbackHours = 24
	}
	if cfg.Alerts.BucketMinutes <= 0 {
		cfg.Alerts.BucketMinutes = 5
	}
	if cfg.Alerts.CheckIntervalSeconds <= 0 {
		cfg.Alerts.CheckIntervalSeconds = 120
	}
	if cfg.Alerts.RateLimitMinutes <= 0 {
		cfg.Alerts.RateLimitMinutes = 15
	}
	if cfg.Alerts.SeverityThreshold == "" {
		cfg.Alerts.SeverityThreshold = string(event.SeverityMedium)
	}
	if cfg.Alerts.RiskThreshold <= 0 {
		cfg.Alerts.RiskThreshold = 70
	}
	if cfg.AutoBlock.CooldownHours <= 0 {
		cfg.AutoBlock.CooldownHours = 24
	}
	if len(cfg.AutoBlock.FirewallCmd) == 0 {
		cfg.AutoBlock.FirewallCmd = []string{"sudo", "-n", "ufw"}
	}
	if cfg.ML.RetrainIntervalHours <= 0 {
		cfg.ML.RetrainIntervalHours = 168
	}
	if cfg.ML.TrainLookbackDays <= 0 {
		cfg.ML.TrainLookbackDays = 7
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if cfg.APIKey == "" {
		errs = append(errs, errors.New("api_key is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !event.Severity(cfg.Alerts.SeverityThreshold).Valid() {
		errs = append(errs, fmt.Errorf("alerts.severity_threshold %q must be one of: CRITICAL, HIGH, MEDIUM, LOW", cfg.Alerts.SeverityThreshold))
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
