package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/logwarden/logwarden/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
listen_addr: ":9090"
log_level: debug
database_url: "postgres://logwarden:pw@localhost:5432/logwarden"
redis_addr: "localhost:6379"
api_key: "ingest-secret"
jwt_secret: "dashboard-secret"
tail_files:
  - path: /var/log/auth.log
    source: auth
  - path: /var/log/ufw.log
    source: ufw
retention:
  max_size_mb: 2048
alerts:
  severity_threshold: HIGH
  risk_threshold: 80
  recipients: ["secops@example.com"]
autoblock:
  enabled: true
  block_critical: true
  brute_force_attempts: 20
ml:
  model_dir: /var/lib/logwarden/models
  cache_path: /var/lib/logwarden/features.db
`

func TestLoadConfig_Valid(t *testing.T) {
	cfg, err := config.LoadConfig(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DatabaseURL != "postgres://logwarden:pw@localhost:5432/logwarden" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if len(cfg.TailFiles) != 2 || cfg.TailFiles[0].Source != "auth" {
		t.Errorf("TailFiles = %+v", cfg.TailFiles)
	}
	if cfg.Retention.MaxSizeMB != 2048 {
		t.Errorf("Retention.MaxSizeMB = %d", cfg.Retention.MaxSizeMB)
	}
	if cfg.Alerts.SeverityThreshold != "HIGH" || cfg.Alerts.RiskThreshold != 80 {
		t.Errorf("Alerts = %+v", cfg.Alerts)
	}
	if !cfg.AutoBlock.Enabled || cfg.AutoBlock.BruteForceAttempts != 20 {
		t.Errorf("AutoBlock = %+v", cfg.AutoBlock)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	minimal := `
database_url: "postgres://localhost/logwarden"
api_key: "secret"
`
	cfg, err := config.LoadConfig(writeTemp(t, minimal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr default = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q", cfg.LogLevel)
	}
	if cfg.Ingest.RateLimit != 100 || cfg.Ingest.RateWindowSeconds != 60 {
		t.Errorf("Ingest defaults = %+v", cfg.Ingest)
	}
	if cfg.Alerts.LookbackHours != 24 || cfg.Alerts.BucketMinutes != 5 ||
		cfg.Alerts.CheckIntervalSeconds != 120 || cfg.Alerts.RateLimitMinutes != 15 {
		t.Errorf("Alerts defaults = %+v", cfg.Alerts)
	}
	if cfg.Alerts.SeverityThreshold != "MEDIUM" || cfg.Alerts.RiskThreshold != 70 {
		t.Errorf("Alerts gate defaults = %+v", cfg.Alerts)
	}
	if cfg.AutoBlock.CooldownHours != 24 {
		t.Errorf("CooldownHours default = %d", cfg.AutoBlock.CooldownHours)
	}
	if got := cfg.AutoBlock.FirewallCmd; len(got) != 3 || got[0] != "sudo" || got[2] != "ufw" {
		t.Errorf("FirewallCmd default = %v", got)
	}
	if cfg.ML.RetrainIntervalHours != 168 || cfg.ML.TrainLookbackDays != 7 {
		t.Errorf("ML defaults = %+v", cfg.ML)
	}
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	_, err := config.LoadConfig(writeTemp(t, `log_level: info`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"database_url is required", "api_key is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadConfig_InvalidEnums(t *testing.T) {
	bad := `
database_url: "postgres://localhost/logwarden"
api_key: "secret"
log_level: loud
alerts:
  severity_threshold: EXTREME
`
	_, err := config.LoadConfig(writeTemp(t, bad))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "log_level") || !strings.Contains(err.Error(), "severity_threshold") {
		t.Errorf("error: %v", err)
	}
}

func TestLoadConfig_TailFileValidation(t *testing.T) {
	bad := `
database_url: "postgres://localhost/logwarden"
api_key: "secret"
tail_files:
  - path: /var/log/auth.log
`
	_, err := config.LoadConfig(writeTemp(t, bad))
	if err == nil || !strings.Contains(err.Error(), "tail_files[0]: source is required") {
		t.Errorf("error: %v", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := config.LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected read error")
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	if _, err := config.LoadConfig(writeTemp(t, "database_url: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}
