package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	content := `
server:
  listen_addr: ":9080"
  read_timeout: 10s

storage:
  database_path: "/tmp/outreach-test.db"
  trigger_path: "/tmp/triggers-test.db"

dispatcher:
  poll_interval: 5s
  batch_size: 10
  concurrency: 2

provider:
  smtp_addr: "smtp.test.com:587"
  hostname: "outreach.test.com"
  send_timeout: 20s

oauth:
  client_id: "test-client"
  client_secret: "test-secret"
  token_url: "https://oauth.test.com/token"

scheduling:
  max_days: 14

schedule:
  daily_limit: 25
  min_gap_minutes: 3
  max_gap_minutes: 9
  timezone: "America/New_York"
  allowed_days: [1, 2, 3, 4, 5]
  allowed_start_time: "08:00"
  allowed_end_time: "18:00"
  daily_schedules:
    5:
      enabled: true
      start_time: "08:00"
      end_time: "12:00"

logging:
  level: "debug"
  format: "text"
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != ":9080" {
		t.Errorf("expected listen_addr :9080, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Dispatcher.PollInterval != 5*time.Second {
		t.Errorf("expected poll_interval 5s, got %v", cfg.Dispatcher.PollInterval)
	}
	if cfg.Provider.SMTPAddr != "smtp.test.com:587" {
		t.Errorf("expected smtp_addr smtp.test.com:587, got %s", cfg.Provider.SMTPAddr)
	}
	if cfg.Scheduling.MaxDays != 14 {
		t.Errorf("expected max_days 14, got %d", cfg.Scheduling.MaxDays)
	}
	if cfg.Schedule.DailyLimit != 25 {
		t.Errorf("expected daily_limit 25, got %d", cfg.Schedule.DailyLimit)
	}
	if cfg.Schedule.Timezone != "America/New_York" {
		t.Errorf("expected timezone America/New_York, got %s", cfg.Schedule.Timezone)
	}
	ds, ok := cfg.Schedule.DailySchedules[5]
	if !ok || ds.EndTime != "12:00" {
		t.Errorf("expected Friday override ending 12:00, got %+v", cfg.Schedule.DailySchedules)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}

	// Defaults fill in what the file omits.
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected default write_timeout 30s, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.OAuth.RefreshTimeout != 30*time.Second {
		t.Errorf("expected default refresh_timeout 30s, got %v", cfg.OAuth.RefreshTimeout)
	}
	if cfg.Provider.SendTimeout != 20*time.Second {
		t.Errorf("expected send_timeout 20s, got %v", cfg.Provider.SendTimeout)
	}
}

func TestLoadMinimal(t *testing.T) {
	content := `
provider:
  smtp_addr: "smtp.test.com:587"
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected default listen_addr :8080, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Schedule.DailyLimit != 50 {
		t.Errorf("expected default daily_limit 50, got %d", cfg.Schedule.DailyLimit)
	}
	if len(cfg.Schedule.AllowedDays) != 5 {
		t.Errorf("expected default weekday-only allowed days, got %v", cfg.Schedule.AllowedDays)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected default logging config: %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "missing smtp addr",
			mutate: func(c *Config) { c.Provider.SMTPAddr = "" },
		},
		{
			name:   "gap inversion",
			mutate: func(c *Config) { c.Schedule.MinGapMinutes = 10; c.Schedule.MaxGapMinutes = 2 },
		},
		{
			name:   "bad timezone",
			mutate: func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" },
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
		},
		{
			name:   "sub-second poll interval",
			mutate: func(c *Config) { c.Dispatcher.PollInterval = 100 * time.Millisecond },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Provider: ProviderConfig{SMTPAddr: "smtp.test.com:587"}}
			cfg.setDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
