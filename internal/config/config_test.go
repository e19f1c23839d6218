package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "tickbot/pkg/logx"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validJSON = `{
  "data_dir": "./data",
  "logging": {"level": "debug", "console": true},
  "agent": {"url": "http://127.0.0.1:8700/turn", "token": "t"},
  "telegram": {"token": "123:abc", "rate_per_sec": 2},
  "audit": {"driver": "file", "path": "./data/audit.jsonl"},
  "metrics": {"enabled": true, "addr": "127.0.0.1:9100"}
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", validJSON), logx.Nop())

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "./data" || cfg.Logging.Level != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Telegram == nil || cfg.Telegram.RatePerSec != 2 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	yml := `
data_dir: ./data
logging:
  level: info
  console: true
agent:
  url: http://127.0.0.1:8700/turn
`
	m := NewManager(writeFile(t, "config.yaml", yml), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.URL != "http://127.0.0.1:8700/turn" {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if cfg.Telegram != nil {
		t.Fatal("absent telegram section must stay nil")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"data_dir":"./d","agent":{"url":"x"},"surprise":1}`), logx.Nop())
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "surprise") {
		t.Fatalf("err = %v, want unknown field rejection", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "missing data_dir", mutate: func(c *Config) { c.DataDir = "" }, wantErr: "data_dir"},
		{name: "missing agent url", mutate: func(c *Config) { c.Agent.URL = "" }, wantErr: "agent.url"},
		{name: "telegram without token", mutate: func(c *Config) { c.Telegram = &TelegramConfig{} }, wantErr: "telegram.token"},
		{name: "bad audit driver", mutate: func(c *Config) { c.Audit = &AuditConfig{Driver: "redis"} }, wantErr: "audit.driver"},
		{name: "bad busy timeout", mutate: func(c *Config) { c.Audit = &AuditConfig{Driver: "sqlite", BusyTimeout: "soon"} }, wantErr: "busy_timeout"},
		{name: "bad idle delay", mutate: func(c *Config) { c.Scheduler = &SchedulerConfig{MaxIdleDelay: "fast"} }, wantErr: "max_idle_delay"},
		{name: "bad turn timeout", mutate: func(c *Config) { c.Scheduler = &SchedulerConfig{DefaultTurnTimeout: "-1m"} }, wantErr: "default_turn_timeout"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DataDir: "./d", Agent: AgentConfig{URL: "http://x"}}
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSchedulerTunableAccessors(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if cfg.SchedulerMaxIdleDelay() != 0 || cfg.SchedulerTurnTimeout() != 0 {
		t.Fatal("nil section must yield zero tunables")
	}
	cfg.Scheduler = &SchedulerConfig{MaxIdleDelay: "15s", DefaultTurnTimeout: "5m"}
	if got := cfg.SchedulerMaxIdleDelay(); got != 15*time.Second {
		t.Fatalf("idle delay = %v", got)
	}
	if got := cfg.SchedulerTurnTimeout(); got != 5*time.Minute {
		t.Fatalf("turn timeout = %v", got)
	}
}

func TestValidateDefaultsMetricsAddr(t *testing.T) {
	t.Parallel()
	cfg := &Config{DataDir: "./d", Agent: AgentConfig{URL: "http://x"}, Metrics: &MetricsConfig{Enabled: true}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9090" {
		t.Fatalf("addr = %q", cfg.Metrics.Addr)
	}
}

func TestReloadRejectsInvalidKeepsPrevious(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", validJSON)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Break the file, then reload: the committed config must survive.
	if err := os.WriteFile(path, []byte(`{"data_dir":""}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload()
	if m.Get().DataDir != "./data" {
		t.Fatal("invalid reload replaced the committed config")
	}
}

func TestReloadPublishesToSubscribers(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", validJSON)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	updated := strings.Replace(validJSON, `"level": "debug"`, `"level": "warn"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload()

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", validJSON)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	m.reload()
	select {
	case <-ch:
		t.Fatal("unchanged content must not republish")
	default:
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "  "); err != nil || d != 0 {
		t.Fatalf("blank: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("1m30s: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
}
