package stepflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_worker_count: 8
stop_when_no_work: true
idle_delay: 250ms
worker_name: billing
state_format: yaml
database:
  driver: postgres
  dsn: postgres://localhost/stepflow
redis:
  addr: localhost:6379
recurring:
  - name: nightly-report
    cron: "0 2 * * *"
    state:
      kind: nightly
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	want := DefaultConfig()
	want.MaxWorkerCount = 8
	want.StopWhenNoWork = true
	want.IdleDelay = 250 * time.Millisecond
	want.WorkerName = "billing"
	want.StateFormat = "yaml"
	want.Database = DatabaseConfig{Driver: "postgres", DSN: "postgres://localhost/stepflow", TablePrefix: "steps_"}
	want.Redis = RedisConfig{Addr: "localhost:6379"}
	want.Recurring = []RecurringStep{{Name: "nightly-report", Cron: "0 2 * * *", State: map[string]any{"kind": "nightly"}}}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"min above max", func(c *Config) { c.MinWorkerCount = 5; c.MaxWorkerCount = 2 }, "exceeds max_worker_count"},
		{"negative min", func(c *Config) { c.MinWorkerCount = -1 }, "must not be negative"},
		{"negative delay", func(c *Config) { c.IdleDelay = -time.Second }, "idle_delay"},
		{"unknown format", func(c *Config) { c.StateFormat = "xml" }, "xml"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "oracle"},
		{"bad cron", func(c *Config) { c.Recurring = []RecurringStep{{Name: "x", Cron: "every day"}} }, "recurring[0]"},
		{"unnamed recurring", func(c *Config) { c.Recurring = []RecurringStep{{Cron: "@daily"}} }, "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{MinWorkerCount: 6}.withDefaults()
	require.Equal(t, 6, cfg.MaxWorkerCount)
	require.Equal(t, time.Second, cfg.IdleDelay)
	require.Equal(t, 2*time.Hour, cfg.MaxRetryDelay)
	require.Equal(t, "json", cfg.StateFormat)
	require.Equal(t, "steps_", cfg.Database.TablePrefix)
	require.NotEmpty(t, cfg.WorkerName)
	require.NoError(t, cfg.Validate())
}
