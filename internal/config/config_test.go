package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "missionctl.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Engine.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.StepTimeout.Std() != 5*time.Minute {
		t.Errorf("step timeout = %v, want 5m", cfg.Engine.StepTimeout.Std())
	}
	if cfg.Engine.BackoffBase.Std() != 2*time.Second {
		t.Errorf("backoff base = %v, want 2s", cfg.Engine.BackoffBase.Std())
	}
	if cfg.Engine.PoolSize != 10 {
		t.Errorf("pool size = %d, want 10", cfg.Engine.PoolSize)
	}
	if cfg.Approvals.Expiry.Std() != 24*time.Hour {
		t.Errorf("approval expiry = %v, want 24h", cfg.Approvals.Expiry.Std())
	}
	if cfg.Approvals.SweepInterval.Std() != time.Minute {
		t.Errorf("sweep interval = %v, want 1m", cfg.Approvals.SweepInterval.Std())
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_MC_PORT", "9090")
	t.Setenv("TEST_MC_DSN", "postgres://localhost:5432/missionctl")
	os.Unsetenv("TEST_MC_REDIS")

	path := writeConfig(t, `{
		"server": {"port": ${TEST_MC_PORT:8080}},
		"database": {
			"postgres": {"dsn": "${TEST_MC_DSN:}"},
			"redis": {"url": "${TEST_MC_REDIS:redis://localhost:6379}"}
		}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want env override 9090", cfg.Server.Port)
	}
	if cfg.Database.Postgres.DSN != "postgres://localhost:5432/missionctl" {
		t.Errorf("dsn = %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Database.Redis.URL != "redis://localhost:6379" {
		t.Errorf("redis url = %q, want the inline default", cfg.Database.Redis.URL)
	}
}

func TestLoadDurations(t *testing.T) {
	path := writeConfig(t, `{
		"engine": {"step_timeout": "90s", "backoff_base": "500ms"},
		"approvals": {"expiry": "1h30m"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.StepTimeout.Std() != 90*time.Second {
		t.Errorf("step timeout = %v, want 90s", cfg.Engine.StepTimeout.Std())
	}
	if cfg.Engine.BackoffBase.Std() != 500*time.Millisecond {
		t.Errorf("backoff base = %v, want 500ms", cfg.Engine.BackoffBase.Std())
	}
	if cfg.Approvals.Expiry.Std() != 90*time.Minute {
		t.Errorf("expiry = %v, want 1h30m", cfg.Approvals.Expiry.Std())
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `{"engine": {"step_timeout": "five minutes"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("load with malformed duration succeeded")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("load of missing file succeeded")
	}
}
