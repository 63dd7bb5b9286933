package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
database:
  path: /tmp/confship-test.db
security:
  jwt:
    secret: "0123456789abcdef0123456789abcdef"
  secrets_key: "test-passphrase"
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "/tmp/confship-test.db" {
		t.Errorf("database path = %q, want /tmp/confship-test.db", cfg.Database.Path)
	}

	// Defaults survive a partial file.
	if cfg.API.Port != 8080 {
		t.Errorf("api port = %d, want default 8080", cfg.API.Port)
	}
	if cfg.Transport.RetryAttempts != 3 {
		t.Errorf("retry attempts = %d, want default 3", cfg.Transport.RetryAttempts)
	}
	if cfg.Snapshots.SweepInterval != time.Hour {
		t.Errorf("sweep interval = %v, want 1h", cfg.Snapshots.SweepInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsMissingJWTSecret(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.SecretsKey = "k"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "jwt.secret") {
		t.Errorf("error %q does not mention jwt.secret", err)
	}
}

func TestValidateRejectsShortJWTSecret(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.JWT.Secret = "short"
	cfg.Security.SecretsKey = "k"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for short secret")
	}
}

func TestValidateRejectsEnabledChannelWithoutEndpoint(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.JWT.Secret = strings.Repeat("x", 32)
	cfg.Security.SecretsKey = "k"
	cfg.Notify.Webhook.Enabled = true // no URL

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "notify.webhook.url") {
		t.Errorf("error %q does not mention notify.webhook.url", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFSHIP_DATABASE_PATH", "/override/db.sqlite")
	t.Setenv("CONFSHIP_API_PORT", "9090")
	t.Setenv("CONFSHIP_JWT_SECRET", strings.Repeat("s", 40))

	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "/override/db.sqlite" {
		t.Errorf("database path = %q, want env override", cfg.Database.Path)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("api port = %d, want 9090", cfg.API.Port)
	}
	if cfg.Security.JWT.Secret != strings.Repeat("s", 40) {
		t.Error("jwt secret env override not applied")
	}
}

func TestTimeoutGetters(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("read timeout = %v, want 30s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("idle timeout = %v, want 60s", got)
	}
}
