package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwrelay/kwrelay/internal/dispatch"
	"github.com/kwrelay/kwrelay/internal/listener"
)

const validYAML = `
version: "1"
storage:
  path: /var/lib/kwrelay/kwrelay.db
vocabulary: [tutoring, calculus]
listener:
  groups:
    -100200: uni-a
  resend_cooldown: 120h
senders:
  - id: alpha
    token: ${KWRELAY_TOKEN_ALPHA:-test-token}
ledger:
  base_interval: 45s
dispatch:
  templates:
    default: "hi {username}"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Storage.Path != "/var/lib/kwrelay/kwrelay.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Listener.Groups[-100200] != "uni-a" {
		t.Errorf("groups = %v", cfg.Listener.Groups)
	}
	if cfg.Listener.ResendCooldown != 120*time.Hour {
		t.Errorf("resend cooldown = %v", cfg.Listener.ResendCooldown)
	}
	if cfg.Ledger.BaseInterval != 45*time.Second {
		t.Errorf("base interval = %v", cfg.Ledger.BaseInterval)
	}

	// Default applied since the variable is unset.
	if cfg.Senders[0].Token != "test-token" {
		t.Errorf("token = %q, want expansion default", cfg.Senders[0].Token)
	}

	if err := Validate(cfg); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("KWRELAY_TOKEN_ALPHA", "real-token")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Senders[0].Token != "real-token" {
		t.Errorf("token = %q, want env value", cfg.Senders[0].Token)
	}
}

func TestLoadUnresolvedVariable(t *testing.T) {
	body := strings.Replace(validYAML,
		"${KWRELAY_TOKEN_ALPHA:-test-token}", "${KWRELAY_MISSING_VAR}", 1)

	_, err := Load(writeConfig(t, body))
	if err == nil {
		t.Fatal("expected error for unresolved variable")
	}
	if !strings.Contains(err.Error(), "KWRELAY_MISSING_VAR") {
		t.Errorf("error %q does not name the variable", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Version:    "1",
			Storage:    StorageConfig{Path: "x.db"},
			Vocabulary: []string{"tutoring"},
			Listener:   listener.Config{Groups: map[int64]string{-1: "tag"}},
			Senders:    []SenderConfig{{ID: "a", Token: "t"}},
			Dispatch:   dispatch.Config{Templates: dispatch.Templates{Default: "hi"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "version field is required"},
		{"unsupported version", func(c *Config) { c.Version = "2" }, "unsupported version"},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path is required"},
		{"empty vocabulary", func(c *Config) { c.Vocabulary = nil }, "vocabulary"},
		{"no groups", func(c *Config) { c.Listener.Groups = nil }, "listener.groups"},
		{"no senders", func(c *Config) { c.Senders = nil }, "at least one sender"},
		{"duplicate sender", func(c *Config) {
			c.Senders = append(c.Senders, SenderConfig{ID: "a", Token: "t2"})
		}, "duplicate sender"},
		{"sender without token", func(c *Config) { c.Senders[0].Token = "" }, "token is required"},
		{"missing template", func(c *Config) { c.Dispatch.Templates.Default = "" }, "templates.default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	t.Run("valid config passes", func(t *testing.T) {
		t.Parallel()
		if err := Validate(base()); err != nil {
			t.Errorf("validate: %v", err)
		}
	})
}
