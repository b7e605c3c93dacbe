package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mesmerverse/geolink-authz/vault"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geoauth.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.Driver != DriverSQLite || cfg.Vault.Cipher != vault.AlgChaCha20Poly1305 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
dev_mode: true
log:
  level: debug
relying_party:
  id: geolink.example
  origin: https://geolink.example
vault:
  cipher: AES-256-GCM
  password_kdf: password-argon2id
  password_iterations: 3
  allow_fallback: false
storage:
  driver: s3
  s3:
    bucket: wallets
nats:
  url: nats://127.0.0.1:4222
  subjects:
    submit: ledger.submit
submission:
  poll_initial_interval_ms: 100
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.DevMode || cfg.Log.Level != "debug" || cfg.RelyingParty.ID != "geolink.example" {
		t.Errorf("top-level overrides lost: %+v", cfg)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Storage.S3.Region != "us-east-1" || cfg.NATS.Subjects.Status != "geoauth.tx.status" {
		t.Errorf("defaults not preserved: %+v %+v", cfg.Storage.S3, cfg.NATS.Subjects)
	}
	if cfg.NATS.Subjects.Submit != "ledger.submit" {
		t.Errorf("subject override lost: %q", cfg.NATS.Subjects.Submit)
	}

	opts, err := cfg.VaultOptions()
	if err != nil {
		t.Fatalf("VaultOptions failed: %v", err)
	}
	if opts.Cipher.Algorithm() != vault.AlgAES256GCM {
		t.Errorf("cipher = %s", opts.Cipher.Algorithm())
	}
	if opts.Policy.Password.Method != vault.MethodPasswordArgon2id || opts.Policy.AllowFallback {
		t.Errorf("policy = %+v", opts.Policy)
	}
	if got := cfg.PollConfig().InitialInterval; got != 100*time.Millisecond {
		t.Errorf("poll initial interval = %v", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"weak pbkdf2", func(c *Config) { c.Vault.PasswordIterations = 100_000 }, "below minimum"},
		{"unknown cipher", func(c *Config) { c.Vault.Cipher = "ROT13" }, "vault.cipher"},
		{"unknown kdf", func(c *Config) { c.Vault.PasswordKDF = "md5" }, "password_kdf"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage driver"},
		{"s3 without bucket", func(c *Config) { c.Storage.Driver = DriverS3 }, "bucket"},
		{"future intent version", func(c *Config) { c.Intent.Version = 2 }, "intent.version"},
		{"zero ttl", func(c *Config) { c.Intent.TTLSeconds = 0 }, "ttl_seconds"},
		{"no origin", func(c *Config) { c.RelyingParty.Origin = "" }, "relying_party"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigParseError(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "vault: [unclosed")); err == nil {
		t.Error("malformed YAML accepted")
	}
	if _, err := LoadConfig(writeConfig(t, "storage:\n  driver: tape\n")); err == nil {
		t.Error("invalid config accepted")
	}
}
