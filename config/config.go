// Package config loads the geoauth YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mesmerverse/geolink-authz/intent"
	"github.com/mesmerverse/geolink-authz/storage"
	"github.com/mesmerverse/geolink-authz/submit"
	"github.com/mesmerverse/geolink-authz/vault"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverS3     = "s3"
)

// Config holds the geoauth configuration
type Config struct {
	// DevMode switches to console logging and the local dispatcher
	DevMode bool `yaml:"dev_mode"`

	Log          LogConfig          `yaml:"log"`
	RelyingParty RelyingPartyConfig `yaml:"relying_party"`
	Vault        VaultConfig        `yaml:"vault"`
	Intent       IntentConfig       `yaml:"intent"`
	Storage      StorageConfig      `yaml:"storage"`
	NATS         NATSConfig         `yaml:"nats"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Submission   SubmissionConfig   `yaml:"submission"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
}

// RelyingPartyConfig identifies the WebAuthn relying party
type RelyingPartyConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Origin string `yaml:"origin"`
}

// VaultConfig selects the cipher and KDF parameters for new records
type VaultConfig struct {
	Cipher             string `yaml:"cipher"`
	PasswordKDF        string `yaml:"password_kdf"`
	PasswordIterations uint32 `yaml:"password_iterations"`
	Argon2Memory       uint32 `yaml:"argon2_memory_kib"`
	Argon2Threads      uint8  `yaml:"argon2_threads"`
	PRFInfo            string `yaml:"prf_info"`
	AllowFallback      bool   `yaml:"allow_fallback"`
}

// IntentConfig holds defaults for newly built intents
type IntentConfig struct {
	Version          int    `yaml:"version"`
	Network          string `yaml:"network"`
	RPCEndpoint      string `yaml:"rpc_endpoint"`
	TTLSeconds       int    `yaml:"ttl_seconds"`
	ClockSkewSeconds int    `yaml:"clock_skew_seconds"`
}

// StorageConfig selects the secret store
type StorageConfig struct {
	Driver     string           `yaml:"driver"`
	SQLitePath string           `yaml:"sqlite_path"`
	S3         storage.S3Config `yaml:"s3"`
}

// NATSConfig holds NATS connection settings. An empty URL disables the
// remote submitter.
type NATSConfig struct {
	URL             string          `yaml:"url"`
	CredentialsFile string          `yaml:"credentials_file"`
	Subjects        submit.Subjects `yaml:"subjects"`
	TimeoutMS       int             `yaml:"timeout_ms"`
	ReconnectWait   int             `yaml:"reconnect_wait_ms"`
	MaxReconnects   int             `yaml:"max_reconnects"`
}

// DispatcherConfig names the dispatcher contract
type DispatcherConfig struct {
	ContractID string `yaml:"contract_id"`
}

// SubmissionConfig holds confirmation polling settings
type SubmissionConfig struct {
	PollInitialMS    int `yaml:"poll_initial_interval_ms"`
	PollMaxMS        int `yaml:"poll_max_interval_ms"`
	MaxElapsedSecond int `yaml:"max_elapsed_seconds"`
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	policy := vault.DefaultPolicy()
	return &Config{
		DevMode: false,
		Log:     LogConfig{Level: "info"},
		RelyingParty: RelyingPartyConfig{
			ID:     "localhost",
			Name:   "GeoLink",
			Origin: "https://localhost",
		},
		Vault: VaultConfig{
			Cipher:             vault.AlgChaCha20Poly1305,
			PasswordKDF:        string(policy.Password.Method),
			PasswordIterations: policy.Password.Iterations,
			Argon2Memory:       vault.Argon2idMemory,
			Argon2Threads:      vault.Argon2idThreads,
			PRFInfo:            "geolink-authz kek v2",
			AllowFallback:      true,
		},
		Intent: IntentConfig{
			Version:          intent.CurrentVersion,
			Network:          "testnet",
			RPCEndpoint:      "https://soroban-testnet.stellar.org",
			TTLSeconds:       int(intent.DefaultTTL / time.Second),
			ClockSkewSeconds: int(intent.DefaultSkew / time.Second),
		},
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: "geoauth.db",
			S3: storage.S3Config{
				Region:    "us-east-1",
				KeyPrefix: "geoauth/",
			},
		},
		NATS: NATSConfig{
			Subjects:      submit.DefaultSubjects(),
			TimeoutMS:     10000,
			ReconnectWait: 2000,
			MaxReconnects: -1, // Unlimited
		},
		Submission: SubmissionConfig{
			PollInitialMS:    500,
			PollMaxMS:        5000,
			MaxElapsedSecond: 60,
		},
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if _, err := vault.CipherByName(c.Vault.Cipher); err != nil {
		return fmt.Errorf("vault.cipher: %w", err)
	}
	if _, err := c.VaultPolicy(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Intent.Version != intent.CurrentVersion {
		return fmt.Errorf("intent.version %d is not supported", c.Intent.Version)
	}
	if c.Intent.TTLSeconds <= 0 {
		return fmt.Errorf("intent.ttl_seconds must be positive")
	}
	if c.RelyingParty.ID == "" || c.RelyingParty.Origin == "" {
		return fmt.Errorf("relying_party.id and relying_party.origin are required")
	}
	return nil
}

// VaultPolicy builds the vault policy for new records.
func (c *Config) VaultPolicy() (vault.Policy, error) {
	policy := vault.DefaultPolicy()
	policy.AllowFallback = c.Vault.AllowFallback
	switch vault.DerivationMethod(c.Vault.PasswordKDF) {
	case vault.MethodPasswordPBKDF2:
		policy.Password = vault.KDFParams{
			Method:     vault.MethodPasswordPBKDF2,
			Iterations: c.Vault.PasswordIterations,
		}
	case vault.MethodPasswordArgon2id:
		policy.Password = vault.KDFParams{
			Method:     vault.MethodPasswordArgon2id,
			Iterations: c.Vault.PasswordIterations,
			Memory:     c.Vault.Argon2Memory,
			Threads:    c.Vault.Argon2Threads,
		}
	default:
		return vault.Policy{}, fmt.Errorf("unknown password_kdf %q", c.Vault.PasswordKDF)
	}
	if err := policy.Validate(); err != nil {
		return vault.Policy{}, err
	}
	return policy, nil
}

// VaultOptions returns the vault constructor settings.
func (c *Config) VaultOptions() (vault.Config, error) {
	cipher, err := vault.CipherByName(c.Vault.Cipher)
	if err != nil {
		return vault.Config{}, err
	}
	policy, err := c.VaultPolicy()
	if err != nil {
		return vault.Config{}, err
	}
	return vault.Config{
		Cipher: cipher,
		KDF:    vault.StandardDerivation{Info: []byte(c.Vault.PRFInfo)},
		Policy: &policy,
	}, nil
}

// PollConfig returns the confirmation polling policy.
func (c *Config) PollConfig() submit.PollConfig {
	return submit.PollConfig{
		InitialInterval: time.Duration(c.Submission.PollInitialMS) * time.Millisecond,
		MaxInterval:     time.Duration(c.Submission.PollMaxMS) * time.Millisecond,
		MaxElapsedTime:  time.Duration(c.Submission.MaxElapsedSecond) * time.Second,
	}
}

// IntentTTL is the lifetime given to newly built intents.
func (c *Config) IntentTTL() time.Duration {
	return time.Duration(c.Intent.TTLSeconds) * time.Second
}

// ClockSkew is the tolerance applied when validating intents.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Intent.ClockSkewSeconds) * time.Second
}

// ConnectOptions returns the NATS dial settings.
func (c *Config) ConnectOptions() submit.ConnectOptions {
	return submit.ConnectOptions{
		URL:             c.NATS.URL,
		CredentialsFile: c.NATS.CredentialsFile,
		ReconnectWait:   time.Duration(c.NATS.ReconnectWait) * time.Millisecond,
		MaxReconnects:   c.NATS.MaxReconnects,
	}
}
