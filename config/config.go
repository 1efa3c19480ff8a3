// Package config loads vaultctl settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mondei1/QRVault/native/authgate"
	"github.com/Mondei1/QRVault/native/devicekey"
	"github.com/Mondei1/QRVault/native/events"
	"github.com/Mondei1/QRVault/native/softkeystore"
	"github.com/Mondei1/QRVault/native/vaultfile"
)

// Config holds the vaultctl configuration.
type Config struct {
	// DevMode logs in console format and skips process hardening.
	DevMode  bool   `yaml:"dev_mode"`
	LogLevel string `yaml:"log_level"`

	// DataDir holds the vault file, keystore and lock files unless overridden.
	DataDir   string `yaml:"data_dir"`
	VaultPath string `yaml:"vault_path"`
	KeyAlias  string `yaml:"key_alias"`

	AuthTimeoutSeconds int `yaml:"auth_timeout_seconds"`

	Prompts  PromptsConfig  `yaml:"prompts"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Events   EventsConfig   `yaml:"events"`
}

// PromptConfig is the text of one authentication prompt.
type PromptConfig struct {
	Title       string `yaml:"title"`
	Subtitle    string `yaml:"subtitle"`
	Description string `yaml:"description"`
}

// PromptsConfig holds the seal and unseal prompts.
type PromptsConfig struct {
	Seal   PromptConfig `yaml:"seal"`
	Unseal PromptConfig `yaml:"unseal"`
}

// KeystoreConfig holds software keystore settings.
type KeystoreConfig struct {
	Path string `yaml:"path"`
	// PassphraseFile, if set, holds the key-wrapping passphrase. Otherwise the
	// machine ID is used.
	PassphraseFile string                 `yaml:"passphrase_file"`
	KDF            softkeystore.KDFParams `yaml:"kdf"`
	MaxAttempts    int                    `yaml:"max_attempts"`
	LockoutSeconds int                    `yaml:"lockout_seconds"`
}

// EventsConfig holds audit event settings.
type EventsConfig struct {
	Log  bool       `yaml:"log"`
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig holds NATS connection settings. An empty URL disables NATS.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	Subject         string `yaml:"subject"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
// The result is not validated: callers apply their overrides first and then
// call Validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	seal := authgate.DefaultPrompt(authgate.OperationSeal)
	unseal := authgate.DefaultPrompt(authgate.OperationUnseal)
	return &Config{
		LogLevel:           "info",
		DataDir:            DefaultDataDir(),
		KeyAlias:           devicekey.DefaultAlias,
		AuthTimeoutSeconds: int(authgate.DefaultTimeout / time.Second),
		Prompts: PromptsConfig{
			Seal:   PromptConfig{Title: seal.Title, Subtitle: seal.Subtitle, Description: seal.Description},
			Unseal: PromptConfig{Title: unseal.Title, Subtitle: unseal.Subtitle, Description: unseal.Description},
		},
		Keystore: KeystoreConfig{
			KDF:            softkeystore.DefaultKDFParams(),
			MaxAttempts:    5,
			LockoutSeconds: 30,
		},
		Events: EventsConfig{
			Log: true,
			NATS: NATSConfig{
				Subject:       "qrvault.audit",
				ReconnectWait: 2000,
				MaxReconnects: -1, // Unlimited
			},
		},
	}
}

// DefaultDataDir is $XDG_DATA_HOME/qrvault, falling back to ~/.local/share/qrvault.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "qrvault")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "qrvault")
	}
	return ".qrvault"
}

// DefaultPath is the config file location when none is given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "qrvault", "config.yaml")
	}
	return "config.yaml"
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.KeyAlias == "" {
		return errors.New("key_alias must not be empty")
	}
	if c.AuthTimeoutSeconds <= 0 {
		return errors.New("auth_timeout_seconds must be positive")
	}
	if c.DataDir == "" && (c.VaultPath == "" || c.Keystore.Path == "") {
		return errors.New("data_dir is required unless vault_path and keystore.path are set")
	}
	if c.Keystore.MaxAttempts <= 0 {
		return errors.New("keystore.max_attempts must be positive")
	}
	if c.Keystore.LockoutSeconds <= 0 {
		return errors.New("keystore.lockout_seconds must be positive")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// VaultFilePath returns the vault file location.
func (c *Config) VaultFilePath() string {
	if c.VaultPath != "" {
		return c.VaultPath
	}
	return filepath.Join(c.DataDir, vaultfile.DefaultFileName)
}

// KeystorePath returns the software keystore database location.
func (c *Config) KeystorePath() string {
	if c.Keystore.Path != "" {
		return c.Keystore.Path
	}
	return filepath.Join(c.DataDir, "keystore.db")
}

// LockDir is where single-flight lock files live: next to the vault file.
func (c *Config) LockDir() string {
	return filepath.Dir(c.VaultFilePath())
}

// AuthTimeout returns the prompt timeout.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSeconds) * time.Second
}

// Prompt returns the prompt for op with the default allowed authenticators.
func (c *Config) Prompt(op authgate.Operation) authgate.Prompt {
	p := authgate.DefaultPrompt(op)
	src := c.Prompts.Seal
	if op == authgate.OperationUnseal {
		src = c.Prompts.Unseal
	}
	if src.Title != "" {
		p.Title = src.Title
	}
	if src.Subtitle != "" {
		p.Subtitle = src.Subtitle
	}
	if src.Description != "" {
		p.Description = src.Description
	}
	return p
}

// KeystoreOptions converts the keystore section. The passphrase is left to the caller.
func (c *Config) KeystoreOptions() softkeystore.Options {
	return softkeystore.Options{
		Path:            c.KeystorePath(),
		KDF:             c.Keystore.KDF,
		MaxAttempts:     c.Keystore.MaxAttempts,
		LockoutDuration: time.Duration(c.Keystore.LockoutSeconds) * time.Second,
	}
}

// NATSEnabled reports whether audit events go to NATS.
func (c *Config) NATSEnabled() bool {
	return c.Events.NATS.URL != ""
}

// NATS converts the NATS section.
func (c *Config) NATS() events.NATSConfig {
	n := c.Events.NATS
	return events.NATSConfig{
		URL:             n.URL,
		CredentialsFile: n.CredentialsFile,
		Subject:         n.Subject,
		ReconnectWait:   time.Duration(n.ReconnectWait) * time.Millisecond,
		MaxReconnects:   n.MaxReconnects,
	}
}
