package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mondei1/QRVault/native/authgate"
	"github.com/Mondei1/QRVault/native/devicekey"
	"github.com/Mondei1/QRVault/native/softkeystore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
dev_mode: true
log_level: debug
data_dir: /var/lib/qrvault
key_alias: OtherKey
auth_timeout_seconds: 15
prompts:
  unseal:
    title: Open sesame
keystore:
  kdf:
    time: 1
    memory_kib: 1024
    threads: 2
  max_attempts: 3
  lockout_seconds: 60
events:
  nats:
    url: nats://localhost:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.DevMode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "OtherKey", cfg.KeyAlias)
	assert.Equal(t, 15*time.Second, cfg.AuthTimeout())
	assert.Equal(t, "/var/lib/qrvault/masterkey.bin", cfg.VaultFilePath())
	assert.Equal(t, "/var/lib/qrvault/keystore.db", cfg.KeystorePath())
	assert.Equal(t, "/var/lib/qrvault", cfg.LockDir())

	unseal := cfg.Prompt(authgate.OperationUnseal)
	assert.Equal(t, "Open sesame", unseal.Title)
	assert.Equal(t, authgate.DefaultPrompt(authgate.OperationUnseal).Subtitle, unseal.Subtitle)
	assert.Equal(t, devicekey.StrongOrCredential, unseal.Allowed)
	assert.Equal(t, authgate.DefaultPrompt(authgate.OperationSeal), cfg.Prompt(authgate.OperationSeal))

	opts := cfg.KeystoreOptions()
	assert.Equal(t, softkeystore.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 2}, opts.KDF)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, time.Minute, opts.LockoutDuration)

	require.True(t, cfg.NATSEnabled())
	nats := cfg.NATS()
	assert.Equal(t, "nats://localhost:4222", nats.URL)
	assert.Equal(t, "qrvault.audit", nats.Subject, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, nats.ReconnectWait)
}

func TestLoad_ExplicitPaths(t *testing.T) {
	path := writeConfig(t, `
vault_path: /tmp/v/master.bin
keystore:
  path: /tmp/k.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/v/master.bin", cfg.VaultFilePath())
	assert.Equal(t, "/tmp/k.db", cfg.KeystorePath())
	assert.Equal(t, "/tmp/v", cfg.LockDir())
	assert.False(t, cfg.NATSEnabled())
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "log_level: ["))
	assert.Error(t, err)
}

func TestValidate_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty alias":    `key_alias: ""`,
		"zero timeout":   "auth_timeout_seconds: 0",
		"bad log level":  "log_level: loud",
		"no attempts":    "keystore:\n  max_attempts: -1",
		"empty data dir": `data_dir: ""`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, content))
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_OverrideAfterLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, `data_dir: ""`))
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	cfg.DataDir = t.TempDir()
	assert.NoError(t, cfg.Validate())
}

func TestDefaultDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdg")
	assert.Equal(t, "/xdg/qrvault", DefaultDataDir())
}
