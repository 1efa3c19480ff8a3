package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mondei1/QRVault/native/authgate"
	"github.com/Mondei1/QRVault/native/softkeystore"
	"github.com/Mondei1/QRVault/native/vault"
)

// scriptedTerminal answers prompts from queues. An exhausted PIN queue
// behaves like the user dismissing the prompt.
type scriptedTerminal struct {
	mu          sync.Mutex
	pins        []string
	secrets     []string
	interactive bool
}

func (s *scriptedTerminal) ReadPIN(context.Context, authgate.Prompt) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pins) == 0 {
		return nil, softkeystore.ErrPINEntryCancelled
	}
	pin := s.pins[0]
	s.pins = s.pins[1:]
	return []byte(pin), nil
}

func (s *scriptedTerminal) ReadSecret(context.Context, string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.secrets) == 0 {
		return nil, errors.New("unexpected secret prompt")
	}
	secret := s.secrets[0]
	s.secrets = s.secrets[1:]
	return []byte(secret), nil
}

func (s *scriptedTerminal) Interactive() bool {
	return s.interactive
}

type cliEnv struct {
	dir    string
	config string
	term   *scriptedTerminal
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`
dev_mode: true
log_level: error
data_dir: %s
auth_timeout_seconds: 5
keystore:
  kdf:
    time: 1
    memory_kib: 64
    threads: 1
events:
  log: false
`, dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return &cliEnv{dir: dir, config: cfgPath, term: &scriptedTerminal{interactive: true}}
}

func (e *cliEnv) run(args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), e.term, append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return stdout.String(), err
}

func (e *cliEnv) enrollCredential(t *testing.T, pin string) {
	t.Helper()
	e.term.secrets = []string{pin, pin}
	out, err := e.run("enroll-credential")
	require.NoError(t, err)
	assert.Contains(t, out, "Device credential enrolled.")
}

func TestCLI_SealUnseal(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Device credential: no")
	assert.Contains(t, out, "Secure storage:    no")

	env.term.secrets = []string{"secret", "secret"}
	_, err = env.run("seal")
	assert.ErrorIs(t, err, vault.ErrNoSecureStorage)
	assert.Equal(t, 3, exitCode(err))

	env.enrollCredential(t, "2468")

	secret := strings.Repeat("A", 32)
	env.term.secrets = []string{secret, secret}
	env.term.pins = []string{"2468"}
	out, err = env.run("seal", "--hint", "home")
	require.NoError(t, err)
	assert.Contains(t, out, "Master key sealed.")

	info, err := os.Stat(filepath.Join(env.dir, "masterkey.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(69), info.Size())

	env.term.pins = []string{"2468"}
	out, err = env.run("unseal")
	require.NoError(t, err)
	assert.Contains(t, out, "Hint: home")
	assert.Contains(t, out, "32 bytes")
	assert.NotContains(t, out, secret)

	env.term.pins = []string{"2468"}
	out, err = env.run("unseal", "--reveal")
	require.NoError(t, err)
	assert.Contains(t, out, secret)

	out, err = env.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Device key:        yes (MasterKey)")
	assert.Contains(t, out, "Master key:        yes")

	assert.Contains(t, out, "Process hardening: skipped (dev mode)")

	out, err = env.run("enroll-key")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestCLI_DataDirFlagOverridesEmptyFileValue(t *testing.T) {
	env := newCLIEnv(t)
	cfg := `
dev_mode: true
log_level: error
data_dir: ""
events:
  log: false
`
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))

	_, err := env.run("status")
	assert.Equal(t, 2, exitCode(err))

	out, err := env.run("--data-dir", env.dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Vault file:        no")
}

func TestHardeningStatus(t *testing.T) {
	assert.Equal(t, "skipped (dev mode)", hardeningStatus(true))

	got := hardeningStatus(false)
	assert.True(t, got == "ok" || strings.HasPrefix(got, "incomplete ("), got)
}

func TestCLI_AuthenticationFailures(t *testing.T) {
	env := newCLIEnv(t)
	env.enrollCredential(t, "2468")

	env.term.secrets = []string{"secret", "secret"}
	env.term.pins = []string{"2468"}
	_, err := env.run("seal")
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(env.dir, "masterkey.bin"))
	require.NoError(t, err)

	env.term.pins = []string{"0000"}
	_, err = env.run("unseal")
	assert.ErrorIs(t, err, vault.ErrAuthenticationRejected)
	assert.Equal(t, 4, exitCode(err))

	env.term.secrets = []string{"other", "other"}
	env.term.pins = nil
	_, err = env.run("seal")
	assert.ErrorIs(t, err, vault.ErrAuthenticationCancelled)
	assert.Equal(t, 4, exitCode(err))

	after, err := os.ReadFile(filepath.Join(env.dir, "masterkey.bin"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCLI_EnrollCredentialMismatch(t *testing.T) {
	env := newCLIEnv(t)

	env.term.secrets = []string{"2468", "1357"}
	_, err := env.run("enroll-credential")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestCLI_HexPiped(t *testing.T) {
	env := newCLIEnv(t)
	env.enrollCredential(t, "2468")

	env.term.interactive = false
	env.term.secrets = []string{"00ff10"}
	env.term.pins = []string{"2468"}
	_, err := env.run("seal", "--hex")
	require.NoError(t, err)

	env.term.pins = []string{"2468"}
	out, err := env.run("unseal", "--reveal", "--hex")
	require.NoError(t, err)
	assert.Contains(t, out, "00ff10")

	env.term.secrets = []string{"not hex"}
	_, err = env.run("seal", "--hex")
	assert.ErrorIs(t, err, vault.ErrInvalidSecret)
	assert.Equal(t, 2, exitCode(err))
}

func TestCLI_InvalidFlags(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("--log-level", "loud", "status")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 3, exitCode(vault.ErrNoDeviceKey))
	assert.Equal(t, 5, exitCode(fmt.Errorf("wrapped: %w", vault.ErrDecryptionFailed)))
	assert.Equal(t, 6, exitCode(vault.ErrIO))
	assert.Equal(t, 7, exitCode(vault.ErrBusy))
}
