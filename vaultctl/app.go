package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Mondei1/QRVault/native/authgate"
	"github.com/Mondei1/QRVault/native/config"
	"github.com/Mondei1/QRVault/native/devicekey"
	"github.com/Mondei1/QRVault/native/events"
	"github.com/Mondei1/QRVault/native/lock"
	"github.com/Mondei1/QRVault/native/masterkey"
	"github.com/Mondei1/QRVault/native/softkeystore"
	"github.com/Mondei1/QRVault/native/vault"
	"github.com/Mondei1/QRVault/native/vaultfile"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	ks     *softkeystore.Keystore
	keys   *devicekey.Manager
	vault  *vault.Service
	client *masterkey.Client

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, term terminal) (*app, error) {
	passphrase, err := keystorePassphrase(cfg)
	if err != nil {
		return nil, err
	}

	opts := cfg.KeystoreOptions()
	opts.Passphrase = passphrase
	ks, err := softkeystore.Open(ctx, opts)
	zero(passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	a := &app{cfg: cfg, ks: ks}
	a.closers = append(a.closers, ks.Close)

	locks, err := lock.NewFileStore(cfg.LockDir())
	if err != nil {
		a.Close()
		return nil, err
	}

	a.keys = devicekey.NewManager(ks, ks, cfg.KeyAlias)
	gate := authgate.NewGate(ks.Authenticator(term), cfg.AuthTimeout())
	a.vault = vault.NewService(a.keys, gate, vaultfile.NewStore(cfg.VaultFilePath()),
		vault.WithLockManager(lock.NewManager(locks)),
		vault.WithPublisher(a.publisher()),
		vault.WithPrompt(authgate.OperationSeal, cfg.Prompt(authgate.OperationSeal)),
		vault.WithPrompt(authgate.OperationUnseal, cfg.Prompt(authgate.OperationUnseal)),
	)
	a.client = masterkey.NewClient(a.keys, a.vault)
	return a, nil
}

func (a *app) publisher() events.Publisher {
	var pubs events.Multi
	if a.cfg.Events.Log {
		pubs = append(pubs, events.LogPublisher{})
	}
	if a.cfg.NATSEnabled() {
		nats, err := events.NewNATSPublisher(a.cfg.NATS())
		if err != nil {
			// Auditing over NATS is best effort; the vault works without it.
			log.Warn().Err(err).Msg("NATS audit publisher unavailable")
		} else {
			pubs = append(pubs, nats)
			a.closers = append(a.closers, nats.Close)
		}
	}
	if len(pubs) == 0 {
		return events.Nop{}
	}
	return pubs
}

// Close releases components in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func keystorePassphrase(cfg *config.Config) ([]byte, error) {
	if path := cfg.Keystore.PassphraseFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase file: %w", err)
		}
		data = bytes.TrimRight(data, "\r\n")
		if len(data) == 0 {
			return nil, fmt.Errorf("passphrase file %s is empty", path)
		}
		return data, nil
	}
	if !cfg.DevMode {
		log.Debug().Msg("No passphrase file configured, deriving keystore passphrase from machine ID")
	}
	return softkeystore.DevicePassphrase(), nil
}

// readConfirmed reads a value twice and requires both entries to match.
func readConfirmed(ctx context.Context, read func(context.Context, string) ([]byte, error), label string) ([]byte, error) {
	first, err := read(ctx, label+": ")
	if err != nil {
		return nil, err
	}
	second, err := read(ctx, "Repeat "+strings.ToLower(label[:1])+label[1:]+": ")
	if err != nil {
		zero(first)
		return nil, err
	}
	defer zero(second)
	if !bytes.Equal(first, second) {
		zero(first)
		return nil, &usageError{msg: label + " entries do not match"}
	}
	return first, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
