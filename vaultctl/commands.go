package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Mondei1/QRVault/native/config"
	"github.com/Mondei1/QRVault/native/devicekey"
	"github.com/Mondei1/QRVault/native/hardening"
	"github.com/Mondei1/QRVault/native/vault"
)

type rootOptions struct {
	configPath     string
	dataDir        string
	vaultPath      string
	passphraseFile string
	logLevel       string
	devMode        bool
}

// newRootCmd builds the command tree. The returned cleanup closes whatever
// the executed command opened, also when it failed.
func newRootCmd(term terminal) (*cobra.Command, func() error) {
	opts := &rootOptions{}
	var (
		cfg *config.Config
		a   *app
	)

	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Seal a master key under a device-bound key",
		Long:          "vaultctl stores a master key encrypted with a non-exportable device key.\nEvery seal and unseal requires the device PIN.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			setupLogging(cmd, cfg)
			hardening.Apply(hardening.DefaultConfig(cfg.DevMode))

			a, err = newApp(cmd.Context(), cfg, term)
			return err
		},
	}
	cleanup := func() error {
		if a == nil {
			return nil
		}
		return a.Close()
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default is "+config.DefaultPath()+")")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for the vault file, keystore and locks")
	flags.StringVar(&opts.vaultPath, "vault-path", "", "vault file path")
	flags.StringVar(&opts.passphraseFile, "passphrase-file", "", "file holding the keystore passphrase")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&opts.devMode, "dev", false, "development mode: console logs, no process hardening")

	getApp := func() *app { return a }
	root.AddCommand(
		newStatusCmd(getApp),
		newEnrollCredentialCmd(getApp, term),
		newEnrollKeyCmd(getApp),
		newSealCmd(getApp, term),
		newUnsealCmd(getApp),
	)
	return root, cleanup
}

// execute runs one command line.
func execute(ctx context.Context, term terminal, args []string, stdout, stderr io.Writer) error {
	root, cleanup := newRootCmd(term)
	defer func() {
		if err := cleanup(); err != nil {
			log.Warn().Err(err).Msg("Failed to close vault components")
		}
	}()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = opts.dataDir
	}
	if flags.Changed("vault-path") {
		cfg.VaultPath = opts.vaultPath
	}
	if flags.Changed("passphrase-file") {
		cfg.Keystore.PassphraseFile = opts.passphraseFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("dev") {
		cfg.DevMode = opts.devMode
	}
	if err := cfg.Validate(); err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	return cfg, nil
}

func setupLogging(cmd *cobra.Command, cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger()
	}
	log.Debug().Str("version", Version).Bool("dev_mode", cfg.DevMode).Msg("vaultctl starting")
}

func newStatusCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device and vault status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			st, err := a.vault.Status(cmd.Context())
			if err != nil {
				return err
			}
			credential, err := a.ks.HasCredential(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Vault Status")
			fmt.Fprintln(out, "============")
			fmt.Fprintf(out, "Device credential: %s\n", yesNo(credential))
			fmt.Fprintf(out, "Secure storage:    %s\n", yesNo(st.SecureStorage))
			fmt.Fprintf(out, "Device key:        %s (%s)\n", yesNo(st.DeviceKey), st.KeyAlias)
			fmt.Fprintf(out, "Vault file:        %s (%s)\n", yesNo(st.VaultFile), st.VaultPath)
			fmt.Fprintf(out, "Master key:        %s\n", yesNo(a.client.HasMasterKey(cmd.Context())))
			fmt.Fprintf(out, "Process hardening: %s\n", hardeningStatus(a.cfg.DevMode))
			return nil
		},
	}
}

func newEnrollCredentialCmd(getApp func() *app, term terminal) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll-credential",
		Short: "Set the device PIN that authorizes every use of the device key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pin, err := readConfirmed(cmd.Context(), term.ReadSecret, "New device PIN")
			if err != nil {
				return err
			}
			defer zero(pin)

			if err := getApp().ks.EnrollCredential(cmd.Context(), pin); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Device credential enrolled.")
			return nil
		},
	}
}

func newEnrollKeyCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll-key",
		Short: "Create the device key; never replaces an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			if !a.client.HasSecureStorage(cmd.Context()) {
				return vault.ErrNoSecureStorage
			}
			err := a.keys.EnrollDeviceKey(cmd.Context())
			if errors.Is(err, devicekey.ErrAlreadyEnrolled) {
				fmt.Fprintf(cmd.OutOrStdout(), "Device key %s already exists.\n", a.keys.Alias())
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: %w", vault.ErrKeyEnrollmentFailed, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device key %s enrolled.\n", a.keys.Alias())
			return nil
		},
	}
}

func newSealCmd(getApp func() *app, term terminal) *cobra.Command {
	var (
		hint  string
		hexIn bool
	)
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a master key into the vault file",
		Long:  "Reads the master key without echo (or from stdin when piped) and seals it.\nAn existing vault file is replaced only after the PIN is accepted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				secret []byte
				err    error
			)
			if term.Interactive() {
				secret, err = readConfirmed(cmd.Context(), term.ReadSecret, "Master key")
			} else {
				secret, err = term.ReadSecret(cmd.Context(), "Master key: ")
			}
			if err != nil {
				return err
			}
			defer zero(secret)

			if hexIn {
				decoded, err := hex.DecodeString(strings.TrimSpace(string(secret)))
				if err != nil {
					return fmt.Errorf("%w: not hex: %w", vault.ErrInvalidSecret, err)
				}
				defer zero(decoded)
				secret = decoded
			}

			if err := getApp().vault.Seal(cmd.Context(), secret, hint); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Master key sealed.")
			return nil
		},
	}
	cmd.Flags().StringVar(&hint, "hint", "", "clear-text hint stored next to the sealed key")
	cmd.Flags().BoolVar(&hexIn, "hex", false, "the master key is entered as hex")
	return cmd
}

func newUnsealCmd(getApp func() *app) *cobra.Command {
	var (
		reveal bool
		hexOut bool
	)
	cmd := &cobra.Command{
		Use:   "unseal",
		Short: "Decrypt the master key after PIN verification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mk, err := getApp().client.Retrieve(cmd.Context())
			if err != nil {
				return err
			}
			defer mk.Secret.Zero()

			out := cmd.OutOrStdout()
			if mk.Hint != "" {
				fmt.Fprintf(out, "Hint: %s\n", mk.Hint)
			}
			if !reveal {
				fmt.Fprintf(out, "Master key unsealed (%d bytes). Use --reveal to print it.\n", len(mk.Secret))
				return nil
			}

			raw := mk.Secret.Bytes()
			defer zero(raw)
			if hexOut {
				fmt.Fprintln(out, hex.EncodeToString(raw))
			} else {
				_, _ = out.Write(raw)
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the master key to stdout")
	cmd.Flags().BoolVar(&hexOut, "hex", false, "print the master key as hex")
	return cmd
}

// hardeningStatus re-checks the protections applied at startup.
func hardeningStatus(devMode bool) string {
	if devMode {
		return "skipped (dev mode)"
	}
	if err := hardening.Verify(); err != nil {
		return "incomplete (" + strings.ReplaceAll(err.Error(), "\n", "; ") + ")"
	}
	return "ok"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
