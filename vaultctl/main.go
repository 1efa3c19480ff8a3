// Package main implements vaultctl, a command-line front end that seals a
// master key under a device key held by the software keystore.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/Mondei1/QRVault/native/vault"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Cancelling the context dismisses an open PIN prompt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := execute(ctx, newTTYTerminal(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(exitCode(err))
	}
}

// exitCode maps error categories to distinct process exit codes.
func exitCode(err error) int {
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	switch vault.CategoryOf(err) {
	case vault.CategoryEnvironment:
		return 3
	case vault.CategoryAuthentication:
		return 4
	case vault.CategoryIntegrity:
		return 5
	case vault.CategoryIO:
		return 6
	case vault.CategoryBusy:
		return 7
	case vault.CategoryInvalid:
		return 2
	default:
		return 1
	}
}

type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }
