package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/Mondei1/QRVault/native/authgate"
	"github.com/Mondei1/QRVault/native/softkeystore"
)

// terminal reads the device PIN and secrets from the user.
type terminal interface {
	softkeystore.PINSource
	// ReadSecret reads a value without echo.
	ReadSecret(ctx context.Context, label string) ([]byte, error)
	// Interactive reports whether secrets are typed, so entries can be confirmed.
	Interactive() bool
}

// ttyTerminal prompts on /dev/tty so stdout stays usable for output.
type ttyTerminal struct {
	stdin *os.File
}

func newTTYTerminal() *ttyTerminal {
	return &ttyTerminal{stdin: os.Stdin}
}

// ReadPIN shows the prompt and reads the PIN. An empty entry, or ctx ending
// while waiting, counts as dismissing the prompt.
func (t *ttyTerminal) ReadPIN(ctx context.Context, prompt authgate.Prompt) ([]byte, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("no terminal for PIN entry: %w", err)
	}
	defer tty.Close()

	fmt.Fprintf(tty, "\n%s\n", prompt.Title)
	if prompt.Subtitle != "" {
		fmt.Fprintln(tty, prompt.Subtitle)
	}
	if prompt.Description != "" {
		fmt.Fprintln(tty, prompt.Description)
	}
	fmt.Fprint(tty, "Device PIN (empty to cancel): ")

	pin, err := readPassword(ctx, tty)
	fmt.Fprintln(tty)
	if err != nil {
		return nil, err
	}
	if len(pin) == 0 {
		return nil, softkeystore.ErrPINEntryCancelled
	}
	return pin, nil
}

func (t *ttyTerminal) Interactive() bool {
	return term.IsTerminal(int(t.stdin.Fd()))
}

// ReadSecret reads from the terminal without echo, or all of stdin when it
// is not a terminal so secrets can be piped in.
func (t *ttyTerminal) ReadSecret(ctx context.Context, label string) ([]byte, error) {
	if !t.Interactive() {
		data, err := io.ReadAll(bufio.NewReader(t.stdin))
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return bytes.TrimRight(data, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, label)
	secret, err := readPassword(ctx, t.stdin)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// Terminal primitives, replaced in tests.
var (
	termReadPassword = term.ReadPassword
	termGetState     = term.GetState
	termRestore      = term.Restore
)

// readPassword reads a line without echo. The read runs on its own goroutine
// so ctx can abandon it; the terminal state is restored in that case since
// the abandoned read never gets to turn echo back on.
func readPassword(ctx context.Context, f *os.File) ([]byte, error) {
	fd := int(f.Fd())
	state, err := termGetState(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to read terminal state: %w", err)
	}

	type result struct {
		b   []byte
		err error
	}
	read := termReadPassword
	done := make(chan result, 1)
	go func() {
		b, err := read(fd)
		done <- result{b: b, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to read input: %w", r.err)
		}
		return r.b, nil
	case <-ctx.Done():
		if err := termRestore(fd, state); err != nil {
			log.Warn().Err(err).Msg("Failed to restore terminal echo")
		}
		return nil, fmt.Errorf("%w: %w", softkeystore.ErrPINEntryCancelled, ctx.Err())
	}
}
