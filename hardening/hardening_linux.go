//go:build linux

package hardening

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

func apply(cfg Config) Report {
	var r Report

	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		log.Warn().Err(err).Msg("Failed to disable core dumps")
	} else {
		r.CoreDumpsDisabled = true
	}

	// Also blocks ptrace attach and /proc/<pid>/mem reads by same-uid processes.
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to clear dumpable flag")
	} else {
		r.NotDumpable = true
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to set no_new_privs")
	} else {
		r.NoNewPrivs = true
	}

	if cfg.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			// Common for unprivileged users with a small RLIMIT_MEMLOCK.
			log.Warn().Err(err).Msg("Failed to lock memory (mlockall)")
		} else {
			r.MemoryLocked = true
		}
	}
	return r
}

func verify() error {
	var errs []error

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlim); err != nil {
		errs = append(errs, fmt.Errorf("failed to read RLIMIT_CORE: %w", err))
	} else if rlim.Cur != 0 {
		errs = append(errs, fmt.Errorf("core dumps enabled (limit %d)", rlim.Cur))
	}

	if v, err := unix.PrctlRetInt(unix.PR_GET_NO_NEW_PRIVS, 0, 0, 0, 0); err != nil {
		errs = append(errs, fmt.Errorf("failed to read no_new_privs: %w", err))
	} else if v != 1 {
		errs = append(errs, errors.New("no_new_privs not set"))
	}

	if v, err := unix.PrctlRetInt(unix.PR_GET_DUMPABLE, 0, 0, 0, 0); err != nil {
		errs = append(errs, fmt.Errorf("failed to read dumpable flag: %w", err))
	} else if v != 0 {
		errs = append(errs, errors.New("process is dumpable"))
	}

	return errors.Join(errs...)
}
