// Package hardening reduces the ways a process holding secrets can leak them:
// core dumps, swap, ptrace and privilege escalation.
package hardening

import (
	"github.com/rs/zerolog/log"
)

// Config selects the hardening steps.
type Config struct {
	// LockMemory keeps pages out of swap. Needs RLIMIT_MEMLOCK headroom.
	LockMemory bool
	// DevMode skips everything, e.g. so a debugger can attach.
	DevMode bool
}

// DefaultConfig returns the hardening configuration.
func DefaultConfig(devMode bool) Config {
	return Config{LockMemory: true, DevMode: devMode}
}

// Report lists which steps took effect.
type Report struct {
	CoreDumpsDisabled bool
	NotDumpable       bool
	NoNewPrivs        bool
	MemoryLocked      bool
}

// Apply hardens the current process. Steps that fail are logged and skipped;
// the process keeps running with whatever protection could be applied.
func Apply(cfg Config) Report {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: Running in dev mode, process hardening not applied")
		return Report{}
	}
	r := apply(cfg)
	log.Debug().
		Bool("core_dumps_disabled", r.CoreDumpsDisabled).
		Bool("not_dumpable", r.NotDumpable).
		Bool("no_new_privs", r.NoNewPrivs).
		Bool("memory_locked", r.MemoryLocked).
		Msg("Process hardening applied")
	return r
}

// Verify re-checks the hardening state that can be read back.
func Verify() error {
	return verify()
}
