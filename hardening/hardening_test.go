package hardening

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApply_DevModeSkips(t *testing.T) {
	assert.Equal(t, Report{}, Apply(DefaultConfig(true)))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(false)
	assert.True(t, cfg.LockMemory)
	assert.False(t, cfg.DevMode)
}
