package pools

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyGCConfig(t *testing.T) {
	prev := ApplyGCConfig(GCConfig{GCPercent: 250, MemoryLimit: 512 << 20})
	t.Cleanup(func() { RestoreGCConfig(prev) })

	assert.Equal(t, 250, currentGCPercent())
	assert.Equal(t, int64(512<<20), debug.SetMemoryLimit(-1))

	again := ApplyGCConfig(GCConfig{})
	assert.Equal(t, GCConfig{GCPercent: 250, MemoryLimit: 512 << 20}, again, "zero config changes nothing")

	RestoreGCConfig(prev)
	assert.Equal(t, prev.GCPercent, currentGCPercent())
}
