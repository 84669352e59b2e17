package pools

import (
	"math"
	"runtime/debug"
)

// GCConfig tunes the garbage collector for the worker-heavy workload.
// Zero values leave the runtime defaults untouched.
type GCConfig struct {
	// GCPercent is the GOGC target; negative disables the collector
	GCPercent int `koanf:"gc_percent"`

	// MemoryLimit is the soft limit in bytes
	MemoryLimit int64 `koanf:"memory_limit"`
}

// ApplyGCConfig applies cfg and returns the settings it replaced
func ApplyGCConfig(cfg GCConfig) GCConfig {
	prev := GCConfig{
		GCPercent:   currentGCPercent(),
		MemoryLimit: debug.SetMemoryLimit(-1),
	}
	if prev.MemoryLimit == math.MaxInt64 {
		prev.MemoryLimit = 0
	}

	if cfg.GCPercent != 0 {
		debug.SetGCPercent(cfg.GCPercent)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// RestoreGCConfig undoes ApplyGCConfig with the value it returned
func RestoreGCConfig(prev GCConfig) {
	if prev.GCPercent != 0 {
		debug.SetGCPercent(prev.GCPercent)
	}
	if prev.MemoryLimit > 0 {
		debug.SetMemoryLimit(prev.MemoryLimit)
	} else {
		debug.SetMemoryLimit(math.MaxInt64)
	}
}

func currentGCPercent() int {
	p := debug.SetGCPercent(100)
	debug.SetGCPercent(p)
	return p
}
