package pools

import (
	"runtime/debug"
)

// GCConfig holds GC tuning parameters for long-running server processes.
type GCConfig struct {
	// GOGC sets the garbage collection target percentage.
	// Default is 100. Higher values = less frequent GC, more memory.
	GOGC int

	// MemoryLimit sets a soft memory limit in bytes. 0 = no limit.
	MemoryLimit int64
}

// DefaultGCConfig returns GC settings tuned for a pooled, low-allocation
// request path: collections are rare, so a higher target wastes little.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		GOGC:        200,
		MemoryLimit: 0,
	}
}

// ApplyGCConfig applies GC tuning.
func ApplyGCConfig(cfg GCConfig) {
	if cfg.GOGC > 0 {
		debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
}
