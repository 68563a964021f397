package core

import (
	"encoding/json"

	"github.com/spindlehttp/spindle/core/pools"
)

// EngineStats is a point-in-time snapshot of engine counters and the
// underlying pool statistics.
type EngineStats struct {
	OpenConnections int64                 `json:"open_connections"`
	Accepted        uint64                `json:"accepted"`
	Requests        uint64                `json:"requests"`
	EventLoops      int                   `json:"event_loops"`
	Workers         pools.WorkerPoolStats `json:"workers"`
	Buffers         pools.BufferPoolStats `json:"buffers"`
}

// Stats snapshots the engine. Safe to call from any goroutine.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		OpenConnections: e.openConns.Load(),
		Accepted:        e.accepted.Load(),
		Requests:        e.requests.Load(),
		EventLoops:      len(e.loops),
		Workers:         e.workers.Stats(),
		Buffers:         e.bufPool.Stats(),
	}
}

// StatsJSON renders the snapshot for a diagnostics endpoint.
func (e *Engine) StatsJSON() ([]byte, error) {
	return json.MarshalIndent(e.Stats(), "", "  ")
}
