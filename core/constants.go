package core

import "errors"

// Engine lifecycle errors.
var (
	ErrAlreadyRunning = errors.New("core: engine already running")
	ErrNotRunning     = errors.New("core: engine not running")
	ErrStopped        = errors.New("core: engine stopped; engines are one-shot")
)
