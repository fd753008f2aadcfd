package process

import "errors"

var (
	// ErrAlreadyRunning is returned by operations that need the furnace
	// program to be stopped.
	ErrAlreadyRunning = errors.New("process: run already in progress")

	// ErrNotRunning is returned by EndRun when no run is in progress.
	ErrNotRunning = errors.New("process: no run in progress")

	// ErrNotIdle is returned by Prepare during a run or a purge.
	ErrNotIdle = errors.New("process: controller not idle")
)
