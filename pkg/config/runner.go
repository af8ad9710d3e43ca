package config

import (
	"os"
	"strconv"
	"time"
)

// RunnerConfig contains job-runner pool configuration.
// These values control how jobs are polled, claimed, and processed.
type RunnerConfig struct {
	// WorkerCount is the number of worker goroutines pulling from the
	// job queue. Capped at MaxWorkerCount.
	WorkerCount int

	// PollInterval is the base interval for checking deferred jobs
	// (run_after_ts in the future) when the in-process queue is idle.
	PollInterval time.Duration

	// GracefulShutdownTimeout is the max time to wait for running jobs
	// to finish or observe cancellation during shutdown.
	GracefulShutdownTimeout time.Duration
}

// MaxWorkerCount bounds the worker pool regardless of configuration.
const MaxWorkerCount = 8

// DefaultRunnerConfig returns the built-in runner defaults, honoring
// COUNCIL_JOB_WORKERS when set.
func DefaultRunnerConfig() *RunnerConfig {
	workers := 1
	if raw := os.Getenv("COUNCIL_JOB_WORKERS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			workers = n
		}
	}
	if workers > MaxWorkerCount {
		workers = MaxWorkerCount
	}
	return &RunnerConfig{
		WorkerCount:             workers,
		PollInterval:            2 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}
