package taskdispatch

import "time"

// Retry and timeout policy for script tasks. A task created with IsRetry set
// gets MaxRetryCount additional attempts, spaced RetryInterval apart.
const (
	MaxRetryCount = 3
	RetryInterval = 5 * time.Minute

	// DefaultExecTimeout bounds how long a dispatched script may run before
	// the sweeper fails it, when the creator does not set a deadline.
	DefaultExecTimeout = 30 * time.Minute

	// MaxScriptCodeBytes rejects oversized script bodies at intake.
	MaxScriptCodeBytes = 200 * 1024
)

// Device lock policy: the lock is held from pickup until a remote outcome
// arrives, so the TTL must outlast a normal remote execution.
const (
	DeviceLockTTL            = 600 * time.Second
	DeviceLockAcquireTimeout = 5 * time.Second
)

// Master scheduling periods.
const (
	DrainPeriod         = 5 * time.Second
	RescanPeriod        = 5 * time.Minute
	RescanLookBack      = 24 * time.Hour
	SweepPeriod         = 10 * time.Minute
	SweepBatchSize      = 100
	SweepBatchPause     = 200 * time.Millisecond
	NotifyIdleSleep     = 5 * time.Second
	NotifyErrorBudget   = 100
	WorkerReadyWait     = 500 * time.Millisecond
	WorkerReadyAttempts = 10
	DefaultWorkerCount  = 2
)

// Synthetic failure reasons. These are the only error signal task clients
// observe, so the wording is part of the contract.
const (
	ReasonServiceRestart = "service restart"
	ReasonWaitTimeout    = "task wait timeout"
	ReasonUnknown        = "unknown error"
)
