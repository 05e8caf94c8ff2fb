package dlq

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// backoffSchedule is the delay ladder for connection recovery. After the last
// rung every further attempt waits the maximum.
var backoffSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	180 * time.Second,
	300 * time.Second,
}

// RetryManager tracks recovery attempts for one destination and runs at most
// one recovery task at a time.
type RetryManager struct {
	schedule []time.Duration
	attempt  atomic.Int64
	retrying atomic.Bool
	stop     chan struct{}
}

// NewRetryManager creates a manager with the default backoff schedule.
func NewRetryManager() *RetryManager {
	return &RetryManager{
		schedule: backoffSchedule,
		stop:     make(chan struct{}),
	}
}

// NewRetryManagerWithSchedule creates a manager with a custom schedule.
func NewRetryManagerWithSchedule(schedule []time.Duration) *RetryManager {
	return &RetryManager{schedule: schedule, stop: make(chan struct{})}
}

// CurrentAttempt returns the number of delays handed out since the last reset.
func (m *RetryManager) CurrentAttempt() int {
	return int(m.attempt.Load())
}

// NextDelay increments the attempt counter and returns the delay for it.
func (m *RetryManager) NextDelay() time.Duration {
	attempt := m.attempt.Add(1) - 1
	idx := int(attempt)
	if idx >= len(m.schedule) {
		idx = len(m.schedule) - 1
	}
	return m.schedule[idx]
}

// Reset clears the attempt counter. Call after a successful connection.
func (m *RetryManager) Reset() {
	m.attempt.Store(0)
}

// IsRetrying reports whether a recovery task is currently running.
func (m *RetryManager) IsRetrying() bool {
	return m.retrying.Load()
}

// Stop asks a running recovery task to exit between probes.
func (m *RetryManager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// SpawnRecovery starts the background recovery task for a destination unless
// one is already running. The task sleeps the next backoff delay, runs the
// probe, and on success calls onSuccess, resets the counter and exits. A
// failed probe continues the loop. The stop signal or context cancellation
// break the loop between probes.
func (m *RetryManager) SpawnRecovery(ctx context.Context, destID int32, logger zerolog.Logger, probe func(context.Context) bool, onSuccess func()) {
	if m.retrying.Swap(true) {
		logger.Debug().Int32("dest", destID).Msg("recovery task already running")
		return
	}

	go func() {
		defer m.retrying.Store(false)
		logger.Info().Int32("dest", destID).Msg("starting recovery task")

		for {
			delay := m.NextDelay()
			logger.Debug().
				Int32("dest", destID).
				Int("attempt", m.CurrentAttempt()).
				Dur("delay", delay).
				Msg("waiting before health probe")

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-m.stop:
				t.Stop()
				logger.Info().Int32("dest", destID).Msg("recovery task stopped")
				return
			case <-ctx.Done():
				t.Stop()
				return
			}

			if probe(ctx) {
				logger.Info().
					Int32("dest", destID).
					Int("attempts", m.CurrentAttempt()).
					Msg("connection recovered")
				m.Reset()
				onSuccess()
				return
			}
			logger.Warn().Int32("dest", destID).Msg("health probe failed, will retry")
		}
	}()
}

// connectionErrorTokens are the substrings that mark an error as a transport
// fault. The list is deliberately lenient: a false positive only delays a
// terminal fault by one backoff cycle, a false negative loses data.
var connectionErrorTokens = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"connection timed out",
	"timeout",
	"network",
	"broken pipe",
	"no route to host",
	"host unreachable",
	"connection aborted",
	"socket",
	"eof",
	"end of file",
	"i/o error",
	"io error",
	"connect error",
	"failed to connect",
	"unable to connect",
	"could not connect",
	"dns",
	"resolve",
	"ssl",
	"tls",
	"handshake",
}

// IsConnectionError reports whether an error message indicates a transient
// transport fault. Matching is by lowercase substring because upstream error
// types are opaque strings by the time they reach the wrapper.
func IsConnectionError(message string) bool {
	lower := strings.ToLower(message)
	for _, token := range connectionErrorTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
