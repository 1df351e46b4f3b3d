// Package monitor watches a placed call until it ends and its post-call
// analysis is available.
//
// Two waits happen in sequence: first for the call itself to reach a terminal
// status, then for the provider's analysis pipeline to populate results. The
// second wait is best-effort: analysis that never arrives degrades to partial
// data, it does not fail the call.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calldirector/internal/vapi"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultMaxWait      = 5 * time.Minute
	DefaultAnalysisWait = 3 * time.Minute
)

// ErrCallWaitTimeout is returned when a call does not reach a terminal status
// within the monitoring window.
var ErrCallWaitTimeout = errors.New("monitor: call did not end within the wait limit")

// CallGetter is the slice of the provider client the monitor needs.
type CallGetter interface {
	GetCall(ctx context.Context, callID string) (vapi.Call, error)
}

// Monitor polls one call at a time. Poll cadence and limits are fixed at
// construction; clock and sleep are swappable for tests.
type Monitor struct {
	provider     CallGetter
	log          *slog.Logger
	pollInterval time.Duration
	maxWait      time.Duration
	analysisWait time.Duration
	skipWait     bool

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Options override the default poll cadence and wait limits. SkipWait makes
// Await return immediately after one status fetch, so a caller can keep
// dispatching without blocking on call completion.
type Options struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	AnalysisWait time.Duration
	SkipWait     bool
}

func New(provider CallGetter, log *slog.Logger, opts Options) (*Monitor, error) {
	if provider == nil {
		return nil, fmt.Errorf("monitor: provider is required")
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		provider:     provider,
		log:          log,
		pollInterval: opts.PollInterval,
		maxWait:      opts.MaxWait,
		analysisWait: opts.AnalysisWait,
		skipWait:     opts.SkipWait,
		clock:        time.Now,
		sleep:        sleepCtx,
	}
	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}
	if m.maxWait <= 0 {
		m.maxWait = DefaultMaxWait
	}
	if m.analysisWait <= 0 {
		m.analysisWait = DefaultAnalysisWait
	}
	return m, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Await blocks until callID ends and, when the outcome can carry analysis,
// until the analysis is populated or the analysis wait expires. The returned
// call always reflects the last successful poll.
//
// Transient poll failures are retried on the normal cadence; only running out
// of time surfaces as an error.
func (m *Monitor) Await(ctx context.Context, callID string) (vapi.Call, error) {
	if m.skipWait {
		call, err := m.provider.GetCall(ctx, callID)
		if err != nil {
			// The call was placed; the id is all the caller gets.
			m.log.Warn("skip-wait status fetch failed", "call_id", callID, "error", err)
			return vapi.Call{ID: callID}, nil
		}
		return call, nil
	}

	call, err := m.awaitEnded(ctx, callID)
	if err != nil {
		return call, err
	}

	if vapi.NoAnalysisOutcome(call.EndedReason) {
		m.log.Info("call ended without analysis", "call_id", callID, "ended_reason", call.EndedReason)
		return call, nil
	}
	return m.awaitAnalysis(ctx, callID, call)
}

func (m *Monitor) awaitEnded(ctx context.Context, callID string) (vapi.Call, error) {
	deadline := m.clock().Add(m.maxWait)
	var last vapi.Call
	for {
		call, err := m.provider.GetCall(ctx, callID)
		if err != nil {
			if !vapi.IsTransient(err) {
				return last, fmt.Errorf("monitor: poll %s: %w", callID, err)
			}
			m.log.Warn("poll failed, will retry", "call_id", callID, "error", err)
		} else {
			last = call
			if call.Ended() {
				m.log.Info("call ended", "call_id", callID, "status", call.Status, "ended_reason", call.EndedReason)
				return call, nil
			}
			m.log.Debug("call in progress", "call_id", callID, "status", call.Status)
		}

		if !m.clock().Add(m.pollInterval).Before(deadline) {
			return last, fmt.Errorf("%w: %s after %v", ErrCallWaitTimeout, callID, m.maxWait)
		}
		if err := m.sleep(ctx, m.pollInterval); err != nil {
			return last, err
		}
	}
}

// awaitAnalysis polls until the analysis is populated. Timing out here is not
// an error: the last fetched call is returned and the recorder works with
// whatever analysis it carries.
func (m *Monitor) awaitAnalysis(ctx context.Context, callID string, last vapi.Call) (vapi.Call, error) {
	if last.Analysis.Complete() {
		return last, nil
	}
	deadline := m.clock().Add(m.analysisWait)
	for {
		if !m.clock().Add(m.pollInterval).Before(deadline) {
			m.log.Warn("analysis wait expired, proceeding with partial data", "call_id", callID)
			return last, nil
		}
		if err := m.sleep(ctx, m.pollInterval); err != nil {
			return last, err
		}

		call, err := m.provider.GetCall(ctx, callID)
		if err != nil {
			if !vapi.IsTransient(err) {
				return last, fmt.Errorf("monitor: poll analysis %s: %w", callID, err)
			}
			m.log.Warn("analysis poll failed, will retry", "call_id", callID, "error", err)
			continue
		}
		last = call
		if call.Analysis.Complete() {
			m.log.Info("analysis ready", "call_id", callID)
			return call, nil
		}
	}
}
