// Package dispatch places outbound calls through the voice provider under the
// operational guardrails: batch size caps, inter-call pacing, hourly budgets,
// caller-id rotation, and the daily calling window.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"calldirector/internal/record"
	"calldirector/internal/vapi"
)

const (
	// MaxBatchSize is the hard per-request recipient cap for batch dispatch.
	MaxBatchSize = 50

	// DefaultPacing spaces sequential calls far enough apart that monitoring
	// and write-back for one call finish before the next begins.
	DefaultPacing = 36 * time.Second

	retryAttempts = 3
)

// ErrWindowClosed is returned when dispatch stops because the calling window
// ended before the work list was exhausted.
var ErrWindowClosed = fmt.Errorf("dispatch: calling window closed")

// CallCreator is the slice of the provider client the dispatcher needs.
type CallCreator interface {
	CreateCall(ctx context.Context, req vapi.CreateCallRequest) ([]string, error)
}

// Call is one outbound call to place: a recipient plus the script and
// variables the assistant needs. Record rides along so results map back to
// rows without extra bookkeeping.
type Call struct {
	Record    record.Record
	Stage     int
	ScriptID  string
	Number    string
	Variables map[string]string

	// NotBefore defers dialing: the provider holds the call until this
	// instant. Nil means dial immediately.
	NotBefore *time.Time
}

// Dispatched is the outcome of placing one call. Err is set when the call
// could not be created; CallID is empty in that case.
type Dispatched struct {
	Call   Call
	CallID string
	Err    error
}

// Handler runs after each sequential call is created, before the next call is
// placed. Monitoring and result write-back happen here so row updates land in
// dispatch order.
type Handler func(ctx context.Context, callID string, call Call) error

// Dispatcher places calls. Zero-value fields get defaults from New.
type Dispatcher struct {
	provider CallCreator
	rotor    *Rotor
	budget   Budget
	window   Window
	log      *slog.Logger

	pacing  time.Duration
	maxSize int

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Options tune a Dispatcher beyond its required collaborators.
type Options struct {
	Pacing       time.Duration
	MaxBatchSize int
}

func New(provider CallCreator, rotor *Rotor, budget Budget, window Window, log *slog.Logger, opts Options) (*Dispatcher, error) {
	if provider == nil {
		return nil, fmt.Errorf("dispatch: provider is required")
	}
	if rotor == nil {
		return nil, fmt.Errorf("dispatch: rotor is required")
	}
	if budget == nil {
		budget = UnlimitedBudget{}
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		provider: provider,
		rotor:    rotor,
		budget:   budget,
		window:   window,
		log:      log,
		pacing:   opts.Pacing,
		maxSize:  opts.MaxBatchSize,
		clock:    time.Now,
		sleep:    sleepCtx,
	}
	if d.pacing <= 0 {
		d.pacing = DefaultPacing
	}
	if d.maxSize <= 0 || d.maxSize > MaxBatchSize {
		d.maxSize = MaxBatchSize
	}
	return d, nil
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

// createWithRetry retries transient provider failures with doubling backoff.
// Permanent failures (validation errors) surface immediately.
func (d *Dispatcher) createWithRetry(ctx context.Context, req vapi.CreateCallRequest) ([]string, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		ids, err := d.provider.CreateCall(ctx, req)
		if err == nil {
			return ids, nil
		}
		if !vapi.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		d.log.Warn("call creation failed, backing off", "attempt", attempt+1, "backoff", backoff, "error", err)
		if err := d.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("dispatch: retries exhausted: %w", lastErr)
}

// DispatchBatch places calls in provider-side batches. Each chunk is one
// request; a failed chunk marks only its own calls failed and the remaining
// chunks still go out. Per-recipient variables cannot ride on a batch request,
// so batch mode suits stage scripts that only need the recipient name.
func (d *Dispatcher) DispatchBatch(ctx context.Context, assistantID string, calls []Call) []Dispatched {
	results := make([]Dispatched, 0, len(calls))
	for start := 0; start < len(calls); start += d.maxSize {
		end := start + d.maxSize
		if end > len(calls) {
			end = len(calls)
		}
		chunk := calls[start:end]

		customers := make([]vapi.Customer, len(chunk))
		for i, call := range chunk {
			customers[i] = vapi.Customer{Number: call.Number, Name: call.Record.Name}
		}

		ids, err := d.createWithRetry(ctx, vapi.CreateCallRequest{
			AssistantID:   assistantID,
			PhoneNumberID: d.rotor.Next(),
			Customers:     customers,
			EarliestAt:    chunk[0].NotBefore,
		})
		if err != nil {
			d.log.Error("batch chunk failed", "size", len(chunk), "error", err)
			for _, call := range chunk {
				results = append(results, Dispatched{Call: call, Err: err})
			}
			continue
		}

		for i, call := range chunk {
			res := Dispatched{Call: call}
			if i < len(ids) {
				res.CallID = ids[i]
			} else {
				res.Err = fmt.Errorf("dispatch: provider returned %d ids for %d recipients", len(ids), len(chunk))
			}
			results = append(results, res)
		}
		d.log.Info("batch chunk dispatched", "size", len(chunk), "ids", len(ids))
	}
	return results
}

// DispatchSequential places calls one at a time with pacing, the hourly
// budget, and the calling window enforced between calls. handle runs after
// each successful creation; its error is recorded but does not stop the run.
// Returns ErrWindowClosed (with partial results) if the window ends mid-list.
func (d *Dispatcher) DispatchSequential(ctx context.Context, calls []Call, handle Handler) ([]Dispatched, error) {
	results := make([]Dispatched, 0, len(calls))
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if !d.window.Open(d.clock()) {
			return results, ErrWindowClosed
		}

		ok, err := d.budget.Take(ctx, d.clock())
		if err != nil {
			// A broken budget store must not let dispatch run ungoverned.
			return results, fmt.Errorf("dispatch: budget unavailable: %w", err)
		}
		if !ok {
			next := d.window.NextHour(d.clock())
			d.log.Info("hourly budget exhausted, pausing", "until", next)
			if err := d.sleep(ctx, next.Sub(d.clock())); err != nil {
				return results, err
			}
			if !d.window.Open(d.clock()) {
				return results, ErrWindowClosed
			}
			if ok, err = d.budget.Take(ctx, d.clock()); err != nil || !ok {
				return results, fmt.Errorf("dispatch: budget still exhausted after hour rollover (err=%v)", err)
			}
		}

		ids, err := d.createWithRetry(ctx, vapi.CreateCallRequest{
			AssistantID:   call.ScriptID,
			PhoneNumberID: d.rotor.Next(),
			Customers:     []vapi.Customer{{Number: call.Number, Name: call.Record.Name}},
			Variables:     call.Variables,
			EarliestAt:    call.NotBefore,
		})
		res := Dispatched{Call: call}
		switch {
		case err != nil:
			res.Err = err
			d.log.Error("call creation failed", "row", call.Record.RowNumber, "error", err)
		case len(ids) == 0:
			res.Err = fmt.Errorf("dispatch: provider returned no call id")
		default:
			res.CallID = ids[0]
			d.log.Info("call placed", "row", call.Record.RowNumber, "stage", call.Stage, "call_id", res.CallID)
			if handle != nil {
				if err := handle(ctx, res.CallID, call); err != nil {
					res.Err = fmt.Errorf("dispatch: post-call handling: %w", err)
					d.log.Error("post-call handling failed", "call_id", res.CallID, "error", err)
				}
			}
		}
		results = append(results, res)

		if i < len(calls)-1 {
			if err := d.sleep(ctx, d.pacing); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}
