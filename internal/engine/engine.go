// Package engine runs one campaign end to end: fetch records, decide who is
// due, place the calls, and write outcomes back.
//
// Per-record isolation is the governing rule at every step: one bad row, one
// failed call, or one rejected write never aborts the rest of the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"calldirector/internal/calendar"
	"calldirector/internal/campaign"
	"calldirector/internal/dispatch"
	"calldirector/internal/record"
	"calldirector/internal/scheduler"
	"calldirector/internal/vapi"
)

// Dispatcher is the outbound side of the engine.
type Dispatcher interface {
	DispatchBatch(ctx context.Context, assistantID string, calls []dispatch.Call) []dispatch.Dispatched
	DispatchSequential(ctx context.Context, calls []dispatch.Call, handle dispatch.Handler) ([]dispatch.Dispatched, error)
}

// Awaiter blocks until a placed call finishes and its analysis settles.
type Awaiter interface {
	Await(ctx context.Context, callID string) (vapi.Call, error)
}

// OutcomeRecorder writes one finished call back to the record store.
type OutcomeRecorder interface {
	Record(ctx context.Context, rec record.Record, p campaign.Policy, calledStage int, call vapi.Call) error
}

// Engine wires the campaign pipeline together. Loc anchors "today" for the
// schedule; runs in different timezones see different days.
type Engine struct {
	repo       record.Repository
	dispatcher Dispatcher
	awaiter    Awaiter
	recorder   OutcomeRecorder
	loc        *time.Location
	excluded   []string
	log        *slog.Logger
	clock      func() time.Time
}

func New(repo record.Repository, d Dispatcher, a Awaiter, rec OutcomeRecorder, loc *time.Location, excluded []string, log *slog.Logger) (*Engine, error) {
	if repo == nil || d == nil || a == nil || rec == nil {
		return nil, fmt.Errorf("engine: repo, dispatcher, awaiter, and recorder are all required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		repo:       repo,
		dispatcher: d,
		awaiter:    a,
		recorder:   rec,
		loc:        loc,
		excluded:   excluded,
		log:        log,
		clock:      time.Now,
	}, nil
}

// Due is one record selected for a call today.
type Due struct {
	Record record.Record
	Stage  int
	Reason string
}

// Report summarizes one run for operators and the trigger API.
type Report struct {
	RunID    string
	Campaign string
	Date     string

	Total   int
	Due     []Due
	Skipped map[string]int

	// Placed counts calls the provider accepted; Failed counts calls it did
	// not. Recorded and Unrecorded split the placed calls by whether their
	// outcome made it back to the record store; unrecorded rows are the
	// operator's reconciliation list.
	Placed     int
	Recorded   int
	Failed     int
	Unrecorded int

	// WindowClosed is set when the calling window ended before the due list
	// was exhausted; unplaced calls simply wait for the next run.
	WindowClosed bool
}

// Plan evaluates the sheet without placing calls. This is the dry-run surface
// and the first half of Run.
func (e *Engine) Plan(ctx context.Context, p campaign.Policy) (Report, error) {
	today := calendar.Midnight(e.clock().In(e.loc))
	rep := Report{
		RunID:    uuid.New().String(),
		Campaign: p.Name,
		Date:     today.Format("2006-01-02"),
		Skipped:  map[string]int{},
	}

	recs, err := e.repo.ListRecords(ctx)
	if err != nil {
		return rep, fmt.Errorf("engine: list records: %w", err)
	}
	rep.Total = len(recs)

	for _, rec := range recs {
		if p.Skip != nil {
			if skip, reason := p.Skip(rec); skip {
				rep.Skipped[reason]++
				continue
			}
		}
		d := scheduler.Evaluate(rec, p, today)
		if !d.Ready {
			rep.Skipped[d.Reason]++
			continue
		}
		rep.Due = append(rep.Due, Due{Record: rec, Stage: d.Stage, Reason: d.Reason})
	}

	// Stable dispatch order: by stage, then sheet position.
	sort.SliceStable(rep.Due, func(i, j int) bool {
		if rep.Due[i].Stage != rep.Due[j].Stage {
			return rep.Due[i].Stage < rep.Due[j].Stage
		}
		return rep.Due[i].Record.RowNumber < rep.Due[j].Record.RowNumber
	})

	if p.MaxDailyCalls > 0 && len(rep.Due) > p.MaxDailyCalls {
		rep.Skipped["daily call cap reached"] += len(rep.Due) - p.MaxDailyCalls
		rep.Due = rep.Due[:p.MaxDailyCalls]
	}

	e.log.Info("campaign planned",
		"run_id", rep.RunID, "campaign", p.Name, "total", rep.Total, "due", len(rep.Due))
	return rep, nil
}

// Run executes the campaign: Plan, then dispatch. The batch stage (usually the
// first touch) goes out as provider-side batches; every later stage is placed
// one call at a time with monitoring and write-back between calls.
func (e *Engine) Run(ctx context.Context, p campaign.Policy) (Report, error) {
	rep, err := e.Plan(ctx, p)
	if err != nil {
		return rep, err
	}
	if len(rep.Due) == 0 {
		e.log.Info("nothing due", "run_id", rep.RunID, "campaign", p.Name)
		return rep, nil
	}

	var batch, sequential []dispatch.Call
	for _, due := range rep.Due {
		call, err := e.buildCall(due, p)
		if err != nil {
			rep.Skipped[err.Error()]++
			continue
		}
		if due.Stage == p.BatchStage {
			batch = append(batch, call)
		} else {
			sequential = append(sequential, call)
		}
	}

	if len(batch) > 0 {
		e.runBatch(ctx, &rep, p, batch)
	}
	if len(sequential) > 0 {
		e.runSequential(ctx, &rep, p, sequential)
	}

	e.log.Info("campaign run finished",
		"run_id", rep.RunID, "campaign", p.Name,
		"placed", rep.Placed, "recorded", rep.Recorded,
		"failed", rep.Failed, "unrecorded", rep.Unrecorded,
		"window_closed", rep.WindowClosed)
	return rep, nil
}

// RunOne calls a single row at its current stage, bypassing the trigger-day
// check. This is the operator's "call this one now" escape hatch; the
// done/terminal guards and gating predicate still apply. A non-nil notBefore
// defers dialing to that instant: the call is handed to the provider and the
// run ends without waiting for an outcome.
func (e *Engine) RunOne(ctx context.Context, p campaign.Policy, rowNumber int, notBefore *time.Time) (Report, error) {
	rep := Report{
		RunID:    uuid.New().String(),
		Campaign: p.Name,
		Date:     calendar.Midnight(e.clock().In(e.loc)).Format("2006-01-02"),
		Skipped:  map[string]int{},
	}

	recs, err := e.repo.ListRecords(ctx)
	if err != nil {
		return rep, fmt.Errorf("engine: list records: %w", err)
	}
	rep.Total = len(recs)

	var found *record.Record
	for i := range recs {
		if recs[i].RowNumber == rowNumber {
			found = &recs[i]
			break
		}
	}
	if found == nil {
		return rep, fmt.Errorf("engine: row %d not found", rowNumber)
	}
	if !p.OncePerDay && found.Terminal(p.Stages()) {
		return rep, fmt.Errorf("engine: row %d has completed its call sequence", rowNumber)
	}
	if p.Skip != nil {
		if skip, reason := p.Skip(*found); skip {
			return rep, fmt.Errorf("engine: row %d is gated out: %s", rowNumber, reason)
		}
	}

	stage := found.Stage
	if p.OncePerDay {
		stage = 0
	}
	due := Due{Record: *found, Stage: stage, Reason: "manual call"}
	rep.Due = []Due{due}

	call, err := e.buildCall(due, p)
	if err != nil {
		return rep, fmt.Errorf("engine: row %d: %w", rowNumber, err)
	}

	if notBefore != nil {
		// Deferred call: the provider dials later, so there is no outcome to
		// wait for. The row advances when a subsequent run settles it.
		call.NotBefore = notBefore
		results, err := e.dispatcher.DispatchSequential(ctx, []dispatch.Call{call}, nil)
		for _, res := range results {
			if res.CallID == "" {
				rep.Failed++
				continue
			}
			rep.Placed++
			e.log.Info("call scheduled",
				"run_id", rep.RunID, "row", rowNumber, "call_id", res.CallID, "not_before", notBefore)
		}
		if err != nil {
			return rep, fmt.Errorf("engine: schedule row %d: %w", rowNumber, err)
		}
		return rep, nil
	}

	e.runSequential(ctx, &rep, p, []dispatch.Call{call})
	return rep, nil
}

// buildCall normalizes the phone number and assembles the assistant variables
// for one due record.
func (e *Engine) buildCall(due Due, p campaign.Policy) (dispatch.Call, error) {
	number, err := dispatch.FormatPhone(due.Record.Phone)
	if err != nil {
		return dispatch.Call{}, fmt.Errorf("phone number invalid")
	}
	if dispatch.Excluded(number, e.excluded) {
		return dispatch.Call{}, fmt.Errorf("phone number excluded")
	}
	script := p.ScriptFor(due.Stage)
	if script == "" {
		return dispatch.Call{}, fmt.Errorf("no script for stage %d", due.Stage)
	}
	return dispatch.Call{
		Record:    due.Record,
		Stage:     due.Stage,
		ScriptID:  script,
		Number:    number,
		Variables: callVariables(due.Record, p),
	}, nil
}

// callVariables exposes the record to the assistant script: identity fields
// plus every gating column the campaign schema declares.
func callVariables(rec record.Record, p campaign.Policy) map[string]string {
	vars := map[string]string{
		"name":        rec.Name,
		"target_date": "",
	}
	if !rec.TargetDate.IsZero() {
		vars["target_date"] = rec.TargetDate.Format("2006-01-02")
	}
	for field := range p.Schema.Extra {
		if v := rec.Field(field); v != "" {
			vars[field] = v
		}
	}
	return vars
}

func (e *Engine) runBatch(ctx context.Context, rep *Report, p campaign.Policy, calls []dispatch.Call) {
	script := p.ScriptFor(p.BatchStage)
	if script == "" {
		rep.Failed += len(calls)
		e.log.Error("batch stage has no script", "campaign", p.Name, "stage", p.BatchStage)
		return
	}

	results := e.dispatcher.DispatchBatch(ctx, script, calls)
	for _, res := range results {
		if res.Err != nil {
			rep.Failed++
			continue
		}
		rep.Placed++
		e.settle(ctx, rep, p, res)
	}
}

func (e *Engine) runSequential(ctx context.Context, rep *Report, p campaign.Policy, calls []dispatch.Call) {
	results, err := e.dispatcher.DispatchSequential(ctx, calls,
		func(ctx context.Context, callID string, call dispatch.Call) error {
			return e.settleCall(ctx, rep, p, callID, call)
		})
	for _, res := range results {
		if res.CallID == "" {
			rep.Failed++
			continue
		}
		rep.Placed++
		if res.Err != nil {
			rep.Unrecorded++
		}
	}
	if err != nil {
		if errors.Is(err, dispatch.ErrWindowClosed) {
			rep.WindowClosed = true
			e.log.Info("calling window closed mid-run", "run_id", rep.RunID, "placed", rep.Placed)
			return
		}
		e.log.Error("sequential dispatch stopped", "run_id", rep.RunID, "error", err)
	}
}

// settle waits for one placed call and records its outcome. Failures here are
// counted, logged, and contained.
func (e *Engine) settle(ctx context.Context, rep *Report, p campaign.Policy, res dispatch.Dispatched) {
	if err := e.settleCall(ctx, rep, p, res.CallID, res.Call); err != nil {
		rep.Unrecorded++
		e.log.Error("settling call failed",
			"run_id", rep.RunID, "call_id", res.CallID, "row", res.Call.Record.RowNumber, "error", err)
	}
}

func (e *Engine) settleCall(ctx context.Context, rep *Report, p campaign.Policy, callID string, call dispatch.Call) error {
	outcome, err := e.awaiter.Await(ctx, callID)
	if err != nil {
		return fmt.Errorf("engine: await %s: %w", callID, err)
	}
	if err := e.recorder.Record(ctx, call.Record, p, call.Stage, outcome); err != nil {
		return fmt.Errorf("engine: record outcome: %w", err)
	}
	rep.Recorded++
	return nil
}
