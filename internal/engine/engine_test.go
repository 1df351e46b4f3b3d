package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"calldirector/internal/campaign"
	"calldirector/internal/dispatch"
	"calldirector/internal/record"
	"calldirector/internal/vapi"
)

type fakeRepo struct {
	recs []record.Record
	err  error
}

func (r *fakeRepo) ListRecords(context.Context) ([]record.Record, error) { return r.recs, r.err }
func (r *fakeRepo) UpdateRecord(context.Context, record.Record, record.Update) error {
	return nil
}

type fakeDispatcher struct {
	batchCalls []dispatch.Call
	seqCalls   []dispatch.Call
	windowErr  error
	failNumber string
}

func (d *fakeDispatcher) DispatchBatch(_ context.Context, _ string, calls []dispatch.Call) []dispatch.Dispatched {
	d.batchCalls = append(d.batchCalls, calls...)
	out := make([]dispatch.Dispatched, len(calls))
	for i, c := range calls {
		out[i] = dispatch.Dispatched{Call: c, CallID: fmt.Sprintf("batch-%d", i)}
		if c.Number == d.failNumber {
			out[i] = dispatch.Dispatched{Call: c, Err: errors.New("create failed")}
		}
	}
	return out
}

func (d *fakeDispatcher) DispatchSequential(ctx context.Context, calls []dispatch.Call, handle dispatch.Handler) ([]dispatch.Dispatched, error) {
	out := make([]dispatch.Dispatched, 0, len(calls))
	for i, c := range calls {
		if d.windowErr != nil && i == 1 {
			return out, d.windowErr
		}
		res := dispatch.Dispatched{Call: c, CallID: fmt.Sprintf("seq-%d", i)}
		if handle != nil {
			if err := handle(ctx, res.CallID, c); err != nil {
				res.Err = err
			}
		}
		d.seqCalls = append(d.seqCalls, c)
		out = append(out, res)
	}
	return out, nil
}

type fakeAwaiter struct{ err error }

func (a *fakeAwaiter) Await(_ context.Context, callID string) (vapi.Call, error) {
	if a.err != nil {
		return vapi.Call{}, a.err
	}
	return vapi.Call{ID: callID, Status: vapi.StatusEnded, EndedReason: "customer-ended-call"}, nil
}

type fakeRecorder struct {
	recorded []int
	err      error
}

func (r *fakeRecorder) Record(_ context.Context, _ record.Record, _ campaign.Policy, calledStage int, _ vapi.Call) error {
	if r.err != nil {
		return r.err
	}
	r.recorded = append(r.recorded, calledStage)
	return nil
}

func testPolicy() campaign.Policy {
	return campaign.Policy{
		Name:      "cancellation",
		Offsets:   []int{14, 7, 1},
		ScriptIDs: []string{"asst-0", "asst-1", "asst-2"},
	}
}

func newTestEngine(t *testing.T, repo *fakeRepo, d *fakeDispatcher, a *fakeAwaiter, rec *fakeRecorder) *Engine {
	t.Helper()
	e, err := New(repo, d, a, rec, time.UTC, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Mon 2025-01-06, 14 days before Mon 2025-01-20.
	e.clock = func() time.Time {
		return time.Date(2025, time.January, 6, 10, 0, 0, 0, time.UTC)
	}
	return e
}

func target() time.Time { return time.Date(2025, time.January, 20, 0, 0, 0, 0, time.UTC) }

func rec(row int, phone string, stage int) record.Record {
	return record.Record{
		ID:         fmt.Sprintf("%d", 1000+row),
		RowNumber:  row,
		Name:       fmt.Sprintf("Company %d", row),
		Phone:      phone,
		TargetDate: target(),
		Stage:      stage,
	}
}

func TestPlanSelectsDueRecords(t *testing.T) {
	repo := &fakeRepo{recs: []record.Record{
		rec(1, "(555) 123-0001", 0),                      // due at stage 0
		rec(2, "(555) 123-0002", 1),                      // ahead of trigger, skip
		{RowNumber: 3, Phone: "x", RawTargetDate: "bad"}, // unparseable date
		func() record.Record { r := rec(4, "(555) 123-0004", 0); r.Done = true; return r }(),
	}}
	e := newTestEngine(t, repo, &fakeDispatcher{}, &fakeAwaiter{}, &fakeRecorder{})

	rep, err := e.Plan(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if rep.Total != 4 {
		t.Fatalf("expected total 4, got %d", rep.Total)
	}
	if len(rep.Due) != 1 || rep.Due[0].Record.RowNumber != 1 || rep.Due[0].Stage != 0 {
		t.Fatalf("unexpected due list: %+v", rep.Due)
	}
	var skipped int
	for _, n := range rep.Skipped {
		skipped += n
	}
	if skipped != 3 {
		t.Fatalf("expected 3 skip reasons counted, got %d (%v)", skipped, rep.Skipped)
	}
	if rep.RunID == "" || rep.Date != "2025-01-06" {
		t.Fatalf("report metadata missing: %+v", rep)
	}
}

func TestPlanAppliesSkipPredicateAndCap(t *testing.T) {
	repo := &fakeRepo{recs: []record.Record{
		rec(1, "(555) 123-0001", 0),
		rec(2, "(555) 123-0002", 0),
		rec(3, "(555) 123-0003", 0),
	}}
	e := newTestEngine(t, repo, &fakeDispatcher{}, &fakeAwaiter{}, &fakeRecorder{})

	p := testPolicy()
	p.MaxDailyCalls = 2
	p.Skip = func(r record.Record) (bool, string) {
		if r.RowNumber == 2 {
			return true, "gated out"
		}
		return false, ""
	}

	rep, err := e.Plan(context.Background(), p)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(rep.Due) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(rep.Due))
	}
	if rep.Skipped["gated out"] != 1 {
		t.Fatalf("skip predicate not applied: %v", rep.Skipped)
	}
}

func TestRunSplitsBatchAndSequential(t *testing.T) {
	repo := &fakeRepo{recs: []record.Record{
		rec(1, "(555) 123-0001", 0), // batch stage
		rec(2, "(555) 123-0002", 0), // batch stage
	}}
	// A stage-1 record due today requires catch-up or its own trigger; use a
	// second target 7 days out instead.
	stage1 := rec(3, "(555) 123-0003", 1)
	stage1.TargetDate = time.Date(2025, time.January, 13, 0, 0, 0, 0, time.UTC)
	repo.recs = append(repo.recs, stage1)

	d := &fakeDispatcher{}
	rc := &fakeRecorder{}
	e := newTestEngine(t, repo, d, &fakeAwaiter{}, rc)

	rep, err := e.Run(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.batchCalls) != 2 {
		t.Fatalf("expected 2 batch calls, got %d", len(d.batchCalls))
	}
	if len(d.seqCalls) != 1 || d.seqCalls[0].Stage != 1 {
		t.Fatalf("expected 1 sequential stage-1 call, got %+v", d.seqCalls)
	}
	if rep.Placed != 3 || rep.Recorded != 3 || rep.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", rep)
	}
	if len(rc.recorded) != 3 {
		t.Fatalf("expected 3 outcomes recorded, got %d", len(rc.recorded))
	}
}

func TestRunSkipsInvalidAndExcludedPhones(t *testing.T) {
	repo := &fakeRepo{recs: []record.Record{
		rec(1, "garbage", 0),
		rec(2, "(555) 000-1234", 0),
		rec(3, "(555) 123-0003", 0),
	}}
	d := &fakeDispatcher{}
	e := newTestEngine(t, repo, d, &fakeAwaiter{}, &fakeRecorder{})
	e.excluded = []string{"+15550001"}

	rep, err := e.Run(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(d.batchCalls) != 1 || d.batchCalls[0].Record.RowNumber != 3 {
		t.Fatalf("expected only row 3 dispatched, got %+v", d.batchCalls)
	}
	if rep.Skipped["phone number invalid"] != 1 || rep.Skipped["phone number excluded"] != 1 {
		t.Fatalf("phone skips not counted: %v", rep.Skipped)
	}
}

func TestRunWindowClosed(t *testing.T) {
	r1 := rec(1, "(555) 123-0001", 1)
	r1.TargetDate = time.Date(2025, time.January, 13, 0, 0, 0, 0, time.UTC)
	r2 := rec(2, "(555) 123-0002", 1)
	r2.TargetDate = r1.TargetDate
	repo := &fakeRepo{recs: []record.Record{r1, r2}}

	d := &fakeDispatcher{windowErr: dispatch.ErrWindowClosed}
	e := newTestEngine(t, repo, d, &fakeAwaiter{}, &fakeRecorder{})

	rep, err := e.Run(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("window closing is not a run failure, got %v", err)
	}
	if !rep.WindowClosed {
		t.Fatalf("expected WindowClosed set")
	}
	if rep.Placed != 1 {
		t.Fatalf("expected 1 call before cutoff, got %d", rep.Placed)
	}
}

func TestRecorderFailureIsContained(t *testing.T) {
	repo := &fakeRepo{recs: []record.Record{
		rec(1, "(555) 123-0001", 0),
		rec(2, "(555) 123-0002", 0),
	}}
	rc := &fakeRecorder{err: errors.New("sheet write refused")}
	e := newTestEngine(t, repo, &fakeDispatcher{}, &fakeAwaiter{}, rc)

	rep, err := e.Run(context.Background(), testPolicy())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Placed != 2 {
		t.Fatalf("calls must still be counted as placed, got %d", rep.Placed)
	}
	if rep.Unrecorded != 2 || rep.Recorded != 0 {
		t.Fatalf("write-back failures must be counted as unrecorded: %+v", rep)
	}
	if rep.Failed != 0 {
		t.Fatalf("placed calls must not count as creation failures: %+v", rep)
	}
}

func TestRunOneBypassesTriggerDay(t *testing.T) {
	// Row 2 is not due today (stage 1, trigger day is next week) but an
	// operator can still call it now.
	r2 := rec(2, "(555) 123-0002", 1)
	repo := &fakeRepo{recs: []record.Record{rec(1, "(555) 123-0001", 0), r2}}
	d := &fakeDispatcher{}
	e := newTestEngine(t, repo, d, &fakeAwaiter{}, &fakeRecorder{})

	rep, err := e.RunOne(context.Background(), testPolicy(), 2, nil)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if len(d.seqCalls) != 1 || d.seqCalls[0].Record.RowNumber != 2 || d.seqCalls[0].Stage != 1 {
		t.Fatalf("expected one stage-1 call to row 2, got %+v", d.seqCalls)
	}
	if rep.Placed != 1 || rep.Recorded != 1 {
		t.Fatalf("unexpected counts: %+v", rep)
	}
}

func TestRunOneRefusesTerminalRow(t *testing.T) {
	done := rec(1, "(555) 123-0001", 3)
	repo := &fakeRepo{recs: []record.Record{done}}
	e := newTestEngine(t, repo, &fakeDispatcher{}, &fakeAwaiter{}, &fakeRecorder{})

	if _, err := e.RunOne(context.Background(), testPolicy(), 1, nil); err == nil {
		t.Fatalf("terminal row must not be callable")
	}
	if _, err := e.RunOne(context.Background(), testPolicy(), 99, nil); err == nil {
		t.Fatalf("missing row must error")
	}
}

func TestRunOneDeferredSkipsSettlement(t *testing.T) {
	repo := &fakeRepo{recs: []record.Record{rec(1, "(555) 123-0001", 0)}}
	d := &fakeDispatcher{}
	rc := &fakeRecorder{}
	e := newTestEngine(t, repo, d, &fakeAwaiter{}, rc)

	at := time.Date(2025, time.January, 6, 15, 30, 0, 0, time.UTC)
	rep, err := e.RunOne(context.Background(), testPolicy(), 1, &at)
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if len(d.seqCalls) != 1 || d.seqCalls[0].NotBefore == nil || !d.seqCalls[0].NotBefore.Equal(at) {
		t.Fatalf("deferral instant must reach the dispatcher, got %+v", d.seqCalls)
	}
	if rep.Placed != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", rep)
	}
	// The provider dials later; there is no outcome to record yet.
	if rep.Recorded != 0 || len(rc.recorded) != 0 {
		t.Fatalf("deferred call must not be settled now: %+v recorded=%v", rep, rc.recorded)
	}
}

func TestVariablesIncludeScheduleAndGatingFields(t *testing.T) {
	r := rec(1, "(555) 123-0001", 0)
	r.Fields = map[string]string{campaign.FieldAmountDue: "$250.00"}

	p := testPolicy()
	p.Schema.Extra = map[string][]string{campaign.FieldAmountDue: {"amount_due"}}

	vars := callVariables(r, p)
	if vars["name"] != "Company 1" {
		t.Fatalf("name missing: %v", vars)
	}
	if vars["target_date"] != "2025-01-20" {
		t.Fatalf("target date missing: %v", vars)
	}
	if vars[campaign.FieldAmountDue] != "$250.00" {
		t.Fatalf("gating field not exposed: %v", vars)
	}
}
