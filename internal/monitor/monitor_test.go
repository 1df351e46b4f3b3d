package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"calldirector/internal/vapi"
)

// scriptedProvider returns one canned response per poll, repeating the last.
type scriptedProvider struct {
	calls []vapi.Call
	errs  []error
	polls int
}

func (s *scriptedProvider) GetCall(context.Context, string) (vapi.Call, error) {
	i := s.polls
	s.polls++
	if i < len(s.errs) && s.errs[i] != nil {
		return vapi.Call{}, s.errs[i]
	}
	if i >= len(s.calls) {
		i = len(s.calls) - 1
	}
	return s.calls[i], nil
}

type fakeTime struct {
	now time.Time
}

func (f *fakeTime) clock() time.Time { return f.now }

func (f *fakeTime) sleep(_ context.Context, d time.Duration) error {
	f.now = f.now.Add(d)
	return nil
}

func newTestMonitor(t *testing.T, p CallGetter) (*Monitor, *fakeTime) {
	t.Helper()
	m, err := New(p, nil, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ft := &fakeTime{now: time.Date(2025, time.January, 6, 10, 0, 0, 0, time.UTC)}
	m.clock = ft.clock
	m.sleep = ft.sleep
	return m, ft
}

func ringing() vapi.Call   { return vapi.Call{ID: "c1", Status: vapi.StatusRinging} }
func inCall() vapi.Call    { return vapi.Call{ID: "c1", Status: vapi.StatusInProgress} }
func endedBare() vapi.Call { return vapi.Call{ID: "c1", Status: vapi.StatusEnded, EndedReason: "customer-ended-call"} }

func endedAnalyzed() vapi.Call {
	c := endedBare()
	c.Analysis = vapi.Analysis{
		Summary:           "Spoke with the insured about the payment due next week.",
		SuccessEvaluation: "true",
	}
	return c
}

func TestAwaitPollsUntilEndedAndAnalyzed(t *testing.T) {
	p := &scriptedProvider{calls: []vapi.Call{ringing(), inCall(), endedBare(), endedBare(), endedAnalyzed()}}
	m, _ := newTestMonitor(t, p)

	call, err := m.Await(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !call.Analysis.Complete() {
		t.Fatalf("expected analysis, got %+v", call.Analysis)
	}
	if p.polls != 5 {
		t.Fatalf("expected 5 polls, got %d", p.polls)
	}
}

func TestAwaitSkipsAnalysisForVoicemail(t *testing.T) {
	vm := vapi.Call{ID: "c1", Status: vapi.StatusEnded, EndedReason: "voicemail"}
	p := &scriptedProvider{calls: []vapi.Call{vm}}
	m, _ := newTestMonitor(t, p)

	call, err := m.Await(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if call.EndedReason != "voicemail" {
		t.Fatalf("unexpected call %+v", call)
	}
	if p.polls != 1 {
		t.Fatalf("no-analysis outcome must not trigger the analysis wait, got %d polls", p.polls)
	}
}

func TestAwaitTimesOutWhenCallNeverEnds(t *testing.T) {
	p := &scriptedProvider{calls: []vapi.Call{inCall()}}
	m, ft := newTestMonitor(t, p)

	start := ft.now
	_, err := m.Await(context.Background(), "c1")
	if !errors.Is(err, ErrCallWaitTimeout) {
		t.Fatalf("expected ErrCallWaitTimeout, got %v", err)
	}
	if elapsed := ft.now.Sub(start); elapsed > DefaultMaxWait {
		t.Fatalf("monitor waited %v, past the %v limit", elapsed, DefaultMaxWait)
	}
}

func TestAnalysisTimeoutReturnsPartialData(t *testing.T) {
	p := &scriptedProvider{calls: []vapi.Call{endedBare()}}
	m, _ := newTestMonitor(t, p)

	call, err := m.Await(context.Background(), "c1")
	if err != nil {
		t.Fatalf("analysis timeout must not be an error, got %v", err)
	}
	if call.Status != vapi.StatusEnded {
		t.Fatalf("expected last fetched call, got %+v", call)
	}
	if call.Analysis.Complete() {
		t.Fatalf("test setup wrong: analysis should be absent")
	}
}

func TestTransientPollFailureRetried(t *testing.T) {
	p := &scriptedProvider{
		calls: []vapi.Call{{}, endedBare(), endedBare(), endedAnalyzed()},
		errs:  []error{&vapi.APIError{StatusCode: 503}},
	}
	m, _ := newTestMonitor(t, p)

	call, err := m.Await(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !call.Ended() {
		t.Fatalf("expected ended call after retrying the failed poll")
	}
}

func TestSkipWaitReturnsAfterOneFetch(t *testing.T) {
	p := &scriptedProvider{calls: []vapi.Call{ringing()}}
	m, err := New(p, nil, Options{SkipWait: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	call, err := m.Await(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if call.ID != "c1" || call.Status != vapi.StatusRinging {
		t.Fatalf("expected the submission-time snapshot, got %+v", call)
	}
	if p.polls != 1 {
		t.Fatalf("skip-wait must fetch exactly once, got %d polls", p.polls)
	}
}

func TestSkipWaitToleratesFetchFailure(t *testing.T) {
	p := &scriptedProvider{
		calls: []vapi.Call{{}},
		errs:  []error{&vapi.APIError{StatusCode: 503}},
	}
	m, err := New(p, nil, Options{SkipWait: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	call, err := m.Await(context.Background(), "c1")
	if err != nil {
		t.Fatalf("skip-wait must not fail on a fetch error, got %v", err)
	}
	if call.ID != "c1" {
		t.Fatalf("expected the call id to survive, got %+v", call)
	}
}

func TestPermanentPollFailureSurfaces(t *testing.T) {
	p := &scriptedProvider{
		calls: []vapi.Call{{}},
		errs:  []error{&vapi.APIError{StatusCode: 404, Message: "no such call"}},
	}
	m, _ := newTestMonitor(t, p)

	_, err := m.Await(context.Background(), "c1")
	var apiErr *vapi.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected 404 surfaced, got %v", err)
	}
}
