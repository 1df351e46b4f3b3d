// Package recorder writes call outcomes back to the record store.
//
// The write is deliberately a single repository update per call: stage,
// follow-up date, logs, and the done flag land together or not at all, so an
// operator reading the sheet mid-run never sees a row that was advanced but
// not annotated.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"calldirector/internal/campaign"
	"calldirector/internal/record"
	"calldirector/internal/scheduler"
	"calldirector/internal/vapi"
)

const (
	noSummary        = "No summary available"
	voicemailSummary = "Left voicemail"

	entrySeparator = "\n---\n"
)

// Recorder turns one finished call into one row update.
type Recorder struct {
	repo  record.Repository
	log   *slog.Logger
	clock func() time.Time
}

func New(repo record.Repository, log *slog.Logger) (*Recorder, error) {
	if repo == nil {
		return nil, fmt.Errorf("recorder: repository is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{repo: repo, log: log, clock: time.Now}, nil
}

// summaryFor picks the history text for one call outcome.
func summaryFor(call vapi.Call) string {
	if s := strings.TrimSpace(call.Analysis.Summary); s != "" {
		return s
	}
	if call.EndedReason == "voicemail" {
		return voicemailSummary
	}
	return noSummary
}

// evaluationFor picks the evaluation text, falling back to the structured
// success flag when the provider did not produce a verdict. Always lowercase
// so the sheet column filters cleanly.
func evaluationFor(call vapi.Call) string {
	if s := strings.TrimSpace(call.Analysis.SuccessEvaluation); s != "" {
		return strings.ToLower(s)
	}
	if v, ok := call.Analysis.StructuredData["success"]; ok {
		return strings.ToLower(fmt.Sprintf("%v", v))
	}
	return "n/a"
}

// appendEntry appends one timestamped entry to an existing log column value.
// Logs are append-only; prior entries are never rewritten.
func appendEntry(existing string, callNumber int, stamp time.Time, text string) string {
	entry := fmt.Sprintf("[Call %d - %s]\n%s", callNumber, stamp.Format("2006-01-02 15:04"), text)
	if strings.TrimSpace(existing) == "" {
		return entry
	}
	return existing + entrySeparator + entry
}

// Record applies the outcome of a stage calledStage call to rec. The stage
// advances by one, the follow-up date moves to the next trigger day or clears
// on the final stage, and both log columns gain an entry.
//
// Re-delivery guard: if the stored stage already moved past calledStage,
// another writer won the race and this outcome is dropped with a log line
// instead of rewinding the row.
func (rc *Recorder) Record(ctx context.Context, rec record.Record, p campaign.Policy, calledStage int, call vapi.Call) error {
	if p.OncePerDay {
		return rc.recordDaily(ctx, rec, call)
	}
	if rec.Stage > calledStage {
		rc.log.Warn("row already advanced, dropping stale outcome",
			"row", rec.RowNumber, "stored_stage", rec.Stage, "called_stage", calledStage, "call_id", call.ID)
		return nil
	}

	now := rc.clock()
	newStage := calledStage + 1
	summary := appendEntry(rec.SummaryLog, newStage, now, summaryFor(call))
	eval := appendEntry(rec.EvalLog, newStage, now, evaluationFor(call))

	u := record.Update{
		Stage:      &newStage,
		SummaryLog: &summary,
		EvalLog:    &eval,
	}
	if next, ok := scheduler.NextFollowup(rec.TargetDate, p, calledStage); ok {
		u.FollowupDate = &next
	} else {
		u.ClearFollowup = true
		if p.MarkDoneOnFinal {
			done := true
			u.Done = &done
		}
	}

	if err := rc.repo.UpdateRecord(ctx, rec, u); err != nil {
		return fmt.Errorf("recorder: row %d: %w", rec.RowNumber, err)
	}
	rc.log.Info("outcome recorded",
		"row", rec.RowNumber, "stage", newStage, "call_id", call.ID, "ended_reason", call.EndedReason)
	return nil
}

// recordDaily handles once-per-day campaigns: bump the call counter, stamp the
// last-call date, and append to the log. No follow-up bookkeeping applies.
func (rc *Recorder) recordDaily(ctx context.Context, rec record.Record, call vapi.Call) error {
	now := rc.clock()
	count := rec.Stage + 1
	summary := appendEntry(rec.SummaryLog, count, now, summaryFor(call))
	eval := appendEntry(rec.EvalLog, count, now, evaluationFor(call))

	u := record.Update{
		Stage:      &count,
		SummaryLog: &summary,
		EvalLog:    &eval,
		Fields: map[string]string{
			campaign.FieldLastCallDate: now.Format("2006-01-02"),
		},
	}
	if err := rc.repo.UpdateRecord(ctx, rec, u); err != nil {
		return fmt.Errorf("recorder: row %d: %w", rec.RowNumber, err)
	}
	rc.log.Info("daily outcome recorded", "row", rec.RowNumber, "call_count", count, "call_id", call.ID)
	return nil
}
