// Package scheduler decides, per record, whether today is the right day to
// call and which stage applies.
//
// The timeline counts backward from the record's target date using the
// policy's stage offsets. A trigger day that lands on a weekend is pulled back
// to the preceding Friday, never pushed later, so a record is never silently
// skipped because its offset fell on a Saturday.
package scheduler

import (
	"fmt"
	"time"

	"calldirector/internal/calendar"
	"calldirector/internal/campaign"
	"calldirector/internal/record"
)

// Decision is the outcome of evaluating one record. Reason is always
// populated, including for ready records, so run reports can explain every
// selection to an operator.
type Decision struct {
	Ready  bool
	Stage  int
	Reason string
}

// TriggerDay returns the weekend-adjusted calendar day on which the call for
// the given offset is due.
func TriggerDay(target time.Time, offset int) time.Time {
	day := calendar.Midnight(target).AddDate(0, 0, -offset)
	if calendar.IsWeekend(day) {
		day = calendar.PreviousBusinessDay(day)
	}
	return day
}

// Evaluate computes the due-today decision for one record under a policy.
// The skip predicate is the engine's concern; Evaluate only applies the
// timeline and stage rules.
func Evaluate(r record.Record, p campaign.Policy, today time.Time) Decision {
	today = calendar.Midnight(today)

	if r.Done {
		return Decision{Reason: "done flag is set"}
	}
	if p.OncePerDay {
		return evaluateDaily(r, today)
	}
	if r.Stage >= p.Stages() {
		return Decision{Reason: fmt.Sprintf("call sequence complete (stage %d of %d)", r.Stage, p.Stages())}
	}
	if p.Standing {
		// No countdown: the stage column alone decides, so the call goes out on
		// whichever run first sees the record.
		return Decision{Ready: true, Stage: r.Stage, Reason: fmt.Sprintf("standing outreach due (stage %d)", r.Stage)}
	}
	if r.TargetDate.IsZero() {
		return Decision{Reason: fmt.Sprintf("target date missing or unparseable (%q)", r.RawTargetDate)}
	}

	daysUntil := calendar.DaysBetween(today, r.TargetDate)
	if daysUntil < 0 {
		return Decision{Reason: fmt.Sprintf("target date passed %d days ago", -daysUntil)}
	}

	// Find the stage whose (weekend-adjusted) trigger day is today. The
	// Friday pull-back can land two offsets on the same day (a day-of offset
	// and a 1-day offset around a weekend target); the record's own stage wins
	// such a collision, otherwise the lowest matching stage so catch-up sees
	// the earliest miss.
	matched := -1
	for stage, offset := range p.Offsets {
		if !calendar.SameDay(TriggerDay(r.TargetDate, offset), today) {
			continue
		}
		if matched == -1 {
			matched = stage
		}
		if stage == r.Stage {
			matched = stage
			break
		}
	}
	if matched == -1 {
		if daysUntil <= p.Offsets[0] {
			return Decision{Reason: fmt.Sprintf("within calling window but not a trigger day (%d days until target)", daysUntil)}
		}
		return Decision{Reason: fmt.Sprintf("too early to call (%d days until target)", daysUntil)}
	}

	switch {
	case r.Stage == matched:
		return Decision{
			Ready:  true,
			Stage:  matched,
			Reason: fmt.Sprintf("stage %d due (%d days before target)", matched, p.Offsets[matched]),
		}
	case r.Stage < matched && p.CatchUp:
		return Decision{
			Ready:  true,
			Stage:  matched,
			Reason: fmt.Sprintf("catching up from stage %d to stage %d (%d days before target)", r.Stage, matched, p.Offsets[matched]),
		}
	case r.Stage < matched:
		return Decision{Reason: fmt.Sprintf("stage behind schedule (at %d, trigger is for %d) and catch-up is off", r.Stage, matched)}
	default:
		return Decision{Reason: fmt.Sprintf("stage %d already completed (trigger is for %d)", r.Stage, matched)}
	}
}

// evaluateDaily implements once-per-day campaigns: a record is due unless it
// was already called today.
func evaluateDaily(r record.Record, today time.Time) Decision {
	if raw := r.Field(campaign.FieldLastCallDate); raw != "" {
		if last, ok := record.ParseDate(raw); ok && calendar.SameDay(last, today) {
			return Decision{Reason: fmt.Sprintf("already called today (%s)", last.Format("2006-01-02"))}
		}
	}
	return Decision{Ready: true, Stage: 0, Reason: "due for daily call"}
}

// NextFollowup returns the weekend-adjusted date of the stage after
// completedStage, or ok=false when completedStage was the final one.
func NextFollowup(target time.Time, p campaign.Policy, completedStage int) (time.Time, bool) {
	next := completedStage + 1
	if next >= p.Stages() {
		return time.Time{}, false
	}
	return TriggerDay(target, p.Offsets[next]), true
}
