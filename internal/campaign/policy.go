// Package campaign declares calling programs as data.
//
// The built-in programs (cancellation, renewal, non-renewal, direct-bill,
// mortgage-bill, statement-call, cross-sell) share one engine and differ only
// in their Policy: stage offsets, script ids, gating predicate, and dispatch
// shape.
package campaign

import (
	"fmt"
	"strings"

	"calldirector/internal/record"
)

// Policy is the declarative configuration of one calling program.
type Policy struct {
	// Name identifies the campaign in config, logs, and the trigger API.
	Name string

	// Offsets are days-before-target per stage, in stage order
	// (e.g. [14, 7, 1]). A trailing 0 means a "day of" call. The terminal
	// stage count equals len(Offsets).
	Offsets []int

	// ScriptIDs are the per-stage assistant/script identifiers, injected from
	// config at wiring time. Must match len(Offsets).
	ScriptIDs []string

	// BatchStage is the single stage dispatched as one multi-recipient
	// request (the earliest, largest-population stage). -1 disables batch
	// mode; all stages then run sequentially.
	BatchStage int

	// CatchUp controls records whose stored stage trails today's matching
	// offset: true calls them with today's stage script and fast-forwards;
	// false skips them with a logged reason.
	CatchUp bool

	// MarkDoneOnFinal sets the done flag when the final stage completes.
	MarkDoneOnFinal bool

	// MaxDailyCalls caps how many records one run may call. 0 means no cap.
	MaxDailyCalls int

	// SkipWait places calls without blocking on completion or analysis: the
	// outcome is recorded immediately with whatever the provider returned at
	// submission. Keeps large sequential stages moving.
	SkipWait bool

	// OncePerDay restricts a record to at most one call per calendar day,
	// tracked via the follow-up date column (statement-call behavior).
	OncePerDay bool

	// Standing drops the trigger-day rule: every gated record is due at its
	// current stage until the sequence completes. The stage column is what
	// keeps standing outreach at-most-once (cross-sell behavior).
	Standing bool

	// Schema maps this campaign's sheet columns onto the canonical record
	// fields.
	Schema record.Schema

	// Skip is the gating predicate. It runs after the done/terminal checks
	// and returns (true, reason) for records this campaign must not call.
	Skip func(r record.Record) (skip bool, reason string)
}

// Stages returns the terminal stage count.
func (p Policy) Stages() int { return len(p.Offsets) }

// ScriptFor returns the script id for a stage, or "" when out of range.
func (p Policy) ScriptFor(stage int) string {
	if stage < 0 || stage >= len(p.ScriptIDs) {
		return ""
	}
	return p.ScriptIDs[stage]
}

// Validate checks internal consistency before a run is allowed to start.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("campaign: name is required")
	}
	if len(p.Offsets) == 0 {
		return fmt.Errorf("campaign %s: at least one stage offset is required", p.Name)
	}
	for i := 1; i < len(p.Offsets); i++ {
		if p.Offsets[i] >= p.Offsets[i-1] {
			return fmt.Errorf("campaign %s: offsets must strictly decrease, got %v", p.Name, p.Offsets)
		}
	}
	if p.Offsets[len(p.Offsets)-1] < 0 {
		return fmt.Errorf("campaign %s: offsets must be >= 0, got %v", p.Name, p.Offsets)
	}
	if len(p.ScriptIDs) != len(p.Offsets) {
		return fmt.Errorf("campaign %s: %d script ids for %d stages", p.Name, len(p.ScriptIDs), len(p.Offsets))
	}
	for i, id := range p.ScriptIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("campaign %s: script id for stage %d is empty", p.Name, i)
		}
	}
	if p.BatchStage >= len(p.Offsets) {
		return fmt.Errorf("campaign %s: batch stage %d out of range", p.Name, p.BatchStage)
	}
	return nil
}
