// Package record defines the normalized view of one trackable row in the
// external record store.
//
// Normalization rule: all spelling variants of a logical attribute are resolved
// once, at the repository boundary. Scheduler, dispatcher, and recorder only
// ever see the canonical field names below and never branch on raw column
// titles.
package record

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Repository is the record-store contract the engine runs against. Listing is
// a full scan of the tracked sheet; updates target one row and must be applied
// as a single write so partially-updated rows are never visible.
type Repository interface {
	ListRecords(ctx context.Context) ([]Record, error)
	UpdateRecord(ctx context.Context, rec Record, u Update) error
}

// Canonical field names. Repository implementations map raw store columns onto
// these; Update payloads are keyed by them.
const (
	FieldName         = "name"
	FieldPhone        = "phone"
	FieldTargetDate   = "target_date"
	FieldStage        = "stage"
	FieldFollowupDate = "followup_date"
	FieldSummaryLog   = "summary_log"
	FieldEvalLog      = "eval_log"
	FieldDone         = "done"
)

// Record is one trackable entity (policy/claim/customer row).
//
// Invariants enforced by the engine:
// - Stage never decreases.
// - Done records and records at or past the terminal stage are never called.
// - FollowupDate is unset exactly when the record is terminal.
type Record struct {
	// ID is the opaque row identifier used for repository updates.
	ID string
	// RowNumber is the human-visible position in the sheet, for operator logs.
	RowNumber int

	Name  string
	Phone string

	// TargetDate is the anchor date the schedule counts backward from
	// (cancellation date, expiry date, payment-due date). Zero when the raw
	// cell was empty or unparseable; RawTargetDate keeps the original text so
	// skip reasons can quote it.
	TargetDate    time.Time
	RawTargetDate string

	Stage        int
	FollowupDate time.Time
	Done         bool

	SummaryLog string
	EvalLog    string

	// Fields holds every normalized cell, including campaign-specific gating
	// attributes (status, payee, payment state) consumed by skip predicates.
	Fields map[string]string
}

// Field returns the normalized cell value for key, or "" when absent.
func (r Record) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

// Terminal reports whether the record has completed all stages of a policy
// with the given terminal stage count.
func (r Record) Terminal(stages int) bool {
	return r.Done || r.Stage >= stages
}

// Update is a partial write-back, applied atomically as one row update.
// Nil pointers mean "leave unchanged". ClearFollowup clears the follow-up
// date cell (terminal records must not carry one).
type Update struct {
	Stage         *int
	FollowupDate  *time.Time
	ClearFollowup bool
	SummaryLog    *string
	EvalLog       *string
	Done          *bool
	// Fields carries writes to campaign-specific extra columns, keyed by the
	// canonical names declared in Schema.Extra.
	Fields map[string]string
}

// Schema names the raw store columns backing each canonical field. Each entry
// lists accepted spellings in priority order; the first column present in the
// sheet wins. Campaign policies supply one of these per sheet.
type Schema struct {
	Name         []string
	Phone        []string
	TargetDate   []string
	Stage        []string
	FollowupDate []string
	SummaryLog   []string
	EvalLog      []string
	Done         []string
	// Extra lists additional gating columns to expose through Record.Fields,
	// keyed by the canonical name the skip predicate reads.
	Extra map[string][]string
}

// NormalizeTitle converts a raw column title to the snake_case key used for
// matching ("Policy Expiry Date" -> "policy_expiry_date", "Done?" -> "done").
func NormalizeTitle(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	prevUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// dateFormats are the spellings operators have historically typed into date
// cells. Tried in order.
var dateFormats = []string{
	"2006-01-02",
	"01/02/2006",
	"01/02/06",
	"2006/01/02",
}

// ParseDate parses a date cell. Returns ok=false for empty or unparseable
// input rather than an error: a bad date is a skip reason, not a failure.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	// Date columns sometimes come back with a time component attached.
	if i := strings.IndexByte(s, 'T'); i > 0 {
		s = s[:i]
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseStage parses a stage cell. Blank or garbled values mean stage 0
// (the record has never been called).
func ParseStage(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	// Numeric cells may round-trip as "1.0".
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return int(f)
	}
	return 0
}

// ParseBool parses a checkbox cell.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "checked":
		return true
	}
	return false
}
