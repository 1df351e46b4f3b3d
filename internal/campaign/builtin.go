package campaign

import (
	"fmt"
	"sort"
	"strings"

	"calldirector/internal/record"
)

// Canonical names of campaign-specific gating fields surfaced through
// Record.Fields.
const (
	FieldCompany        = "company"
	FieldAmountDue      = "amount_due"
	FieldStatus         = "status"
	FieldPayee          = "payee"
	FieldPaymentStatus  = "payment_status"
	FieldLastCallDate   = "last_call_date"
	FieldPolicyNumber   = "policy_number"
	FieldAgentName      = "agent_name"
	FieldLineOfBusiness = "lob"
)

// Names returns the built-in campaign names in stable order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the built-in policy for name. Script ids are empty until the
// caller injects them from config.
func Lookup(name string) (Policy, error) {
	p, ok := builtin[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, fmt.Errorf("campaign: unknown campaign %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

func requireFields(r record.Record, fields ...string) (bool, string) {
	for _, f := range fields {
		if strings.TrimSpace(r.Field(f)) == "" {
			return true, fmt.Sprintf("%s is empty", f)
		}
	}
	return false, ""
}

// statusIs matches a gating cell loosely, the way operators actually type it:
// case-insensitive, whitespace-insensitive containment.
func statusIs(got, want string) bool {
	g := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(got)), " ", "")
	w := strings.ReplaceAll(strings.ToLower(want), " ", "")
	return strings.Contains(g, w)
}

var builtin = map[string]Policy{
	"cancellation": {
		Name:            "cancellation",
		Offsets:         []int{14, 7, 1},
		ScriptIDs:       make([]string, 3),
		BatchStage:      0,
		MarkDoneOnFinal: true,
		Schema: record.Schema{
			Name:         []string{"company", "insured"},
			Phone:        []string{"phone_number", "phone"},
			TargetDate:   []string{"cancellation_date"},
			Stage:        []string{"ai_call_stage"},
			FollowupDate: []string{"f_u_date", "followup_date"},
			SummaryLog:   []string{"ai_call_summary"},
			EvalLog:      []string{"ai_call_eval"},
			Done:         []string{"done"},
			Extra: map[string][]string{
				FieldCompany:      {"company"},
				FieldAmountDue:    {"amount_due"},
				FieldPolicyNumber: {"policy_number"},
				FieldAgentName:    {"agent_name", "agent"},
			},
		},
		Skip: func(r record.Record) (bool, string) {
			return requireFields(r, FieldCompany, FieldAmountDue)
		},
	},

	"renewal": {
		Name:            "renewal",
		Offsets:         []int{14, 7, 1, 0},
		ScriptIDs:       make([]string, 4),
		BatchStage:      0,
		MarkDoneOnFinal: true,
		Schema: record.Schema{
			Name:         []string{"company", "insured"},
			Phone:        []string{"phone_number", "phone"},
			TargetDate:   []string{"policy_expiry_date", "expiration_date"},
			Stage:        []string{"renewal_call_stage"},
			FollowupDate: []string{"renewal_f_u_date", "f_u_date"},
			SummaryLog:   []string{"renewal_call_summary"},
			EvalLog:      []string{"renewal_call_eval"},
			Done:         []string{"done"},
			Extra: map[string][]string{
				FieldCompany:      {"company"},
				FieldStatus:       {"renewal_status", "renewal_non_renewal"},
				FieldPolicyNumber: {"policy_number"},
			},
		},
		Skip: func(r record.Record) (bool, string) {
			if skip, reason := requireFields(r, FieldCompany); skip {
				return skip, reason
			}
			if !statusIs(r.Field(FieldStatus), "renewal") || statusIs(r.Field(FieldStatus), "non-renewal") {
				return true, fmt.Sprintf("status is not renewal (got %q)", r.Field(FieldStatus))
			}
			return false, ""
		},
	},

	"non-renewal": {
		Name:            "non-renewal",
		Offsets:         []int{14, 7, 1},
		ScriptIDs:       make([]string, 3),
		BatchStage:      0,
		MarkDoneOnFinal: true,
		Schema: record.Schema{
			Name:         []string{"company", "insured"},
			Phone:        []string{"phone_number", "phone"},
			TargetDate:   []string{"policy_expiry_date", "expiration_date"},
			Stage:        []string{"non_renewal_call_stage", "renewal_call_stage"},
			FollowupDate: []string{"non_renewal_f_u_date", "f_u_date"},
			SummaryLog:   []string{"non_renewal_call_summary"},
			EvalLog:      []string{"non_renewal_call_eval"},
			Done:         []string{"done"},
			Extra: map[string][]string{
				FieldCompany:      {"company"},
				FieldStatus:       {"renewal_status", "renewal_non_renewal"},
				FieldPolicyNumber: {"policy_number"},
			},
		},
		Skip: func(r record.Record) (bool, string) {
			if skip, reason := requireFields(r, FieldCompany); skip {
				return skip, reason
			}
			if !statusIs(r.Field(FieldStatus), "non-renewal") {
				return true, fmt.Sprintf("status is not non-renewal (got %q)", r.Field(FieldStatus))
			}
			return false, ""
		},
	},

	"direct-bill": {
		Name:            "direct-bill",
		Offsets:         []int{14, 7, 1},
		ScriptIDs:       make([]string, 3),
		BatchStage:      0,
		MarkDoneOnFinal: true,
		Schema: record.Schema{
			Name:         []string{"company", "insured"},
			Phone:        []string{"phone_number", "phone"},
			TargetDate:   []string{"payment_due_date", "due_date"},
			Stage:        []string{"payment_call_stage"},
			FollowupDate: []string{"payment_f_u_date"},
			SummaryLog:   []string{"payment_call_summary"},
			EvalLog:      []string{"payment_call_eval"},
			Done:         []string{"done"},
			Extra: map[string][]string{
				FieldCompany:       {"company"},
				FieldPayee:         {"payee"},
				FieldPaymentStatus: {"payment_status"},
				FieldStatus:        {"renewal_status", "renewal_non_renewal"},
			},
		},
		Skip: func(r record.Record) (bool, string) {
			if skip, reason := requireFields(r, FieldCompany); skip {
				return skip, reason
			}
			if !statusIs(r.Field(FieldPayee), "direct billed") {
				return true, fmt.Sprintf("payee is not direct billed (got %q)", r.Field(FieldPayee))
			}
			if !statusIs(r.Field(FieldPaymentStatus), "pending payment") {
				return true, fmt.Sprintf("payment status is not pending payment (got %q)", r.Field(FieldPaymentStatus))
			}
			if !statusIs(r.Field(FieldStatus), "renewal") || statusIs(r.Field(FieldStatus), "non-renewal") {
				return true, fmt.Sprintf("status is not renewal (got %q)", r.Field(FieldStatus))
			}
			return false, ""
		},
	},

	"mortgage-bill": {
		Name:            "mortgage-bill",
		Offsets:         []int{14, 7},
		ScriptIDs:       make([]string, 2),
		BatchStage:      0,
		MarkDoneOnFinal: true,
		Schema: record.Schema{
			Name:         []string{"company", "insured"},
			Phone:        []string{"phone_number", "phone"},
			TargetDate:   []string{"payment_due_date", "due_date"},
			Stage:        []string{"mortgage_call_stage"},
			FollowupDate: []string{"mortgage_f_u_date"},
			SummaryLog:   []string{"mortgage_call_summary"},
			EvalLog:      []string{"mortgage_call_eval"},
			Done:         []string{"done"},
			Extra: map[string][]string{
				FieldCompany:       {"company"},
				FieldPayee:         {"payee"},
				FieldPaymentStatus: {"payment_status"},
			},
		},
		Skip: func(r record.Record) (bool, string) {
			if skip, reason := requireFields(r, FieldCompany); skip {
				return skip, reason
			}
			if !statusIs(r.Field(FieldPayee), "mortgagee") {
				return true, fmt.Sprintf("payee is not mortgagee (got %q)", r.Field(FieldPayee))
			}
			if !statusIs(r.Field(FieldPaymentStatus), "pending payment") {
				return true, fmt.Sprintf("payment status is not pending payment (got %q)", r.Field(FieldPaymentStatus))
			}
			return false, ""
		},
	},

	// statement-call works through a standing list rather than a countdown:
	// every gated record gets at most one call per day, and the sequence never
	// terminates on its own.
	"statement-call": {
		Name:          "statement-call",
		Offsets:       []int{0},
		ScriptIDs:     make([]string, 1),
		BatchStage:    -1,
		OncePerDay:    true,
		MaxDailyCalls: 100,
		Schema: record.Schema{
			Name:         []string{"company", "insured_name", "insured"},
			Phone:        []string{"phone_number", "contact_phone"},
			TargetDate:   []string{"statement_date"},
			Stage:        []string{"called_times"},
			FollowupDate: []string{"f_u_date"},
			SummaryLog:   []string{"call_notes", "call_summary"},
			EvalLog:      []string{"call_eval"},
			Done:         []string{"done"},
			Extra: map[string][]string{
				FieldCompany:      {"company", "insured_name"},
				FieldLastCallDate: {"last_call_made_date", "last_call_date"},
			},
		},
		Skip: func(r record.Record) (bool, string) {
			return requireFields(r, FieldCompany)
		},
	},

	// cross-sell rides the renewal book: insureds whose only line of business
	// is home get one standing outreach about bundling. The stage column keeps
	// it to a single call per record.
	"cross-sell": {
		Name:            "cross-sell",
		Offsets:         []int{0},
		ScriptIDs:       make([]string, 1),
		BatchStage:      0,
		Standing:        true,
		MarkDoneOnFinal: true,
		Schema: record.Schema{
			Name:       []string{"company", "insured"},
			Phone:      []string{"client_phone_number", "phone_number", "phone"},
			TargetDate: []string{"policy_expiry_date", "expiration_date"},
			Stage:      []string{"cross_sell_call_stage", "cross_sell_stage"},
			SummaryLog: []string{"cross_sell_call_summary", "ai_call_summary"},
			EvalLog:    []string{"cross_sell_call_eval", "ai_call_eval"},
			Done:       []string{"done"},
			Extra: map[string][]string{
				FieldCompany:        {"company"},
				FieldLineOfBusiness: {"lob", "line_of_business"},
			},
		},
		Skip: func(r record.Record) (bool, string) {
			if skip, reason := requireFields(r, FieldCompany); skip {
				return skip, reason
			}
			if lob := r.Field(FieldLineOfBusiness); lob != "" && !statusIs(lob, "home") {
				return true, fmt.Sprintf("line of business is not home (got %q)", lob)
			}
			return false, ""
		},
	},
}
