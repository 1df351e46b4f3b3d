// Package vapi is the outbound voice provider adapter.
//
// Rules:
// - No provider HTTP calls outside this package.
// - Request/response types stay provider-shaped here; business logic consumes
//   the typed Call/Analysis structs and never raw JSON.
package vapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.vapi.ai"

	defaultHTTPTimeout = 30 * time.Second
)

// Call statuses reported by the provider.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusEnded      = "ended"
	StatusFailed     = "failed"
)

// End reasons for which the provider never produces transcript analysis.
// A monitor seeing one of these must not enter the analysis wait.
var noAnalysisReasons = map[string]bool{
	"customer-did-not-answer":          true,
	"customer-busy":                    true,
	"voicemail":                        true,
	"twilio-failed-to-connect-call":    true,
	"no-microphone-permission":         true,
	"assistant-error":                  true,
	"assistant-not-found":              true,
	"pipeline-error-openai-llm-failed": true,
}

// NoAnalysisOutcome reports whether an end reason belongs to the class of
// outcomes (no answer, busy, voicemail, connectivity failure) that never yield
// analysis data.
func NoAnalysisOutcome(endedReason string) bool {
	return noAnalysisReasons[strings.TrimSpace(endedReason)]
}

// Customer is one call recipient.
type Customer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

// CreateCallRequest creates one or more outbound calls sharing a script and
// originating number.
type CreateCallRequest struct {
	AssistantID   string            `json:"assistantId"`
	PhoneNumberID string            `json:"phoneNumberId"`
	Customers     []Customer        `json:"customers"`
	Variables     map[string]string `json:"-"`
	// EarliestAt defers dialing to a future instant (scheduled mode).
	EarliestAt *time.Time `json:"-"`
}

// MarshalJSON shapes the wire payload: variables ride under
// assistantOverrides.variableValues and scheduling under schedulePlan.
func (r CreateCallRequest) MarshalJSON() ([]byte, error) {
	type wire struct {
		AssistantID        string     `json:"assistantId"`
		PhoneNumberID      string     `json:"phoneNumberId"`
		Customers          []Customer `json:"customers"`
		AssistantOverrides *struct {
			VariableValues map[string]string `json:"variableValues"`
		} `json:"assistantOverrides,omitempty"`
		SchedulePlan *struct {
			EarliestAt string `json:"earliestAt"`
		} `json:"schedulePlan,omitempty"`
	}
	w := wire{
		AssistantID:   r.AssistantID,
		PhoneNumberID: r.PhoneNumberID,
		Customers:     r.Customers,
	}
	if len(r.Variables) > 0 {
		w.AssistantOverrides = &struct {
			VariableValues map[string]string `json:"variableValues"`
		}{VariableValues: r.Variables}
	}
	if r.EarliestAt != nil {
		w.SchedulePlan = &struct {
			EarliestAt string `json:"earliestAt"`
		}{EarliestAt: r.EarliestAt.UTC().Format(time.RFC3339)}
	}
	return json.Marshal(w)
}

// Analysis is the provider's post-call evaluation, populated some time after
// the call ends.
type Analysis struct {
	Summary           string         `json:"summary"`
	StructuredData    map[string]any `json:"structuredData"`
	SuccessEvaluation string         `json:"successEvaluation"`
}

// Complete reports whether at least one analysis component is non-trivially
// populated (the provider fills the three fields independently).
func (a Analysis) Complete() bool {
	if len(strings.TrimSpace(a.Summary)) > 10 {
		return true
	}
	if len(a.StructuredData) > 0 {
		return true
	}
	return len(strings.TrimSpace(a.SuccessEvaluation)) > 0
}

// Call is the provider's view of one call, reduced to the fields the engine
// acts on.
type Call struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	EndedReason string   `json:"endedReason"`
	Analysis    Analysis `json:"analysis"`
}

// Ended reports whether the call reached a terminal provider status.
func (c Call) Ended() bool {
	return c.Status == StatusEnded || c.Status == StatusFailed
}

// APIError is a non-2xx provider response. RequestID is the provider-assigned
// identifier quoted in support escalations.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("vapi: HTTP %d (request %s): %s", e.StatusCode, e.RequestID, e.Message)
	}
	return fmt.Sprintf("vapi: HTTP %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth retrying (server-side
// errors). Validation failures (4xx) are permanent.
func (e *APIError) Transient() bool { return e.StatusCode >= 500 }

// IsTransient classifies an error from this package for retry purposes:
// 5xx responses and network-level failures are transient, 4xx are not.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Connection resets, timeouts, DNS failures.
	return err != nil
}

// Client talks to the provider REST API.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewClient builds a provider client. baseURL may be empty (production API).
func NewClient(apiKey, baseURL string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("vapi: api key is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

// CreateCall submits one create-call request (one or many recipients) and
// returns the provider call ids. The response shape differs between single
// and multi-recipient requests; both are handled.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) ([]string, error) {
	if len(req.Customers) == 0 {
		return nil, errors.New("vapi: at least one customer is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("vapi: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vapi: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vapi: create call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vapi: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp, raw)
	}

	ids := extractCallIDs(raw)
	if len(ids) == 0 {
		return nil, fmt.Errorf("vapi: no call id in response: %s", truncate(string(raw), 200))
	}
	return ids, nil
}

// GetCall fetches current call state by id.
func (c *Client) GetCall(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, errors.New("vapi: call id is required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/call/"+callID, nil)
	if err != nil {
		return Call{}, fmt.Errorf("vapi: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return Call{}, fmt.Errorf("vapi: get call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Call{}, fmt.Errorf("vapi: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Call{}, newAPIError(resp, raw)
	}

	var call Call
	if err := json.Unmarshal(raw, &call); err != nil {
		return Call{}, fmt.Errorf("vapi: decode call: %w", err)
	}
	return call, nil
}

func newAPIError(resp *http.Response, raw []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Message:    truncate(string(raw), 300),
	}
	// Some error bodies carry the request id instead of the header.
	var parsed struct {
		Message   any    `json:"message"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.RequestID != "" {
		apiErr.RequestID = parsed.RequestID
	}
	return apiErr
}

// extractCallIDs handles both response shapes: a single call object with an
// id, or a batch response with a results list.
func extractCallIDs(raw []byte) []string {
	var batch struct {
		ID      string `json:"id"`
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &batch); err == nil {
		if len(batch.Results) > 0 {
			ids := make([]string, 0, len(batch.Results))
			for _, r := range batch.Results {
				if r.ID != "" {
					ids = append(ids, r.ID)
				}
			}
			return ids
		}
		if batch.ID != "" {
			return []string{batch.ID}
		}
	}
	// Rarely the provider returns a bare list of call objects.
	var list []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &list); err == nil {
		ids := make([]string, 0, len(list))
		for _, r := range list {
			if r.ID != "" {
				ids = append(ids, r.ID)
			}
		}
		return ids
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
