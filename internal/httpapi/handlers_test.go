package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"calldirector/internal/engine"
	"calldirector/internal/record"

	"github.com/gin-gonic/gin"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (f *fakeRunner) Campaigns() []string { return []string{"cancellation", "renewal"} }

func (f *fakeRunner) Plan(_ context.Context, name string) (engine.Report, error) {
	if f.err != nil {
		return engine.Report{}, f.err
	}
	return engine.Report{
		RunID:    "run-1",
		Campaign: name,
		Date:     "2025-01-06",
		Total:    3,
		Due: []engine.Due{
			{Record: record.Record{RowNumber: 1, Name: "Acme LLC"}, Stage: 0, Reason: "stage 0 due (14 days before target)"},
		},
		Skipped: map[string]int{"done flag is set": 2},
	}, nil
}

func (f *fakeRunner) Run(_ context.Context, name string) (engine.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, name)
	return engine.Report{RunID: "run-1", Campaign: name, Placed: 1, Recorded: 1}, nil
}

func (f *fakeRunner) ranCampaigns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func newTestRouter(runner Runner) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := Handlers{Runner: runner}
	v1 := r.Group("/v1")
	v1.GET("/campaigns", h.ListCampaigns)
	v1.GET("/campaigns/:name/due", h.Due)
	v1.POST("/campaigns/:name/runs", h.StartRun)
	return r
}

func TestListCampaigns(t *testing.T) {
	r := newTestRouter(&fakeRunner{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/campaigns", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var body struct {
		Campaigns []string `json:"campaigns"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Campaigns) != 2 {
		t.Fatalf("unexpected campaigns: %v", body.Campaigns)
	}
}

func TestDueReturnsPlan(t *testing.T) {
	r := newTestRouter(&fakeRunner{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/campaigns/cancellation/due", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Campaign string           `json:"campaign"`
		Total    int              `json:"total"`
		Due      []map[string]any `json:"due"`
		Skipped  map[string]int   `json:"skipped"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Campaign != "cancellation" || body.Total != 3 || len(body.Due) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Due[0]["name"] != "Acme LLC" {
		t.Fatalf("due entry wrong: %v", body.Due[0])
	}
}

func TestDueUnknownCampaign(t *testing.T) {
	r := newTestRouter(&fakeRunner{err: errors.New("unknown campaign")})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/campaigns/upsell/due", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStartRunDetaches(t *testing.T) {
	runner := &fakeRunner{}
	r := newTestRouter(runner)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/campaigns/renewal/runs", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		TriggerID string `json:"trigger_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.TriggerID == "" {
		t.Fatalf("trigger id missing: %s", w.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if runs := runner.ranCampaigns(); len(runs) == 1 && runs[0] == "renewal" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
