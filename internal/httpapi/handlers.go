// Package httpapi is the trigger surface: operators start campaign runs and
// inspect due lists over HTTP instead of shelling into the scheduler host.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"calldirector/internal/engine"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Runner is the slice of the engine service the API needs.
type Runner interface {
	Campaigns() []string
	Plan(ctx context.Context, name string) (engine.Report, error)
	Run(ctx context.Context, name string) (engine.Report, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Runner Runner
	Log    *slog.Logger
}

// ListCampaigns returns the campaigns this deployment is configured to run.
func (h Handlers) ListCampaigns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"campaigns": h.Runner.Campaigns()})
}

// Due returns today's due list for one campaign without placing calls.
func (h Handlers) Due(c *gin.Context) {
	name := c.Param("name")
	rep, err := h.Runner.Plan(c.Request.Context(), name)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dueResponse(rep))
}

// StartRun launches one campaign run in the background and returns 202 with
// the run id. A run can take hours (pacing, hourly budgets), so the request
// must not block on it.
func (h Handlers) StartRun(c *gin.Context) {
	name := c.Param("name")

	// Validate the campaign before detaching.
	if _, err := h.Runner.Plan(c.Request.Context(), name); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID := uuid.NewString()
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	go func() {
		rep, err := h.Runner.Run(context.Background(), name)
		if err != nil {
			log.Error("triggered run failed", "campaign", name, "trigger_id", runID, "error", err)
			return
		}
		log.Info("triggered run finished",
			"campaign", name, "trigger_id", runID, "run_id", rep.RunID,
			"placed", rep.Placed, "recorded", rep.Recorded,
			"failed", rep.Failed, "unrecorded", rep.Unrecorded)
	}()

	c.JSON(http.StatusAccepted, gin.H{"trigger_id": runID, "campaign": name})
}

func dueResponse(rep engine.Report) gin.H {
	due := make([]gin.H, 0, len(rep.Due))
	for _, d := range rep.Due {
		due = append(due, gin.H{
			"row":    d.Record.RowNumber,
			"name":   d.Record.Name,
			"stage":  d.Stage,
			"reason": d.Reason,
		})
	}
	return gin.H{
		"run_id":   rep.RunID,
		"campaign": rep.Campaign,
		"date":     rep.Date,
		"total":    rep.Total,
		"due":      due,
		"skipped":  rep.Skipped,
	}
}
