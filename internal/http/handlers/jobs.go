package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/queuectl/queuectl/internal/domain/job"
)

// Keep this small interface so tests can fake the store easily.
type JobsReader interface {
	ListJobsPaginated(ctx context.Context, state string, page, perPage int) ([]job.Job, int, error)
	JobEvents(ctx context.Context, jobID string, limit int) ([]job.Event, error)
}

type JobsHandler struct {
	store JobsReader
}

func NewJobsHandler(store JobsReader) *JobsHandler {
	return &JobsHandler{store: store}
}

// GET /api/jobs?state=&page=&per_page=
func (h *JobsHandler) List(ctx *gin.Context) {
	state := ctx.Query("state")
	if state != "" && !job.State(state).IsValid() {
		RespondBadRequest(ctx, "unknown state", gin.H{"state": state})
		return
	}

	page := intQuery(ctx, "page", 1)
	perPage := intQuery(ctx, "per_page", 20)

	jobs, total, err := h.store.ListJobsPaginated(ctx.Request.Context(), state, page, perPage)
	if err != nil {
		RespondInternal(ctx, "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}

	ctx.JSON(200, gin.H{
		"jobs":     jobs,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// GET /api/jobs/:id/events?limit=
func (h *JobsHandler) Events(ctx *gin.Context) {
	limit := intQuery(ctx, "limit", 100)

	events, err := h.store.JobEvents(ctx.Request.Context(), ctx.Param("id"), limit)
	if err != nil {
		RespondInternal(ctx, "could not list job events")
		return
	}
	if events == nil {
		events = []job.Event{}
	}

	ctx.JSON(200, events)
}

func intQuery(ctx *gin.Context, key string, fallback int) int {
	raw := ctx.Query(key)
	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
