package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/queuectl/queuectl/internal/domain/job"
)

type DLQStore interface {
	RequeueDead(ctx context.Context, id string) error
}

type DLQHandler struct {
	store DLQStore
}

func NewDLQHandler(store DLQStore) *DLQHandler {
	return &DLQHandler{store: store}
}

// POST /api/dlq/retry (form: job_id). Auth is applied by the router.
func (h *DLQHandler) Retry(ctx *gin.Context) {
	jobID := ctx.PostForm("job_id")
	if jobID == "" {
		RespondBadRequest(ctx, "job_id is required", nil)
		return
	}

	err := h.store.RequeueDead(ctx.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			RespondNotFound(ctx, "Job not found")
		case errors.Is(err, job.ErrNotDead):
			RespondBadRequest(ctx, "Job not in DLQ", nil)
		default:
			RespondInternal(ctx, "could not requeue job")
		}
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Requeued " + jobID})
}
