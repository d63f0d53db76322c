package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/queuectl/queuectl/internal/ws"
)

type StatusHandler struct {
	store ws.SnapshotStore
}

func NewStatusHandler(store ws.SnapshotStore) *StatusHandler {
	return &StatusHandler{store: store}
}

// GET /api/status
func (h *StatusHandler) Status(ctx *gin.Context) {
	snap, err := ws.BuildSnapshot(ctx.Request.Context(), h.store, time.Now().UTC().Unix())
	if err != nil {
		RespondInternal(ctx, "could not build status")
		return
	}

	ctx.JSON(200, snap.Status)
}

// GET /api/health
func Health(ctx *gin.Context) {
	ctx.JSON(200, gin.H{"status": "ok", "time": time.Now().UTC().Unix()})
}
