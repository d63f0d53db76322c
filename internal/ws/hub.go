package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/queuectl/queuectl/internal/domain/job"
	"github.com/queuectl/queuectl/internal/observability"
)

// closeUnauthorized is the protocol-level close code sent on a bad
// handshake token.
const closeUnauthorized = 4001

type HubStore interface {
	SnapshotStore
	GetJob(ctx context.Context, id string) (job.Job, error)
	RequeueDead(ctx context.Context, id string) error
}

// inbound is the one message shape clients may send. Anything else is
// silently ignored.
type inbound struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// Hub owns the dashboard client set and the periodic snapshot broadcast.
// A single mutex serialises writes to every connection; gorilla/websocket
// allows only one concurrent writer per conn.
type Hub struct {
	store HubStore
	log   *slog.Logger
	token string
	prom  *observability.Prom
	now   func() int64

	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[*websocket.Conn]bool
	lastJobs   []byte
	lastStatus Status
	hasLast    bool
}

func NewHub(store HubStore, token string, prom *observability.Prom, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}

	return &Hub{
		store:   store,
		log:     log,
		token:   token,
		prom:    prom,
		now:     func() int64 { return time.Now().UTC().Unix() },
		clients: map[*websocket.Conn]bool{},
		upgrader: websocket.Upgrader{
			// the dashboard is served same-host or proxied; origin checks
			// add nothing a token does not already cover
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run rebuilds and pushes a snapshot roughly once a second until ctx is
// cancelled. Unchanged snapshots are skipped.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Broadcast(ctx)
		}
	}
}

// Broadcast builds the current snapshot and writes it to all clients,
// unless both the jobs list and the status block (timestamp aside) are
// identical to the last broadcast. Clients whose send fails are dropped.
func (h *Hub) Broadcast(ctx context.Context) {
	snap, err := BuildSnapshot(ctx, h.store, h.now())
	if err != nil {
		h.log.Error("snapshot build failed", "err", err)
		return
	}

	jobsJSON, err := json.Marshal(snap.Jobs)
	if err != nil {
		h.log.Error("snapshot marshal failed", "err", err)
		return
	}

	// the timestamp advances every cycle; comparing it would defeat the
	// dedup entirely
	status := snap.Status
	status.Timestamp = 0

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hasLast && bytes.Equal(jobsJSON, h.lastJobs) && status == h.lastStatus {
		h.incBroadcast("skipped")
		return
	}

	h.lastJobs = jobsJSON
	h.lastStatus = status
	h.hasLast = true

	payload, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("snapshot marshal failed", "err", err)
		return
	}

	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.dropLocked(conn)
		}
	}
	h.incBroadcast("sent")
}

// HandleWS is the /ws endpoint: token gate on the handshake, one immediate
// snapshot so late joiners see current state, then a read loop for inbound
// requests. The handshake token gate is the only auth on this channel;
// inbound messages are not re-checked.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	if h.token != "" && c.Query("token") != h.token {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUnauthorized, "unauthorized"), deadline)
		conn.Close()
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	if h.prom != nil {
		h.prom.WSClients.Inc()
	}

	h.sendTo(c.Request.Context(), conn)

	go h.readLoop(conn)
}

// sendTo pushes a fresh snapshot to a single client, bypassing the
// broadcast dedup.
func (h *Hub) sendTo(ctx context.Context, conn *websocket.Conn) {
	snap, err := BuildSnapshot(ctx, h.store, h.now())
	if err != nil {
		h.log.Error("snapshot build failed", "err", err)
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.dropLocked(conn)
	}
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		h.dropLocked(conn)
		h.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Type != "retry" || msg.JobID == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.handleRetry(ctx, msg.JobID)
		cancel()
	}
}

func (h *Hub) handleRetry(ctx context.Context, id string) {
	j, err := h.store.GetJob(ctx, id)
	if err != nil || j.State != job.StateDead {
		return
	}

	if err := h.store.RequeueDead(ctx, id); err != nil {
		h.log.Error("ws retry requeue failed", "job_id", id, "err", err)
		return
	}

	h.log.Info("ws retry requeued", "job_id", id)
	h.Broadcast(ctx)
}

// dropLocked removes and closes a client. Caller holds h.mu.
func (h *Hub) dropLocked(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; !ok {
		return
	}

	delete(h.clients, conn)
	conn.Close()

	if h.prom != nil {
		h.prom.WSClients.Dec()
	}
}

func (h *Hub) incBroadcast(result string) {
	if h.prom != nil {
		h.prom.BroadcastsTotal.WithLabelValues(result).Inc()
	}
}
