package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/queuectl/queuectl/internal/domain/job"
	"github.com/queuectl/queuectl/internal/observability"
	"github.com/queuectl/queuectl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubStore(t *testing.T) *store.Store {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Init(context.Background()))
	return st
}

func newHubServer(t *testing.T, h *Hub) string {
	t.Helper()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", h.HandleWS)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestHandleWSRejectsBadToken(t *testing.T) {
	h := NewHub(newHubStore(t), "s3cret", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	url := newHubServer(t, h)

	conn := dialWS(t, url+"?token=wrong")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeUnauthorized, closeErr.Code)
}

func TestHandleWSSendsInitialSnapshot(t *testing.T) {
	st := newHubStore(t)
	require.NoError(t, st.SaveJob(context.Background(), job.Job{
		ID: "j1", Command: "echo hi", MaxRetries: 3,
	}))

	h := NewHub(st, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	conn := dialWS(t, newHubServer(t, h))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	assert.Equal(t, "snapshot", snap.Type)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "j1", snap.Jobs[0].ID)
	assert.Equal(t, 1, snap.Status.Pending)
	assert.Equal(t, 1, snap.Status.Total)
}

func TestHandleWSAcceptsValidToken(t *testing.T) {
	h := NewHub(newHubStore(t), "s3cret", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	conn := dialWS(t, newHubServer(t, h)+"?token=s3cret")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "snapshot", snap.Type)
}

func TestRetryMessageRequeuesDeadJob(t *testing.T) {
	st := newHubStore(t)

	errMsg := "boom"
	require.NoError(t, st.SaveJob(context.Background(), job.Job{
		ID: "dead-1", Command: "exit 1", State: job.StateDead,
		Attempts: 4, MaxRetries: 3, LastError: &errMsg,
	}))

	h := NewHub(st, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	conn := dialWS(t, newHubServer(t, h))

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "retry", "job_id": "dead-1",
	}))

	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), "dead-1")
		return err == nil && j.State == job.StatePending
	}, 3*time.Second, 20*time.Millisecond)

	j, err := st.GetJob(context.Background(), "dead-1")
	require.NoError(t, err)
	assert.Equal(t, 0, j.Attempts)
	assert.Nil(t, j.LastError)
}

func TestRetryMessageIgnoresLiveJob(t *testing.T) {
	st := newHubStore(t)
	require.NoError(t, st.SaveJob(context.Background(), job.Job{
		ID: "live-1", Command: "echo hi", MaxRetries: 3,
	}))

	h := NewHub(st, "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	conn := dialWS(t, newHubServer(t, h))

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "retry", "job_id": "live-1",
	}))

	// give the read loop a moment; the job must stay pending
	time.Sleep(200 * time.Millisecond)

	j, err := st.GetJob(context.Background(), "live-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, j.State)
}

func TestBroadcastSkipsUnchangedSnapshot(t *testing.T) {
	st := newHubStore(t)
	require.NoError(t, st.SaveJob(context.Background(), job.Job{
		ID: "j1", Command: "echo hi", MaxRetries: 3,
	}))

	prom := observability.NewProm(prometheus.NewRegistry())
	h := NewHub(st, "", prom, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	h.Broadcast(ctx)
	h.Broadcast(ctx)

	assert.Equal(t, 1.0, testutil.ToFloat64(prom.BroadcastsTotal.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.BroadcastsTotal.WithLabelValues("skipped")))

	// a real change resumes sending
	require.NoError(t, st.SaveJob(context.Background(), job.Job{
		ID: "j2", Command: "echo ho", MaxRetries: 3,
	}))
	h.Broadcast(ctx)

	assert.Equal(t, 2.0, testutil.ToFloat64(prom.BroadcastsTotal.WithLabelValues("sent")))
}
