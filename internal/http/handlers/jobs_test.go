package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/queuectl/queuectl/internal/domain/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobsReader struct {
	jobs   []job.Job
	total  int
	events []job.Event
	err    error

	gotState   string
	gotPage    int
	gotPerPage int
	gotJobID   string
	gotLimit   int
}

func (f *fakeJobsReader) ListJobsPaginated(_ context.Context, state string, page, perPage int) ([]job.Job, int, error) {
	f.gotState, f.gotPage, f.gotPerPage = state, page, perPage
	return f.jobs, f.total, f.err
}

func (f *fakeJobsReader) JobEvents(_ context.Context, jobID string, limit int) ([]job.Event, error) {
	f.gotJobID, f.gotLimit = jobID, limit
	return f.events, f.err
}

func jobsRouter(f *fakeJobsReader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	h := NewJobsHandler(f)
	r.GET("/api/jobs", h.List)
	r.GET("/api/jobs/:id/events", h.Events)

	return r
}

func doRequest(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestListJobsDefaults(t *testing.T) {
	f := &fakeJobsReader{
		jobs:  []job.Job{{ID: "a", State: job.StatePending}},
		total: 1,
	}

	w := doRequest(jobsRouter(f), http.MethodGet, "/api/jobs")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", f.gotState)
	assert.Equal(t, 1, f.gotPage)
	assert.Equal(t, 20, f.gotPerPage)

	var body struct {
		Jobs    []job.Job `json:"jobs"`
		Total   int       `json:"total"`
		Page    int       `json:"page"`
		PerPage int       `json:"per_page"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "a", body.Jobs[0].ID)
}

func TestListJobsPassesFilters(t *testing.T) {
	f := &fakeJobsReader{}

	w := doRequest(jobsRouter(f), http.MethodGet, "/api/jobs?state=dead&page=3&per_page=5")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dead", f.gotState)
	assert.Equal(t, 3, f.gotPage)
	assert.Equal(t, 5, f.gotPerPage)
}

func TestListJobsRejectsUnknownState(t *testing.T) {
	f := &fakeJobsReader{}

	w := doRequest(jobsRouter(f), http.MethodGet, "/api/jobs?state=bogus")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown state")
}

func TestListJobsEmptySerialisesAsArray(t *testing.T) {
	f := &fakeJobsReader{}

	w := doRequest(jobsRouter(f), http.MethodGet, "/api/jobs")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"jobs":[]`)
}

func TestListJobsStoreError(t *testing.T) {
	f := &fakeJobsReader{err: errors.New("disk on fire")}

	w := doRequest(jobsRouter(f), http.MethodGet, "/api/jobs")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestJobEvents(t *testing.T) {
	msg := "boom"
	f := &fakeJobsReader{
		events: []job.Event{{Seq: 2, JobID: "a", EventType: "state:dead", Message: &msg}},
	}

	w := doRequest(jobsRouter(f), http.MethodGet, "/api/jobs/a/events?limit=5")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", f.gotJobID)
	assert.Equal(t, 5, f.gotLimit)

	var events []job.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "state:dead", events[0].EventType)
}
