package worker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/queuectl/queuectl/internal/domain/job"
	"github.com/queuectl/queuectl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkerStore(t *testing.T) *store.Store {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), nil, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Init(context.Background()))
	return st
}

func newTestWorker(st *store.Store, now int64) *Worker {
	return New(Config{
		WorkerID: "test-worker",
		Now:      func() int64 { return now },
	}, st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func saveJob(t *testing.T, st *store.Store, j job.Job) {
	t.Helper()
	require.NoError(t, st.SaveJob(context.Background(), j))
}

// claimAndProcess drives one claim-execute-persist cycle, the same sequence
// Run performs per iteration.
func claimAndProcess(t *testing.T, w *Worker, st *store.Store, nowTS int64) string {
	t.Helper()

	id, err := st.ClaimOnePending(context.Background(), nowTS)
	require.NoError(t, err)
	require.NotEqual(t, "", id)

	w.processOne(context.Background(), id)
	return id
}

func TestProcessOneSuccess(t *testing.T) {
	st := newWorkerStore(t)
	w := newTestWorker(st, 100)

	saveJob(t, st, job.Job{ID: "ok", Command: "echo hi", MaxRetries: 3})
	claimAndProcess(t, w, st, 100)

	got, err := st.GetJob(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, 0, got.Attempts, "success does not consume an attempt")
	require.NotNil(t, got.LastStdout)
	assert.Equal(t, "hi", *got.LastStdout)
	assert.Nil(t, got.LastError)
}

func TestProcessOneSuccessAfterRetriesKeepsAttempts(t *testing.T) {
	st := newWorkerStore(t)
	w := newTestWorker(st, 100)

	saveJob(t, st, job.Job{ID: "recovered", Command: "echo back", MaxRetries: 5, Attempts: 2})
	claimAndProcess(t, w, st, 100)

	got, err := st.GetJob(context.Background(), "recovered")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, 2, got.Attempts, "attempts records past failures, not total runs")
}

func TestProcessOneFailureSchedulesRetry(t *testing.T) {
	st := newWorkerStore(t)
	w := newTestWorker(st, 100)

	saveJob(t, st, job.Job{ID: "flaky", Command: "exit 1", MaxRetries: 3})
	claimAndProcess(t, w, st, 100)

	got, err := st.GetJob(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, int64(102), got.NextRunAt, "first retry after backoff_base^1 seconds")
	require.NotNil(t, got.LastError)
	assert.Equal(t, "exit status 1", *got.LastError)
}

func TestProcessOneFailurePrefersStderr(t *testing.T) {
	st := newWorkerStore(t)
	w := newTestWorker(st, 100)

	saveJob(t, st, job.Job{ID: "noisy", Command: "echo broken pipe >&2; exit 2", MaxRetries: 3})
	claimAndProcess(t, w, st, 100)

	got, err := st.GetJob(context.Background(), "noisy")
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "broken pipe", *got.LastError)
}

func TestProcessOneExhaustsRetriesIntoDLQ(t *testing.T) {
	st := newWorkerStore(t)
	w := newTestWorker(st, 100)

	saveJob(t, st, job.Job{ID: "doomed", Command: "exit 1", MaxRetries: 2})

	// backoff is 2^1 then 2^2 seconds from the fixed clock at 100
	for _, nowTS := range []int64{100, 102, 104} {
		claimAndProcess(t, w, st, nowTS)
	}

	got, err := st.GetJob(context.Background(), "doomed")
	require.NoError(t, err)
	assert.Equal(t, job.StateDead, got.State)
	assert.Equal(t, 3, got.Attempts)

	s := w.metrics.Snapshot()
	assert.Equal(t, uint64(3), s.Failed)
	assert.Equal(t, uint64(2), s.Retried)
	assert.Equal(t, uint64(1), s.DeadLettered)
}

func TestProcessOneTimeout(t *testing.T) {
	st := newWorkerStore(t)
	w := newTestWorker(st, 100)

	timeout := 1
	saveJob(t, st, job.Job{ID: "slow", Command: "echo started; sleep 10", MaxRetries: 3, Timeout: &timeout})
	claimAndProcess(t, w, st, 100)

	got, err := st.GetJob(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "timeout after 1s", *got.LastError)
	require.NotNil(t, got.LastStdout)
	assert.Equal(t, "started", *got.LastStdout, "partial output is preserved")
}

func TestProcessOneHonorsConfiguredBackoffBase(t *testing.T) {
	st := newWorkerStore(t)
	w := newTestWorker(st, 100)

	require.NoError(t, st.SetConfig(context.Background(), "backoff_base", "5"))

	saveJob(t, st, job.Job{ID: "tuned", Command: "exit 1", MaxRetries: 3})
	claimAndProcess(t, w, st, 100)

	got, err := st.GetJob(context.Background(), "tuned")
	require.NoError(t, err)
	assert.Equal(t, int64(105), got.NextRunAt)
}

func TestRunFinishesInFlightJobBeforeStopping(t *testing.T) {
	st := newWorkerStore(t)

	w := New(Config{
		WorkerID:     "drain-worker",
		PollInterval: 20 * time.Millisecond,
	}, st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	saveJob(t, st, job.Job{ID: "inflight", Command: "sleep 1; echo done", MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// cancel mid-execution, once the claim has landed
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), "inflight")
		return err == nil && j.State == job.StateProcessing
	}, 3*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	// the running job completed and its outcome was persisted; it was not
	// killed and stranded in processing
	got, err := st.GetJob(context.Background(), "inflight")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
	require.NotNil(t, got.LastStdout)
	assert.Equal(t, "done", *got.LastStdout)
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	st := newWorkerStore(t)

	w := New(Config{
		WorkerID:     "loop-worker",
		PollInterval: 20 * time.Millisecond,
	}, st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	saveJob(t, st, job.Job{ID: "loop-1", Command: "echo one", MaxRetries: 3})
	saveJob(t, st, job.Job{ID: "loop-2", Command: "echo two", MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range []string{"loop-1", "loop-2"} {
			j, err := st.GetJob(context.Background(), id)
			if err != nil || j.State != job.StateCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 25*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
