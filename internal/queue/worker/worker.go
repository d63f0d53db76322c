package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/queuectl/queuectl/internal/domain/job"
	"github.com/queuectl/queuectl/internal/executor"
	"github.com/queuectl/queuectl/internal/observability"
	"github.com/queuectl/queuectl/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Keep this small interface so tests can fake the store easily.
type JobStore interface {
	ClaimOnePending(ctx context.Context, nowTS int64) (string, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	UpdateJobState(ctx context.Context, id string, p store.UpdateParams) error
	GetConfigInt(ctx context.Context, key string, fallback int) int
}

type Config struct {
	PollInterval time.Duration
	WorkerID     string
	// Now returns seconds since epoch; overridable for deterministic tests.
	Now func() int64
}

type Worker struct {
	cfg     Config
	store   JobStore
	metrics *observability.JobMetrics
	log     *slog.Logger
}

var tracer = otel.Tracer("queuectl-worker")

// postJobPause keeps a pathological fast-failing job from spinning the loop.
const postJobPause = 500 * time.Millisecond

func New(cfg Config, st JobStore, metrics *observability.JobMetrics, log *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UTC().Unix() }
	}
	if metrics == nil {
		metrics = observability.NewJobMetrics()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Worker{cfg: cfg, store: st, metrics: metrics, log: log}
}

// Run polls the store for claimable work until ctx is cancelled. The loop is
// state-free: everything it knows about a job it reads back from the store
// after the claim.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "worker_id", w.cfg.WorkerID, "poll_interval", w.cfg.PollInterval.String())

	for {
		if ctx.Err() != nil {
			w.log.Info("worker received shutdown signal", "worker_id", w.cfg.WorkerID)
			return nil
		}

		id, err := w.store.ClaimOnePending(ctx, w.cfg.Now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("claim error", "worker_id", w.cfg.WorkerID, "err", err)
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		if id == "" {
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.metrics.IncClaimed()
		// Shutdown is observed only between jobs. The claimed job runs and
		// persists its outcome under a context the shutdown signal cannot
		// cancel; killing it mid-flight would strand the row in processing,
		// which nothing ever reclaims.
		w.processOne(context.WithoutCancel(ctx), id)
		sleep(ctx, postJobPause)
	}
}

func (w *Worker) processOne(ctx context.Context, id string) {
	j, err := w.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return
		}
		w.log.Error("fetch claimed job failed", "job_id", id, "err", err)
		return
	}

	start := time.Now()

	execCtx, span := tracer.Start(ctx, "job.run",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.Int("job.attempts", j.Attempts),
			attribute.Int("job.max_retries", j.MaxRetries),
			attribute.String("worker.id", w.cfg.WorkerID),
		),
	)
	defer span.End()

	w.log.Info("job.start",
		"worker_id", w.cfg.WorkerID,
		"job_id", j.ID,
		"command", j.Command,
		"attempts", fmt.Sprintf("%d/%d", j.Attempts, j.MaxRetries),
	)

	outcome := executor.Run(execCtx, j.Command, j.Timeout)
	d := time.Since(start)
	w.metrics.ObserveDuration(d)
	span.SetAttributes(attribute.Int64("job.duration_ms", d.Milliseconds()))

	switch outcome.Kind {
	case executor.Success:
		// attempts is left as-is: it counts failed executions, not total
		// runs, and a success adds nothing to it.
		state := job.StateCompleted
		err := w.store.UpdateJobState(execCtx, j.ID, store.UpdateParams{
			State:      &state,
			Attempts:   &j.Attempts,
			LastStdout: &outcome.Stdout,
			LastStderr: &outcome.Stderr,
		})
		if err != nil {
			span.RecordError(err)
			w.log.Error("job completion update failed", "job_id", j.ID, "err", err)
			return
		}

		w.metrics.IncCompleted()
		span.SetStatus(codes.Ok, "completed")
		w.log.Info("job.done", "worker_id", w.cfg.WorkerID, "job_id", j.ID, "duration_ms", d.Milliseconds())

	case executor.Failure:
		msg := failureMessage(outcome)
		span.SetStatus(codes.Error, msg)
		w.handleFailure(execCtx, j, msg)

	case executor.Timeout:
		msg := fmt.Sprintf("timeout after %ds", timeoutSeconds(j.Timeout))
		span.SetStatus(codes.Error, msg)
		w.handleFailure(execCtx, j, msg)

		// persist whatever partial output the platform surfaced
		err := w.store.UpdateJobState(execCtx, j.ID, store.UpdateParams{
			LastStdout: &outcome.Stdout,
			LastStderr: &outcome.Stderr,
		})
		if err != nil {
			w.log.Error("timeout output update failed", "job_id", j.ID, "err", err)
		}

	case executor.SpawnError:
		span.SetStatus(codes.Error, outcome.Message)
		w.handleFailure(execCtx, j, outcome.Message)
	}
}

// handleFailure routes one failed execution through the retry policy and
// persists the decision in a single update.
func (w *Worker) handleFailure(ctx context.Context, j job.Job, errMsg string) {
	w.metrics.IncFailed()

	base := w.store.GetConfigInt(ctx, "backoff_base", 2)
	d := Decide(j.Attempts, j.MaxRetries, base, w.cfg.Now())

	params := store.UpdateParams{
		State:      &d.State,
		Attempts:   &d.Attempts,
		LastError:  &errMsg,
		LastStderr: &errMsg,
	}
	if d.State == job.StatePending {
		params.NextRunAt = &d.NextRunAt
	}

	if err := w.store.UpdateJobState(ctx, j.ID, params); err != nil {
		w.log.Error("failure update failed", "job_id", j.ID, "err", err)
		return
	}

	if d.State == job.StateDead {
		w.metrics.IncDeadLettered()
		w.log.Warn("job.dead",
			"worker_id", w.cfg.WorkerID,
			"job_id", j.ID,
			"attempts", fmt.Sprintf("%d/%d", d.Attempts, j.MaxRetries),
			"err", errMsg,
		)
		return
	}

	w.metrics.IncRetried()
	w.log.Info("job.retry",
		"worker_id", w.cfg.WorkerID,
		"job_id", j.ID,
		"attempt", fmt.Sprintf("%d/%d", d.Attempts, j.MaxRetries),
		"next_run_at", d.NextRunAt,
		"err", errMsg,
	)
}

func failureMessage(o executor.Outcome) string {
	if o.Stderr != "" {
		return o.Stderr
	}
	if o.Stdout != "" {
		return o.Stdout
	}
	return fmt.Sprintf("exit status %d", o.ExitCode)
}

func timeoutSeconds(t *int) int {
	if t == nil {
		return 0
	}
	return *t
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
