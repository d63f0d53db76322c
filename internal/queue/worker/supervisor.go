package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/queuectl/queuectl/internal/observability"
	"github.com/queuectl/queuectl/internal/store"
)

type SupervisorConfig struct {
	DBPath        string
	Count         int
	Foreground    bool
	PollInterval  time.Duration
	ShutdownGrace time.Duration
}

// RunSupervised spawns cfg.Count worker loops, each with its own store
// handle, and blocks until ctx is cancelled (shutdown signal) and the loops
// drain. Shutdown is cooperative: a loop finishes its current job first.
// Loops still busy after the grace window are abandoned rather than waited
// on forever.
//
// Foreground mode runs exactly one loop on the calling goroutine, which
// keeps debugging simple.
func RunSupervised(ctx context.Context, cfg SupervisorConfig, log *slog.Logger) error {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	host, _ := os.Hostname()
	pid := os.Getpid()

	metrics := observability.NewJobMetrics()
	go logMetricsLoop(ctx, metrics, 30*time.Second, log)

	newWorker := func(n int) (*Worker, *store.Store, error) {
		st, err := store.Open(cfg.DBPath, nil, log)
		if err != nil {
			return nil, nil, fmt.Errorf("worker %d: open store: %w", n, err)
		}

		w := New(Config{
			PollInterval: cfg.PollInterval,
			WorkerID:     fmt.Sprintf("%s-%d-%d", host, pid, n),
		}, st, metrics, log)

		return w, st, nil
	}

	if cfg.Foreground {
		w, st, err := newWorker(1)
		if err != nil {
			return err
		}
		defer st.Close()
		return w.Run(ctx)
	}

	var wg sync.WaitGroup

	for i := 1; i <= cfg.Count; i++ {
		w, st, err := newWorker(i)
		if err != nil {
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer st.Close()
			_ = w.Run(ctx)
		}()
	}

	log.Info("supervisor started", "workers", cfg.Count, "pid", pid)

	<-ctx.Done()
	log.Info("supervisor: shutdown signal received; waiting for workers")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("supervisor: all workers exited")
	case <-time.After(cfg.ShutdownGrace):
		log.Warn("supervisor: shutdown grace exceeded; exiting with workers still busy",
			"grace", cfg.ShutdownGrace.String())
	}

	return nil
}

func logMetricsLoop(ctx context.Context, m *observability.JobMetrics, every time.Duration, log *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
			s := m.Snapshot()
			log.Info("job metrics",
				"claimed", s.Claimed,
				"completed", s.Completed,
				"failed", s.Failed,
				"retried", s.Retried,
				"dead_lettered", s.DeadLettered,
				"duration_avg", s.AverageDuration.String(),
				"duration_max", s.MaxDuration.String(),
			)
		}
	}
}
