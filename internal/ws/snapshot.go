package ws

import (
	"context"
	"math"

	"github.com/queuectl/queuectl/internal/domain/job"
)

// Status is the summary block of a snapshot: per-state counts, total,
// average attempts across all jobs, and the build time.
type Status struct {
	Pending     int     `json:"pending"`
	Processing  int     `json:"processing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Dead        int     `json:"dead"`
	Total       int     `json:"total"`
	AvgAttempts float64 `json:"avg_attempts"`
	Timestamp   int64   `json:"timestamp"`
}

// Snapshot is the full serialised view of the jobs table pushed to
// dashboard clients.
type Snapshot struct {
	Type   string    `json:"type"`
	Jobs   []job.Job `json:"jobs"`
	Status Status    `json:"status"`
}

type SnapshotStore interface {
	ListJobs(ctx context.Context, state string) ([]job.Job, error)
	StatsSummary(ctx context.Context) (map[string]int, error)
}

// BuildSnapshot reads the whole queue and assembles the snapshot payload.
// avg_attempts is rounded to two decimals and is 0 for an empty queue.
func BuildSnapshot(ctx context.Context, st SnapshotStore, now int64) (Snapshot, error) {
	jobs, err := st.ListJobs(ctx, "")
	if err != nil {
		return Snapshot{}, err
	}
	if jobs == nil {
		jobs = []job.Job{}
	}

	summary, err := st.StatsSummary(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	avg := 0.0
	if len(jobs) > 0 {
		sum := 0
		for _, j := range jobs {
			sum += j.Attempts
		}
		avg = math.Round(float64(sum)/float64(len(jobs))*100) / 100
	}

	return Snapshot{
		Type: "snapshot",
		Jobs: jobs,
		Status: Status{
			Pending:     summary[string(job.StatePending)],
			Processing:  summary[string(job.StateProcessing)],
			Completed:   summary[string(job.StateCompleted)],
			Failed:      summary[string(job.StateFailed)],
			Dead:        summary[string(job.StateDead)],
			Total:       summary["total"],
			AvgAttempts: avg,
			Timestamp:   now,
		},
	}, nil
}
