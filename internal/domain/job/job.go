package job

import (
	"errors"
	"time"
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	// StateFailed is reserved; the engine never writes it.
	StateFailed State = "failed"
	StateDead   State = "dead"
)

func (s State) IsValid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateDead:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound    = errors.New("job not found")
	ErrDuplicateID = errors.New("job id already exists")
	ErrNotDead     = errors.New("job is not in the dead-letter queue")
)

// Timestamps are persisted as UTC ISO-8601 with a trailing Z.
const TimeLayout = time.RFC3339

func NowStamp() string {
	return time.Now().UTC().Format(TimeLayout)
}

// Job is one unit of shell work tracked by the queue. created_at and
// updated_at are kept as formatted strings so a row round-trips through
// the store byte-for-byte.
type Job struct {
	ID         string  `json:"id"`
	Command    string  `json:"command"`
	State      State   `json:"state"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	Priority   int     `json:"priority"`
	Timeout    *int    `json:"timeout"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
	NextRunAt  int64   `json:"next_run_at"`
	LastError  *string `json:"last_error"`
	LastStdout *string `json:"last_stdout"`
	LastStderr *string `json:"last_stderr"`
}

// Event is one append-only audit record for a job.
type Event struct {
	Seq       int64   `json:"seq"`
	JobID     string  `json:"job_id"`
	EventType string  `json:"event_type"`
	Message   *string `json:"message"`
	CreatedAt string  `json:"created_at"`
}

const (
	EventClaimed = "claimed"
	EventUpdated = "updated"
)

// StateEvent is the event type recorded for a state transition.
func StateEvent(s State) string {
	return "state:" + string(s)
}

// SubmitRequest is the shape accepted from the enqueue surface.
// A nil MaxRetries means "use the configured default".
type SubmitRequest struct {
	ID         string `json:"id" validate:"required"`
	Command    string `json:"command" validate:"required"`
	MaxRetries *int   `json:"max_retries" validate:"omitempty,gte=0"`
	Priority   int    `json:"priority"`
	Timeout    *int   `json:"timeout" validate:"omitempty,gt=0"`
	RunAt      string `json:"run_at"`
}

// New builds a pending job from a validated submit request.
func New(req SubmitRequest, defaultMaxRetries int, nextRunAt int64) Job {
	now := NowStamp()

	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	return Job{
		ID:         req.ID,
		Command:    req.Command,
		State:      StatePending,
		Attempts:   0,
		MaxRetries: maxRetries,
		Priority:   req.Priority,
		Timeout:    req.Timeout,
		CreatedAt:  now,
		UpdatedAt:  now,
		NextRunAt:  nextRunAt,
	}
}

// ParseRunAt accepts the canonical UTC form ("2006-01-02T15:04:05Z") or a
// space-separated variant; naive times are assumed UTC.
func ParseRunAt(s string) (int64, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t.UTC().Unix(), nil
	}

	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	if err != nil {
		return 0, err
	}

	return t.Unix(), nil
}
