package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/queuectl/queuectl/internal/domain/job"
)

const jobColumns = `id, command, state, attempts, max_retries, priority, timeout,
	created_at, updated_at, next_run_at, last_error, last_stdout, last_stderr`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (job.Job, error) {
	var j job.Job
	var state string

	err := row.Scan(
		&j.ID, &j.Command, &state, &j.Attempts, &j.MaxRetries, &j.Priority,
		&j.Timeout, &j.CreatedAt, &j.UpdatedAt, &j.NextRunAt,
		&j.LastError, &j.LastStdout, &j.LastStderr,
	)
	if err != nil {
		return job.Job{}, err
	}

	j.State = job.State(state)
	return j, nil
}

// SaveJob inserts a new job. The id is client-supplied; a clash surfaces as
// job.ErrDuplicateID and leaves the first record untouched.
func (s *Store) SaveJob(ctx context.Context, j job.Job) error {
	if j.CreatedAt == "" {
		j.CreatedAt = job.NowStamp()
	}
	if j.UpdatedAt == "" {
		j.UpdatedAt = j.CreatedAt
	}
	if j.State == "" {
		j.State = job.StatePending
	}

	err := s.observe("jobs.save", func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO jobs(
			`+jobColumns+`
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.ID, j.Command, string(j.State), j.Attempts, j.MaxRetries, j.Priority,
			j.Timeout, j.CreatedAt, j.UpdatedAt, j.NextRunAt,
			j.LastError, j.LastStdout, j.LastStderr,
		)
		return err
	})

	if err != nil {
		if IsUniqueViolation(err) {
			return job.ErrDuplicateID
		}
		return err
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	var j job.Job

	err := s.observe("jobs.get", func() error {
		var scanErr error
		j, scanErr = scanJob(s.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		return scanErr
	})

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, err
	}
	return j, nil
}

// ListJobs returns all jobs, optionally filtered by state, scheduled order
// first (priority DESC, created_at ASC).
func (s *Store) ListJobs(ctx context.Context, state string) ([]job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any

	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, state)
	}
	q += ` ORDER BY priority DESC, created_at ASC`

	var out []job.Job

	err := s.observe("jobs.list", func() error {
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListJobsPaginated returns one page of jobs plus the unfiltered-by-page total.
func (s *Store) ListJobsPaginated(ctx context.Context, state string, page, perPage int) ([]job.Job, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	where := ""
	var args []any
	if state != "" {
		where = ` WHERE state = ?`
		args = append(args, state)
	}

	var out []job.Job
	var total int

	err := s.observe("jobs.list_paginated", func() error {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
			return err
		}

		pageArgs := append(append([]any{}, args...), perPage, (page-1)*perPage)
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs`+where+
				` ORDER BY priority DESC, created_at ASC LIMIT ? OFFSET ?`, pageArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// UpdateParams carries a partial update; nil fields are left untouched.
type UpdateParams struct {
	State      *job.State
	Attempts   *int
	NextRunAt  *int64
	LastError  *string
	LastStdout *string
	LastStderr *string
	Timeout    *int
	Priority   *int
}

// UpdateJobState applies the supplied fields, bumps updated_at, and appends a
// JobEvent in the same transaction. The event append is best-effort: a failed
// insert is logged and the primary update still commits.
func (s *Store) UpdateJobState(ctx context.Context, id string, p UpdateParams) error {
	var parts []string
	var args []any

	add := func(col string, v any) {
		parts = append(parts, col+" = ?")
		args = append(args, v)
	}

	if p.State != nil {
		add("state", string(*p.State))
	}
	if p.Attempts != nil {
		add("attempts", *p.Attempts)
	}
	if p.NextRunAt != nil {
		add("next_run_at", *p.NextRunAt)
	}
	if p.LastError != nil {
		add("last_error", *p.LastError)
	}
	if p.LastStdout != nil {
		add("last_stdout", *p.LastStdout)
	}
	if p.LastStderr != nil {
		add("last_stderr", *p.LastStderr)
	}
	if p.Timeout != nil {
		add("timeout", *p.Timeout)
	}
	if p.Priority != nil {
		add("priority", *p.Priority)
	}

	now := job.NowStamp()
	add("updated_at", now)
	args = append(args, id)

	eventType := job.EventUpdated
	if p.State != nil {
		eventType = job.StateEvent(*p.State)
	}

	var message *string
	if p.LastError != nil {
		message = p.LastError
	} else if p.LastStderr != nil {
		message = p.LastStderr
	}

	return s.observe("jobs.update_state", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET `+strings.Join(parts, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return job.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_events(job_id, event_type, message, created_at) VALUES (?,?,?,?)`,
			id, eventType, message, now); err != nil {
			s.log.Warn("job event insert failed", "job_id", id, "event_type", eventType, "err", err)
		}

		return tx.Commit()
	})
}

// RequeueDead moves a dead-letter job back to pending with a clean slate:
// attempts 0, immediately claimable, error and output cleared.
func (s *Store) RequeueDead(ctx context.Context, id string) error {
	return s.observe("jobs.requeue_dead", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var state string
		err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return job.ErrNotFound
			}
			return err
		}

		if state != string(job.StateDead) {
			return job.ErrNotDead
		}

		now := job.NowStamp()
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'pending',
			    attempts = 0,
			    next_run_at = 0,
			    last_error = NULL,
			    last_stdout = NULL,
			    last_stderr = NULL,
			    updated_at = ?
			WHERE id = ? AND state = 'dead'
		`, now, id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_events(job_id, event_type, message, created_at) VALUES (?,?,?,?)`,
			id, job.StateEvent(job.StatePending), nil, now); err != nil {
			s.log.Warn("job event insert failed", "job_id", id, "err", err)
		}

		return tx.Commit()
	})
}

// ClaimOnePending atomically moves the best eligible pending job to
// processing and returns its id, or "" when nothing is claimable.
//
// The claim runs inside BEGIN IMMEDIATE so the write slot is held from the
// select through the update, and the update is still guarded on
// state='pending' so a lost race rolls back rather than double-claims.
func (s *Store) ClaimOnePending(ctx context.Context, nowTS int64) (string, error) {
	var claimed string

	err := s.observe("jobs.claim", func() error {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			return err
		}

		rollback := func() {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}

		var id string
		err = conn.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE state = 'pending' AND next_run_at <= ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		`, nowTS).Scan(&id)

		if err != nil {
			rollback()
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		now := job.NowStamp()
		res, err := conn.ExecContext(ctx,
			`UPDATE jobs SET state = 'processing', updated_at = ? WHERE id = ? AND state = 'pending'`,
			now, id)
		if err != nil {
			rollback()
			return err
		}

		n, err := res.RowsAffected()
		if err != nil || n != 1 {
			rollback()
			return err
		}

		if _, err := conn.ExecContext(ctx,
			`INSERT INTO job_events(job_id, event_type, message, created_at) VALUES (?,?,?,?)`,
			id, job.EventClaimed, nil, now); err != nil {
			s.log.Warn("claim event insert failed", "job_id", id, "err", err)
		}

		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			rollback()
			return err
		}

		claimed = id
		return nil
	})

	if err != nil {
		return "", fmt.Errorf("claim pending: %w", err)
	}
	return claimed, nil
}

// JobEvents returns the most recent events for a job, newest first.
func (s *Store) JobEvents(ctx context.Context, jobID string, limit int) ([]job.Event, error) {
	if limit < 1 {
		limit = 100
	}

	var out []job.Event

	err := s.observe("jobs.events", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, job_id, event_type, message, created_at
			FROM job_events
			WHERE job_id = ?
			ORDER BY id DESC
			LIMIT ?
		`, jobID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e job.Event
			if err := rows.Scan(&e.Seq, &e.JobID, &e.EventType, &e.Message, &e.CreatedAt); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}
