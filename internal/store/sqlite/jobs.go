package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// JobStore persists jobs as JSON documents. Lease guards evaluate inside
// a transaction; the single-writer connection serializes them
type JobStore struct {
	handle
}

func (s *JobStore) GetOrCreate(
	ctx context.Context, job *api.Job,
) (*api.Job, bool, error) {
	if job.ID == "" {
		return nil, false, fmt.Errorf("%w: job id", store.ErrNotFound)
	}
	data, err := encode(job)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, execution_id, status, heartbeat_at,
			created_at, data)
		VALUES (?, ?, ?, NULL, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		s.table("jobs")),
		string(job.ID), string(job.ExecutionID), string(job.Status),
		job.CreatedAt.UnixMilli(), data,
	)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	existing, err := s.Get(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, affected > 0, nil
}

func (s *JobStore) Get(
	ctx context.Context, id api.JobID,
) (*api.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`,
			s.table("jobs")),
		string(id),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode[api.Job](data)
}

func (s *JobStore) Claim(
	ctx context.Context, id api.JobID, runnerID string,
) (bool, error) {
	return s.ClaimWithInstance(ctx, id, runnerID, "")
}

func (s *JobStore) ClaimWithInstance(
	ctx context.Context, id api.JobID, runnerID, instanceID string,
) (bool, error) {
	return s.update(ctx, id, true, func(job *api.Job) bool {
		if job.Status != api.JobPending ||
			job.Attempts >= job.MaxAttempts {
			return false
		}
		now := time.Now()
		job.Status = api.JobRunning
		job.RunnerID = runnerID
		job.InstanceID = instanceID
		job.Attempts++
		job.HeartbeatAt = &now
		return true
	})
}

func (s *JobStore) Heartbeat(
	ctx context.Context, id api.JobID, runnerID string,
) (bool, error) {
	return s.update(ctx, id, false, func(job *api.Job) bool {
		if job.Status != api.JobRunning || job.RunnerID != runnerID {
			return false
		}
		now := time.Now()
		job.HeartbeatAt = &now
		return true
	})
}

func (s *JobStore) Complete(
	ctx context.Context, id api.JobID, runnerID string, result any,
) (bool, error) {
	return s.update(ctx, id, false, func(job *api.Job) bool {
		if job.Status != api.JobRunning || job.RunnerID != runnerID {
			return false
		}
		job.Status = api.JobCompleted
		job.Result = result
		job.Error = nil
		return true
	})
}

func (s *JobStore) Fail(
	ctx context.Context, id api.JobID, runnerID string,
	errInfo *api.ErrorInfo,
) (bool, error) {
	return s.update(ctx, id, false, func(job *api.Job) bool {
		if job.Status != api.JobRunning || job.RunnerID != runnerID {
			return false
		}
		job.Status = api.JobFailed
		job.Error = errInfo
		return true
	})
}

func (s *JobStore) Cancel(ctx context.Context, id api.JobID) error {
	_, err := s.update(ctx, id, true, func(job *api.Job) bool {
		if job.Status.IsTerminal() {
			return false
		}
		job.Status = api.JobCancelled
		return true
	})
	return err
}

func (s *JobStore) ListPending(
	ctx context.Context, limit int,
) ([]*api.Job, error) {
	return s.query(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE status = ?
		ORDER BY created_at ASC %s`,
		s.table("jobs"), limitClause(limit)),
		string(api.JobPending),
	)
}

func (s *JobStore) FindStalled(
	ctx context.Context, now time.Time, limit int,
) ([]*api.Job, error) {
	running, err := s.query(ctx, fmt.Sprintf(`
		SELECT data FROM %s
		WHERE status = ? AND heartbeat_at IS NOT NULL
		ORDER BY created_at ASC`,
		s.table("jobs")),
		string(api.JobRunning),
	)
	if err != nil {
		return nil, err
	}
	var res []*api.Job
	for _, job := range running {
		if !job.IsStalled(now) {
			continue
		}
		res = append(res, job)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *JobStore) ResetStalled(
	ctx context.Context, id api.JobID,
) (bool, error) {
	exhausted := false
	reset, err := s.update(ctx, id, false, func(job *api.Job) bool {
		if job.Status != api.JobRunning {
			return false
		}
		if job.Attempts >= job.MaxAttempts {
			job.Status = api.JobFailed
			job.Error = api.NewError(
				api.CodeJobExceededAttempts,
				"job exceeded max attempts while stalled",
			)
			exhausted = true
			return true
		}
		job.Status = api.JobPending
		job.RunnerID = ""
		job.InstanceID = ""
		job.HeartbeatAt = nil
		return true
	})
	if err != nil {
		return false, err
	}
	return reset && !exhausted, nil
}

func (s *JobStore) SaveCheckpoint(
	ctx context.Context, id api.JobID, instanceID string, checkpoint any,
) (bool, error) {
	return s.update(ctx, id, false, func(job *api.Job) bool {
		if job.Status != api.JobRunning || job.InstanceID != instanceID {
			return false
		}
		job.Checkpoint = checkpoint
		return true
	})
}

func (s *JobStore) GetCheckpoint(
	ctx context.Context, id api.JobID,
) (any, bool, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.Checkpoint == nil {
		return nil, false, nil
	}
	return job.Checkpoint, true, nil
}

func (s *JobStore) UpdateProgress(
	ctx context.Context, id api.JobID, instanceID string,
	progress *api.Progress,
) (bool, error) {
	return s.update(ctx, id, false, func(job *api.Job) bool {
		if job.Status != api.JobRunning || job.InstanceID != instanceID {
			return false
		}
		copied := *progress
		job.Progress = &copied
		return true
	})
}

// update applies fn to the job inside a transaction. When errMissing is
// set, a missing job is an error; otherwise it reports a failed guard
func (s *JobStore) update(
	ctx context.Context, id api.JobID, errMissing bool,
	fn func(*api.Job) bool,
) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var data string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`,
			s.table("jobs")),
		string(id),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		if errMissing {
			return false, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	job, err := decode[api.Job](data)
	if err != nil {
		return false, err
	}
	if !fn(job) {
		return false, nil
	}
	job.UpdatedAt = time.Now()

	payload, err := encode(job)
	if err != nil {
		return false, err
	}
	var heartbeat any
	if job.HeartbeatAt != nil {
		heartbeat = job.HeartbeatAt.UnixMilli()
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, heartbeat_at = ?, data = ?
		WHERE id = ?`,
		s.table("jobs")),
		string(job.Status), heartbeat, payload, string(job.ID),
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *JobStore) query(
	ctx context.Context, query string, args ...any,
) ([]*api.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var res []*api.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		job, err := decode[api.Job](data)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, rows.Err()
}
