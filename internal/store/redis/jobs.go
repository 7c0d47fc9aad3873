package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// JobStore persists jobs as JSON with a pending sorted set and a running
// set as claim indexes. Lease guards run inside WATCH transactions; a
// concurrent writer aborts the transaction and the guard re-evaluates
type JobStore struct {
	handle
}

// maxTxRetries bounds optimistic transaction retries under contention
const maxTxRetries = 16

func (s *JobStore) recordKey(id api.JobID) string {
	return s.key("job", string(id))
}

func (s *JobStore) pendingKey() string {
	return s.key("job", "pending")
}

func (s *JobStore) runningKey() string {
	return s.key("job", "running")
}

func (s *JobStore) GetOrCreate(
	ctx context.Context, job *api.Job,
) (*api.Job, bool, error) {
	if job.ID == "" {
		return nil, false, fmt.Errorf("%w: job id", store.ErrNotFound)
	}
	data, err := marshal(job)
	if err != nil {
		return nil, false, err
	}
	created, err := s.client.SetNX(
		ctx, s.recordKey(job.ID), data, 0,
	).Result()
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.Get(ctx, job.ID)
		return existing, false, err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.index(ctx, p, job)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	stored, err := unmarshal[api.Job](data)
	return stored, true, err
}

func (s *JobStore) Get(
	ctx context.Context, id api.JobID,
) (*api.Job, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return unmarshal[api.Job](data)
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
	opt := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(
		ctx, s.pendingKey(), opt,
	).Result()
	if err != nil {
		return nil, err
	}
	res, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	res = slices.DeleteFunc(res, func(job *api.Job) bool {
		return job.Status != api.JobPending
	})
	return res, nil
}

func (s *JobStore) FindStalled(
	ctx context.Context, now time.Time, limit int,
) ([]*api.Job, error) {
	ids, err := s.client.SMembers(ctx, s.runningKey()).Result()
	if err != nil {
		return nil, err
	}
	jobs, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	jobs = slices.DeleteFunc(jobs, func(job *api.Job) bool {
		return !job.IsStalled(now)
	})
	slices.SortFunc(jobs, func(a, b *api.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return capped(jobs, limit), nil
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

// update applies fn to the job inside a WATCH transaction. When
// errMissing is set, a missing job is an error; otherwise it reports a
// failed guard. fn returning false leaves the record untouched
func (s *JobStore) update(
	ctx context.Context, id api.JobID, errMissing bool,
	fn func(*api.Job) bool,
) (bool, error) {
	key := s.recordKey(id)
	var applied bool

	txn := func(tx *redis.Tx) error {
		applied = false
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if errMissing {
					return fmt.Errorf(
						"%w: job %s", store.ErrNotFound, id)
				}
				return nil
			}
			return err
		}
		job, err := unmarshal[api.Job](data)
		if err != nil {
			return err
		}
		if !fn(job) {
			return nil
		}
		job.UpdatedAt = time.Now()
		payload, err := marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, 0)
			s.index(ctx, p, job)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return applied, err
	}
	return false, redis.TxFailedErr
}

// index maintains the pending and running membership for the job's
// current status
func (s *JobStore) index(
	ctx context.Context, p redis.Pipeliner, job *api.Job,
) {
	member := string(job.ID)
	switch job.Status {
	case api.JobPending:
		p.ZAdd(ctx, s.pendingKey(), redis.Z{
			Score:  float64(job.CreatedAt.UnixMilli()),
			Member: member,
		})
		p.SRem(ctx, s.runningKey(), member)
	case api.JobRunning:
		p.ZRem(ctx, s.pendingKey(), member)
		p.SAdd(ctx, s.runningKey(), member)
	default:
		p.ZRem(ctx, s.pendingKey(), member)
		p.SRem(ctx, s.runningKey(), member)
	}
}

func (s *JobStore) loadAll(
	ctx context.Context, ids []string,
) ([]*api.Job, error) {
	res := make([]*api.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, api.JobID(id))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		res = append(res, job)
	}
	return res, nil
}
