package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"
)

// JobStore keeps job records in a map with lease guards enforced under a
// single mutex
type JobStore struct {
	jobs map[api.JobID]*api.Job
	mu   sync.Mutex
}

// NewJobStore creates an empty in-memory job store
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: map[api.JobID]*api.Job{},
	}
}

func (s *JobStore) GetOrCreate(
	_ context.Context, job *api.Job,
) (*api.Job, bool, error) {
	if job.ID == "" {
		return nil, false, fmt.Errorf("%w: job id", store.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok {
		return cloneJob(existing), false, nil
	}
	s.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), true, nil
}

func (s *JobStore) Get(_ context.Context, id api.JobID) (*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	return cloneJob(job), nil
}

func (s *JobStore) Claim(
	ctx context.Context, id api.JobID, runnerID string,
) (bool, error) {
	return s.ClaimWithInstance(ctx, id, runnerID, "")
}

func (s *JobStore) ClaimWithInstance(
	_ context.Context, id api.JobID, runnerID, instanceID string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	if job.Status != api.JobPending || job.Attempts >= job.MaxAttempts {
		return false, nil
	}
	now := time.Now()
	job.Status = api.JobRunning
	job.RunnerID = runnerID
	job.InstanceID = instanceID
	job.Attempts++
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (s *JobStore) Heartbeat(
	_ context.Context, id api.JobID, runnerID string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != api.JobRunning || job.RunnerID != runnerID {
		return false, nil
	}
	now := time.Now()
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (s *JobStore) Complete(
	_ context.Context, id api.JobID, runnerID string, result any,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != api.JobRunning || job.RunnerID != runnerID {
		return false, nil
	}
	job.Status = api.JobCompleted
	job.Result = cloneValue(result)
	job.Error = nil
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *JobStore) Fail(
	_ context.Context, id api.JobID, runnerID string, errInfo *api.ErrorInfo,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != api.JobRunning || job.RunnerID != runnerID {
		return false, nil
	}
	job.Status = api.JobFailed
	job.Error = errInfo
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *JobStore) Cancel(_ context.Context, id api.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = api.JobCancelled
	job.UpdatedAt = time.Now()
	return nil
}

func (s *JobStore) ListPending(
	_ context.Context, limit int,
) ([]*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*api.Job
	for _, job := range s.jobs {
		if job.Status == api.JobPending {
			res = append(res, cloneJob(job))
		}
	}
	sortJobsByCreatedAt(res)
	return capped(res, limit), nil
}

func (s *JobStore) FindStalled(
	_ context.Context, now time.Time, limit int,
) ([]*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*api.Job
	for _, job := range s.jobs {
		if job.IsStalled(now) {
			res = append(res, cloneJob(job))
		}
	}
	sortJobsByCreatedAt(res)
	return capped(res, limit), nil
}

func (s *JobStore) ResetStalled(
	_ context.Context, id api.JobID,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != api.JobRunning {
		return false, nil
	}
	now := time.Now()
	if job.Attempts >= job.MaxAttempts {
		job.Status = api.JobFailed
		job.Error = api.NewError(
			api.CodeJobExceededAttempts,
			"job exceeded max attempts while stalled",
		)
		job.UpdatedAt = now
		return false, nil
	}
	job.Status = api.JobPending
	job.RunnerID = ""
	job.InstanceID = ""
	job.HeartbeatAt = nil
	job.UpdatedAt = now
	return true, nil
}

func (s *JobStore) SaveCheckpoint(
	_ context.Context, id api.JobID, instanceID string, checkpoint any,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != api.JobRunning || job.InstanceID != instanceID {
		return false, nil
	}
	job.Checkpoint = cloneValue(checkpoint)
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *JobStore) GetCheckpoint(
	_ context.Context, id api.JobID,
) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	if job.Checkpoint == nil {
		return nil, false, nil
	}
	return cloneValue(job.Checkpoint), true, nil
}

func (s *JobStore) UpdateProgress(
	_ context.Context, id api.JobID, instanceID string,
	progress *api.Progress,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != api.JobRunning || job.InstanceID != instanceID {
		return false, nil
	}
	copied := *progress
	job.Progress = &copied
	job.UpdatedAt = time.Now()
	return true, nil
}

func sortJobsByCreatedAt(jobs []*api.Job) {
	slices.SortFunc(jobs, func(a, b *api.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
