package simdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jcalloway/shopsim/internal/models"
)

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	if job.ID == "" || job.ScenarioID == "" || job.UserID == "" {
		return fmt.Errorf("job id, scenario id, and user id are required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.State == "" {
		job.State = models.JobStatePending
	}
	if err := s.db.Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("job '%s' already exists", job.ID)
		}
		return fmt.Errorf("failed to create job '%s': %w", job.ID, err)
	}
	s.logger.Debug().Str("job_id", job.ID).Str("scenario_id", job.ScenarioID).Msg("Job created")
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get job '%s': %w", id, err)
	}
	return &job, nil
}

func (s *Store) UpdateJob(_ context.Context, job *models.Job) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if err := s.db.Update(job.ID, job); err != nil {
		return fmt.Errorf("failed to update job '%s': %w", job.ID, err)
	}
	return nil
}

// ClaimJob transitions pending -> running, stamping StartedAt and counting
// the attempt. Only one caller wins; losers get a cancelled-kind error.
func (s *Store) ClaimJob(ctx context.Context, id string) (*models.Job, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStatePending {
		return nil, models.Errf(models.ErrorKindCancelled, "job '%s' is %s, not pending", id, job.State)
	}
	job.State = models.JobStateRunning
	job.StartedAt = time.Now()
	job.Attempts++
	if err := s.db.Update(job.ID, job); err != nil {
		return nil, fmt.Errorf("failed to claim job '%s': %w", id, err)
	}
	return job, nil
}

// ClaimPendingJobsForScenario moves every pending job of a scenario to
// running under one batch reference. Used when enclosing jobs in a batch.
func (s *Store) ClaimPendingJobsForScenario(ctx context.Context, scenarioID, batchID, inputFileID string) ([]*models.Job, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	jobs, err := s.ListPendingJobsByScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, job := range jobs {
		job.State = models.JobStateRunning
		job.StartedAt = now
		job.Attempts++
		job.Batch = models.JobBatchRef{BatchID: batchID, InputFileID: inputFileID, SubmittedAt: now}
		if err := s.db.Update(job.ID, job); err != nil {
			return nil, fmt.Errorf("failed to claim job '%s' for batch '%s': %w", job.ID, batchID, err)
		}
	}
	return jobs, nil
}

func (s *Store) ListPendingJobsByScenario(_ context.Context, scenarioID string) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("ScenarioID").Eq(scenarioID).And("State").Eq(models.JobStatePending)
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list pending jobs for scenario '%s': %w", scenarioID, err)
	}
	sortJobs(jobs)
	return jobPtrs(jobs), nil
}

func (s *Store) ListRunningJobsByBatch(_ context.Context, batchID string) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Find(&jobs, badgerhold.Where("State").Eq(models.JobStateRunning)); err != nil {
		return nil, fmt.Errorf("failed to list running jobs for batch '%s': %w", batchID, err)
	}
	matched := jobs[:0]
	for i := range jobs {
		if jobs[i].Batch.BatchID == batchID {
			matched = append(matched, jobs[i])
		}
	}
	sortJobs(matched)
	return jobPtrs(matched), nil
}

// HasActiveJob reports whether a pending, running, or completed job exists
// for (scenario, user). Failed jobs do not count; they may be replaced.
func (s *Store) HasActiveJob(_ context.Context, scenarioID, userID string) (bool, error) {
	var jobs []models.Job
	query := badgerhold.Where("ScenarioID").Eq(scenarioID).And("UserID").Eq(userID)
	if err := s.db.Find(&jobs, query); err != nil {
		return false, fmt.Errorf("failed to check jobs for scenario '%s' user '%s': %w", scenarioID, userID, err)
	}
	for _, job := range jobs {
		if job.State != models.JobStateFailed {
			return true, nil
		}
	}
	return false, nil
}

// ResetRunningJobs returns orphaned running jobs to pending after a crash.
// Jobs enclosed in a batch are left alone; the batch poller resolves them.
func (s *Store) ResetRunningJobs(_ context.Context) (int, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	var jobs []models.Job
	if err := s.db.Find(&jobs, badgerhold.Where("State").Eq(models.JobStateRunning)); err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}
	reset := 0
	for i := range jobs {
		if jobs[i].Batch.BatchID != "" {
			continue
		}
		jobs[i].State = models.JobStatePending
		jobs[i].StartedAt = time.Time{}
		if err := s.db.Update(jobs[i].ID, &jobs[i]); err != nil {
			return reset, fmt.Errorf("failed to reset job '%s': %w", jobs[i].ID, err)
		}
		reset++
	}
	if reset > 0 {
		s.logger.Info().Int("count", reset).Msg("Orphaned running jobs reset to pending")
	}
	return reset, nil
}

// PurgeFinishedJobs deletes terminal jobs completed before the cutoff.
func (s *Store) PurgeFinishedJobs(_ context.Context, olderThan time.Time) (int, error) {
	var jobs []models.Job
	if err := s.db.Find(&jobs, nil); err != nil {
		return 0, fmt.Errorf("failed to list jobs for purge: %w", err)
	}
	purged := 0
	for i := range jobs {
		if !jobs[i].State.Terminal() || jobs[i].CompletedAt.IsZero() || !jobs[i].CompletedAt.Before(olderThan) {
			continue
		}
		if err := s.db.Delete(jobs[i].ID, models.Job{}); err != nil && err != badgerhold.ErrNotFound {
			return purged, fmt.Errorf("failed to purge job '%s': %w", jobs[i].ID, err)
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info().Int("count", purged).Msg("Finished jobs purged")
	}
	return purged, nil
}

func sortJobs(jobs []models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func jobPtrs(jobs []models.Job) []*models.Job {
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result
}
