// Package simulation orchestrates scenario close: ensuring submissions per
// the outcome policy, snapshotting calculation context, creating jobs, and
// enqueueing direct or batch work.
package simulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/models"
)

// Service implements interfaces.SimulationService.
type Service struct {
	storage interfaces.StorageManager
	ledger  interfaces.LedgerEngine
	config  common.SimulationConfig
	logger  *common.Logger
}

// NewService creates the simulation orchestrator.
func NewService(storage interfaces.StorageManager, ledger interfaces.LedgerEngine, config common.SimulationConfig, logger *common.Logger) *Service {
	return &Service{storage: storage, ledger: ledger, config: config, logger: logger}
}

// ScenarioClosed runs the close pipeline for a scenario: one job per
// eligible student, with submissions generated per the outcome policy.
// Idempotent: students with an active job or an existing ledger entry for
// the scenario are skipped, so closing twice creates nothing new.
func (s *Service) ScenarioClosed(ctx context.Context, scenarioID, actorID string, dryRun bool) ([]*models.Job, error) {
	scenario, err := s.storage.Scenarios().Get(ctx, scenarioID)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindValidation, err, "scenario lookup failed")
	}
	if scenario.Status != models.ScenarioStatusClosed {
		return nil, models.Errf(models.ErrorKindValidation, "scenario '%s' is %s, only closed scenarios are simulated", scenarioID, scenario.Status)
	}

	classroom, err := s.storage.Classrooms().GetClassroom(ctx, scenario.ClassroomID)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindValidation, err, "classroom lookup failed")
	}

	outcome, err := s.storage.Scenarios().GetOutcome(ctx, scenarioID)
	if err != nil {
		// No authored outcome: neutral conditions, manual-only submissions.
		outcome = &models.ScenarioOutcome{
			ScenarioID:              scenarioID,
			AutoGenerateSubmissions: models.GenerationManual,
		}
	}

	stores, err := s.storage.StoreConfigs().ListByClassroom(ctx, classroom.ID)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to list classroom stores")
	}

	var jobs []*models.Job
	for _, store := range stores {
		job, err := s.prepareJob(ctx, scenario, classroom, outcome, store, dryRun)
		if err != nil {
			s.logger.Error().Err(err).
				Str("scenario_id", scenarioID).
				Str("user_id", store.UserID).
				Msg("Skipping student after job preparation failure")
			continue
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}

	if len(jobs) == 0 {
		s.logger.Info().Str("scenario_id", scenarioID).Msg("Scenario close produced no jobs")
		return nil, nil
	}

	if err := s.enqueue(ctx, scenario, classroom, actorID, jobs); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("scenario_id", scenarioID).
		Str("actor_id", actorID).
		Int("jobs", len(jobs)).
		Bool("dry_run", dryRun).
		Str("mode", s.config.Mode).
		Msg("Scenario closed for simulation")
	return jobs, nil
}

// prepareJob builds one student's job, or returns nil when the student is
// skipped (no submission under a manual policy, or already simulated).
func (s *Service) prepareJob(
	ctx context.Context,
	scenario *models.Scenario,
	classroom *models.Classroom,
	outcome *models.ScenarioOutcome,
	store *models.Store,
	dryRun bool,
) (*models.Job, error) {
	userID := store.UserID

	if existing, err := s.storage.Ledger().GetByScenarioUser(ctx, scenario.ID, userID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, nil
	}
	if active, err := s.storage.Jobs().HasActive(ctx, scenario.ID, userID); err != nil {
		return nil, err
	} else if active {
		return nil, nil
	}

	submission, err := s.storage.Submissions().GetByScenarioUser(ctx, scenario.ID, userID)
	if err != nil {
		return nil, err
	}
	if submission == nil {
		submission, err = s.generateSubmission(ctx, scenario, outcome, store)
		if err != nil {
			return nil, err
		}
		if submission == nil {
			return nil, nil // manual policy skips absent students
		}
	}

	storeType, err := s.storage.Classrooms().GetStoreType(ctx, store.StoreTypeID)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindValidation, err, "store type lookup failed")
	}

	// Seed is idempotent; a store created before seeding became automatic
	// gets its anchor entry here.
	if _, err := s.ledger.Seed(ctx, store, storeType, classroom); err != nil {
		return nil, err
	}
	prior, err := s.ledger.PriorState(ctx, store.ID, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.ledger.History(ctx, classroom.ID, userID, scenario.ID)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:           uuid.New().String(),
		ClassroomID:  classroom.ID,
		ScenarioID:   scenario.ID,
		UserID:       userID,
		SubmissionID: submission.ID,
		StoreID:      store.ID,
		DryRun:       dryRun,

		ExpectedCashBefore: prior.CashBefore,
		ExpectedInventory:  prior.Inventory,
		Snapshot: &models.CalculationContext{
			Classroom:  classroom,
			Store:      store,
			StoreType:  storeType,
			Scenario:   scenario,
			Outcome:    outcome,
			Submission: submission,
			History:    history,
			CashBefore: prior.CashBefore,
			Inventory:  prior.Inventory,
			CapturedAt: time.Now(),
		},

		State:       models.JobStatePending,
		MaxAttempts: s.config.JobMaxAttempts,
		CreatedAt:   time.Now(),
	}
	if err := s.storage.Jobs().Create(ctx, job); err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to create job")
	}
	return job, nil
}

// generateSubmission applies the outcome's auto-generation policy for a
// student who never submitted. Returns nil under the manual policy.
func (s *Service) generateSubmission(
	ctx context.Context,
	scenario *models.Scenario,
	outcome *models.ScenarioOutcome,
	store *models.Store,
) (*models.Submission, error) {
	switch outcome.AutoGenerateSubmissions {
	case models.GenerationUseAI:
		sub := &models.Submission{
			ID:          uuid.New().String(),
			ScenarioID:  scenario.ID,
			ClassroomID: scenario.ClassroomID,
			UserID:      store.UserID,
			Decisions:   map[string]string{},
			Generation: models.SubmissionGeneration{
				Method:              models.SubmissionAI,
				AbsencePenaltyLevel: outcome.PunishAbsentStudents,
			},
		}
		if err := s.storage.Submissions().Save(ctx, sub); err != nil {
			return nil, err
		}
		return sub, nil

	case models.GenerationForwardPrevious:
		sub := &models.Submission{
			ID:          uuid.New().String(),
			ScenarioID:  scenario.ID,
			ClassroomID: scenario.ClassroomID,
			UserID:      store.UserID,
			Decisions:   map[string]string{},
			Generation: models.SubmissionGeneration{
				Method:              models.SubmissionForwardPrevious,
				AbsencePenaltyLevel: outcome.PunishAbsentStudents,
			},
		}
		if prev := s.previousSubmission(ctx, store); prev != nil {
			sub.Decisions = prev.Decisions
			sub.Notes = prev.Notes
			sub.Generation.ForwardedFrom = prev.ID
		}
		if err := s.storage.Submissions().Save(ctx, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}
	return nil, nil
}

// previousSubmission finds the submission behind the student's most recent
// simulated week, or nil for a first week.
func (s *Service) previousSubmission(ctx context.Context, store *models.Store) *models.Submission {
	latest, err := s.storage.Ledger().Latest(ctx, store.ID, store.UserID)
	if err != nil || latest == nil || latest.SubmissionID == "" {
		return nil
	}
	prev, err := s.storage.Submissions().Get(ctx, latest.SubmissionID)
	if err != nil {
		return nil
	}
	return prev
}

// enqueue publishes the created jobs on the topic for the configured mode.
func (s *Service) enqueue(ctx context.Context, scenario *models.Scenario, classroom *models.Classroom, actorID string, jobs []*models.Job) error {
	now := time.Now()

	if s.config.Mode == common.ModeBatch {
		batch := &models.Batch{
			ID:             uuid.New().String(),
			ScenarioID:     scenario.ID,
			ClassroomID:    classroom.ID,
			OrganizationID: classroom.OrganizationID,
			State:          models.BatchStateCreated,
			JobCount:       len(jobs),
			CreatedAt:      now,
		}
		if err := s.storage.Batches().Create(ctx, batch); err != nil {
			return models.WrapErr(models.ErrorKindInternal, err, "failed to create batch record")
		}
		payload := models.BatchPayload{
			Action:         models.BatchActionSubmit,
			ScenarioID:     scenario.ID,
			ClassroomID:    classroom.ID,
			OrganizationID: classroom.OrganizationID,
			ActorID:        actorID,
			BatchID:        batch.ID,
		}
		if err := s.storage.Queue().Publish(ctx, models.TopicSimulationBatch, payload, now); err != nil {
			return models.WrapErr(models.ErrorKindInternal, err, "failed to enqueue batch submission")
		}
		return nil
	}

	for _, job := range jobs {
		if err := s.storage.Queue().Publish(ctx, models.TopicSimulationDirect, models.DirectPayload{JobID: job.ID}, now); err != nil {
			return models.WrapErr(models.ErrorKindInternal, err, "failed to enqueue job")
		}
	}
	return nil
}

// RequeueJob returns a failed job to pending and redelivers it on the
// direct topic. The failed -> pending transition is admin-only; any other
// state is rejected.
func (s *Service) RequeueJob(ctx context.Context, jobID string) error {
	job, err := s.storage.Jobs().Get(ctx, jobID)
	if err != nil {
		return models.WrapErr(models.ErrorKindValidation, err, "job lookup failed")
	}
	if !job.State.CanTransition(models.JobStatePending) {
		return models.Errf(models.ErrorKindValidation, "job '%s' is %s; only failed jobs can be requeued", jobID, job.State)
	}

	job.State = models.JobStatePending
	job.Batch = models.JobBatchRef{}
	job.CompletedAt = time.Time{}
	if err := s.storage.Jobs().Update(ctx, job); err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to requeue job")
	}
	if err := s.storage.Queue().Publish(ctx, models.TopicSimulationDirect, models.DirectPayload{JobID: job.ID}, time.Now()); err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to enqueue requeued job")
	}
	s.logger.Info().Str("job_id", jobID).Msg("Job requeued")
	return nil
}

// CancelJob fails a pending job with a cancelled-kind error. Running jobs
// cannot be cancelled; their oracle call is already in flight.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.storage.Jobs().Get(ctx, jobID)
	if err != nil {
		return models.WrapErr(models.ErrorKindValidation, err, "job lookup failed")
	}
	if job.State != models.JobStatePending {
		return models.Errf(models.ErrorKindValidation, "job '%s' is %s; only pending jobs can be cancelled", jobID, job.State)
	}

	job.State = models.JobStateFailed
	job.Error = models.NewJobError(models.Errf(models.ErrorKindCancelled, "cancelled by administrator"), job.Attempts)
	job.CompletedAt = time.Now()
	if err := s.storage.Jobs().Update(ctx, job); err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to cancel job")
	}
	s.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	return nil
}

var _ interfaces.SimulationService = (*Service)(nil)
