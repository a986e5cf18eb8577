package simdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jcalloway/shopsim/internal/models"
)

// SaveSubmission upserts a submission. At most one submission exists per
// (scenario, user); saving a second one with a different id is rejected.
func (s *Store) SaveSubmission(ctx context.Context, sub *models.Submission) error {
	if sub.ID == "" || sub.ScenarioID == "" || sub.UserID == "" {
		return fmt.Errorf("submission id, scenario id, and user id are required")
	}
	existing, err := s.GetSubmissionByScenarioUser(ctx, sub.ScenarioID, sub.UserID)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != sub.ID {
		return fmt.Errorf("user '%s' already has submission '%s' for scenario '%s'", sub.UserID, existing.ID, sub.ScenarioID)
	}

	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if err := s.db.Upsert(sub.ID, sub); err != nil {
		return fmt.Errorf("failed to save submission '%s': %w", sub.ID, err)
	}
	s.logger.Debug().Str("submission_id", sub.ID).Str("scenario_id", sub.ScenarioID).Msg("Submission saved")
	return nil
}

func (s *Store) GetSubmission(_ context.Context, id string) (*models.Submission, error) {
	var sub models.Submission
	if err := s.db.Get(id, &sub); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("submission '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get submission '%s': %w", id, err)
	}
	return &sub, nil
}

// GetSubmissionByScenarioUser returns the submission for (scenario, user),
// or nil when the student has not submitted.
func (s *Store) GetSubmissionByScenarioUser(_ context.Context, scenarioID, userID string) (*models.Submission, error) {
	var subs []models.Submission
	query := badgerhold.Where("ScenarioID").Eq(scenarioID).And("UserID").Eq(userID)
	if err := s.db.Find(&subs, query); err != nil {
		return nil, fmt.Errorf("failed to find submission for user '%s': %w", userID, err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return &subs[0], nil
}

func (s *Store) ListSubmissionsByScenario(_ context.Context, scenarioID string) ([]*models.Submission, error) {
	var subs []models.Submission
	if err := s.db.Find(&subs, badgerhold.Where("ScenarioID").Eq(scenarioID)); err != nil {
		return nil, fmt.Errorf("failed to list submissions for scenario '%s': %w", scenarioID, err)
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	result := make([]*models.Submission, len(subs))
	for i := range subs {
		result[i] = &subs[i]
	}
	return result, nil
}
