package simdb

import (
	"context"
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jcalloway/shopsim/internal/models"
)

// outcomeKeyPrefix namespaces outcome records; they are keyed by scenario.
const outcomeKeyPrefix = "outcome" + keySep

func (s *Store) SaveScenario(_ context.Context, sc *models.Scenario) error {
	if sc.ID == "" || sc.ClassroomID == "" {
		return fmt.Errorf("scenario id and classroom id are required")
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	if err := s.db.Upsert(sc.ID, sc); err != nil {
		return fmt.Errorf("failed to save scenario '%s': %w", sc.ID, err)
	}
	s.logger.Debug().Str("scenario_id", sc.ID).Str("status", string(sc.Status)).Msg("Scenario saved")
	return nil
}

func (s *Store) GetScenario(_ context.Context, id string) (*models.Scenario, error) {
	var sc models.Scenario
	if err := s.db.Get(id, &sc); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("scenario '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get scenario '%s': %w", id, err)
	}
	return &sc, nil
}

func (s *Store) SaveScenarioOutcome(_ context.Context, o *models.ScenarioOutcome) error {
	if o.ScenarioID == "" {
		return fmt.Errorf("outcome scenario id is required")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if err := s.db.Upsert(outcomeKeyPrefix+o.ScenarioID, o); err != nil {
		return fmt.Errorf("failed to save outcome for scenario '%s': %w", o.ScenarioID, err)
	}
	return nil
}

func (s *Store) GetScenarioOutcome(_ context.Context, scenarioID string) (*models.ScenarioOutcome, error) {
	var o models.ScenarioOutcome
	if err := s.db.Get(outcomeKeyPrefix+scenarioID, &o); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("no outcome for scenario '%s'", scenarioID)
		}
		return nil, fmt.Errorf("failed to get outcome for scenario '%s': %w", scenarioID, err)
	}
	return &o, nil
}
