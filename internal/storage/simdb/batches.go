package simdb

import (
	"context"
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jcalloway/shopsim/internal/models"
)

func (s *Store) CreateBatch(_ context.Context, b *models.Batch) error {
	if b.ID == "" || b.ScenarioID == "" {
		return fmt.Errorf("batch id and scenario id are required")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	if b.State == "" {
		b.State = models.BatchStateCreated
	}
	if err := s.db.Insert(b.ID, b); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("batch '%s' already exists", b.ID)
		}
		return fmt.Errorf("failed to create batch '%s': %w", b.ID, err)
	}
	s.logger.Debug().Str("batch_id", b.ID).Str("scenario_id", b.ScenarioID).Msg("Batch created")
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	var b models.Batch
	if err := s.db.Get(id, &b); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("batch '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get batch '%s': %w", id, err)
	}
	return &b, nil
}

func (s *Store) GetBatchByOracleID(_ context.Context, oracleBatchID string) (*models.Batch, error) {
	var batches []models.Batch
	if err := s.db.Find(&batches, badgerhold.Where("OracleBatchID").Eq(oracleBatchID)); err != nil {
		return nil, fmt.Errorf("failed to find batch by oracle id '%s': %w", oracleBatchID, err)
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("no batch with oracle id '%s'", oracleBatchID)
	}
	return &batches[0], nil
}

func (s *Store) UpdateBatch(_ context.Context, b *models.Batch) error {
	if err := s.db.Update(b.ID, b); err != nil {
		return fmt.Errorf("failed to update batch '%s': %w", b.ID, err)
	}
	return nil
}
