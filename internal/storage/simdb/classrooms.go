package simdb

import (
	"context"
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jcalloway/shopsim/internal/models"
)

func (s *Store) SaveClassroom(_ context.Context, c *models.Classroom) error {
	if c.ID == "" {
		return fmt.Errorf("classroom id is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if err := s.db.Upsert(c.ID, c); err != nil {
		return fmt.Errorf("failed to save classroom '%s': %w", c.ID, err)
	}
	s.logger.Debug().Str("classroom_id", c.ID).Msg("Classroom saved")
	return nil
}

func (s *Store) GetClassroom(_ context.Context, id string) (*models.Classroom, error) {
	var c models.Classroom
	if err := s.db.Get(id, &c); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("classroom '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get classroom '%s': %w", id, err)
	}
	return &c, nil
}

func (s *Store) SaveStoreType(_ context.Context, st *models.StoreType) error {
	if st.ID == "" {
		return fmt.Errorf("store type id is required")
	}
	if err := s.db.Upsert(st.ID, st); err != nil {
		return fmt.Errorf("failed to save store type '%s': %w", st.ID, err)
	}
	return nil
}

func (s *Store) GetStoreType(_ context.Context, id string) (*models.StoreType, error) {
	var st models.StoreType
	if err := s.db.Get(id, &st); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("store type '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get store type '%s': %w", id, err)
	}
	return &st, nil
}
