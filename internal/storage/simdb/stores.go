package simdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jcalloway/shopsim/internal/models"
)

func (s *Store) SaveStore(_ context.Context, st *models.Store) error {
	if st.ID == "" || st.ClassroomID == "" || st.UserID == "" {
		return fmt.Errorf("store id, classroom id, and user id are required")
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	if err := s.db.Upsert(st.ID, st); err != nil {
		return fmt.Errorf("failed to save store '%s': %w", st.ID, err)
	}
	s.logger.Debug().Str("store_id", st.ID).Str("user_id", st.UserID).Msg("Store saved")
	return nil
}

func (s *Store) GetStore(_ context.Context, id string) (*models.Store, error) {
	var st models.Store
	if err := s.db.Get(id, &st); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("store '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get store '%s': %w", id, err)
	}
	return &st, nil
}

func (s *Store) GetStoreByUser(_ context.Context, classroomID, userID string) (*models.Store, error) {
	var stores []models.Store
	query := badgerhold.Where("ClassroomID").Eq(classroomID).And("UserID").Eq(userID)
	if err := s.db.Find(&stores, query); err != nil {
		return nil, fmt.Errorf("failed to find store for user '%s': %w", userID, err)
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("no store for user '%s' in classroom '%s'", userID, classroomID)
	}
	return &stores[0], nil
}

func (s *Store) ListStoresByClassroom(_ context.Context, classroomID string) ([]*models.Store, error) {
	var stores []models.Store
	if err := s.db.Find(&stores, badgerhold.Where("ClassroomID").Eq(classroomID)); err != nil {
		return nil, fmt.Errorf("failed to list stores for classroom '%s': %w", classroomID, err)
	}
	sort.Slice(stores, func(i, j int) bool {
		return stores[i].CreatedAt.Before(stores[j].CreatedAt)
	})
	result := make([]*models.Store, len(stores))
	for i := range stores {
		result[i] = &stores[i]
	}
	return result, nil
}
