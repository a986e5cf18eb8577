package simdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/jcalloway/shopsim/internal/models"
)

// Publish enqueues a message on the topic. A future dueAt delays delivery.
func (s *Store) Publish(_ context.Context, topic string, payload any, dueAt time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for topic '%s': %w", topic, err)
	}
	msg := &models.QueueMessage{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   data,
		Status:    models.MessageStatusPending,
		DueAt:     dueAt,
		CreatedAt: time.Now(),
	}
	if err := s.db.Insert(msg.ID, msg); err != nil {
		return fmt.Errorf("failed to publish to topic '%s': %w", topic, err)
	}
	s.logger.Debug().Str("topic", topic).Str("message_id", msg.ID).Time("due_at", dueAt).Msg("Message published")
	return nil
}

// Dequeue claims the oldest due pending message on the topic. Returns nil
// when nothing is due.
func (s *Store) Dequeue(_ context.Context, topic string) (*models.QueueMessage, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var msgs []models.QueueMessage
	query := badgerhold.Where("Topic").Eq(topic).And("Status").Eq(models.MessageStatusPending)
	if err := s.db.Find(&msgs, query); err != nil {
		return nil, fmt.Errorf("failed to scan topic '%s': %w", topic, err)
	}

	now := time.Now()
	var due []models.QueueMessage
	for i := range msgs {
		if !msgs[i].DueAt.After(now) {
			due = append(due, msgs[i])
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	msg := due[0]
	msg.Status = models.MessageStatusClaimed
	msg.ClaimedAt = now
	msg.Attempts++
	if err := s.db.Update(msg.ID, &msg); err != nil {
		return nil, fmt.Errorf("failed to claim message '%s': %w", msg.ID, err)
	}
	return &msg, nil
}

// Complete marks a claimed message done or dead.
func (s *Store) Complete(_ context.Context, id string, status string) error {
	if status != models.MessageStatusDone && status != models.MessageStatusDead {
		return fmt.Errorf("invalid terminal message status '%s'", status)
	}
	var msg models.QueueMessage
	if err := s.db.Get(id, &msg); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("message '%s' not found", id)
		}
		return fmt.Errorf("failed to get message '%s': %w", id, err)
	}
	msg.Status = status
	if err := s.db.Update(id, &msg); err != nil {
		return fmt.Errorf("failed to complete message '%s': %w", id, err)
	}
	return nil
}

// Release returns a claimed message to pending with a new due time.
func (s *Store) Release(_ context.Context, id string, dueAt time.Time) error {
	var msg models.QueueMessage
	if err := s.db.Get(id, &msg); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("message '%s' not found", id)
		}
		return fmt.Errorf("failed to get message '%s': %w", id, err)
	}
	msg.Status = models.MessageStatusPending
	msg.DueAt = dueAt
	msg.ClaimedAt = time.Time{}
	if err := s.db.Update(id, &msg); err != nil {
		return fmt.Errorf("failed to release message '%s': %w", id, err)
	}
	s.logger.Debug().Str("message_id", id).Time("due_at", dueAt).Msg("Message released")
	return nil
}

// ResetClaimed returns claimed-but-unfinished messages to pending.
// Delivery is at-least-once; consumers tolerate redelivery.
func (s *Store) ResetClaimed(_ context.Context) (int, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var msgs []models.QueueMessage
	if err := s.db.Find(&msgs, badgerhold.Where("Status").Eq(models.MessageStatusClaimed)); err != nil {
		return 0, fmt.Errorf("failed to list claimed messages: %w", err)
	}
	for i := range msgs {
		msgs[i].Status = models.MessageStatusPending
		msgs[i].ClaimedAt = time.Time{}
		if err := s.db.Update(msgs[i].ID, &msgs[i]); err != nil {
			return i, fmt.Errorf("failed to reset message '%s': %w", msgs[i].ID, err)
		}
	}
	if len(msgs) > 0 {
		s.logger.Info().Int("count", len(msgs)).Msg("Claimed messages reset to pending")
	}
	return len(msgs), nil
}

// CountPending counts pending messages on the topic, due or not.
func (s *Store) CountPending(_ context.Context, topic string) (int, error) {
	var msgs []models.QueueMessage
	query := badgerhold.Where("Topic").Eq(topic).And("Status").Eq(models.MessageStatusPending)
	if err := s.db.Find(&msgs, query); err != nil {
		return 0, fmt.Errorf("failed to count topic '%s': %w", topic, err)
	}
	return len(msgs), nil
}
