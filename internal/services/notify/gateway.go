// Package notify publishes downstream events onto the durable notifications
// topic. Consumers (mailers, webhooks, gradebooks) drain the topic out of
// process and deduplicate by entry id.
package notify

import (
	"context"
	"time"

	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/models"
)

// Gateway implements interfaces.NotificationSink on the message queue.
type Gateway struct {
	queue  interfaces.MessageQueue
	logger *common.Logger
}

// NewGateway creates a queue-backed notification gateway.
func NewGateway(queue interfaces.MessageQueue, logger *common.Logger) *Gateway {
	return &Gateway{queue: queue, logger: logger}
}

// Emit publishes the event. At-least-once: a crash after the ledger append
// but before Emit loses nothing, because the append path re-emits on replay.
func (g *Gateway) Emit(ctx context.Context, event *models.NotificationPayload) error {
	if err := g.queue.Publish(ctx, models.TopicNotifications, event, time.Now()); err != nil {
		return err
	}
	g.logger.Debug().
		Str("event_kind", event.EventKind).
		Str("entry_id", event.EntryID).
		Str("user_id", event.UserID).
		Msg("Notification emitted")
	return nil
}

var _ interfaces.NotificationSink = (*Gateway)(nil)
