package models

import (
	"encoding/json"
	"time"
)

// Queue topics. Payloads are small (ids only); durable state lives in the
// store.
const (
	TopicSimulationDirect = "simulation-direct"
	TopicSimulationBatch  = "simulation-batch"
	TopicNotifications    = "notifications"
)

// Batch queue actions.
const (
	BatchActionSubmit = "submit"
	BatchActionPoll   = "poll"
)

// Queue message statuses.
const (
	MessageStatusPending = "pending"
	MessageStatusClaimed = "claimed"
	MessageStatusDone    = "done"
	MessageStatusDead    = "dead"
)

// QueueMessage is one durable message on a topic. DueAt supports delayed
// delivery for poll cadence and retry backoff.
type QueueMessage struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	DueAt     time.Time       `json:"due_at"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	ClaimedAt time.Time       `json:"claimed_at"`
}

// DirectPayload is the simulation-direct topic payload.
type DirectPayload struct {
	JobID string `json:"job_id"`
}

// BatchPayload is the simulation-batch topic payload, covering both actions.
type BatchPayload struct {
	Action         string `json:"action"` // submit | poll
	ScenarioID     string `json:"scenario_id,omitempty"`
	ClassroomID    string `json:"classroom_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
	BatchID        string `json:"batch_id,omitempty"`
	OracleBatchID  string `json:"oracle_batch_id,omitempty"`
}

// NotificationPayload is the notifications topic payload. Consumers
// deduplicate by EntryID; emission is at-least-once.
type NotificationPayload struct {
	EventKind  string  `json:"event_kind"`
	EntryID    string  `json:"entry_id"`
	ScenarioID string  `json:"scenario_id"`
	UserID     string  `json:"user_id"`
	NetProfit  float64 `json:"net_profit"`
}

// EventScenarioClosedForUser is the kind emitted after a successful ledger
// append attributable to a scenario.
const EventScenarioClosedForUser = "scenario-closed-for-user"
