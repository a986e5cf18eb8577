// Package interfaces defines the service, storage, and client contracts the
// simulation core depends on.
package interfaces

import (
	"context"
	"time"

	"github.com/jcalloway/shopsim/internal/models"
)

// StorageManager coordinates the persistent collections and the durable
// message queue. All process replicas share one logical store.
type StorageManager interface {
	Classrooms() ClassroomStore
	StoreConfigs() StoreConfigStore
	Scenarios() ScenarioStore
	Submissions() SubmissionStore
	Jobs() JobStore
	Batches() BatchStore
	Ledger() LedgerStore
	Queue() MessageQueue

	Close() error
}

// ClassroomStore manages classrooms and store types.
type ClassroomStore interface {
	SaveClassroom(ctx context.Context, c *models.Classroom) error
	GetClassroom(ctx context.Context, id string) (*models.Classroom, error)
	SaveStoreType(ctx context.Context, st *models.StoreType) error
	GetStoreType(ctx context.Context, id string) (*models.StoreType, error)
}

// StoreConfigStore manages student stores.
type StoreConfigStore interface {
	Save(ctx context.Context, s *models.Store) error
	Get(ctx context.Context, id string) (*models.Store, error)
	GetByUser(ctx context.Context, classroomID, userID string) (*models.Store, error)
	ListByClassroom(ctx context.Context, classroomID string) ([]*models.Store, error)
}

// ScenarioStore manages scenarios and their outcomes.
type ScenarioStore interface {
	Save(ctx context.Context, s *models.Scenario) error
	Get(ctx context.Context, id string) (*models.Scenario, error)
	SaveOutcome(ctx context.Context, o *models.ScenarioOutcome) error
	GetOutcome(ctx context.Context, scenarioID string) (*models.ScenarioOutcome, error)
}

// SubmissionStore manages student submissions, unique per (scenario, user).
type SubmissionStore interface {
	Save(ctx context.Context, s *models.Submission) error
	Get(ctx context.Context, id string) (*models.Submission, error)
	GetByScenarioUser(ctx context.Context, scenarioID, userID string) (*models.Submission, error)
	ListByScenario(ctx context.Context, scenarioID string) ([]*models.Submission, error)
}

// JobStore manages simulation jobs. Claim is the only path from pending to
// running; it must be atomic so no two workers run the same (scenario, user).
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, job *models.Job) error

	// Claim transitions the job pending -> running, setting StartedAt and
	// incrementing Attempts. Returns a cancelled-kind error if the job is no
	// longer pending.
	Claim(ctx context.Context, id string) (*models.Job, error)

	// ClaimPendingForScenario atomically transitions every pending job of a
	// scenario to running (batch enclosure) and returns them.
	ClaimPendingForScenario(ctx context.Context, scenarioID, batchID, inputFileID string) ([]*models.Job, error)

	ListPendingByScenario(ctx context.Context, scenarioID string) ([]*models.Job, error)
	ListRunningByBatch(ctx context.Context, batchID string) ([]*models.Job, error)

	// HasActive reports whether a non-failed job exists for (scenario, user).
	HasActive(ctx context.Context, scenarioID, userID string) (bool, error)

	// ResetRunning returns orphaned running jobs without a batch reference to
	// pending. Called at startup after a crash.
	ResetRunning(ctx context.Context) (int, error)

	PurgeFinished(ctx context.Context, olderThan time.Time) (int, error)
}

// BatchStore manages oracle batch records.
type BatchStore interface {
	Create(ctx context.Context, b *models.Batch) error
	Get(ctx context.Context, id string) (*models.Batch, error)
	GetByOracleID(ctx context.Context, oracleBatchID string) (*models.Batch, error)
	Update(ctx context.Context, b *models.Batch) error
}

// LedgerStore persists ledger entries. Insert must enforce the two
// conditional uniqueness constraints: one entry per (scenario, user) for
// scenario entries, one per (classroom, user) for seed entries.
type LedgerStore interface {
	Insert(ctx context.Context, e *models.LedgerEntry) error
	Get(ctx context.Context, id string) (*models.LedgerEntry, error)

	// UpdateOverride persists the patched figures and overridden* fields of
	// an existing entry. No other mutation path exists.
	UpdateOverride(ctx context.Context, e *models.LedgerEntry) error

	// History returns entries for (classroom, user) in creation order.
	History(ctx context.Context, classroomID, userID string) ([]*models.LedgerEntry, error)

	// Latest returns the newest entry for (store, user), or nil.
	Latest(ctx context.Context, storeID, userID string) (*models.LedgerEntry, error)

	// GetByScenarioUser returns the entry for (scenario, user), or nil.
	GetByScenarioUser(ctx context.Context, scenarioID, userID string) (*models.LedgerEntry, error)
}

// MessageQueue is the shared durable queue. Delivery is at-least-once;
// DueAt delays delivery for poll cadence and retry backoff.
type MessageQueue interface {
	Publish(ctx context.Context, topic string, payload any, dueAt time.Time) error

	// Dequeue claims the oldest due pending message on the topic, or returns
	// nil when none is due.
	Dequeue(ctx context.Context, topic string) (*models.QueueMessage, error)

	// Complete marks a claimed message done (or dead on terminal failure).
	Complete(ctx context.Context, id string, status string) error

	// Release returns a claimed message to pending with a new due time.
	Release(ctx context.Context, id string, dueAt time.Time) error

	// ResetClaimed returns claimed-but-unfinished messages to pending.
	// Called at startup after a crash.
	ResetClaimed(ctx context.Context) (int, error)

	CountPending(ctx context.Context, topic string) (int, error)
}
