package interfaces

import (
	"context"

	"github.com/jcalloway/shopsim/internal/models"
)

// LedgerEngine is the append-only cash-and-inventory ledger (C1).
type LedgerEngine interface {
	// Append normalizes the input, checks the eight invariants, and inserts
	// the entry.
	Append(ctx context.Context, in *AppendInput) (*models.LedgerEntry, error)

	// Override applies an admin patch to a committed entry, re-normalizing
	// and re-validating cash continuity and revenue consistency. Returns the
	// updated entry plus the ids of later entries whose cash continuity the
	// override broke.
	Override(ctx context.Context, entryID, adminID string, patch *models.LedgerPatch) (*models.LedgerEntry, []string, error)

	// Seed writes the initial entry for a newly created store. Idempotent:
	// if the seed entry exists, it is returned unchanged.
	Seed(ctx context.Context, store *models.Store, storeType *models.StoreType, classroom *models.Classroom) (*models.LedgerEntry, error)

	// History returns entries for (classroom, user) in creation order,
	// optionally excluding one scenario for rerun previews.
	History(ctx context.Context, classroomID, userID, excludeScenarioID string) ([]*models.LedgerEntry, error)

	Summary(ctx context.Context, classroomID, userID string) (*models.LedgerSummary, error)

	// PriorState derives the cash and inventory anchors from the latest
	// entry for (store, user).
	PriorState(ctx context.Context, storeID, userID string) (*models.PriorState, error)
}

// AppendInput carries a normalized simulation result plus the identity and
// capacity context the invariants need.
type AppendInput struct {
	StoreID      string
	ClassroomID  string
	ScenarioID   string // "" for the seed entry
	SubmissionID string
	UserID       string

	Result   *models.SimulationResult
	Capacity models.BucketCapacity
	AIMeta   models.AIMetadata

	CalculationContext *models.CalculationContext
}

// RequestBuilder converts a simulation context into oracle messages and
// validates/normalizes the oracle's structured reply (C2).
type RequestBuilder interface {
	// Build assembles the raw audit message list and the hardened request.
	Build(ctx context.Context, snapshot *models.CalculationContext) (raw []models.ChatMessage, req *models.OracleRequest, err error)

	// ParseResult unwraps, repairs, normalizes, and validates the oracle's
	// reply content against the response schema, then applies the
	// expectedCashBefore anchor correction. The returned JobError is the
	// non-fatal cash_anchor_mismatch audit record, if any.
	ParseResult(content []byte, job *models.Job) (*models.SimulationResult, *models.JobError, error)
}

// SimulationService is the orchestrator entry point (C6) plus the admin job
// operations.
type SimulationService interface {
	// ScenarioClosed creates submissions (per the outcome policy) and one
	// job per eligible student, then enqueues direct or batch work.
	ScenarioClosed(ctx context.Context, scenarioID, actorID string, dryRun bool) ([]*models.Job, error)

	RequeueJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID string) error
}
