package models

import (
	"strconv"
	"time"
)

// JobState is the job lifecycle state. Terminal states are absorbing;
// failed jobs may only return to pending via an explicit admin requeue.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state admits no further worker transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// CanTransition reports whether the state machine admits the move.
func (s JobState) CanTransition(to JobState) bool {
	switch s {
	case JobStatePending:
		return to == JobStateRunning || to == JobStateFailed
	case JobStateRunning:
		return to == JobStateCompleted || to == JobStateFailed
	case JobStateFailed:
		return to == JobStatePending // admin requeue only
	}
	return false
}

// CalculationContext is the frozen snapshot of every input that determines a
// job's result, captured at job creation. Workers borrow it read-only; this
// decouples the job from later mutations of submissions or prior entries and
// makes retries reproducible.
type CalculationContext struct {
	Classroom  *Classroom       `json:"classroom"`
	Store      *Store           `json:"store"`
	StoreType  *StoreType       `json:"store_type"`
	Scenario   *Scenario        `json:"scenario"`
	Outcome    *ScenarioOutcome `json:"scenario_outcome"`
	Submission *Submission      `json:"submission"`
	History    []*LedgerEntry   `json:"ledger_history"`
	CashBefore float64          `json:"cash_before"`
	Inventory  InventoryLevels  `json:"inventory_state"`
	CapturedAt time.Time        `json:"captured_at"`
}

// JobBatchRef links a job to the oracle batch that carried it.
type JobBatchRef struct {
	BatchID     string    `json:"batch_id,omitempty"`
	InputFileID string    `json:"input_file_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Job is the scheduling record for simulating one student in one scenario.
type Job struct {
	ID           string `json:"id"`
	ClassroomID  string `json:"classroom_id"`
	ScenarioID   string `json:"scenario_id"`
	UserID       string `json:"user_id"`
	SubmissionID string `json:"submission_id"`
	StoreID      string `json:"store_id"`
	DryRun       bool   `json:"dry_run"`

	// Anchors derived from the ledger before any work begins. Authoritative:
	// a disagreeing oracle reply is corrected back to these values.
	ExpectedCashBefore float64         `json:"expected_cash_before"`
	ExpectedInventory  InventoryLevels `json:"expected_inventory_state"`

	Snapshot      *CalculationContext `json:"calculation_context_snapshot,omitempty"`
	OracleRequest *OracleRequest      `json:"openai_request,omitempty"`
	Batch         JobBatchRef         `json:"batch"`

	State         JobState  `json:"state"`
	LedgerEntryID string    `json:"ledger_entry_id,omitempty"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	Error         *JobError `json:"error,omitempty"`
	// Warning retains a cash_anchor_mismatch auto-correction for audit
	// without failing the job.
	Warning *JobError `json:"warning,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// IdempotencyKey identifies one attempt at simulating (scenario, user).
func (j *Job) IdempotencyKey() string {
	return j.ScenarioID + ":" + j.UserID + ":" + strconv.Itoa(j.Attempts)
}
