package models

import "time"

// BatchState mirrors the oracle's batch lifecycle, plus the local "created"
// state before submission.
type BatchState string

const (
	BatchStateCreated    BatchState = "created"
	BatchStateSubmitted  BatchState = "submitted"
	BatchStateInProgress BatchState = "in_progress"
	BatchStateFinalizing BatchState = "finalizing"
	BatchStateCompleted  BatchState = "completed"
	BatchStateFailed     BatchState = "failed"
	BatchStateExpired    BatchState = "expired"
	BatchStateCancelled  BatchState = "cancelled"
)

// Terminal reports whether the batch will receive no further oracle updates.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchStateCompleted, BatchStateFailed, BatchStateExpired, BatchStateCancelled:
		return true
	}
	return false
}

// Batch is a group of jobs submitted together to the oracle's asynchronous
// bulk endpoint.
type Batch struct {
	ID             string `json:"id"`
	ScenarioID     string `json:"scenario_id"`
	ClassroomID    string `json:"classroom_id"`
	OrganizationID string `json:"organization_id"`

	OracleBatchID string     `json:"oracle_batch_id,omitempty"`
	InputFileID   string     `json:"input_file_id,omitempty"`
	OutputFileID  string     `json:"output_file_id,omitempty"`
	State         BatchState `json:"state"`
	JobCount      int        `json:"job_count"`
	Error         string     `json:"error,omitempty"`

	PollAttempts int `json:"poll_attempts"`

	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinalizedAt time.Time `json:"finalized_at"`
}
