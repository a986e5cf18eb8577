package models

import "time"

// GenerationMethod records how a submission came to exist.
type GenerationMethod string

const (
	SubmissionManual          GenerationMethod = "MANUAL"
	SubmissionAI              GenerationMethod = "AI"
	SubmissionForwardPrevious GenerationMethod = "FORWARD_PREVIOUS"
)

// SubmissionGeneration describes the provenance of a submission's decisions.
type SubmissionGeneration struct {
	Method              GenerationMethod `json:"method"`
	ForwardedFrom       string           `json:"forwarded_from,omitempty"` // submission ID for FORWARD_PREVIOUS
	AbsencePenaltyLevel int              `json:"absence_penalty_level,omitempty"`
}

// Submission holds a student's decisions for one scenario.
// Unique per (scenario, student).
type Submission struct {
	ID          string               `json:"id"`
	ScenarioID  string               `json:"scenario_id"`
	ClassroomID string               `json:"classroom_id"`
	UserID      string               `json:"user_id"`
	Decisions   map[string]string    `json:"decisions,omitempty"`
	Notes       string               `json:"notes,omitempty"` // free text, untrusted
	Generation  SubmissionGeneration `json:"generation"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}
