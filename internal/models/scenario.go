package models

import "time"

// ScenarioStatus tracks the instructor-driven scenario lifecycle.
type ScenarioStatus string

const (
	ScenarioStatusDraft     ScenarioStatus = "draft"
	ScenarioStatusPublished ScenarioStatus = "published"
	ScenarioStatusClosed    ScenarioStatus = "closed"
)

// Scenario is an instructor-defined week of play within a classroom.
// Only published scenarios may receive submissions; only closed scenarios
// may be simulated.
type Scenario struct {
	ID          string         `json:"id"`
	ClassroomID string         `json:"classroom_id"`
	Title       string         `json:"title"`
	WeekNumber  int            `json:"week_number"`
	Description string         `json:"description"`
	Status      ScenarioStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	PublishedAt time.Time      `json:"published_at"`
	ClosedAt    time.Time      `json:"closed_at"`
}

// GenerationPolicy controls how missing submissions are produced when a
// scenario outcome is applied.
type GenerationPolicy string

const (
	GenerationManual          GenerationPolicy = "MANUAL"
	GenerationUseAI           GenerationPolicy = "USE_AI"
	GenerationForwardPrevious GenerationPolicy = "FORWARD_PREVIOUS"
)

// ScenarioOutcome is the instructor-authored realized conditions for a
// scenario. Zero or one per scenario.
type ScenarioOutcome struct {
	ScenarioID               string           `json:"scenario_id"`
	Notes                    string           `json:"notes"`
	RandomEventChancePercent int              `json:"random_event_chance_percent"` // 0-100
	AutoGenerateSubmissions  GenerationPolicy `json:"auto_generate_submissions_on_outcome"`
	PunishAbsentStudents     int              `json:"punish_absent_students"` // 0 = no penalty
	CreatedAt                time.Time        `json:"created_at"`
}
