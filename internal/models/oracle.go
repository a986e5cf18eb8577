package models

import (
	"encoding/json"
	"time"
)

// Chat message roles on the oracle wire.
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one role-tagged message on the oracle wire.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JSONSchemaSpec names and constrains the oracle's structured output.
type JSONSchemaSpec struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// ResponseFormat requests strict JSON-schema output from the oracle.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_schema"
	JSONSchema *JSONSchemaSpec `json:"json_schema,omitempty"`
}

// OracleRequest is the chat-completions payload sent to the oracle, both
// directly and as the body of a batch input line.
type OracleRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ChatCompletion is the oracle's reply to a direct chat-completions call.
type ChatCompletion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// BatchRequestLine is one newline-delimited JSON line in a batch input file.
type BatchRequestLine struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     *OracleRequest `json:"body"`
}

// BatchItemResponse is the per-line HTTP result inside a batch output file.
type BatchItemResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// BatchItemError is the per-line error inside a batch output file.
type BatchItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchOutputLine is one newline-delimited JSON line in a batch output file.
type BatchOutputLine struct {
	CustomID string             `json:"custom_id"`
	Response *BatchItemResponse `json:"response"`
	Error    *BatchItemError    `json:"error,omitempty"`
}

// OracleFile describes an uploaded or downloadable oracle file.
type OracleFile struct {
	ID       string `json:"id"`
	Bytes    int64  `json:"bytes"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
}

// OracleBatch is the oracle's view of a submitted batch.
type OracleBatch struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // validating, in_progress, finalizing, completed, failed, expired, cancelled
	Endpoint     string `json:"endpoint"`
	InputFileID  string `json:"input_file_id"`
	OutputFileID string `json:"output_file_id,omitempty"`
	ErrorFileID  string `json:"error_file_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	CompletedAt  int64  `json:"completed_at,omitempty"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

// BatchStateFromOracle maps an oracle batch status onto the local state
// machine. Unknown statuses map to in_progress so polling continues.
func BatchStateFromOracle(status string) BatchState {
	switch status {
	case "validating", "in_progress":
		return BatchStateInProgress
	case "finalizing":
		return BatchStateFinalizing
	case "completed":
		return BatchStateCompleted
	case "failed":
		return BatchStateFailed
	case "expired":
		return BatchStateExpired
	case "cancelled", "cancelling":
		return BatchStateCancelled
	}
	return BatchStateInProgress
}

// RunMetadata ties an oracle reply back to the run that produced it.
func RunMetadata(model, runID string) AIMetadata {
	return AIMetadata{Model: model, RunID: runID, GeneratedAt: time.Now()}
}
