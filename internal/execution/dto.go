package execution

import (
	"encoding/json"
	"time"

	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// ExecuteRequest is the POST /sessions/:id/execute body.
type ExecuteRequest struct {
	Code           string          `json:"code" binding:"required"`
	Language       string          `json:"language,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
	TimeoutSeconds *int            `json:"timeout,omitempty"`
}

// ExecuteResponse acknowledges an accepted submission.
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// ExecutionDTO is the full execution document.
type ExecutionDTO struct {
	ID                   string                  `json:"execution_id"`
	SessionID            string                  `json:"session_id"`
	Language             string                  `json:"language"`
	Status               string                  `json:"status"`
	Stdout               string                  `json:"stdout,omitempty"`
	Stderr               string                  `json:"stderr,omitempty"`
	ExitCode             *int                    `json:"exit_code,omitempty"`
	ExecutionTimeSeconds float64                 `json:"execution_time_seconds,omitempty"`
	ReturnValue          json.RawMessage         `json:"return_value,omitempty"`
	Metrics              json.RawMessage         `json:"metrics,omitempty"`
	Artifacts            []v1.ArtifactDescriptor `json:"artifacts,omitempty"`
	RetryCount           int                     `json:"retry_count"`
	CreatedAt            time.Time               `json:"created_at"`
	CompletedAt          *time.Time              `json:"completed_at,omitempty"`
}

// ExecutionStatusDTO is the status-only projection.
type ExecutionStatusDTO struct {
	ID     string `json:"execution_id"`
	Status string `json:"status"`
}

// ExecutionResultDTO is the terminal-result projection.
type ExecutionResultDTO struct {
	ID                   string                  `json:"execution_id"`
	Status               string                  `json:"status"`
	Stdout               string                  `json:"stdout"`
	Stderr               string                  `json:"stderr"`
	ExitCode             *int                    `json:"exit_code,omitempty"`
	ExecutionTimeSeconds float64                 `json:"execution_time_seconds"`
	ReturnValue          json.RawMessage         `json:"return_value,omitempty"`
	Metrics              json.RawMessage         `json:"metrics,omitempty"`
	Artifacts            []v1.ArtifactDescriptor `json:"artifacts,omitempty"`
}

// StatusUpdateRequest is the executor's running notice body.
type StatusUpdateRequest struct {
	Status string `json:"status" binding:"required"`
}

// ResultRequest is the executor's terminal report body.
type ResultRequest struct {
	Status               string                  `json:"status" binding:"required"`
	Stdout               string                  `json:"stdout,omitempty"`
	Stderr               string                  `json:"stderr,omitempty"`
	ExitCode             *int                    `json:"exit_code,omitempty"`
	ExecutionTimeSeconds float64                 `json:"execution_time_seconds,omitempty"`
	ReturnValue          json.RawMessage         `json:"return_value,omitempty"`
	Metrics              json.RawMessage         `json:"metrics,omitempty"`
	Artifacts            []v1.ArtifactDescriptor `json:"artifacts,omitempty"`
}

// FromExecution converts a stored execution into its API form.
func FromExecution(e *store.Execution) ExecutionDTO {
	return ExecutionDTO{
		ID:                   e.ID,
		SessionID:            e.SessionID,
		Language:             e.Language,
		Status:               string(e.Status),
		Stdout:               e.Stdout,
		Stderr:               e.Stderr,
		ExitCode:             e.ExitCode,
		ExecutionTimeSeconds: e.ExecutionTimeSeconds,
		ReturnValue:          e.ReturnValue,
		Metrics:              e.Metrics,
		Artifacts:            e.Artifacts,
		RetryCount:           e.RetryCount,
		CreatedAt:            e.CreatedAt,
		CompletedAt:          e.CompletedAt,
	}
}
