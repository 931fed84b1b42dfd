// Package web provides HTTP request and response types for the orchestration API.
package web

// StartRunRequest is the request body for starting a workflow run.
// Version zero means the latest published version.
type StartRunRequest struct {
	DefinitionID string         `json:"definition_id" validate:"required"`
	Version      int            `json:"version"       validate:"omitempty,min=1"`
	Input        map[string]any `json:"input"`
}

// StartRunResponse acknowledges an accepted run request. The run executes
// asynchronously; poll GET /runs/:id for progress.
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// CancelRunRequest is the optional request body for cancelling a run.
type CancelRunRequest struct {
	Reason string `json:"reason"`
}

// DecideTicketRequest is the request body for deciding an approval ticket.
type DecideTicketRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Actor    string `json:"actor"    validate:"required"`
	Comment  string `json:"comment"`
}
