package server

import "github.com/taskpilot/taskpilot/internal/store"

// HTTPError is the error envelope every failed request renders.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest is the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest is the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse wraps a generated id.
type IDResponse struct {
	ID string `json:"id"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Query         string `json:"query"`
	SourceURL     string `json:"source_url,omitempty"`
	DesiredStyle  string `json:"desired_style,omitempty"`
	DesiredLength string `json:"desired_length,omitempty"`
}

// CreateScheduleRequest is the body of POST /api/schedules.
type CreateScheduleRequest struct {
	Query         string `json:"query"`
	SourceURL     string `json:"source_url,omitempty"`
	CronSpec      string `json:"cron_spec,omitempty"`
	DesiredStyle  string `json:"desired_style,omitempty"`
	DesiredLength string `json:"desired_length,omitempty"`
}

// TaskDetailResponse is one stored task with its ordered steps.
type TaskDetailResponse struct {
	Task  store.TaskRecord   `json:"task"`
	Steps []store.StepRecord `json:"steps"`
}
