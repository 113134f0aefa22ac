package models

import (
	"fmt"
	"strings"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	UserID   string `json:"user_id,omitempty"`
}

// Validate checks the required fields of a chat request.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.ThreadID) == "" {
		return fmt.Errorf("%w: thread_id is required", ErrBadRequest)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrBadRequest)
	}
	return nil
}

// ChatResponse is the body of a successful POST /chat.
type ChatResponse struct {
	Response    string      `json:"response"`
	PatientInfo PatientInfo `json:"patient_info"`
}

// CredentialsRequest is the body of POST /register and POST /login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate checks that both credentials are present.
func (r CredentialsRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" || r.Password == "" {
		return fmt.Errorf("%w: username and password are required", ErrBadRequest)
	}
	return nil
}

// RegisterResponse is the body of a successful POST /register.
type RegisterResponse struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

// LoginResponse is the body of a successful POST /login.
type LoginResponse struct {
	Message  string `json:"message"`
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error builds an error response body.
func Error(msg string) ErrorResponse {
	return ErrorResponse{Error: msg}
}
