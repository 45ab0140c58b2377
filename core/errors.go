package core

import "fmt"

// Provider error kinds.
const (
	ProviderRateLimited     = "RATE_LIMITED"
	ProviderTimeout         = "TIMEOUT"
	ProviderInvalidResponse = "INVALID_RESPONSE"
	ProviderAuth            = "AUTH"
)

// ProviderError reports a completion backend failure. Retriable errors are
// eligible for bounded backoff before they surface to the engine.
type ProviderError struct {
	Provider  string `json:"provider"`
	Kind      string `json:"kind"`
	Retriable bool   `json:"retriable"`
	Err       error  `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider error [%s] from %s: %v", e.Kind, e.Provider, e.Err)
	}
	return fmt.Sprintf("provider error [%s] from %s", e.Kind, e.Provider)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError creates a ProviderError with the specified details.
func NewProviderError(provider, kind string, retriable bool, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Retriable: retriable, Err: err}
}

// Tool error codes.
const (
	ToolUnknown         = "UNKNOWN_TOOL"
	ToolSchemaMismatch  = "SCHEMA_MISMATCH"
	ToolExecutionFailed = "EXECUTION_FAILED"
	ToolTimeout         = "TIMEOUT"
)

// ToolError represents errors that occur during tool resolution or
// execution. These become transcript data for the model to see, never
// session-fatal failures.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Code    string `json:"code"`              // Error code for categorization
	Message string `json:"message"`           // Error message
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, code, message string) *ToolError {
	return &ToolError{Tool: tool, Code: code, Message: message}
}

// StoreError reports a memory persistence failure. Always non-fatal to the
// session: the engine logs and continues.
type StoreError struct {
	Op  string `json:"op"` // "retrieve" or "write"
	Err error  `json:"-"`
}

func (e *StoreError) Error() string { return fmt.Sprintf("store error during %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// Agent error codes.
const (
	CodeIterationLimit      = "ITERATION_LIMIT_EXCEEDED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeCancelled           = "CANCELLED"
)

// AgentError is a session-level terminal failure surfaced to the caller
// and the delivery sink.
type AgentError struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Err       error  `json:"-"`
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent error [%s] in session %s: %v", e.Code, e.SessionID, e.Err)
	}
	return fmt.Sprintf("agent error [%s] in session %s", e.Code, e.SessionID)
}

func (e *AgentError) Unwrap() error { return e.Err }

// NewAgentError creates an AgentError with the specified details.
func NewAgentError(sessionID, code string, err error) *AgentError {
	return &AgentError{SessionID: sessionID, Code: code, Err: err}
}
