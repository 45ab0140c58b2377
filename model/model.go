// Package model abstracts "ask a language model for the next turn" behind
// a provider-agnostic Client interface with unified streaming and
// non-streaming delivery. Provider adapters live in subpackages; this
// package additionally ships a retry decorator and a scripted mock for
// tests and examples.
package model

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentloop/core"
)

// ToolDefinition declaratively exposes a callable capability to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset
// expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized completion input produced by the engine.
type Request struct {
	Instructions string           `json:"instructions,omitempty"` // System-level guidance
	Turns        []core.Turn      `json:"turns"`                  // Ordered transcript
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or terminal) chunk emitted by a completion.
//
// Partial responses carry incremental text in Text; the single terminal
// response (Partial == false) carries the full buffered text plus any tool
// calls, and partial deltas always concatenate to the terminal text.
type Response struct {
	Partial      bool                   `json:"partial"`
	Text         string                 `json:"text,omitempty"`
	ToolCalls    []core.ToolCallRequest `json:"tool_calls,omitempty"`
	FinishReason string                 `json:"finish_reason,omitempty"`
	Usage        *TokenUsage            `json:"usage,omitempty"`
}

// Info contains metadata about a client implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Client is the minimal interface the engine requires to drive generation.
//
// The response channel yields a finite, non-restartable sequence: zero or
// more partial responses followed by exactly one terminal response, after
// which both channels close. Callers must drain the sequence fully; errors
// arrive on the second channel and terminate the sequence.
type Client interface {
	Complete(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the client implementation.
	Info() Info
}

// MockOutcome is one scripted completion result for MockClient.
type MockOutcome struct {
	Text      string
	ToolCalls []core.ToolCallRequest
	Err       error
}

// MockClient is a lightweight in-memory Client useful for tests & examples.
// Outcomes are consumed in FIFO order; once exhausted it echoes the last
// user turn.
type MockClient struct {
	info     Info
	outcomes []MockOutcome
	pos      int
}

// NewMockClient constructs a MockClient with basic tool support enabled.
func NewMockClient(outcomes ...MockOutcome) *MockClient {
	return &MockClient{
		info: Info{
			Name:          "mock",
			Provider:      "mock",
			SupportsTools: true,
		},
		outcomes: outcomes,
	}
}

// Enqueue appends further scripted outcomes.
func (m *MockClient) Enqueue(outcomes ...MockOutcome) { m.outcomes = append(m.outcomes, outcomes...) }

// Complete implements Client; emits optional streaming char chunks then the
// terminal response.
func (m *MockClient) Complete(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	var outcome MockOutcome
	if m.pos < len(m.outcomes) {
		outcome = m.outcomes[m.pos]
		m.pos++
	} else {
		outcome = MockOutcome{Text: fmt.Sprintf("Mock response to: %s", lastUserText(req.Turns))}
	}

	go func() {
		defer close(respCh)
		defer close(errCh)

		if outcome.Err != nil {
			errCh <- outcome.Err
			return
		}
		if req.Stream && outcome.Text != "" {
			for _, r := range outcome.Text {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}

		finish := "stop"
		if len(outcome.ToolCalls) > 0 {
			finish = "tool_calls"
		}

		respCh <- Response{
			Partial:      false,
			Text:         outcome.Text,
			ToolCalls:    outcome.ToolCalls,
			FinishReason: finish,
		}
	}()

	return respCh, errCh
}

// Info implements Client.
func (m *MockClient) Info() Info { return m.info }

func lastUserText(turns []core.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if ut, ok := turns[i].(core.UserTurn); ok {
			return ut.Text
		}
	}
	return ""
}
