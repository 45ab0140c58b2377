// Package core defines the shared vocabulary of the runtime: conversation
// turns, the conversation container, error taxonomy, and the collaborator
// contracts (memory store, delivery sink) the engine drives.
package core

import "time"

// Turn represents one entry in a conversation transcript. Concrete turn
// types implement the unexported isTurn marker enabling a closed set the
// engine can switch over exhaustively.
type Turn interface{ isTurn() }

// UserTurn is caller-supplied input text.
type UserTurn struct {
	Text string `json:"text"`
}

func (UserTurn) isTurn() {}

// AssistantTurn is a model reply: either final text or an ordered batch of
// tool-call requests. Both may be present when the model narrates before
// calling tools.
type AssistantTurn struct {
	Text      string            `json:"text,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
}

func (AssistantTurn) isTurn() {}

// ToolResultTurn records the outcome of exactly one ToolCallRequest.
// Either Result or Error is set, never both.
type ToolResultTurn struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (ToolResultTurn) isTurn() {}

// SummaryTurn is a synthetic turn replacing a trimmed range of history.
// It is presented to the model like user context and is pinned against
// further trimming.
type SummaryTurn struct {
	Text string `json:"text"`
}

func (SummaryTurn) isTurn() {}

// ToolCallRequest is a structured request, emitted by the model, to invoke
// a named tool with arguments. CallID is unique within a session.
//
// When the model produced argument JSON that does not parse,
// ArgumentsInvalid is set and RawArguments preserves the original payload
// so the failure can be surfaced back to the model as transcript data.
type ToolCallRequest struct {
	CallID           string         `json:"call_id"`
	Name             string         `json:"name"`
	Arguments        map[string]any `json:"arguments,omitempty"`
	ArgumentsInvalid bool           `json:"arguments_invalid,omitempty"`
	RawArguments     string         `json:"raw_arguments,omitempty"`
}

// MemoryRecord is one durable fact associated with an owner identity.
type MemoryRecord struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Content   string    `json:"content"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
