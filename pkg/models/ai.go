// Package models contains shared data models used across the pmpilot codebase.
package models

import (
	"context"
)

// ModelClient is the core interface that all model integrations must implement.
// Never call specific model providers directly — always inject this interface.
type ModelClient interface {
	// Stream issues one model call and returns its event stream. The caller must Close it.
	Stream(ctx context.Context, req ModelRequest) (EventStream, error)
	// Name returns the provider identifier (e.g., "anthropic", "mock").
	Name() string
}

// ModelRequest is the input to a single streaming model call.
type ModelRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// ToolSpec is the contract of a tool surfaced to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties"`
	Required    []string       `json:"required,omitempty"`
}

// EventStream is a pull-based iterator over model stream events.
type EventStream interface {
	Next() bool
	Current() StreamEvent
	Err() error
	Close() error
}

// StreamEventType enumerates the model stream events the conversation engine understands.
type StreamEventType string

const (
	EventBlockStart  StreamEventType = "block_start"
	EventDelta       StreamEventType = "delta"
	EventBlockStop   StreamEventType = "block_stop"
	EventMessageStop StreamEventType = "message_stop"
)

// DeltaKind distinguishes text deltas from tool input fragments.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaInputJSON DeltaKind = "input_json"
)

// StreamEvent is one event of a streamed model response. Only the fields relevant
// to Type are populated.
type StreamEvent struct {
	Type  StreamEventType
	Index int

	// block_start
	BlockType BlockType
	ToolID    string
	ToolName  string

	// delta
	Delta       DeltaKind
	Text        string
	PartialJSON string

	// message_stop
	StopReason string
}
