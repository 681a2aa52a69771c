// Package mock provides a scripted models.ModelClient for tests and local runs
// without model credentials.
package mock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

// ErrScriptExhausted is returned when a scripted client is called more times
// than it has responses.
var ErrScriptExhausted = errors.New("mock: no scripted response left")

// Client satisfies models.ModelClient for testing.
type Client struct {
	Name_      string
	StreamFunc func(ctx context.Context, req models.ModelRequest) (models.EventStream, error)

	mu       sync.Mutex
	requests []models.ModelRequest
}

func (c *Client) Name() string { return c.Name_ }

func (c *Client) Stream(ctx context.Context, req models.ModelRequest) (models.EventStream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, cloneRequest(req))
	c.mu.Unlock()

	if c.StreamFunc != nil {
		return c.StreamFunc(ctx, req)
	}
	return NewStream(ctx, Response(Stop("end_turn"))), nil
}

// Requests returns a copy of every request received so far.
func (c *Client) Requests() []models.ModelRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ModelRequest(nil), c.requests...)
}

// NewClient returns a Client that answers every call by echoing the latest user text.
func NewClient() *Client {
	return &Client{
		Name_: "mock",
		StreamFunc: func(ctx context.Context, req models.ModelRequest) (models.EventStream, error) {
			reply := "Mock response: " + lastUserText(req.Messages)
			return NewStream(ctx, Response(Text(0, reply), Stop("end_turn"))), nil
		},
	}
}

// NewScriptedClient returns a Client that plays scripts in order, one per call.
func NewScriptedClient(scripts ...[]models.StreamEvent) *Client {
	var (
		mu   sync.Mutex
		next int
	)
	return &Client{
		Name_: "mock-scripted",
		StreamFunc: func(ctx context.Context, _ models.ModelRequest) (models.EventStream, error) {
			mu.Lock()
			defer mu.Unlock()
			if next >= len(scripts) {
				return nil, fmt.Errorf("%w: call %d", ErrScriptExhausted, next+1)
			}
			s := scripts[next]
			next++
			return NewStream(ctx, s), nil
		},
	}
}

// NewFailingClient returns a Client whose Stream always fails with err.
func NewFailingClient(err error) *Client {
	return &Client{
		Name_: "mock-failing",
		StreamFunc: func(context.Context, models.ModelRequest) (models.EventStream, error) {
			return nil, err
		},
	}
}

// Stream replays a fixed list of events.
type Stream struct {
	ctx    context.Context
	events []models.StreamEvent
	pos    int
	cur    models.StreamEvent
	err    error
	closed bool

	// Hang makes the stream block after its last event until ctx is done,
	// like a model that stops sending mid-response.
	Hang bool
	// FailWith is reported by Err once the events are exhausted.
	FailWith error
}

// NewStream returns a Stream over events bound to ctx.
func NewStream(ctx context.Context, events []models.StreamEvent) *Stream {
	return &Stream{ctx: ctx, events: events}
}

func (s *Stream) Next() bool {
	if s.err != nil || s.closed {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.pos < len(s.events) {
		s.cur = s.events[s.pos]
		s.pos++
		return true
	}
	if s.FailWith != nil {
		s.err = s.FailWith
		return false
	}
	if s.Hang {
		<-s.ctx.Done()
		s.err = s.ctx.Err()
	}
	return false
}

func (s *Stream) Current() models.StreamEvent { return s.cur }
func (s *Stream) Err() error                  { return s.err }

func (s *Stream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool { return s.closed }

// Response concatenates event groups into one script.
func Response(groups ...[]models.StreamEvent) []models.StreamEvent {
	var out []models.StreamEvent
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Text builds a text block at index streamed as the given chunks.
func Text(index int, chunks ...string) []models.StreamEvent {
	out := []models.StreamEvent{{Type: models.EventBlockStart, Index: index, BlockType: models.BlockText}}
	for _, c := range chunks {
		out = append(out, models.StreamEvent{Type: models.EventDelta, Index: index, Delta: models.DeltaText, Text: c})
	}
	return append(out, models.StreamEvent{Type: models.EventBlockStop, Index: index})
}

// ToolUse builds a tool_use block at index whose input arrives as fragments.
func ToolUse(index int, id, name string, fragments ...string) []models.StreamEvent {
	out := []models.StreamEvent{{Type: models.EventBlockStart, Index: index, BlockType: models.BlockToolUse, ToolID: id, ToolName: name}}
	for _, f := range fragments {
		out = append(out, models.StreamEvent{Type: models.EventDelta, Index: index, Delta: models.DeltaInputJSON, PartialJSON: f})
	}
	return append(out, models.StreamEvent{Type: models.EventBlockStop, Index: index})
}

// Stop builds the message_stop event.
func Stop(reason string) []models.StreamEvent {
	return []models.StreamEvent{{Type: models.EventMessageStop, StopReason: reason}}
}

func lastUserText(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleUser {
			continue
		}
		var parts []string
		for _, b := range msgs[i].Content {
			if b.Type == models.BlockText && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func cloneRequest(req models.ModelRequest) models.ModelRequest {
	req.Messages = append([]models.Message(nil), req.Messages...)
	req.Tools = append([]models.ToolSpec(nil), req.Tools...)
	return req
}

var _ models.ModelClient = (*Client)(nil)
var _ models.EventStream = (*Stream)(nil)
