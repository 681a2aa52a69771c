// Package chat drives streamed model calls: it demultiplexes content-block
// events into text and tool requests, and resumes a turn once tool results
// are available.
package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

// ErrIncompleteStream is reported when a stream ends without message_stop.
var ErrIncompleteStream = errors.New("model stream ended before message_stop")

// Phase is the state of the block currently being streamed: TextPhase or *ToolUsePhase.
type Phase interface {
	phase()
}

// TextPhase is active outside tool_use blocks.
type TextPhase struct{}

// ToolUsePhase accumulates the input fragments of one tool_use block.
type ToolUsePhase struct {
	ID          string
	Name        string
	PartialJSON strings.Builder
}

func (TextPhase) phase()     {}
func (*ToolUsePhase) phase() {}

// Output is one item produced by a Turn: TextChunk, ToolUseRequest or TurnComplete.
type Output interface {
	output()
}

// TextChunk is a fragment of assistant text.
type TextChunk struct {
	Text string `json:"text"`
}

// ToolUseRequest is a complete tool invocation, emitted when its block stops.
type ToolUseRequest struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// TurnComplete marks the end of the model call.
type TurnComplete struct {
	StopReason string `json:"stop_reason,omitempty"`
}

func (TextChunk) output()      {}
func (ToolUseRequest) output() {}
func (TurnComplete) output()   {}

// Turn is a pull iterator over one model call. It is not safe for concurrent use.
//
//	turn := chat.NewTurn(stream)
//	defer turn.Close()
//	for turn.Next() {
//		switch out := turn.Output().(type) { ... }
//	}
//	if err := turn.Err(); err != nil { ... }
type Turn struct {
	stream models.EventStream
	phase  Phase
	text   *strings.Builder
	blocks []models.ContentBlock
	out    Output
	err    error
	done   bool
}

// NewTurn wraps stream. The Turn owns the stream and closes it on Close.
func NewTurn(stream models.EventStream) *Turn {
	return &Turn{stream: stream, phase: TextPhase{}}
}

// Next advances to the next output. It returns false when the call is
// complete or failed; check Err afterwards.
func (t *Turn) Next() bool {
	if t.done || t.err != nil {
		return false
	}

	for t.stream.Next() {
		ev := t.stream.Current()
		switch ev.Type {
		case models.EventBlockStart:
			t.commitText()
			if ev.BlockType == models.BlockToolUse {
				t.phase = &ToolUsePhase{ID: ev.ToolID, Name: ev.ToolName}
			} else {
				t.phase = TextPhase{}
				t.text = &strings.Builder{}
			}

		case models.EventDelta:
			switch p := t.phase.(type) {
			case TextPhase:
				if ev.Delta != models.DeltaText || ev.Text == "" {
					continue
				}
				if t.text == nil {
					t.text = &strings.Builder{}
				}
				t.text.WriteString(ev.Text)
				t.out = TextChunk{Text: ev.Text}
				return true
			case *ToolUsePhase:
				if ev.Delta == models.DeltaInputJSON {
					p.PartialJSON.WriteString(ev.PartialJSON)
				}
			}

		case models.EventBlockStop:
			p, ok := t.phase.(*ToolUsePhase)
			if !ok {
				t.commitText()
				continue
			}
			req := ToolUseRequest{ID: p.ID, Name: p.Name, Args: parseToolInput(p)}
			t.blocks = append(t.blocks, models.ContentBlock{
				Type:  models.BlockToolUse,
				ID:    req.ID,
				Name:  req.Name,
				Input: req.Args,
			})
			t.phase = TextPhase{}
			t.out = req
			return true

		case models.EventMessageStop:
			t.commitText()
			t.phase = TextPhase{}
			t.done = true
			t.out = TurnComplete{StopReason: ev.StopReason}
			return true
		}
	}

	if err := t.stream.Err(); err != nil {
		t.err = err
	} else {
		t.err = ErrIncompleteStream
	}
	return false
}

// Output returns the output produced by the last successful Next.
func (t *Turn) Output() Output { return t.out }

// Err returns the error that stopped the turn, if any.
func (t *Turn) Err() error { return t.err }

// Phase returns the current block phase.
func (t *Turn) Phase() Phase { return t.phase }

// Blocks returns the content blocks committed so far, in stream order.
func (t *Turn) Blocks() []models.ContentBlock {
	return append([]models.ContentBlock(nil), t.blocks...)
}

// Text returns the concatenated text of the committed text blocks.
func (t *Turn) Text() string {
	var b strings.Builder
	for _, blk := range t.blocks {
		if blk.Type == models.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// Close releases the underlying stream.
func (t *Turn) Close() error {
	return t.stream.Close()
}

func (t *Turn) commitText() {
	if t.text == nil {
		return
	}
	if t.text.Len() > 0 {
		t.blocks = append(t.blocks, models.TextBlock(t.text.String()))
	}
	t.text = nil
}

// parseToolInput decodes the accumulated fragments. Malformed input yields an
// empty object so the turn can continue.
func parseToolInput(p *ToolUsePhase) map[string]any {
	raw := strings.TrimSpace(p.PartialJSON.String())
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		slog.Warn("tool input is not a JSON object, using empty arguments",
			"tool", p.Name, "tool_use_id", p.ID, "error", errString(err))
		return map[string]any{}
	}
	return args
}

func errString(err error) string {
	if err == nil {
		return "input is null"
	}
	return err.Error()
}
