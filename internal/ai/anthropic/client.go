// Package anthropic adapts the Anthropic Messages streaming API to models.ModelClient.
package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kiranshivaraju/pmpilot/internal/config"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

const defaultMaxTokens = 4096

// Client implements models.ModelClient using anthropic-sdk-go.
type Client struct {
	client sdk.Client
	model  string
}

// NewClient creates a Client from config.
func NewClient(cfg config.AnthropicConfig, opts ...option.RequestOption) *Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &Client{
		client: sdk.NewClient(reqOpts...),
		model:  cfg.Model,
	}
}

func (c *Client) Name() string { return "anthropic" }

// Stream starts a streaming Messages call. Errors from the API surface through
// the returned stream's Err.
func (c *Client) Stream(ctx context.Context, req models.ModelRequest) (models.EventStream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anthropic: request has no messages")
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  toMessageParams(req.Messages),
		Tools:     toToolParams(req.Tools),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	return &eventStream{stream: c.client.Messages.NewStreaming(ctx, params)}, nil
}

// sdkStream is the subset of the SDK's SSE stream the adapter consumes.
type sdkStream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

// eventStream translates SDK stream events into models.StreamEvent. Events the
// conversation engine has no use for (message_start, thinking deltas) are skipped.
type eventStream struct {
	stream     sdkStream
	cur        models.StreamEvent
	stopReason string
}

func (s *eventStream) Next() bool {
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			s.cur = models.StreamEvent{
				Type:      models.EventBlockStart,
				Index:     int(ev.Index),
				BlockType: models.BlockType(ev.ContentBlock.Type),
				ToolID:    ev.ContentBlock.ID,
				ToolName:  ev.ContentBlock.Name,
			}
			return true

		case sdk.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				s.cur = models.StreamEvent{Type: models.EventDelta, Index: int(ev.Index), Delta: models.DeltaText, Text: d.Text}
				return true
			case sdk.InputJSONDelta:
				s.cur = models.StreamEvent{Type: models.EventDelta, Index: int(ev.Index), Delta: models.DeltaInputJSON, PartialJSON: d.PartialJSON}
				return true
			}

		case sdk.ContentBlockStopEvent:
			s.cur = models.StreamEvent{Type: models.EventBlockStop, Index: int(ev.Index)}
			return true

		case sdk.MessageDeltaEvent:
			s.stopReason = string(ev.Delta.StopReason)

		case sdk.MessageStopEvent:
			s.cur = models.StreamEvent{Type: models.EventMessageStop, StopReason: s.stopReason}
			return true
		}
	}
	return false
}

func (s *eventStream) Current() models.StreamEvent { return s.cur }

func (s *eventStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func (s *eventStream) Close() error { return s.stream.Close() }

func toMessageParams(msgs []models.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(b.Text))
				}
			case models.BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(b.ID, input, b.Name))
			case models.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out
}

func toToolParams(specs []models.ToolSpec) []sdk.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		p := sdk.ToolParam{
			Name:        spec.Name,
			Description: sdk.String(spec.Description),
			InputSchema: sdk.ToolInputSchemaParam{
				Properties: spec.Properties,
				Required:   spec.Required,
			},
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &p})
	}
	return out
}

var _ models.ModelClient = (*Client)(nil)
