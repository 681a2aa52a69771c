// Package tools maps model tool calls to handlers. Tool definitions are
// built with mcp-go so the same set can be served to the model and to MCP
// clients.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/pmpilot/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
)

// Invocation carries the conversation a tool call belongs to.
type Invocation struct {
	SessionID string
	TurnID    string
	// OnJob, when set, is called with every job a tool launches.
	OnJob func(*models.Job)
}

func (inv Invocation) jobLaunched(job *models.Job) {
	if inv.OnJob != nil && job != nil {
		inv.OnJob(job)
	}
}

// Result is the structured outcome of a tool call, returned to the model as JSON.
type Result struct {
	Payload map[string]any
	IsError bool
}

// JSON renders the payload for a tool_result block.
func (r Result) JSON() string {
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "unencodable tool result: "+err.Error())
	}
	return string(b)
}

// ErrorResult returns a Result of the form {"error": msg}.
func ErrorResult(msg string) Result {
	return Result{Payload: map[string]any{"error": msg}, IsError: true}
}

// Tool is one callable tool.
type Tool interface {
	Definition() mcp.Tool
	Run(ctx context.Context, args map[string]any, inv Invocation) Result
}

// Dispatcher routes tool calls by name. Safe for concurrent use.
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewDispatcher creates a Dispatcher with tools registered.
func NewDispatcher(tools ...Tool) *Dispatcher {
	d := &Dispatcher{tools: make(map[string]Tool)}
	for _, t := range tools {
		d.Register(t)
	}
	return d
}

// Register adds t, replacing any tool with the same name.
func (d *Dispatcher) Register(t Tool) {
	name := t.Definition().Name
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[name]; !exists {
		d.order = append(d.order, name)
	}
	d.tools[name] = t
}

// Dispatch runs the named tool. It never returns an error: unknown tools and
// handler panics come back as error results so the conversation can go on.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any, inv Invocation) (res Result) {
	d.mu.RLock()
	t, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		slog.Warn("model requested unknown tool", "tool", name, "session_id", inv.SessionID)
		return ErrorResult("Unknown tool: " + name)
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			res = ErrorResult(fmt.Sprintf("tool %s failed unexpectedly", name))
		}
	}()
	return t.Run(ctx, args, inv)
}

// Tools returns the registered tools in registration order.
func (d *Dispatcher) Tools() []Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Tool, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.tools[name])
	}
	return out
}

// Specs returns the tool contracts surfaced to the model.
func (d *Dispatcher) Specs() []models.ToolSpec {
	tools := d.Tools()
	out := make([]models.ToolSpec, 0, len(tools))
	for _, t := range tools {
		out = append(out, SpecFromDefinition(t.Definition()))
	}
	return out
}

// SpecFromDefinition converts an mcp-go tool definition into a model tool spec.
func SpecFromDefinition(def mcp.Tool) models.ToolSpec {
	props := def.InputSchema.Properties
	if props == nil {
		props = map[string]any{}
	}
	return models.ToolSpec{
		Name:        def.Name,
		Description: def.Description,
		Properties:  props,
		Required:    def.InputSchema.Required,
	}
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key].(string)
	if !ok {
		return ""
	}
	return v
}

func oneOf(value, def string, allowed []string) (string, bool) {
	if value == "" {
		return def, true
	}
	for _, a := range allowed {
		if value == a {
			return value, true
		}
	}
	return "", false
}
