package chat

import "github.com/kiranshivaraju/pmpilot/pkg/models"

// ToolResult is the outcome of one tool invocation, keyed by the tool_use id.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ContinueWithToolResults returns the message list for the next model call:
// prior, then an assistant message holding the interrupted turn's blocks, then
// a user message carrying the results. prior is not modified.
func ContinueWithToolResults(prior []models.Message, assistant []models.ContentBlock, results []ToolResult) []models.Message {
	out := make([]models.Message, 0, len(prior)+2)
	out = append(out, prior...)
	out = append(out, models.Message{
		Role:    models.RoleAssistant,
		Content: append([]models.ContentBlock(nil), assistant...),
	})

	content := make([]models.ContentBlock, 0, len(results))
	for _, r := range results {
		content = append(content, models.ContentBlock{
			Type:      models.BlockToolResult,
			ToolUseID: r.ToolUseID,
			Content:   r.Content,
			IsError:   r.IsError,
		})
	}
	return append(out, models.Message{Role: models.RoleUser, Content: content})
}

// ContinueWithToolResult is ContinueWithToolResults for a single tool call.
func ContinueWithToolResult(prior []models.Message, assistant []models.ContentBlock, toolUseID, result string) []models.Message {
	return ContinueWithToolResults(prior, assistant, []ToolResult{{ToolUseID: toolUseID, Content: result}})
}
