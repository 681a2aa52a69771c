package chat

import (
	"encoding/json"
	"strings"
)

// ResponseBlock is one UI block of a final assistant answer.
type ResponseBlock struct {
	Type    string         `json:"type"`
	Content string         `json:"content,omitempty"`
	Items   []string       `json:"items,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ParseResponseBlocks reads the final assistant text as a JSON array of
// blocks, optionally wrapped in a ```json fence. Text in any other shape is
// returned as a single text block.
func ParseResponseBlocks(text string) []ResponseBlock {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []ResponseBlock{}
	}

	if blocks, ok := decodeBlocks(stripFence(trimmed)); ok {
		return blocks
	}
	return []ResponseBlock{{Type: "text", Content: trimmed}}
}

func decodeBlocks(s string) ([]ResponseBlock, bool) {
	if !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var blocks []ResponseBlock
	if err := json.Unmarshal([]byte(s), &blocks); err != nil || len(blocks) == 0 {
		return nil, false
	}
	for _, b := range blocks {
		if b.Type == "" {
			return nil, false
		}
	}
	return blocks, true
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	body := strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return s
	}
	body = strings.TrimSpace(body)
	if !strings.HasSuffix(body, "```") {
		return s
	}
	return strings.TrimSpace(strings.TrimSuffix(body, "```"))
}
