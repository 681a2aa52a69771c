package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SSE writes a text/event-stream response.
type SSE struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSE sends the event-stream headers and lifts the server's write deadline,
// which would otherwise cut long streams short.
func NewSSE(w http.ResponseWriter) *SSE {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	return &SSE{w: w, rc: rc}
}

// Send writes one event. data is JSON-encoded; []byte and json.RawMessage are
// written as they are.
func (s *SSE) Send(event string, data any) error {
	var payload []byte
	switch v := data.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s event: %w", event, err)
		}
		payload = b
	}

	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(string(payload), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return s.write(b.String())
}

// Comment writes an SSE comment line, used as a keep-alive.
func (s *SSE) Comment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *SSE) write(chunk string) error {
	if _, err := s.w.Write([]byte(chunk)); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
