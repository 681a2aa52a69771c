package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/pmpilot/internal/api/response"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the request body as "sha256=<hex>".
	SignatureHeader = "X-Signature-256"
	maxWebhookBody  = 8 << 20
)

// WebhookSignature verifies that push callbacks were signed with the shared secret.
type WebhookSignature struct {
	secret []byte
}

// NewWebhookSignature creates the middleware. An empty secret disables verification.
func NewWebhookSignature(secret string) *WebhookSignature {
	return &WebhookSignature{secret: []byte(secret)}
}

// Verify rejects requests whose signature does not match the body. The body
// is buffered and handed on unchanged.
func (ws *WebhookSignature) Verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(ws.secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read body", nil)
			return
		}
		if len(body) > maxWebhookBody {
			response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Webhook body too large", nil)
			return
		}

		if !ws.valid(r.Header.Get(SignatureHeader), body) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_SIGNATURE", "Missing or invalid webhook signature", nil)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Sign returns the header value for body.
func (ws *WebhookSignature) Sign(body []byte) string {
	mac := hmac.New(sha256.New, ws.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (ws *WebhookSignature) valid(header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, ws.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
