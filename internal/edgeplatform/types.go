// Package edgeplatform wraps the Cloudflare-shaped REST surface described in
// spec.md §4.C: dispatch namespaces, multipart worker script upload, routes,
// KV namespaces, the workers.dev subdomain toggle, and analytics reads.
// Grounded directly on tools/si/internal/cloudflarebridge's Client/Request/
// Response envelope and its success/result/messages unwrapping of the
// Cloudflare JSON envelope.
package edgeplatform

import (
	"fmt"
	"net/http"
	"strings"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Config configures one edgeplatform.Client.
type Config struct {
	AccountID string
	APIToken  string
	BaseURL   string
	UserAgent string
}

// Request is one logical call; Path is relative to Config.BaseURL unless it
// is already absolute.
type Request struct {
	Method      string
	Path        string
	Params      map[string]string
	Headers     map[string]string
	JSONBody    any
	RawBody     []byte
	ContentType string

	// Raw marks a request whose response body is binary/script content
	// rather than the Cloudflare JSON envelope (e.g. GetScript). Raw
	// responses skip ctlerr.RedactSensitive, which is a log/error-message
	// scrubber, not a transform safe to apply to compiled script bytes.
	Raw bool
}

// Response is the normalized Cloudflare envelope: {success, result,
// messages, errors}, unwrapped the way cloudflarebridge.normalizeResponse
// does.
type Response struct {
	StatusCode int
	Success    bool
	RequestID  string
	Data       map[string]any
	List       []map[string]any
	Errors     []map[string]any
	RawBody    string
}

// APIError is the error value reqexec.Do returns for a non-success Cloudflare
// response.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	parts := make([]string, 0, 3)
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code > 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+e.Message)
	}
	if len(parts) == 0 {
		return "edge platform api error"
	}
	return "edge platform api error: " + strings.Join(parts, ", ")
}

// IsAlreadyExists reports whether err is a Cloudflare "already exists"
// response, treated as success by the idempotent ensure_* operations (spec.md
// §5).
func IsAlreadyExists(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	if apiErr.StatusCode == http.StatusConflict {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate")
}
