package edgeplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/httpx"
	"github.com/overskill/deployctl/internal/reqexec"
)

// Client is a thin, reusable Cloudflare-shaped REST caller. One Client
// instance is shared by every internal/dispatch call (spec.md §5: "HTTP
// connections are pooled per host").
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("edge platform api token is required")
	}
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, fmt.Errorf("edge platform account id is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "overskill-deployctl/1"
	}
	return &Client{cfg: cfg, httpClient: httpx.SharedClient(30 * time.Second)}, nil
}

// AccountID returns the configured Cloudflare-shaped account id.
func (c *Client) AccountID() string { return c.cfg.AccountID }

// Do executes req with up to 3 retries on transient failures, the same
// retryable-method/status policy as cloudflarebridge.isRetryableHTTP.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	endpoint, err := resolveURL(c.cfg.BaseURL, req.Path, req.Params)
	if err != nil {
		return Response{}, err
	}

	return reqexec.Do(ctx, reqexec.Options[Response]{
		Client:     c.httpClient,
		MaxRetries: 3,
		BuildRequest: func(callCtx context.Context, _ int) (*http.Request, error) {
			return c.buildRequest(callCtx, method, endpoint, req)
		},
		NormalizeResponse: func(httpResp *http.Response, body string) Response {
			return normalizeResponse(httpResp, body, req.Raw)
		},
		StatusCode:        func(resp Response) int { return resp.StatusCode },
		IsSuccess:         func(resp Response) bool { return resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.Success },
		NormalizeHTTPError: func(statusCode int, headers http.Header, body string) error {
			return normalizeHTTPError(statusCode, headers, body)
		},
		IsRetryableNetwork: func(error) bool { return reqexec.IsSafeMethod(method) },
		IsRetryableHTTP: func(statusCode int, _ http.Header, _ string) bool {
			if !reqexec.IsSafeMethod(method) {
				return false
			}
			switch statusCode {
			case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return true
			}
			return statusCode >= 500
		},
	})
}

func (c *Client) buildRequest(ctx context.Context, method, endpoint string, req Request) (*http.Request, error) {
	var bodyReader io.Reader
	contentType := strings.TrimSpace(req.ContentType)
	switch {
	case len(req.RawBody) > 0:
		bodyReader = bytes.NewReader(req.RawBody)
	case req.JSONBody != nil:
		raw, err := json.Marshal(req.JSONBody)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(raw)
		if contentType == "" {
			contentType = "application/json"
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.cfg.APIToken))
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for key, value := range req.Headers {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	return httpReq, nil
}

func normalizeResponse(httpResp *http.Response, body string, raw bool) Response {
	out := Response{}
	if httpResp == nil {
		return out
	}
	out.StatusCode = httpResp.StatusCode
	if raw {
		// Script bytes, not a log line: RedactSensitive's Bearer/private-key/
		// JWT-shaped patterns are plausible substrings of a compiled JS
		// bundle and must not be mangled before promotion re-uploads them.
		out.RawBody = body
	} else {
		out.RawBody = ctlerr.RedactSensitive(body)
	}
	out.Success = out.StatusCode >= 200 && out.StatusCode < 300
	out.RequestID = strings.TrimSpace(httpResp.Header.Get("CF-Ray"))

	if raw || strings.TrimSpace(body) == "" {
		return out
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return out
	}
	if success, ok := parsed["success"].(bool); ok {
		out.Success = success
	}
	if errorsList, ok := parsed["errors"].([]any); ok {
		out.Errors = anySliceToMaps(errorsList)
	}
	if result, ok := parsed["result"]; ok {
		switch typed := result.(type) {
		case map[string]any:
			out.Data = typed
		case []any:
			out.List = anySliceToMaps(typed)
		}
	}
	return out
}

func normalizeHTTPError(statusCode int, headers http.Header, body string) error {
	apiErr := &APIError{StatusCode: statusCode, RequestID: strings.TrimSpace(headers.Get("CF-Ray"))}
	body = strings.TrimSpace(body)
	if body == "" {
		apiErr.Message = "empty response body"
		return apiErr
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		apiErr.Message = ctlerr.RedactSensitive(body)
		return apiErr
	}
	if errorsList, ok := parsed["errors"].([]any); ok && len(errorsList) > 0 {
		if first, ok := errorsList[0].(map[string]any); ok {
			apiErr.Code = toInt(first["code"])
			if msg, ok := first["message"].(string); ok {
				apiErr.Message = ctlerr.RedactSensitive(msg)
			}
		}
	}
	return apiErr
}

func anySliceToMaps(values []any) []map[string]any {
	out := make([]map[string]any, 0, len(values))
	for _, v := range values {
		if obj, ok := v.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func resolveURL(baseURL, path string, params map[string]string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("edge platform: request path is required")
	}
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	u := base.ResolveReference(rel)
	if len(params) > 0 {
		q := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, params[k])
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
