package edgeplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Binding is one entry of metadata.bindings, round-tripped exactly as
// composed by internal/dispatch (spec.md §4.C).
type Binding struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Text        string `json:"text,omitempty"`
	JSON        any    `json:"json,omitempty"`
	NamespaceID string `json:"namespace_id,omitempty"`
}

// ScriptMetadata is the JSON part of a multipart script upload.
type ScriptMetadata struct {
	MainModule        string    `json:"main_module"`
	Bindings          []Binding `json:"bindings"`
	CompatibilityDate string    `json:"compatibility_date,omitempty"`
}

// EnsureNamespace creates a dispatch namespace, treating "already exists" as
// success (spec.md §4.C: "idempotent; 409 or 'already exist' => success").
func (c *Client) EnsureNamespace(ctx context.Context, name string) error {
	_, err := c.Do(ctx, Request{
		Method:   http.MethodPost,
		Path:     fmt.Sprintf("/accounts/%s/workers/dispatch/namespaces", c.cfg.AccountID),
		JSONBody: map[string]string{"name": name},
	})
	if err != nil && !IsAlreadyExists(err) {
		return err
	}
	return nil
}

// UploadScript uploads a compiled worker into a dispatch namespace.
func (c *Client) UploadScript(ctx context.Context, namespace, name string, scriptJS []byte, meta ScriptMetadata) error {
	return c.uploadMultipart(ctx, fmt.Sprintf("/accounts/%s/workers/dispatch/namespaces/%s/scripts/%s", c.cfg.AccountID, namespace, name), scriptJS, meta)
}

// UploadWorker uploads the shared dispatch worker itself (not namespaced).
func (c *Client) UploadWorker(ctx context.Context, name string, scriptJS []byte, meta ScriptMetadata) error {
	return c.uploadMultipart(ctx, fmt.Sprintf("/accounts/%s/workers/scripts/%s", c.cfg.AccountID, name), scriptJS, meta)
}

func (c *Client) uploadMultipart(ctx context.Context, path string, scriptJS []byte, meta ScriptMetadata) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	metaPart, err := writer.CreateFormField("metadata")
	if err != nil {
		return err
	}
	metaJSON, err := marshalMetadata(meta)
	if err != nil {
		return err
	}
	if _, err := metaPart.Write(metaJSON); err != nil {
		return err
	}

	scriptHeader := make(map[string][]string)
	scriptHeader["Content-Disposition"] = []string{`form-data; name="index.js"; filename="index.js"`}
	scriptHeader["Content-Type"] = []string{"application/javascript+module"}
	scriptPart, err := writer.CreatePart(scriptHeader)
	if err != nil {
		return err
	}
	if _, err := scriptPart.Write(scriptJS); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	_, err = c.Do(ctx, Request{
		Method:      http.MethodPut,
		Path:        path,
		RawBody:     body.Bytes(),
		ContentType: writer.FormDataContentType(),
	})
	return err
}

func (c *Client) GetScript(ctx context.Context, namespace, name string) ([]byte, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/accounts/%s/workers/dispatch/namespaces/%s/scripts/%s/content", c.cfg.AccountID, namespace, name),
		Raw:    true,
	})
	if err != nil {
		return nil, err
	}
	return []byte(resp.RawBody), nil
}

func (c *Client) DeleteScript(ctx context.Context, namespace, name string) error {
	_, err := c.Do(ctx, Request{
		Method: http.MethodDelete,
		Path:   fmt.Sprintf("/accounts/%s/workers/dispatch/namespaces/%s/scripts/%s", c.cfg.AccountID, namespace, name),
	})
	return err
}

func (c *Client) ListScripts(ctx context.Context, namespace string) ([]map[string]any, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/accounts/%s/workers/dispatch/namespaces/%s/scripts", c.cfg.AccountID, namespace),
	})
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// Route is a non-wildcard per-app route (spec.md §4.C, §4.E).
type Route struct {
	ID      string `json:"id,omitempty"`
	Pattern string `json:"pattern"`
	Script  string `json:"script"`
}

func (c *Client) ZoneID(ctx context.Context, domain string) (string, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   "/zones",
		Params: map[string]string{"name": domain},
	})
	if err != nil {
		return "", err
	}
	if len(resp.List) == 0 {
		return "", fmt.Errorf("edge platform: no zone found for domain %q", domain)
	}
	id, _ := resp.List[0]["id"].(string)
	if id == "" {
		return "", fmt.Errorf("edge platform: zone response missing id for domain %q", domain)
	}
	return id, nil
}

func (c *Client) CreateRoute(ctx context.Context, zoneID string, route Route) (Route, error) {
	resp, err := c.Do(ctx, Request{
		Method:   http.MethodPost,
		Path:     fmt.Sprintf("/zones/%s/workers/routes", zoneID),
		JSONBody: map[string]string{"pattern": route.Pattern, "script": route.Script},
	})
	if err != nil {
		if IsAlreadyExists(err) {
			return route, nil
		}
		return Route{}, err
	}
	id, _ := resp.Data["id"].(string)
	route.ID = id
	return route, nil
}

func (c *Client) UpdateRoute(ctx context.Context, zoneID, routeID string, route Route) error {
	_, err := c.Do(ctx, Request{
		Method:   http.MethodPut,
		Path:     fmt.Sprintf("/zones/%s/workers/routes/%s", zoneID, routeID),
		JSONBody: map[string]string{"pattern": route.Pattern, "script": route.Script},
	})
	return err
}

func (c *Client) DeleteRoute(ctx context.Context, zoneID, routeID string) error {
	_, err := c.Do(ctx, Request{
		Method: http.MethodDelete,
		Path:   fmt.Sprintf("/zones/%s/workers/routes/%s", zoneID, routeID),
	})
	return err
}

func (c *Client) ListRoutes(ctx context.Context, zoneID string) ([]Route, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/zones/%s/workers/routes", zoneID),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Route, 0, len(resp.List))
	for _, entry := range resp.List {
		id, _ := entry["id"].(string)
		pattern, _ := entry["pattern"].(string)
		script, _ := entry["script"].(string)
		out = append(out, Route{ID: id, Pattern: pattern, Script: script})
	}
	return out, nil
}

func (c *Client) AccountSubdomain(ctx context.Context) (string, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/accounts/%s/workers/subdomain", c.cfg.AccountID),
	})
	if err != nil {
		return "", err
	}
	subdomain, _ := resp.Data["subdomain"].(string)
	return subdomain, nil
}

// GetOrCreateKVNamespace resolves an existing KV namespace by title, creating
// one if none exists (spec.md §4.C).
func (c *Client) GetOrCreateKVNamespace(ctx context.Context, title string) (string, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/accounts/%s/storage/kv/namespaces", c.cfg.AccountID),
		Params: map[string]string{"per_page": "100"},
	})
	if err != nil {
		return "", err
	}
	for _, entry := range resp.List {
		if existingTitle, _ := entry["title"].(string); strings.EqualFold(existingTitle, title) {
			id, _ := entry["id"].(string)
			if id != "" {
				return id, nil
			}
		}
	}
	created, err := c.Do(ctx, Request{
		Method:   http.MethodPost,
		Path:     fmt.Sprintf("/accounts/%s/storage/kv/namespaces", c.cfg.AccountID),
		JSONBody: map[string]string{"title": title},
	})
	if err != nil {
		if IsAlreadyExists(err) {
			return c.GetOrCreateKVNamespace(ctx, title)
		}
		return "", err
	}
	id, _ := created.Data["id"].(string)
	if id == "" {
		return "", fmt.Errorf("edge platform: kv namespace create response missing id")
	}
	return id, nil
}

func (c *Client) ToggleWorkersDev(ctx context.Context, scriptName string, enabled bool) error {
	_, err := c.Do(ctx, Request{
		Method:   http.MethodPatch,
		Path:     fmt.Sprintf("/accounts/%s/workers/scripts/%s/subdomain", c.cfg.AccountID, scriptName),
		JSONBody: map[string]bool{"enabled": enabled},
	})
	return err
}

// WorkersAnalytics reads aggregate dispatch worker invocation data over
// [start, end] (spec.md §4.C).
func (c *Client) WorkersAnalytics(ctx context.Context, start, end time.Time, sampling float64) (map[string]any, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/accounts/%s/analytics/workers/data", c.cfg.AccountID),
		Params: map[string]string{
			"since":    start.UTC().Format(time.RFC3339),
			"until":    end.UTC().Format(time.RFC3339),
			"sampling": fmt.Sprintf("%g", sampling),
		},
	})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func marshalMetadata(meta ScriptMetadata) ([]byte, error) {
	return json.Marshal(meta)
}
