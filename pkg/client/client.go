// Package client provides a typed Go client for the AavionDB HTTP API.
// Zero external dependencies: net/http and encoding/json only.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dominikletica/aaviondb/pkg/command"
)

// APIError is returned when the API responds with a non-2xx status. When
// the body carried a response envelope it is attached as Response.
type APIError struct {
	Status   int
	Response *command.Response
}

func (e *APIError) Error() string {
	if e.Response == nil {
		return fmt.Sprintf("aaviondb api %d", e.Status)
	}
	if reason, ok := e.Response.Meta["reason"].(string); ok && reason != "" {
		return fmt.Sprintf("aaviondb api %d: %s (%s)", e.Status, e.Response.Message, reason)
	}
	return fmt.Sprintf("aaviondb api %d: %s (%s)", e.Status, e.Response.Message, e.Response.Kind())
}

// Client talks to one AavionDB server. Every statement and action goes
// through the single command endpoint at the server root.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:8372".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithAdminSecret authenticates with the instance admin secret instead of a
// registered token. It travels in the same Authorization header.
func WithAdminSecret(secret string) Option {
	return func(c *Client) { c.Token = secret }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

// Execute dispatches one action with named parameters. A non-2xx status
// returns a *APIError carrying the decoded envelope; transport failures
// return the underlying error.
func (c *Client) Execute(ctx context.Context, action string, params map[string]any) (*command.Response, error) {
	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	body["action"] = action
	return c.post(ctx, body)
}

// Command sends a raw statement ("save demo hero {...}") for server-side
// parsing and dispatch.
func (c *Client) Command(ctx context.Context, statement string) (*command.Response, error) {
	return c.post(ctx, map[string]any{"command": statement})
}

// Save writes payload as the next version of project/entity and activates it.
func (c *Client) Save(ctx context.Context, project, entity string, payload any) (*command.Response, error) {
	return c.Execute(ctx, "save", map[string]any{
		"project": project,
		"entity":  entity,
		"payload": payload,
	})
}

// Show resolves one entity. ref selects a version ("@2", "#ab12cd34");
// empty means the active version.
func (c *Client) Show(ctx context.Context, project, entity, ref string) (*command.Response, error) {
	params := map[string]any{"project": project, "entity": entity}
	if ref != "" {
		params["version"] = ref
	}
	return c.Execute(ctx, "show", params)
}

// Export renders a deterministic bundle for the given project selector
// ("demo", "demo,atlas" or "*"). Extra parameters such as preset, entities
// or param.<name> pass through verbatim.
func (c *Client) Export(ctx context.Context, projects string, extra map[string]any) (*command.Response, error) {
	params := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		params[k] = v
	}
	params["projects"] = projects
	return c.Execute(ctx, "export", params)
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode}
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, body map[string]any) (*command.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope command.Response
	decodeErr := json.NewDecoder(resp.Body).Decode(&envelope)
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Response = &envelope
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return &envelope, nil
}
