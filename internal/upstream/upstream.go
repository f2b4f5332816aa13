// Package upstream is the HTTP client for the agent runtime that sits
// behind the gateway: it recalls memory, generates replies, and carries
// out authorized actions. The gateway imposes its own deadlines via
// context; this client just speaks the wire protocol.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/arcuslabs/arcusgw/internal/config"
	"github.com/arcuslabs/arcusgw/internal/gateway"
	"github.com/arcuslabs/arcusgw/internal/types"
)

// Client implements gateway.Recaller, gateway.Generator and
// gateway.ActionExecutor against the upstream runtime
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a client for the configured upstream
func New(cfg config.UpstreamConfig) *Client {
	return &Client{
		base:  cfg.BaseURL,
		token: cfg.AuthToken,
		http:  &http.Client{},
	}
}

type recallResponse struct {
	Items []types.MemoryItem `json:"items"`
}

// Recall implements gateway.Recaller
func (c *Client) Recall(ctx context.Context, req gateway.RecallRequest) ([]types.MemoryItem, error) {
	var resp recallResponse
	if err := c.post(ctx, "/recall", req, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Generate implements gateway.Generator
func (c *Client) Generate(ctx context.Context, req gateway.GenerateRequest) (gateway.GenerateResponse, error) {
	var resp gateway.GenerateResponse
	if err := c.post(ctx, "/generate", req, &resp); err != nil {
		return gateway.GenerateResponse{}, err
	}
	return resp, nil
}

type executeRequest struct {
	CanonicalID string       `json:"canonicalId"`
	Action      types.Action `json:"action"`
}

// Execute implements gateway.ActionExecutor
func (c *Client) Execute(ctx context.Context, canonicalID string, action types.Action) error {
	return c.post(ctx, "/execute", executeRequest{CanonicalID: canonicalID, Action: action}, nil)
}

// post sends a JSON request and decodes the JSON response into out
// (when out is non-nil)
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream %s returned %d: %s", path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
