// Package transport is the external HTTP interface: the only package in
// this module that speaks to the server. Modeled closely on the
// teacher's own sync HTTP client — same Client{BaseURL, HTTP} shape,
// same sentinel-error-by-status-code mapping, same generic do/doRequest
// helper — extended with the tenant and Correlation-Id headers this
// domain's server contract requires.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sentinel errors for the HTTP status classes the Sync Engine treats
// specially.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// Client is the HTTP client the Sync Engine drives. BaseURL has no
// trailing slash; every collection path is appended with a leading
// slash.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Token and TenantID are read fresh on every call rather than cached,
	// so a host-side re-authentication is picked up without reconstructing
	// the client (internal/hostenv supplies these).
	Token    func() string
	TenantID func() string
}

// New constructs a transport Client with a bounded default timeout.
func New(baseURL string, token, tenantID func() string) *Client {
	return &Client{
		BaseURL:  baseURL,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		Token:    token,
		TenantID: tenantID,
	}
}

// normalizeList accepts the three response shapes this server contract
// allows for a collection listing: a bare array, {data: [...]}, or
// {<name>: [...]}.
func normalizeList(raw []byte) ([]map[string]any, error) {
	var arr []map[string]any
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unrecognized list response shape: %w", err)
	}
	for _, v := range obj {
		var candidate []map[string]any
		if err := json.Unmarshal(v, &candidate); err == nil {
			return candidate, nil
		}
	}
	// single object response — treat as a one-element list.
	var single map[string]any
	if err := json.Unmarshal(raw, &single); err == nil {
		return []map[string]any{single}, nil
	}
	return nil, fmt.Errorf("unrecognized list response shape")
}

// List issues GET /<collection> for the active tenant.
func (c *Client) List(ctx context.Context, collection string) ([]map[string]any, error) {
	raw, _, err := c.do(ctx, "GET", "/"+collection, nil, "")
	if err != nil {
		return nil, err
	}
	return normalizeList(raw)
}

// Create issues POST /<collection>. A 409 response means a concurrent
// create raced this one; the body is expected to echo the existing
// server record, surfaced via ErrConflict.
func (c *Client) Create(ctx context.Context, collection string, payload map[string]any, correlationID string) (map[string]any, error) {
	raw, _, err := c.do(ctx, "POST", "/"+collection, payload, correlationID)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			var existing map[string]any
			if jsonErr := json.Unmarshal(raw, &existing); jsonErr == nil {
				return existing, err
			}
		}
		return nil, err
	}
	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal create response: %w", err)
		}
	}
	return result, nil
}

// Patch issues PATCH /<collection>/<id>. A 409 carries the server's
// current version in the body.
func (c *Client) Patch(ctx context.Context, collection, id string, patch map[string]any, correlationID string) (map[string]any, error) {
	raw, _, err := c.do(ctx, "PATCH", "/"+collection+"/"+id, patch, correlationID)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			var existing map[string]any
			if jsonErr := json.Unmarshal(raw, &existing); jsonErr == nil {
				return existing, err
			}
		}
		return nil, err
	}
	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal patch response: %w", err)
		}
	}
	return result, nil
}

// Delete issues DELETE /<collection>/<id>. A 404 is treated as an
// already-deleted success.
func (c *Client) Delete(ctx context.Context, collection, id, correlationID string) error {
	_, _, err := c.do(ctx, "DELETE", "/"+collection+"/"+id, nil, correlationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// HasToken reports whether a token is currently available, without
// making a network call. Used for the Check phase's pre-flight
// unauthenticated check, distinct from the liveness probe's AuthExpired
// (a rejected token) outcome.
func (c *Client) HasToken() bool {
	return c.Token != nil && c.Token() != ""
}

// Liveness issues the cheap HEAD probe the Check phase requires.
func (c *Client) Liveness(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "HEAD", c.BaseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("create liveness request: %w", err)
	}
	c.attachHeaders(req, "")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("liveness probe: HTTP %d", resp.StatusCode)
	}
}

func (c *Client) attachHeaders(req *http.Request, correlationID string) {
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if c.TenantID != nil {
		if tid := c.TenantID(); tid != "" {
			req.Header.Set("X-Organization-Id", tid)
		}
	}
	if correlationID != "" {
		req.Header.Set("Correlation-Id", correlationID)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, correlationID string) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.attachHeaders(req, correlationID)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return respBody, resp.StatusCode, ErrUnauthorized
		case http.StatusForbidden:
			return respBody, resp.StatusCode, ErrForbidden
		case http.StatusNotFound:
			return respBody, resp.StatusCode, ErrNotFound
		case http.StatusConflict:
			return respBody, resp.StatusCode, ErrConflict
		default:
			return respBody, resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
		}
	}
	return respBody, resp.StatusCode, nil
}
