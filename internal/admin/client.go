package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// APIClient drives the admin endpoints over HTTP. The CLI uses it so that
// key management and cache invalidation go through the same audited surface
// as any other admin caller.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPIClient creates an admin API client for the given proxy base URL.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateKey creates a new API key and returns it with the one-time raw
// credential.
func (c *APIClient) CreateKey(ctx context.Context, params CreateKeyParams) (*CreatedKey, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/internal/api-keys", params)
	if err != nil {
		return nil, err
	}

	var created CreatedKey
	if err := c.doRequest(req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListKeys returns every known key, newest first, without raw credentials.
func (c *APIClient) ListKeys(ctx context.Context) ([]Key, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/internal/api-keys", nil)
	if err != nil {
		return nil, err
	}

	var list keyListResponse
	if err := c.doRequest(req, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// RevokeKey disables a key.
func (c *APIClient) RevokeKey(ctx context.Context, keyID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/internal/api-keys/"+keyID+"/revoke", nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

// ActivateKey re-enables a revoked key.
func (c *APIClient) ActivateKey(ctx context.Context, keyID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/internal/api-keys/"+keyID+"/activate", nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

// DeleteKey removes a key permanently.
func (c *APIClient) DeleteKey(ctx context.Context, keyID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/internal/api-keys/"+keyID, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

// InvalidateCache removes cached responses matching the given scope.
func (c *APIClient) InvalidateCache(ctx context.Context, params InvalidateParams) (*InvalidateResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/internal/cache/invalidate", params)
	if err != nil {
		return nil, err
	}

	var result InvalidateResult
	if err := c.doRequest(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *APIClient) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doRequest executes a request and decodes the response into result. Error
// responses surface the server's message when one is present.
func (c *APIClient) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var errorResp map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
			if msg, ok := errorResp["error"].(string); ok {
				return fmt.Errorf("admin API error (%d): %s", resp.StatusCode, msg)
			}
		}
		return fmt.Errorf("admin API error: %d %s", resp.StatusCode, resp.Status)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
