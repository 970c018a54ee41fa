package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client executes GraphQL operations.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// CredentialFunc returns the bearer token for the next request, or "".
type CredentialFunc func() string

// HTTPClient implements Client over HTTP POST.
type HTTPClient struct {
	endpoint   string
	credential CredentialFunc
	httpClient *http.Client
}

// NewHTTPClient creates a client for endpoint. credential is consulted on
// every request so token refreshes take effect immediately.
func NewHTTPClient(endpoint string, credential CredentialFunc) *HTTPClient {
	return &HTTPClient{
		endpoint:   endpoint,
		credential: credential,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Do posts req and decodes the response envelope. GraphQL errors are
// returned as ResponseErrors.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.credential != nil {
		if tok := c.credential(); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return &out, ResponseErrors(out.Errors)
	}
	return &out, nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var env Response
	if err := json.Unmarshal(body, &env); err == nil && len(env.Errors) > 0 {
		return &Error{Status: resp.StatusCode, Message: ResponseErrors(env.Errors).Error()}
	}

	msg := string(bytes.TrimSpace(body))
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return &Error{Status: resp.StatusCode, Message: msg}
}
