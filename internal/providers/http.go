package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// newHTTPClient builds the pooled client shared by one adapter. Timeouts come
// from the per-call context, not the client.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// httpEndpoint bundles what both adapters need to talk JSON over HTTP.
type httpEndpoint struct {
	baseURL string
	auth    Authenticator
	client  *http.Client
}

func newHTTPEndpoint(baseURL string, auth Authenticator) httpEndpoint {
	return httpEndpoint{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		client:  newHTTPClient(),
	}
}

// do sends payload (nil for GET) to path and decodes a 2xx body into out
// (nil to discard). Non-2xx answers become *StatusError.
func (e httpEndpoint) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	authCtx, err := e.auth.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if err := authCtx.ApplyToRequest(ctx, httpReq); err != nil {
		return fmt.Errorf("failed to apply auth: %w", err)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(resp, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func (e httpEndpoint) close() {
	e.client.CloseIdleConnections()
}
