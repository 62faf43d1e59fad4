package providers

import (
	"context"
	"fmt"
	"net/http"
)

// SimpleAPIKeyAuth sets a static key in a request header.
type SimpleAPIKeyAuth struct {
	apiKey     string
	headerName string
	prefix     string
}

// NewSimpleAPIKeyAuth creates a header authenticator. The header defaults to
// Authorization with a Bearer prefix.
func NewSimpleAPIKeyAuth(apiKey, headerName, prefix string) *SimpleAPIKeyAuth {
	if headerName == "" {
		headerName = "Authorization"
		if prefix == "" {
			prefix = "Bearer "
		}
	}

	return &SimpleAPIKeyAuth{
		apiKey:     apiKey,
		headerName: headerName,
		prefix:     prefix,
	}
}

// Authenticate returns an auth context with the API key
func (a *SimpleAPIKeyAuth) Authenticate(ctx context.Context) (AuthContext, error) {
	if a.apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	return &headerAuthContext{header: a.headerName, value: a.prefix + a.apiKey}, nil
}

// NoAuth is used by endpoints that need no credentials, such as a local model server.
type NoAuth struct{}

func (NoAuth) Authenticate(ctx context.Context) (AuthContext, error) {
	return &headerAuthContext{}, nil
}

type headerAuthContext struct {
	header string
	value  string
}

// ApplyToRequest sets the auth header on an *http.Request
func (c *headerAuthContext) ApplyToRequest(ctx context.Context, req any) error {
	httpReq, ok := req.(*http.Request)
	if !ok {
		return fmt.Errorf("expected *http.Request, got %T", req)
	}
	if c.header != "" {
		httpReq.Header.Set(c.header, c.value)
	}
	return nil
}
