// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// RequestIDKey is the context key for the inbound request id
	RequestIDKey ContextKey = "requestID"

	// RequestIDHeader carries the request id in both directions
	RequestIDHeader = "X-Request-ID"
)

// maxRequestIDLength bounds caller-supplied ids
const maxRequestIDLength = 128

// RequestID reuses the caller's X-Request-ID or generates one, stores it in
// the request context and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request id from the context, or "" when absent
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
