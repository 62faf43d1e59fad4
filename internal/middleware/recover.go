package middleware

import (
	"net/http"
	"runtime/debug"
)

// Recover turns a handler panic into a 500 instead of dropping the connection.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				accessLogger.Error("Handler panic",
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
					"panic", v,
					"stack", string(debug.Stack()),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":{"kind":"internal_error","message":"internal error"}}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
