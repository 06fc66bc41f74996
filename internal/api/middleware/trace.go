package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const traceHeader = "X-Trace-ID"

// TraceMiddleware assigns every request a trace id, honoring one supplied
// by the caller, and echoes it on the response.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(traceHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(traceHeader, id)
		ctx := context.WithValue(r.Context(), traceContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
