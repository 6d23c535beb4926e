// Package correlate threads an opaque correlation id through every hop:
// HTTP request -> outbox payload -> event log -> consumer handler. The id is
// generated at the edge (chi's RequestID middleware) and carried inside each
// envelope, command and reply so a single business transaction can be
// followed across all services.
package correlate

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey struct{}

// HeaderRequestID is the inbound HTTP header the edge honours before
// generating its own id.
const HeaderRequestID = "X-Request-Id"

// WithID returns a context carrying the correlation id.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id or "" when none was propagated.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware promotes the request id chi assigned (or the caller supplied
// via X-Request-Id) to the correlation id for everything downstream. Mount
// it after chi's RequestID middleware.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
