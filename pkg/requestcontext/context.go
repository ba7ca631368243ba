// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets these values; services read them. Keeping the package free
// of net/http lets services depend on it without pulling in transport code.
//
// Usage in services (read values):
//
//	principal := requestcontext.Principal(ctx)
//	requestID := requestcontext.RequestID(ctx)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithPrincipal(ctx, &domain.Principal{ID: "u-1", Role: domain.RoleUser})
package requestcontext

import (
	"context"

	"teamclock/pkg/domain"
)

type (
	principalKey struct{}
	requestIDKey struct{}
)

var (
	ContextKeyPrincipal = principalKey{}
	ContextKeyRequestID = requestIDKey{}
)

// Principal returns the authenticated caller, or nil for anonymous requests.
func Principal(ctx context.Context) *domain.Principal {
	if p, ok := ctx.Value(ContextKeyPrincipal).(*domain.Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal injects the authenticated caller. A nil principal leaves the
// context anonymous.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}
