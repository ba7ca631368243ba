package testutil

import (
	"context"
	"net/http"

	"teamclock/pkg/domain"
	"teamclock/pkg/requestcontext"
)

// WithPrincipal attaches an authenticated caller to the request context.
// This simulates what the auth middleware would do for authenticated requests.
func WithPrincipal(req *http.Request, p *domain.Principal) *http.Request {
	return req.WithContext(requestcontext.WithPrincipal(req.Context(), p))
}

// WithUser attaches a plain user principal with the given id.
func WithUser(req *http.Request, userID string) *http.Request {
	return WithPrincipal(req, &domain.Principal{ID: domain.UserID(userID), Role: domain.RoleUser})
}

// WithAdmin attaches an admin principal with the given id.
func WithAdmin(req *http.Request, userID string) *http.Request {
	return WithPrincipal(req, &domain.Principal{ID: domain.UserID(userID), Role: domain.RoleAdmin})
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
