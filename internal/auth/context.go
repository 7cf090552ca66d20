// ABOUTME: Authentication context for tracking caller identity through request handlers
// ABOUTME: WithAuth also attaches the identity as an rpc.Caller for role checks in dispatch

package auth

import (
	"context"

	"github.com/2389/coven-rpc/internal/rpc"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string
	Roles   []string
}

type authContextKey struct{}

// WithAuth returns a new context carrying auth, visible to both FromContext
// and rpc.CallerFrom.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	ctx = context.WithValue(ctx, authContextKey{}, auth)
	return rpc.WithCaller(ctx, rpc.Caller{Subject: auth.Subject, Roles: auth.Roles})
}

// FromContext retrieves the AuthContext, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
