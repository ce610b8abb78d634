// Package middleware provides small context-carrying helpers shared by the
// router, worker, and dispatcher HTTP layers.
package middleware

import (
	"context"

	"github.com/relaymesh/control-plane/pkg/contracts"
)

type contextKey string

const identityKey contextKey = "identity"

// SetIdentity stores the authenticated Identity in the context. Called by
// the auth middleware after a provider in the chain authenticates the
// request.
func SetIdentity(ctx context.Context, identity *contracts.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the authenticated Identity from the context.
// Returns nil for an anonymous/unauthenticated request.
func GetIdentity(ctx context.Context) *contracts.Identity {
	if v, ok := ctx.Value(identityKey).(*contracts.Identity); ok {
		return v
	}
	return nil
}
