// Package auth resolves handshake bearer credentials to a connection
// identity. The REST layer owns session issuance; the hub only reads.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridwatch/realtime/src/types"
)

// ErrAuthenticationFailed rejects a handshake. The transport is closed
// immediately; no partial or anonymous connection is ever registered.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Identity is the authorization context derived once at handshake.
type Identity struct {
	UserID string
	Role   types.Role
}

// Resolver maps a bearer credential to an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// StaticResolver resolves tokens from a fixed map. Used in tests and
// single-user development setups.
type StaticResolver struct {
	tokens map[string]Identity
}

// NewStaticResolver creates a resolver over a fixed token table.
func NewStaticResolver(tokens map[string]Identity) *StaticResolver {
	return &StaticResolver{tokens: tokens}
}

// Resolve looks the token up in the table.
func (r *StaticResolver) Resolve(_ context.Context, token string) (Identity, error) {
	id, ok := r.tokens[token]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown token", ErrAuthenticationFailed)
	}
	return id, nil
}
