package auth

import (
	"context"
	"fmt"

	"github.com/gridwatch/realtime/src/types"
	"github.com/redis/go-redis/v9"
)

// RedisResolver reads sessions the REST layer writes to Redis. A session
// is a hash at <prefix>session:<token> with user_id and role fields; a
// deactivated account is flagged at user:<id>:active.
type RedisResolver struct {
	client *redis.Client
	prefix string
}

// NewRedisResolver creates a resolver over an existing Redis client.
func NewRedisResolver(client *redis.Client, prefix string) *RedisResolver {
	return &RedisResolver{client: client, prefix: prefix}
}

// Resolve validates the token against the session store and the
// account-active flag.
func (r *RedisResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrAuthenticationFailed)
	}

	fields, err := r.client.HGetAll(ctx, r.prefix+"session:"+token).Result()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: session lookup: %v", ErrAuthenticationFailed, err)
	}
	userID, role := fields["user_id"], fields["role"]
	if userID == "" || role == "" {
		return Identity{}, fmt.Errorf("%w: unknown session", ErrAuthenticationFailed)
	}

	active, err := r.client.Get(ctx, "user:"+userID+":active").Result()
	if err == nil && active == "false" {
		return Identity{}, fmt.Errorf("%w: account inactive", ErrAuthenticationFailed)
	}

	return Identity{UserID: userID, Role: types.Role(role)}, nil
}
