package hub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gridwatch/realtime/src/types"
)

var (
	// ErrDuplicateConnection is returned when registering an ID that is
	// already present.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrUnknownConnection is returned by subscription operations that
	// reference a connection no longer in the registry.
	ErrUnknownConnection = errors.New("unknown connection")
)

// subKey identifies one subscription bucket.
type subKey struct {
	elementID string
	update    types.UpdateType
}

// connection is the registry-owned record for one live client session.
// The subscription index holds only connection IDs; this record owns the
// reverse view used to drop a connection in O(own subscriptions).
type connection struct {
	id             string
	userID         string
	role           types.Role
	connectedAt    time.Time
	lastActivityAt time.Time
	subscriptions  map[subKey]struct{}
}

func (c *connection) info() types.ConnectionInfo {
	return types.ConnectionInfo{
		ID:             c.id,
		UserID:         c.userID,
		Role:           c.role,
		ConnectedAt:    c.connectedAt,
		LastActivityAt: c.lastActivityAt,
		Subscriptions:  len(c.subscriptions),
	}
}

// Registry tracks live connections together with the inverted
// subscription index. Both structures mutate under one lock, so a
// concurrent reader sees either the pre- or post-mutation state, never a
// half-applied subscribe or disconnect.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*connection
	buckets map[subKey]map[string]struct{}
	now     func() time.Time
}

// NewRegistry creates an empty registry/index pair.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]*connection),
		buckets: make(map[subKey]map[string]struct{}),
		now:     time.Now,
	}
}

// Register adds a connection. Fails with ErrDuplicateConnection if the ID
// is already present.
func (r *Registry) Register(id, userID string, role types.Role) (types.ConnectionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		return types.ConnectionInfo{}, fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	now := r.now()
	c := &connection{
		id:             id,
		userID:         userID,
		role:           role,
		connectedAt:    now,
		lastActivityAt: now,
		subscriptions:  make(map[subKey]struct{}),
	}
	r.conns[id] = c
	return c.info(), nil
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(id string) (types.ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return types.ConnectionInfo{}, false
	}
	return c.info(), true
}

// Remove deletes a connection and strips it from every bucket it appears
// in. Removing an absent ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(id)
	delete(r.conns, id)
}

// Touch refreshes the activity timestamp. A touch racing an eviction is
// silently ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.lastActivityAt = r.now()
	}
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []types.ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.info())
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Subscribe adds the connection to the bucket of every
// (elementID, updateType) pair, and mirrors the pairs into the
// connection's own subscription set. Set semantics: resubscribing to a
// held pair changes nothing.
func (r *Registry) Subscribe(id string, elementIDs []string, updates []types.UpdateType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	for _, el := range elementIDs {
		for _, u := range updates {
			key := subKey{elementID: el, update: u}
			bucket := r.buckets[key]
			if bucket == nil {
				bucket = make(map[string]struct{})
				r.buckets[key] = bucket
			}
			bucket[id] = struct{}{}
			c.subscriptions[key] = struct{}{}
		}
	}
	return nil
}

// Unsubscribe removes the connection from the named buckets. Emptied
// buckets are deleted so the index does not accumulate dead keys.
func (r *Registry) Unsubscribe(id string, elementIDs []string, updates []types.UpdateType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	for _, el := range elementIDs {
		for _, u := range updates {
			key := subKey{elementID: el, update: u}
			delete(c.subscriptions, key)
			if bucket, ok := r.buckets[key]; ok {
				delete(bucket, id)
				if len(bucket) == 0 {
					delete(r.buckets, key)
				}
			}
		}
	}
	return nil
}

// SubscribersOf returns the IDs subscribed to one (element, type) pair.
func (r *Registry) SubscribersOf(elementID string, update types.UpdateType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.buckets[subKey{elementID: elementID, update: update}]
	out := make([]string, 0, len(bucket))
	for id := range bucket {
		out = append(out, id)
	}
	return out
}

// DropConnection strips a connection from every bucket it appears in
// without removing the registry entry. Walks the connection's own
// subscription set rather than scanning the whole index.
func (r *Registry) DropConnection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(id)
}

func (r *Registry) dropLocked(id string) {
	c, ok := r.conns[id]
	if !ok {
		return
	}
	for key := range c.subscriptions {
		if bucket, ok := r.buckets[key]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(r.buckets, key)
			}
		}
	}
	c.subscriptions = make(map[subKey]struct{})
}

// IDsWithRole returns the IDs of connections holding any of the given roles.
func (r *Registry) IDsWithRole(roles ...types.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, c := range r.conns {
		for _, role := range roles {
			if c.role == role {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// AllIDs returns every registered connection ID.
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// SubscribedElements counts elements with at least one subscriber, for
// the aggregate status snapshot.
func (r *Registry) SubscribedElements() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.buckets))
	for key := range r.buckets {
		seen[key.elementID] = struct{}{}
	}
	return len(seen)
}
