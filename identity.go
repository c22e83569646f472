package chatkit

import (
	"context"
	"sync"
)

// IdentityResolver resolves who "me" is behind the session credential. The
// typing coordinator and send pipeline depend on it; when resolution fails
// the consumers degrade (typing display stays off) rather than guess.
type IdentityResolver interface {
	Resolve(ctx context.Context) (*Identity, error)
}

// RESTIdentityResolver resolves identity via the /me endpoint and memoizes
// the result for the life of the credential.
type RESTIdentityResolver struct {
	client *Client

	mu       sync.Mutex
	resolved *Identity
	token    string
}

// NewIdentityResolver creates a resolver over the client's credential.
func NewIdentityResolver(client *Client) *RESTIdentityResolver {
	return &RESTIdentityResolver{client: client}
}

// Resolve returns the cached identity, fetching it once per credential.
// Swapping the client's credential invalidates the cache.
func (r *RESTIdentityResolver) Resolve(ctx context.Context) (*Identity, error) {
	token := r.client.Credential().Token

	r.mu.Lock()
	if r.resolved != nil && r.token == token {
		id := *r.resolved
		r.mu.Unlock()
		return &id, nil
	}
	r.mu.Unlock()

	id, err := r.client.Me(ctx)
	if err != nil {
		return nil, err
	}
	if r.client.Credential().Guest {
		id.Guest = true
	}

	r.mu.Lock()
	r.resolved = id
	r.token = token
	r.mu.Unlock()

	out := *id
	return &out, nil
}
