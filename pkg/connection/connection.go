// Package connection manages named, reference-counted backend connections.
//
// An alias names one connection to one endpoint. Every adapter acquiring
// the same alias shares the underlying client; the client is closed when
// the last handle is released. Dialing is not retried.
package connection

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/rhuss/docstore/pkg/config"
	"github.com/rhuss/docstore/pkg/debug"
	"github.com/rhuss/docstore/pkg/observability"
	"github.com/rhuss/docstore/pkg/storage"
)

// DefaultAlias is the alias shared by adapters that do not choose their own.
const DefaultAlias = config.DefaultAlias

var (
	// ErrConnection wraps failures to open a backend client. The client's
	// own error stays in the chain.
	ErrConnection = errors.New("connection error")

	// ErrAliasConflict is returned when an alias is already bound to a
	// different backend or endpoint.
	ErrAliasConflict = errors.New("connection alias conflict")

	// ErrReleased is returned when using a handle after Release.
	ErrReleased = errors.New("connection handle released")
)

// Default is the process-wide registry.
var Default = NewRegistry()

// Registry tracks open connections by alias.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	alias   string
	backend string
	ep      storage.Endpoint
	client  storage.Backend
	refs    int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*conn)}
}

// Acquire returns a handle on the connection named alias, dialing the
// backend registered under backendName on first use. Later acquisitions
// of the same alias share the client and must name the same backend and
// endpoint.
func (r *Registry) Acquire(ctx context.Context, alias, backendName string, ep storage.Endpoint) (*Handle, error) {
	if alias == "" {
		alias = DefaultAlias
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[alias]; ok {
		if c.backend != backendName || c.ep.Address() != ep.Address() || !maps.Equal(c.ep.Params, ep.Params) {
			return nil, fmt.Errorf("%w: alias %q is bound to %s at %s, requested %s at %s",
				ErrAliasConflict, alias, c.backend, c.ep.Address(), backendName, ep.Address())
		}
		c.refs++
		debug.Log(debug.Connection, "reusing connection", "alias", alias, "refs", c.refs)
		return &Handle{reg: r, conn: c}, nil
	}

	factory, err := storage.Lookup(backendName)
	if err != nil {
		return nil, err
	}

	debug.Log(debug.Connection, "dialing", "alias", alias, "backend", backendName, "address", ep.Address())
	client, err := factory(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("%w: alias %q (%s at %s): %w", ErrConnection, alias, backendName, ep.Address(), err)
	}

	c := &conn{
		alias:   alias,
		backend: backendName,
		ep:      storage.Endpoint{Host: ep.Host, Port: ep.Port, Params: maps.Clone(ep.Params)},
		client:  observability.InstrumentBackend(backendName, client),
		refs:    1,
	}
	r.conns[alias] = c
	observability.ConnectionsActive.Inc()
	return &Handle{reg: r, conn: c}, nil
}

// Aliases returns the sorted aliases with open connections.
func (r *Registry) Aliases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.conns))
	for a := range r.conns {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Refs returns the number of live handles on alias.
func (r *Registry) Refs(alias string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[alias]; ok {
		return c.refs
	}
	return 0
}

func (r *Registry) release(c *conn) error {
	r.mu.Lock()
	c.refs--
	if c.refs > 0 {
		debug.Log(debug.Connection, "released handle", "alias", c.alias, "refs", c.refs)
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, c.alias)
	r.mu.Unlock()

	observability.ConnectionsActive.Dec()
	debug.Log(debug.Connection, "closing connection", "alias", c.alias, "backend", c.backend)
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("closing connection %q: %w", c.alias, err)
	}
	return nil
}

// Acquire acquires a handle from the Default registry.
func Acquire(ctx context.Context, alias, backendName string, ep storage.Endpoint) (*Handle, error) {
	return Default.Acquire(ctx, alias, backendName, ep)
}

// Handle is one reference on a named connection.
type Handle struct {
	reg  *Registry
	conn *conn

	mu       sync.Mutex
	released bool
}

// Alias returns the connection alias.
func (h *Handle) Alias() string { return h.conn.alias }

// Backend returns the backend name the connection was dialed with.
func (h *Handle) Backend() string { return h.conn.backend }

// Endpoint returns the dialed endpoint.
func (h *Handle) Endpoint() storage.Endpoint { return h.conn.ep }

// Client returns the shared backend client.
func (h *Handle) Client() (storage.Backend, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrReleased
	}
	return h.conn.client, nil
}

// Clone acquires another reference on the same connection.
func (h *Handle) Clone() (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, ErrReleased
	}
	h.reg.mu.Lock()
	h.conn.refs++
	h.reg.mu.Unlock()
	return &Handle{reg: h.reg, conn: h.conn}, nil
}

// Release drops this reference. The last release closes the client.
// Releasing twice is a no-op.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	return h.reg.release(h.conn)
}
