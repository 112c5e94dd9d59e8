package storage

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/rhuss/docstore/pkg/codec"
	"github.com/rhuss/docstore/pkg/schema"
)

// Backend is the pluggable interface for external vector stores. All
// storage, indexing and search happens in the external system; a backend
// only translates schema descriptors and columnar payloads.
type Backend interface {
	// HasCollection reports whether a collection exists.
	HasCollection(ctx context.Context, name string) (bool, error)

	// CreateCollection creates a collection from a schema descriptor.
	// Options are backend-specific; unknown keys fail with ErrInvalidOption.
	// Creating an existing collection fails with ErrCollectionExists.
	CreateCollection(ctx context.Context, c schema.Collection, options map[string]any) error

	// Describe returns the descriptor of an existing collection. Missing
	// collections fail with ErrCollectionNotFound.
	Describe(ctx context.Context, name string) (schema.Collection, error)

	// CreateIndex builds a vector index on a field.
	CreateIndex(ctx context.Context, collection, field string, spec IndexSpec) error

	// DropCollection removes a collection and its rows.
	DropCollection(ctx context.Context, name string) error

	// Insert writes the rows of an aligned payload. Rows whose primary key
	// already exists are replaced.
	Insert(ctx context.Context, collection string, payload codec.Payload) error

	// Query returns the rows whose keyField value is in keys, projected on
	// outputFields. A nil keys slice selects every row; empty outputFields
	// selects every field. Row order is unspecified.
	Query(ctx context.Context, collection, keyField string, keys []string, outputFields []string) (codec.Payload, error)

	// Delete removes the rows whose keyField value is in keys. A nil keys
	// slice removes every row.
	Delete(ctx context.Context, collection, keyField string, keys []string) error

	// Count returns the number of rows in a collection.
	Count(ctx context.Context, collection string) (int64, error)

	// Close releases the client.
	Close() error
}

// IndexSpec describes a vector index request.
type IndexSpec struct {
	Type   string         // HNSW, FLAT, IVF_FLAT
	Metric string         // IP, L2, COSINE
	Params map[string]any // index_config
}

// Endpoint addresses an external store. Params carries backend-specific
// connection settings (credentials, DSNs, schemes).
type Endpoint struct {
	Host   string
	Port   string
	Params map[string]string
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// Factory opens a backend client for an endpoint.
type Factory func(ctx context.Context, ep Endpoint) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under name. It panics on duplicate
// registration, as that is a programming error.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("storage: backend %q registered twice", name))
	}
	registry[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, name, backendsLocked())
	}
	return f, nil
}

// Open looks up the backend registered under name and dials ep with it.
func Open(ctx context.Context, name string, ep Endpoint) (Backend, error) {
	f, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return f(ctx, ep)
}

// Backends returns the sorted names of registered backends.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendsLocked()
}

func backendsLocked() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
