// Package milvus implements storage.Backend on a Milvus server using the
// official Go SDK. Schema descriptors map one to one onto Milvus fields;
// a collection is loaded into memory once its vector index exists.
package milvus

import (
	"context"
	"fmt"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/rhuss/docstore/pkg/codec"
	"github.com/rhuss/docstore/pkg/debug"
	"github.com/rhuss/docstore/pkg/schema"
	"github.com/rhuss/docstore/pkg/storage"
)

func init() {
	storage.Register("milvus", Open)
}

// Store is a Milvus-backed storage.Backend.
type Store struct {
	client client.Client

	mu          sync.Mutex
	collections map[string]schema.Collection
}

// Compile-time check that Store implements storage.Backend.
var _ storage.Backend = (*Store)(nil)

// Open is the storage.Factory for Milvus. Recognized endpoint params are
// user, password and db_name.
func Open(ctx context.Context, ep storage.Endpoint) (storage.Backend, error) {
	cfg := client.Config{Address: ep.Address()}
	for k, v := range ep.Params {
		switch k {
		case "user":
			cfg.Username = v
		case "password":
			cfg.Password = v
		case "db_name":
			cfg.DBName = v
		default:
			return nil, fmt.Errorf("%w: milvus does not support connection param %q", storage.ErrInvalidOption, k)
		}
	}

	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to milvus at %s: %w", cfg.Address, err)
	}
	debug.Log(debug.Storage, "milvus connected", "address", cfg.Address, "db", cfg.DBName)
	return New(c), nil
}

// New wraps an existing SDK client.
func New(c client.Client) *Store {
	return &Store{client: c, collections: make(map[string]schema.Collection)}
}

// HasCollection reports whether the collection exists.
func (s *Store) HasCollection(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.HasCollection(ctx, name)
	if err != nil {
		return false, fmt.Errorf("checking collection %s: %w", name, err)
	}
	return ok, nil
}

// CreateCollection creates the collection. Supported options are
// shards_num and consistency_level.
func (s *Store) CreateCollection(ctx context.Context, c schema.Collection, options map[string]any) error {
	if err := c.Validate(); err != nil {
		return err
	}
	opts, err := parseCreateOptions(options)
	if err != nil {
		return err
	}

	exists, err := s.HasCollection(ctx, c.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", storage.ErrCollectionExists, c.Name)
	}

	debug.Log(debug.Storage, "milvus create collection", "collection", c.Name, "shards", opts.shards)
	if err := s.client.CreateCollection(ctx, toSchema(c), opts.shards, opts.opts...); err != nil {
		return fmt.Errorf("creating collection %s: %w", c.Name, err)
	}

	s.mu.Lock()
	s.collections[c.Name] = c
	s.mu.Unlock()
	return nil
}

// Describe returns the collection schema as reported by the server.
func (s *Store) Describe(ctx context.Context, name string) (schema.Collection, error) {
	return s.describe(ctx, name)
}

// CreateIndex builds a vector index and loads the collection.
func (s *Store) CreateIndex(ctx context.Context, collection, field string, spec storage.IndexSpec) error {
	c, err := s.describe(ctx, collection)
	if err != nil {
		return err
	}
	if f, ok := c.Field(field); !ok || f.Type != schema.FloatVector {
		return fmt.Errorf("collection %q has no vector field %q", collection, field)
	}
	idx, err := buildIndex(spec)
	if err != nil {
		return err
	}

	if err := s.client.CreateIndex(ctx, collection, field, idx, false); err != nil {
		return fmt.Errorf("creating index on %s.%s: %w", collection, field, err)
	}
	if err := s.client.LoadCollection(ctx, collection, false); err != nil {
		return fmt.Errorf("loading collection %s: %w", collection, err)
	}
	return nil
}

// DropCollection drops the collection.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	exists, err := s.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", storage.ErrCollectionNotFound, name)
	}
	if err := s.client.DropCollection(ctx, name); err != nil {
		return fmt.Errorf("dropping collection %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.collections, name)
	s.mu.Unlock()
	return nil
}

// Insert upserts the payload rows and flushes them.
func (s *Store) Insert(ctx context.Context, collection string, payload codec.Payload) error {
	c, err := s.describe(ctx, collection)
	if err != nil {
		return err
	}
	cols, err := toColumns(c, payload)
	if err != nil {
		return err
	}
	if n, _ := payload.Rows(); n == 0 {
		return nil
	}

	if _, err := s.client.Upsert(ctx, collection, "", cols...); err != nil {
		return fmt.Errorf("inserting into %s: %w", collection, err)
	}
	if err := s.client.Flush(ctx, collection, false); err != nil {
		return fmt.Errorf("flushing %s: %w", collection, err)
	}
	return nil
}

// Query returns the rows whose keyField is in keys. A nil keys slice
// selects every row through an always-true expression on the primary key.
func (s *Store) Query(ctx context.Context, collection, keyField string, keys []string, outputFields []string) (codec.Payload, error) {
	c, err := s.describe(ctx, collection)
	if err != nil {
		return nil, err
	}
	fields := outputFields
	if len(fields) == 0 {
		fields = c.FieldNames()
	}
	if keys != nil && len(keys) == 0 {
		return fromResultSet(c, nil, fields)
	}

	expr, err := s.filter(c, keyField, keys)
	if err != nil {
		return nil, err
	}
	rs, err := s.client.Query(ctx, collection, nil, expr, fields,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	return fromResultSet(c, rs, fields)
}

// Delete removes matching rows. A nil keys slice removes every row.
func (s *Store) Delete(ctx context.Context, collection, keyField string, keys []string) error {
	c, err := s.describe(ctx, collection)
	if err != nil {
		return err
	}
	if keys != nil && len(keys) == 0 {
		return nil
	}
	expr, err := s.filter(c, keyField, keys)
	if err != nil {
		return err
	}
	if err := s.client.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return nil
}

// Count returns the number of rows using a strongly consistent count query.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	if _, err := s.describe(ctx, collection); err != nil {
		return 0, err
	}
	rs, err := s.client.Query(ctx, collection, nil, "", []string{"count(*)"},
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	col, ok := rs.GetColumn("count(*)").(*entity.ColumnInt64)
	if !ok || col.Len() == 0 {
		return 0, fmt.Errorf("counting %s: malformed count result", collection)
	}
	return col.Data()[0], nil
}

// Close closes the SDK client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) filter(c schema.Collection, keyField string, keys []string) (string, error) {
	if keys == nil {
		pk, _ := c.PrimaryKey()
		return schema.AlwaysTrueExpr(pk.Name), nil
	}
	f, ok := c.Field(keyField)
	if !ok || f.Type != schema.VarChar {
		return "", fmt.Errorf("collection %q has no string field %q", c.Name, keyField)
	}
	return keysExpr(keyField, keys), nil
}

// describe returns the cached descriptor or fetches it from the server.
// A fetched collection is loaded so that it can be queried.
func (s *Store) describe(ctx context.Context, name string) (schema.Collection, error) {
	s.mu.Lock()
	c, ok := s.collections[name]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	exists, err := s.HasCollection(ctx, name)
	if err != nil {
		return schema.Collection{}, err
	}
	if !exists {
		return schema.Collection{}, fmt.Errorf("%w: %s", storage.ErrCollectionNotFound, name)
	}
	coll, err := s.client.DescribeCollection(ctx, name)
	if err != nil {
		return schema.Collection{}, fmt.Errorf("describing collection %s: %w", name, err)
	}
	c, err = fromSchema(coll.Schema)
	if err != nil {
		return schema.Collection{}, err
	}
	if !coll.Loaded {
		// Collections without an index cannot be loaded yet; CreateIndex
		// loads them later.
		if err := s.client.LoadCollection(ctx, name, false); err != nil {
			debug.Log(debug.Storage, "milvus load deferred", "collection", name, "error", err)
		}
	}

	s.mu.Lock()
	s.collections[name] = c
	s.mu.Unlock()
	return c, nil
}
