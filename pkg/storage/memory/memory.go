// Package memory provides an in-memory implementation of storage.Backend
// for testing and lightweight deployments. Collections are held in process
// memory and lost when the process exits.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rhuss/docstore/pkg/codec"
	"github.com/rhuss/docstore/pkg/schema"
	"github.com/rhuss/docstore/pkg/storage"
)

func init() {
	storage.Register("memory", func(_ context.Context, _ storage.Endpoint) (storage.Backend, error) {
		return New(), nil
	})
}

// row is a single stored record keyed by field name. Values are string or
// []float32 depending on the field type.
type row map[string]any

// collection holds a schema and its rows keyed by primary key.
type collection struct {
	schema  schema.Collection
	pk      string
	options map[string]any
	index   *storage.IndexSpec
	maxRows int // 0 = unlimited
	rows    map[string]row
	order   []string // primary keys in first-insert order
}

// Store is an in-memory Backend.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	closed      bool
}

// Ensure Store implements storage.Backend at compile time.
var _ storage.Backend = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

// HasCollection reports whether the collection exists.
func (s *Store) HasCollection(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, errClosed
	}
	_, ok := s.collections[name]
	return ok, nil
}

// CreateCollection creates a collection. The only recognized option is
// max_rows, which caps the number of stored rows.
func (s *Store) CreateCollection(_ context.Context, c schema.Collection, options map[string]any) error {
	if err := c.Validate(); err != nil {
		return err
	}

	maxRows := 0
	for k, v := range options {
		switch k {
		case "max_rows":
			n, ok := toInt(v)
			if !ok || n < 0 {
				return fmt.Errorf("%w: max_rows must be a non-negative integer, got %v", storage.ErrInvalidOption, v)
			}
			maxRows = n
		default:
			return fmt.Errorf("%w: memory backend does not support collection option %q", storage.ErrInvalidOption, k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	if _, exists := s.collections[c.Name]; exists {
		return fmt.Errorf("%w: %s", storage.ErrCollectionExists, c.Name)
	}

	c.Fields = append([]schema.Field(nil), c.Fields...)
	pk, _ := c.PrimaryKey()
	s.collections[c.Name] = &collection{
		schema:  c,
		pk:      pk.Name,
		options: copyOptions(options),
		maxRows: maxRows,
		rows:    make(map[string]row),
	}
	return nil
}

// CreateIndex records the index request. The in-memory store has no
// search path, so the index is metadata only.
func (s *Store) CreateIndex(_ context.Context, collection, field string, spec storage.IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(collection)
	if err != nil {
		return err
	}
	f, ok := c.schema.Field(field)
	if !ok {
		return fmt.Errorf("collection %q has no field %q", collection, field)
	}
	if f.Type != schema.FloatVector {
		return fmt.Errorf("field %q is not a vector field", field)
	}
	c.index = &spec
	return nil
}

// DropCollection removes a collection.
func (s *Store) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(name); err != nil {
		return err
	}
	delete(s.collections, name)
	return nil
}

// Insert upserts the payload rows.
func (s *Store) Insert(_ context.Context, name string, payload codec.Payload) error {
	n, err := payload.Rows()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(name)
	if err != nil {
		return err
	}
	if err := c.check(payload); err != nil {
		return err
	}

	keys, _ := payload.Strings(c.pk)
	if c.maxRows > 0 {
		added := 0
		seen := make(map[string]bool, n)
		for _, k := range keys {
			if _, exists := c.rows[k]; !exists && !seen[k] {
				added++
				seen[k] = true
			}
		}
		if len(c.rows)+added > c.maxRows {
			return fmt.Errorf("collection %q: inserting %d rows exceeds max_rows %d", name, added, c.maxRows)
		}
	}

	for i := 0; i < n; i++ {
		r := make(row, len(payload))
		for _, col := range payload {
			if col.IsVector() {
				v := make([]float32, len(col.Vectors[i]))
				copy(v, col.Vectors[i])
				r[col.Name] = v
			} else {
				r[col.Name] = col.Strings[i]
			}
		}
		key := keys[i]
		if _, exists := c.rows[key]; !exists {
			c.order = append(c.order, key)
		}
		c.rows[key] = r
	}
	return nil
}

// Query returns matching rows in first-insert order.
func (s *Store) Query(_ context.Context, name, keyField string, keys []string, outputFields []string) (codec.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.get(name)
	if err != nil {
		return nil, err
	}
	if err := c.checkKeyField(keyField); err != nil {
		return nil, err
	}

	fields := outputFields
	if len(fields) == 0 {
		fields = c.schema.FieldNames()
	}
	out := make(codec.Payload, len(fields))
	for i, fname := range fields {
		f, ok := c.schema.Field(fname)
		if !ok {
			return nil, fmt.Errorf("collection %q has no field %q", name, fname)
		}
		out[i].Name = fname
		if f.Type == schema.FloatVector {
			out[i].Vectors = make([][]float32, 0)
		} else {
			out[i].Strings = make([]string, 0)
		}
	}

	match := keySet(keys)
	for _, pk := range c.order {
		r := c.rows[pk]
		if match != nil && !match[r[keyField].(string)] {
			continue
		}
		for i := range out {
			switch v := r[out[i].Name].(type) {
			case []float32:
				cp := make([]float32, len(v))
				copy(cp, v)
				out[i].Vectors = append(out[i].Vectors, cp)
			case string:
				out[i].Strings = append(out[i].Strings, v)
			}
		}
	}
	return out, nil
}

// Delete removes matching rows.
func (s *Store) Delete(_ context.Context, name, keyField string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.get(name)
	if err != nil {
		return err
	}
	if err := c.checkKeyField(keyField); err != nil {
		return err
	}

	match := keySet(keys)
	kept := c.order[:0]
	for _, pk := range c.order {
		if match == nil || match[c.rows[pk][keyField].(string)] {
			delete(c.rows, pk)
			continue
		}
		kept = append(kept, pk)
	}
	c.order = kept
	return nil
}

// Describe returns the schema a collection was created with.
func (s *Store) Describe(_ context.Context, name string) (schema.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.get(name)
	if err != nil {
		return schema.Collection{}, err
	}
	out := c.schema
	out.Fields = append([]schema.Field(nil), c.schema.Fields...)
	return out, nil
}

// Count returns the number of rows in a collection.
func (s *Store) Count(_ context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return int64(len(c.rows)), nil
}

// Close marks the store closed. Subsequent calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Schema returns the descriptor a collection was created with.
func (s *Store) Schema(name string) (schema.Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return schema.Collection{}, false
	}
	return c.schema, true
}

// Options returns the options a collection was created with.
func (s *Store) Options(name string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, false
	}
	return copyOptions(c.options), true
}

// Index returns the index recorded for a collection, if any.
func (s *Store) Index(name string) (storage.IndexSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok || c.index == nil {
		return storage.IndexSpec{}, false
	}
	return *c.index, true
}

var errClosed = fmt.Errorf("memory store is closed")

// get returns a collection. Must be called with s.mu held.
func (s *Store) get(name string) (*collection, error) {
	if s.closed {
		return nil, errClosed
	}
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrCollectionNotFound, name)
	}
	return c, nil
}

// checkKeyField ensures rows can be matched on keyField.
func (c *collection) checkKeyField(keyField string) error {
	f, ok := c.schema.Field(keyField)
	if !ok {
		return fmt.Errorf("collection %q has no field %q", c.schema.Name, keyField)
	}
	if f.Type != schema.VarChar {
		return fmt.Errorf("field %q cannot be used as a key", keyField)
	}
	return nil
}

// check validates payload columns against the collection schema.
func (c *collection) check(payload codec.Payload) error {
	if len(payload) != len(c.schema.Fields) {
		return fmt.Errorf("collection %q: payload has %d columns, schema has %d fields",
			c.schema.Name, len(payload), len(c.schema.Fields))
	}
	seen := make(map[string]bool, len(payload))
	for _, col := range payload {
		f, ok := c.schema.Field(col.Name)
		if !ok {
			return fmt.Errorf("collection %q has no field %q", c.schema.Name, col.Name)
		}
		if seen[col.Name] {
			return fmt.Errorf("collection %q: duplicate column %q", c.schema.Name, col.Name)
		}
		seen[col.Name] = true
		switch f.Type {
		case schema.FloatVector:
			if !col.IsVector() {
				return fmt.Errorf("field %q expects vectors", f.Name)
			}
			for i, v := range col.Vectors {
				if len(v) != f.Dim {
					return fmt.Errorf("field %q row %d: got %d dimensions, want %d", f.Name, i, len(v), f.Dim)
				}
			}
		case schema.VarChar:
			if col.IsVector() {
				return fmt.Errorf("field %q expects strings", f.Name)
			}
			for i, v := range col.Strings {
				if len(v) > f.MaxLength {
					return fmt.Errorf("field %q row %d: length %d exceeds %d", f.Name, i, len(v), f.MaxLength)
				}
			}
		}
	}
	return nil
}

func keySet(keys []string) map[string]bool {
	if keys == nil {
		return nil
	}
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func copyOptions(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
