// Package docstore binds an ordered document collection to an external
// store. A Store resolves its configuration, shares a named connection,
// provisions the primary and offset2id collections and moves documents
// through the payload codec.
//
// The ordered id list lives in memory and is written to the offset2id
// collection by SyncOffset2ID and Close.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rhuss/docstore/pkg/codec"
	"github.com/rhuss/docstore/pkg/config"
	"github.com/rhuss/docstore/pkg/connection"
	"github.com/rhuss/docstore/pkg/debug"
	"github.com/rhuss/docstore/pkg/document"
	"github.com/rhuss/docstore/pkg/observability"
	"github.com/rhuss/docstore/pkg/provision"
	"github.com/rhuss/docstore/pkg/schema"
	"github.com/rhuss/docstore/pkg/storage"
)

var (
	// ErrNotFound is returned when a requested document id is absent.
	ErrNotFound = errors.New("document not found")

	// ErrOffsetOutOfRange is returned by GetAt for an offset outside the
	// collection.
	ErrOffsetOutOfRange = errors.New("offset out of range")

	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("docstore is closed")
)

// Option configures Open.
type Option func(*options)

type options struct {
	alias    string
	registry *connection.Registry
	params   map[string]string
}

// WithAlias selects the connection alias. The default is
// connection.DefaultAlias.
func WithAlias(alias string) Option {
	return func(o *options) { o.alias = alias }
}

// WithRegistry uses reg instead of connection.Default.
func WithRegistry(reg *connection.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithParams passes backend-specific connection parameters.
func WithParams(params map[string]string) Option {
	return func(o *options) { o.params = params }
}

// Store is a document collection backed by an external store. It is safe
// for concurrent use.
type Store struct {
	mu sync.RWMutex

	cfg    *config.StoreConfig
	handle *connection.Handle
	client storage.Backend
	codec  *codec.Codec
	colls  *provision.Collections

	ids     []string
	present map[string]struct{}
	dirty   bool
	closed  bool
}

// Open resolves input (StoreConfig, *StoreConfig or map[string]any),
// acquires the connection for backendName and provisions the collections.
// When the collections already exist, the stored offset2id order is loaded.
func Open(ctx context.Context, backendName string, input any, opts ...Option) (*Store, error) {
	o := options{alias: connection.DefaultAlias, registry: connection.Default}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Resolve(input)
	if err != nil {
		return nil, err
	}

	ep := storage.Endpoint{Host: cfg.Host, Port: string(cfg.Port), Params: o.params}
	h, err := o.registry.Acquire(ctx, o.alias, backendName, ep)
	if err != nil {
		return nil, err
	}

	s, err := open(ctx, cfg, h)
	if err != nil {
		return nil, errors.Join(err, h.Release())
	}
	return s, nil
}

// open builds a Store on an acquired handle. The caller releases h on error.
func open(ctx context.Context, cfg *config.StoreConfig, h *connection.Handle) (*Store, error) {
	c, err := codec.New(cfg.SerializeConfig, cfg.NDim)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize_config: %w", config.ErrInvalidConfiguration, err)
	}

	client, err := h.Client()
	if err != nil {
		return nil, err
	}

	colls, err := provision.Provision(ctx, client, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:     cfg,
		handle:  h,
		client:  client,
		codec:   c,
		colls:   colls,
		present: make(map[string]struct{}),
	}

	if colls.Offset2IDReused {
		if err := s.loadOffset2ID(ctx); err != nil {
			return nil, err
		}
	}

	debug.Log(debug.Storage, "docstore opened", "collection", cfg.CollectionName,
		"alias", h.Alias(), "backend", h.Backend(), "reused", colls.Reused(), "len", len(s.ids))
	return s, nil
}

func (s *Store) loadOffset2ID(ctx context.Context) error {
	p, err := s.client.Query(ctx, s.colls.Offset2ID.Name, schema.FieldOffset, nil,
		[]string{schema.FieldOffset, schema.FieldDocumentID})
	if err != nil {
		return fmt.Errorf("loading offset2id: %w", err)
	}
	ids, err := codec.DecodeOffset2ID(p)
	if err != nil {
		return fmt.Errorf("decoding offset2id: %w", err)
	}
	s.ids = ids
	for _, id := range ids {
		s.present[id] = struct{}{}
	}
	return nil
}

// Config returns a copy of the resolved configuration.
func (s *Store) Config() *config.StoreConfig {
	return s.cfg.Clone()
}

// Collections returns the provisioned collection descriptors.
func (s *Store) Collections() provision.Collections {
	return *s.colls
}

// Len returns the number of documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// IDs returns the document ids in offset order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.ids)
}

// Append adds one document.
func (s *Store) Append(ctx context.Context, doc *document.Document) error {
	return s.Extend(ctx, document.Array{doc})
}

// Extend writes docs to the primary collection. Documents whose id is
// already stored are replaced in place; new ids are appended to the offset
// order. A document that fails to serialize aborts the whole batch before
// anything is written.
func (s *Store) Extend(ctx context.Context, docs document.Array) error {
	if len(docs) == 0 {
		return nil
	}
	payload, err := s.codec.EncodeDocs(docs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.client.Insert(ctx, s.cfg.CollectionName, payload); err != nil {
		return fmt.Errorf("inserting into %s: %w", s.cfg.CollectionName, err)
	}

	for _, d := range docs {
		if _, ok := s.present[d.ID]; ok {
			continue
		}
		s.present[d.ID] = struct{}{}
		s.ids = append(s.ids, d.ID)
	}
	s.dirty = true

	observability.DocumentsTotal.WithLabelValues(s.handle.Backend(), "written").Add(float64(len(docs)))
	debug.Log(debug.Storage, "documents written", "collection", s.cfg.CollectionName, "count", len(docs))
	return nil
}

// Get returns the documents for ids, in the order requested. Missing ids
// fail with ErrNotFound.
func (s *Store) Get(ctx context.Context, ids []string) (document.Array, error) {
	if len(ids) == 0 {
		return document.Array{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.get(ctx, ids)
}

func (s *Store) get(ctx context.Context, ids []string) (document.Array, error) {
	p, err := s.client.Query(ctx, s.cfg.CollectionName, schema.FieldDocumentID, ids,
		[]string{schema.FieldDocumentID, schema.FieldSerialized})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.cfg.CollectionName, err)
	}
	found, err := s.codec.DecodeDocs(p)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*document.Document, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}

	out := make(document.Array, len(ids))
	var missing []string
	for i, id := range ids {
		d, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out[i] = d
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, missing)
	}

	observability.DocumentsTotal.WithLabelValues(s.handle.Backend(), "read").Add(float64(len(out)))
	return out, nil
}

// GetAt returns the document at offset. Negative offsets count from the end.
func (s *Store) GetAt(ctx context.Context, offset int) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	i := offset
	if i < 0 {
		i += len(s.ids)
	}
	if i < 0 || i >= len(s.ids) {
		return nil, fmt.Errorf("%w: %d (len %d)", ErrOffsetOutOfRange, offset, len(s.ids))
	}

	docs, err := s.get(ctx, []string{s.ids[i]})
	if err != nil {
		return nil, err
	}
	return docs[0], nil
}

// Delete removes the documents for ids. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.client.Delete(ctx, s.cfg.CollectionName, schema.FieldDocumentID, ids); err != nil {
		return fmt.Errorf("deleting from %s: %w", s.cfg.CollectionName, err)
	}

	removed := 0
	for _, id := range ids {
		if _, ok := s.present[id]; ok {
			delete(s.present, id)
			removed++
		}
	}
	if removed > 0 {
		s.ids = slices.DeleteFunc(s.ids, func(id string) bool {
			_, ok := s.present[id]
			return !ok
		})
		s.dirty = true
	}

	observability.DocumentsTotal.WithLabelValues(s.handle.Backend(), "deleted").Add(float64(removed))
	debug.Log(debug.Storage, "documents deleted", "collection", s.cfg.CollectionName, "count", removed)
	return nil
}

// SyncOffset2ID replaces the stored offset2id rows with the current order.
func (s *Store) SyncOffset2ID(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.syncLocked(ctx)
}

func (s *Store) syncLocked(ctx context.Context) error {
	name := s.colls.Offset2ID.Name
	if err := s.client.Delete(ctx, name, schema.FieldOffset, nil); err != nil {
		return fmt.Errorf("clearing %s: %w", name, err)
	}
	if len(s.ids) > 0 {
		if err := s.client.Insert(ctx, name, codec.EncodeOffset2ID(s.ids)); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	s.dirty = false
	debug.Log(debug.Storage, "offset2id synced", "collection", name, "len", len(s.ids))
	return nil
}

// Subindex opens a store for a derived index sharing this store's
// connection. partial overrides the parent's configuration; without an
// explicit collection_name the subindex is named
// <collection>_subindex_<name>.
func (s *Store) Subindex(ctx context.Context, name string, partial map[string]any) (*Store, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	cfg, err := s.cfg.ForSubindex(partial, name)
	if err != nil {
		return nil, err
	}
	h, err := s.handle.Clone()
	if err != nil {
		return nil, err
	}
	sub, err := open(ctx, cfg, h)
	if err != nil {
		return nil, errors.Join(err, h.Release())
	}
	return sub, nil
}

// Close writes pending offset2id changes and releases the connection.
// Closing twice is a no-op.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.dirty {
		if err := s.syncLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.handle.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
