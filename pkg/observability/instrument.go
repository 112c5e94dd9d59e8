package observability

import (
	"context"
	"time"

	"github.com/rhuss/docstore/pkg/codec"
	"github.com/rhuss/docstore/pkg/debug"
	"github.com/rhuss/docstore/pkg/schema"
	"github.com/rhuss/docstore/pkg/storage"
)

// InstrumentBackend wraps a backend to record metrics for every call.
//
// It captures:
//   - docstore_backend_operations_total (counter): one per call with backend, operation and status ("ok" or "error")
//   - docstore_backend_operation_duration_seconds (histogram): call duration with backend and operation labels
//
// Close is passed through without instrumentation.
func InstrumentBackend(name string, b storage.Backend) storage.Backend {
	if b == nil {
		return nil
	}
	if ib, ok := b.(*instrumented); ok {
		return ib
	}
	return &instrumented{name: name, next: b}
}

type instrumented struct {
	name string
	next storage.Backend
}

var _ storage.Backend = (*instrumented)(nil)

func (b *instrumented) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BackendOperationsTotal.WithLabelValues(b.name, op, status).Inc()
	BackendOperationDuration.WithLabelValues(b.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		debug.Log(debug.Storage, "backend call failed", "backend", b.name, "operation", op, "error", err)
	}
}

func (b *instrumented) HasCollection(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	ok, err := b.next.HasCollection(ctx, name)
	b.observe("has_collection", start, err)
	return ok, err
}

func (b *instrumented) CreateCollection(ctx context.Context, c schema.Collection, options map[string]any) error {
	start := time.Now()
	err := b.next.CreateCollection(ctx, c, options)
	b.observe("create_collection", start, err)
	return err
}

func (b *instrumented) Describe(ctx context.Context, name string) (schema.Collection, error) {
	start := time.Now()
	c, err := b.next.Describe(ctx, name)
	b.observe("describe", start, err)
	return c, err
}

func (b *instrumented) CreateIndex(ctx context.Context, collection, field string, spec storage.IndexSpec) error {
	start := time.Now()
	err := b.next.CreateIndex(ctx, collection, field, spec)
	b.observe("create_index", start, err)
	return err
}

func (b *instrumented) DropCollection(ctx context.Context, name string) error {
	start := time.Now()
	err := b.next.DropCollection(ctx, name)
	b.observe("drop_collection", start, err)
	return err
}

func (b *instrumented) Insert(ctx context.Context, collection string, payload codec.Payload) error {
	start := time.Now()
	err := b.next.Insert(ctx, collection, payload)
	b.observe("insert", start, err)
	return err
}

func (b *instrumented) Query(ctx context.Context, collection, keyField string, keys []string, outputFields []string) (codec.Payload, error) {
	start := time.Now()
	p, err := b.next.Query(ctx, collection, keyField, keys, outputFields)
	b.observe("query", start, err)
	return p, err
}

func (b *instrumented) Delete(ctx context.Context, collection, keyField string, keys []string) error {
	start := time.Now()
	err := b.next.Delete(ctx, collection, keyField, keys)
	b.observe("delete", start, err)
	return err
}

func (b *instrumented) Count(ctx context.Context, collection string) (int64, error) {
	start := time.Now()
	n, err := b.next.Count(ctx, collection)
	b.observe("count", start, err)
	return n, err
}

func (b *instrumented) Close() error {
	return b.next.Close()
}
