// Package provision creates the two collections backing a docstore: the
// primary document collection and its offset2id mapping collection.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/rhuss/docstore/pkg/config"
	"github.com/rhuss/docstore/pkg/debug"
	"github.com/rhuss/docstore/pkg/schema"
	"github.com/rhuss/docstore/pkg/storage"
)

// ErrSchemaProvisioning wraps every backend failure during provisioning.
var ErrSchemaProvisioning = errors.New("schema provisioning failed")

// offset2idIndex is requested on the dummy vector so stores that require
// an index before loading can serve queries on the mapping collection.
var offset2idIndex = storage.IndexSpec{Type: "FLAT", Metric: "L2"}

// Collections describes the provisioned pair.
type Collections struct {
	Primary   schema.Collection
	Offset2ID schema.Collection

	// PrimaryReused and Offset2IDReused report collections that already
	// existed and were bound under the reuse policy.
	PrimaryReused   bool
	Offset2IDReused bool
}

// Reused reports whether the primary collection was already present.
func (c Collections) Reused() bool { return c.PrimaryReused }

// Provision creates or binds the primary and offset2id collections for cfg.
// The primary collection receives cfg.CollectionConfig; the offset2id
// collection is always created without collection options. The embedding
// index is requested only on newly created primary collections.
func Provision(ctx context.Context, b storage.Backend, cfg *config.StoreConfig) (*Collections, error) {
	out := &Collections{
		Primary:   schema.Primary(cfg.CollectionName, cfg.NDim).WithMetric(cfg.Distance),
		Offset2ID: schema.Offset2ID(cfg.CollectionName).WithMetric(offset2idIndex.Metric),
	}

	reused, err := ensure(ctx, b, out.Primary, cfg.CollectionConfig, cfg.OnExisting)
	if err != nil {
		return nil, err
	}
	out.PrimaryReused = reused

	if !reused {
		spec := storage.IndexSpec{
			Type:   cfg.IndexType,
			Metric: cfg.Distance,
			Params: cfg.IndexConfig,
		}
		if err := b.CreateIndex(ctx, out.Primary.Name, schema.FieldEmbedding, spec); err != nil {
			return nil, fmt.Errorf("%w: indexing %s.%s: %w", ErrSchemaProvisioning, out.Primary.Name, schema.FieldEmbedding, err)
		}
		debug.Log(debug.Schema, "index created", "collection", out.Primary.Name,
			"type", spec.Type, "metric", spec.Metric)
	}

	reused, err = ensure(ctx, b, out.Offset2ID, nil, cfg.OnExisting)
	if err != nil {
		return nil, err
	}
	out.Offset2IDReused = reused

	if !reused {
		if err := b.CreateIndex(ctx, out.Offset2ID.Name, schema.FieldDummyVector, offset2idIndex); err != nil {
			return nil, fmt.Errorf("%w: indexing %s.%s: %w", ErrSchemaProvisioning, out.Offset2ID.Name, schema.FieldDummyVector, err)
		}
	}

	return out, nil
}

// ensure creates c under policy and reports whether an existing collection
// was reused instead.
func ensure(ctx context.Context, b storage.Backend, c schema.Collection, options map[string]any, policy config.ExistsPolicy) (bool, error) {
	exists, err := b.HasCollection(ctx, c.Name)
	if err != nil {
		return false, fmt.Errorf("%w: checking %s: %w", ErrSchemaProvisioning, c.Name, err)
	}

	if exists {
		switch policy {
		case config.ExistsReuse:
			if err := bind(ctx, b, c); err != nil {
				return false, err
			}
			debug.Log(debug.Schema, "reusing collection", "collection", c.Name)
			return true, nil
		case config.ExistsRecreate:
			debug.Log(debug.Schema, "dropping collection for recreate", "collection", c.Name)
			if err := b.DropCollection(ctx, c.Name); err != nil {
				return false, fmt.Errorf("%w: dropping %s: %w", ErrSchemaProvisioning, c.Name, err)
			}
		default:
			return false, fmt.Errorf("%w: %w: %s", ErrSchemaProvisioning, storage.ErrCollectionExists, c.Name)
		}
	}

	err = b.CreateCollection(ctx, c, options)
	if errors.Is(err, storage.ErrCollectionExists) && policy == config.ExistsReuse {
		// Created concurrently by another process.
		if err := bind(ctx, b, c); err != nil {
			return false, err
		}
		debug.Log(debug.Schema, "collection appeared concurrently, reusing", "collection", c.Name)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: creating %s: %w", ErrSchemaProvisioning, c.Name, err)
	}

	debug.Log(debug.Schema, "collection created", "collection", c.Name,
		"fields", c.FieldNames(), "description", c.Description)
	return false, nil
}

// bind verifies that the existing collection named like c has a compatible
// schema.
func bind(ctx context.Context, b storage.Backend, c schema.Collection) error {
	existing, err := b.Describe(ctx, c.Name)
	if err != nil {
		return fmt.Errorf("%w: describing %s: %w", ErrSchemaProvisioning, c.Name, err)
	}
	if err := c.Check(existing); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaProvisioning, err)
	}
	return nil
}

// Drop removes both collections for cfg. Missing collections are skipped.
func Drop(ctx context.Context, b storage.Backend, cfg *config.StoreConfig) error {
	var errs []error
	for _, name := range []string{cfg.CollectionName, cfg.Offset2IDName()} {
		exists, err := b.HasCollection(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("checking %s: %w", name, err))
			continue
		}
		if !exists {
			continue
		}
		if err := b.DropCollection(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("dropping %s: %w", name, err))
			continue
		}
		debug.Log(debug.Schema, "collection dropped", "collection", name)
	}
	return errors.Join(errs...)
}
