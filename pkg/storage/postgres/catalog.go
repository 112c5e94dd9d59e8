package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rhuss/docstore/pkg/schema"
	"github.com/rhuss/docstore/pkg/storage"
)

// catalogDDL creates the table recording every collection's descriptor.
// Tables alone do not carry vector dimensions or the VARCHAR bounds in a
// form that survives a restart, so descriptors are kept here.
const catalogDDL = `
CREATE TABLE IF NOT EXISTS docstore_collections (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	fields      JSONB NOT NULL,
	index_spec  JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// catalogField is the persisted form of schema.Field.
type catalogField struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	MaxLength  int    `json:"max_length,omitempty"`
	Dim        int    `json:"dim,omitempty"`
	Metric     string `json:"metric,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

type catalogIndex struct {
	Field  string         `json:"field"`
	Type   string         `json:"type"`
	Metric string         `json:"metric"`
	Params map[string]any `json:"params,omitempty"`
}

// ensureCatalog creates the catalog table when missing.
func (s *Store) ensureCatalog(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, catalogDDL); err != nil {
		return fmt.Errorf("creating catalog: %w", err)
	}
	return nil
}

func encodeFields(fields []schema.Field) ([]byte, error) {
	out := make([]catalogField, len(fields))
	for i, f := range fields {
		out[i] = catalogField{
			Name:       f.Name,
			Type:       string(f.Type),
			MaxLength:  f.MaxLength,
			Dim:        f.Dim,
			Metric:     f.Metric,
			PrimaryKey: f.PrimaryKey,
		}
	}
	return json.Marshal(out)
}

func decodeFields(data []byte) ([]schema.Field, error) {
	var in []catalogField
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decoding catalog fields: %w", err)
	}
	out := make([]schema.Field, len(in))
	for i, f := range in {
		out[i] = schema.Field{
			Name:       f.Name,
			Type:       schema.FieldType(f.Type),
			MaxLength:  f.MaxLength,
			Dim:        f.Dim,
			Metric:     f.Metric,
			PrimaryKey: f.PrimaryKey,
		}
	}
	return out, nil
}

// describe loads a collection descriptor from the catalog, caching it.
func (s *Store) describe(ctx context.Context, name string) (schema.Collection, error) {
	s.mu.Lock()
	c, ok := s.collections[name]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	var desc string
	var raw []byte
	err := s.pool.QueryRow(ctx,
		"SELECT description, fields FROM docstore_collections WHERE name = $1", name,
	).Scan(&desc, &raw)
	if isNoRows(err) {
		return schema.Collection{}, fmt.Errorf("%w: %s", storage.ErrCollectionNotFound, name)
	}
	if err != nil {
		return schema.Collection{}, fmt.Errorf("reading catalog: %w", err)
	}

	fields, err := decodeFields(raw)
	if err != nil {
		return schema.Collection{}, err
	}
	c = schema.Collection{Name: name, Description: desc, Fields: fields}

	s.mu.Lock()
	s.collections[name] = c
	s.mu.Unlock()
	return c, nil
}
