// Package postgres provides a PostgreSQL implementation of storage.Backend.
// It uses pgx/v5 for connection pooling. Each collection becomes a table:
// string fields map to VARCHAR(n), vector fields to REAL[] with a dimension
// check. Collection descriptors are recorded in a catalog table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/docstore/pkg/codec"
	"github.com/rhuss/docstore/pkg/debug"
	"github.com/rhuss/docstore/pkg/schema"
	"github.com/rhuss/docstore/pkg/storage"
)

func init() {
	storage.Register("postgres", func(ctx context.Context, ep storage.Endpoint) (storage.Backend, error) {
		cfg, err := ConfigFromEndpoint(ep)
		if err != nil {
			return nil, err
		}
		return New(ctx, cfg)
	})
}

// Store is a PostgreSQL-backed storage.Backend.
type Store struct {
	pool *pgxpool.Pool

	mu          sync.Mutex
	collections map[string]schema.Collection
}

// Ensure Store implements storage.Backend at compile time.
var _ storage.Backend = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration and
// creates the catalog table when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool, collections: make(map[string]schema.Collection)}
	if err := s.ensureCatalog(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// HasCollection reports whether the collection is in the catalog.
func (s *Store) HasCollection(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM docstore_collections WHERE name = $1)", name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking collection %s: %w", name, err)
	}
	return exists, nil
}

// CreateCollection creates the collection table and records its
// descriptor. The only supported option is unlogged (bool).
func (s *Store) CreateCollection(ctx context.Context, c schema.Collection, options map[string]any) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := checkIdentifiers(c); err != nil {
		return err
	}

	unlogged := false
	for k, v := range options {
		switch k {
		case "unlogged":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%w: unlogged must be a boolean, got %v", storage.ErrInvalidOption, v)
			}
			unlogged = b
		default:
			return fmt.Errorf("%w: postgres does not support collection option %q", storage.ErrInvalidOption, k)
		}
	}

	fields, err := encodeFields(c.Fields)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO docstore_collections (name, description, fields) VALUES ($1, $2, $3)",
		c.Name, c.Description, fields,
	)
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: %s", storage.ErrCollectionExists, c.Name)
	}
	if err != nil {
		return fmt.Errorf("recording collection %s: %w", c.Name, err)
	}

	ddl := createTableSQL(c, unlogged)
	debug.Log(debug.Storage, "postgres create table", "collection", c.Name, "sql", ddl)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", c.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing collection %s: %w", c.Name, err)
	}

	s.mu.Lock()
	s.collections[c.Name] = c
	s.mu.Unlock()
	return nil
}

// createTableSQL renders the DDL for a collection.
func createTableSQL(c schema.Collection, unlogged bool) string {
	cols := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		name := ident(f.Name)
		switch f.Type {
		case schema.FloatVector:
			cols[i] = fmt.Sprintf("%s REAL[] NOT NULL CHECK (array_length(%s, 1) = %d)", name, name, f.Dim)
		default:
			cols[i] = fmt.Sprintf("%s VARCHAR(%d) NOT NULL", name, f.MaxLength)
		}
		if f.PrimaryKey {
			cols[i] += " PRIMARY KEY"
		}
	}

	table := "TABLE"
	if unlogged {
		table = "UNLOGGED TABLE"
	}
	return fmt.Sprintf("CREATE %s %s (\n\t%s\n)", table, ident(c.Name), strings.Join(cols, ",\n\t"))
}

// Describe returns the descriptor recorded in the catalog.
func (s *Store) Describe(ctx context.Context, name string) (schema.Collection, error) {
	return s.describe(ctx, name)
}

// CreateIndex validates and records the index request. Plain PostgreSQL
// has no approximate vector index, so the request is kept as catalog metadata.
func (s *Store) CreateIndex(ctx context.Context, collection, field string, spec storage.IndexSpec) error {
	c, err := s.describe(ctx, collection)
	if err != nil {
		return err
	}
	f, ok := c.Field(field)
	if !ok || f.Type != schema.FloatVector {
		return fmt.Errorf("collection %q has no vector field %q", collection, field)
	}
	switch spec.Type {
	case "HNSW", "FLAT", "IVF_FLAT":
	default:
		return fmt.Errorf("%w: index type %q", storage.ErrInvalidOption, spec.Type)
	}
	switch spec.Metric {
	case "IP", "L2", "COSINE":
	default:
		return fmt.Errorf("%w: metric %q", storage.ErrInvalidOption, spec.Metric)
	}

	data, err := json.Marshal(catalogIndex{Field: field, Type: spec.Type, Metric: spec.Metric, Params: spec.Params})
	if err != nil {
		return fmt.Errorf("encoding index spec: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		"UPDATE docstore_collections SET index_spec = $1 WHERE name = $2", data, collection,
	); err != nil {
		return fmt.Errorf("recording index on %s: %w", collection, err)
	}
	return nil
}

// DropCollection drops the table and its catalog entry.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM docstore_collections WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("removing catalog entry %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrCollectionNotFound, name)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident(name)); err != nil {
		return fmt.Errorf("dropping table %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing drop of %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.collections, name)
	s.mu.Unlock()
	return nil
}

// Insert upserts the payload rows in one batch.
func (s *Store) Insert(ctx context.Context, collection string, payload codec.Payload) error {
	c, err := s.describe(ctx, collection)
	if err != nil {
		return err
	}
	n, err := payload.Rows()
	if err != nil {
		return err
	}
	if len(payload) != len(c.Fields) {
		return fmt.Errorf("collection %q: payload has %d columns, schema has %d fields",
			collection, len(payload), len(c.Fields))
	}
	for _, col := range payload {
		f, ok := c.Field(col.Name)
		if !ok {
			return fmt.Errorf("collection %q has no field %q", collection, col.Name)
		}
		if col.IsVector() != (f.Type == schema.FloatVector) {
			return fmt.Errorf("field %q: column type does not match schema", col.Name)
		}
	}
	if n == 0 {
		return nil
	}

	sql := upsertSQL(c, payload)
	batch := &pgx.Batch{}
	for i := 0; i < n; i++ {
		args := make([]any, len(payload))
		for j, col := range payload {
			if col.IsVector() {
				args[j] = col.Vectors[i]
			} else {
				args[j] = col.Strings[i]
			}
		}
		batch.Queue(sql, args...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting row %d into %s: %w", i, collection, err)
		}
	}
	return nil
}

// upsertSQL renders an INSERT ... ON CONFLICT statement in payload column order.
func upsertSQL(c schema.Collection, payload codec.Payload) string {
	pk, _ := c.PrimaryKey()
	cols := make([]string, len(payload))
	params := make([]string, len(payload))
	var updates []string
	for i, col := range payload {
		cols[i] = ident(col.Name)
		params[i] = fmt.Sprintf("$%d", i+1)
		if col.Name != pk.Name {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", cols[i], cols[i]))
		}
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		ident(c.Name), strings.Join(cols, ", "), strings.Join(params, ", "), ident(pk.Name), conflict)
}

// Query selects matching rows projected on outputFields.
func (s *Store) Query(ctx context.Context, collection, keyField string, keys []string, outputFields []string) (codec.Payload, error) {
	c, err := s.describe(ctx, collection)
	if err != nil {
		return nil, err
	}
	if keys != nil {
		if err := checkKeyField(c, keyField); err != nil {
			return nil, err
		}
	}

	fields := outputFields
	if len(fields) == 0 {
		fields = c.FieldNames()
	}
	out := make(codec.Payload, len(fields))
	cols := make([]string, len(fields))
	for i, name := range fields {
		f, ok := c.Field(name)
		if !ok {
			return nil, fmt.Errorf("collection %q has no field %q", collection, name)
		}
		cols[i] = ident(name)
		if f.Type == schema.FloatVector {
			out[i] = codec.Column{Name: name, Vectors: [][]float32{}}
		} else {
			out[i] = codec.Column{Name: name, Strings: []string{}}
		}
	}
	if keys != nil && len(keys) == 0 {
		return out, nil
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), ident(collection))
	var args []any
	if keys != nil {
		sql += fmt.Sprintf(" WHERE %s = ANY($1)", ident(keyField))
		args = append(args, keys)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		strs := make([]string, len(fields))
		vecs := make([][]float32, len(fields))
		dest := make([]any, len(fields))
		for i := range out {
			if out[i].IsVector() {
				dest[i] = &vecs[i]
			} else {
				dest[i] = &strs[i]
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", collection, err)
		}
		for i := range out {
			if out[i].IsVector() {
				out[i].Vectors = append(out[i].Vectors, vecs[i])
			} else {
				out[i].Strings = append(out[i].Strings, strs[i])
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", collection, err)
	}
	return out, nil
}

// Delete removes matching rows. A nil keys slice removes every row.
func (s *Store) Delete(ctx context.Context, collection, keyField string, keys []string) error {
	c, err := s.describe(ctx, collection)
	if err != nil {
		return err
	}
	if keys == nil {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+ident(collection)); err != nil {
			return fmt.Errorf("clearing %s: %w", collection, err)
		}
		return nil
	}
	if err := checkKeyField(c, keyField); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", ident(collection), ident(keyField))
	if _, err := s.pool.Exec(ctx, sql, keys); err != nil {
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return nil
}

// Count returns the number of rows.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	if _, err := s.describe(ctx, collection); err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+ident(collection)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func checkKeyField(c schema.Collection, keyField string) error {
	f, ok := c.Field(keyField)
	if !ok {
		return fmt.Errorf("collection %q has no field %q", c.Name, keyField)
	}
	if f.Type != schema.VarChar {
		return fmt.Errorf("field %q cannot be used as a key", keyField)
	}
	return nil
}

// ident quotes an identifier.
func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// maxIdentifierLength is NAMEDATALEN-1; PostgreSQL truncates longer
// identifiers, so distinct collection names could map to one table.
const maxIdentifierLength = 63

func checkIdentifiers(c schema.Collection) error {
	if len(c.Name) > maxIdentifierLength {
		return fmt.Errorf("%w: collection name %q is %d bytes, postgres allows %d",
			storage.ErrInvalidOption, c.Name, len(c.Name), maxIdentifierLength)
	}
	for _, f := range c.Fields {
		if len(f.Name) > maxIdentifierLength {
			return fmt.Errorf("%w: field name %q is %d bytes, postgres allows %d",
				storage.ErrInvalidOption, f.Name, len(f.Name), maxIdentifierLength)
		}
	}
	return nil
}
