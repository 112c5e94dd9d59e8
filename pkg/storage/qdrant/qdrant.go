// Package qdrant implements storage.Backend on the Qdrant REST API.
//
// Each vector field becomes a named vector; string fields are stored in the
// point payload. Qdrant point ids must be integers or UUIDs, so a point's id
// is the UUIDv5 of its primary key, and the primary key itself is kept in
// the payload with a keyword index. That index is how an existing
// collection's primary key is rediscovered.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/docstore/pkg/codec"
	"github.com/rhuss/docstore/pkg/debug"
	"github.com/rhuss/docstore/pkg/schema"
	"github.com/rhuss/docstore/pkg/storage"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultScrollLimit = 256
	upsertBatchSize    = 512
)

func init() {
	storage.Register("qdrant", Open)
}

// Client implements storage.Backend using the Qdrant HTTP API.
type Client struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	ScrollLimit int

	mu          sync.Mutex
	collections map[string]*collectionInfo
}

// Compile-time check that Client implements storage.Backend.
var _ storage.Backend = (*Client)(nil)

// collectionInfo is the part of a schema Qdrant needs to map payloads.
type collectionInfo struct {
	pk      string
	vectors map[string]int // name to dimension
	fields  []string       // declaration order; nil when discovered
}

// New creates a client for the Qdrant instance at baseURL.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		HTTPClient:  &http.Client{Timeout: defaultTimeout},
		ScrollLimit: defaultScrollLimit,
		collections: make(map[string]*collectionInfo),
	}
}

// Open is the storage.Factory for Qdrant. Recognized endpoint params are
// scheme (default "http"), api_key and timeout (a Go duration). The
// instance is contacted once so an unreachable endpoint fails here.
func Open(ctx context.Context, ep storage.Endpoint) (storage.Backend, error) {
	scheme := "http"
	timeout := defaultTimeout
	for k, v := range ep.Params {
		switch k {
		case "scheme":
			scheme = v
		case "api_key":
		case "timeout":
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%w: timeout: %w", storage.ErrInvalidOption, err)
			}
			timeout = d
		default:
			return nil, fmt.Errorf("%w: qdrant does not support connection param %q", storage.ErrInvalidOption, k)
		}
	}

	c := New(scheme+"://"+ep.Address(), ep.Params["api_key"])
	c.HTTPClient.Timeout = timeout

	if err := c.do(ctx, http.MethodGet, "/", nil, nil); err != nil {
		return nil, err
	}
	debug.Log(debug.Storage, "qdrant connected", "url", c.BaseURL)
	return c, nil
}

// apiError is a non-2xx Qdrant response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("qdrant error (status %d): %s", e.Status, e.Body)
}

func isNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// do sends a JSON request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("api-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

func collectionPath(name string, suffix ...string) string {
	return "/collections/" + url.PathEscape(name) + strings.Join(suffix, "")
}

// pointID maps a primary key onto a Qdrant point id.
func pointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func distance(metric string) (string, error) {
	switch strings.ToUpper(metric) {
	case "", "IP":
		return "Dot", nil
	case "L2":
		return "Euclid", nil
	case "COSINE":
		return "Cosine", nil
	default:
		return "", fmt.Errorf("%w: unsupported metric %q", storage.ErrInvalidOption, metric)
	}
}

// HasCollection reports whether the collection exists.
// GET /collections/{name}
func (c *Client) HasCollection(ctx context.Context, name string) (bool, error) {
	err := c.do(ctx, http.MethodGet, collectionPath(name), nil, nil)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateCollection creates a collection with one named vector per vector
// field and a keyword index on the primary key.
// Supported options: shard_number, replication_factor, on_disk_payload.
func (c *Client) CreateCollection(ctx context.Context, coll schema.Collection, options map[string]any) error {
	if err := coll.Validate(); err != nil {
		return err
	}

	info := &collectionInfo{vectors: make(map[string]int), fields: coll.FieldNames()}
	vectors := make(map[string]any)
	for _, f := range coll.Fields {
		if f.PrimaryKey {
			info.pk = f.Name
		}
		if f.Type != schema.FloatVector {
			continue
		}
		d, err := distance(f.Metric)
		if err != nil {
			return err
		}
		vectors[f.Name] = map[string]any{"size": f.Dim, "distance": d}
		info.vectors[f.Name] = f.Dim
	}

	body := map[string]any{"vectors": vectors}
	for k, v := range options {
		switch k {
		case "shard_number", "replication_factor", "on_disk_payload":
			body[k] = v
		default:
			return fmt.Errorf("%w: qdrant does not support collection option %q", storage.ErrInvalidOption, k)
		}
	}

	exists, err := c.HasCollection(ctx, coll.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", storage.ErrCollectionExists, coll.Name)
	}

	if err := c.do(ctx, http.MethodPut, collectionPath(coll.Name), body, nil); err != nil {
		return fmt.Errorf("creating collection %s: %w", coll.Name, err)
	}

	index := map[string]any{"field_name": info.pk, "field_schema": "keyword"}
	if err := c.do(ctx, http.MethodPut, collectionPath(coll.Name, "/index?wait=true"), index, nil); err != nil {
		return fmt.Errorf("indexing primary key of %s: %w", coll.Name, err)
	}

	c.mu.Lock()
	c.collections[coll.Name] = info
	c.mu.Unlock()

	debug.Log(debug.Storage, "qdrant collection created", "collection", coll.Name, "vectors", len(vectors))
	return nil
}

type collectionResponse struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors map[string]struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
		PayloadSchema map[string]struct {
			DataType string `json:"data_type"`
		} `json:"payload_schema"`
	} `json:"result"`
}

// describe returns the cached collection info, fetching it for collections
// created by another client.
func (c *Client) describe(ctx context.Context, name string) (*collectionInfo, error) {
	c.mu.Lock()
	info, ok := c.collections[name]
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	var resp collectionResponse
	err := c.do(ctx, http.MethodGet, collectionPath(name), nil, &resp)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", storage.ErrCollectionNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	info = &collectionInfo{vectors: make(map[string]int)}
	for vname, v := range resp.Result.Config.Params.Vectors {
		info.vectors[vname] = v.Size
	}
	var keywords []string
	for field, s := range resp.Result.PayloadSchema {
		if s.DataType == "keyword" {
			keywords = append(keywords, field)
		}
	}
	if len(keywords) != 1 {
		return nil, fmt.Errorf("collection %s: cannot determine primary key from payload indexes %v", name, keywords)
	}
	info.pk = keywords[0]

	c.mu.Lock()
	c.collections[name] = info
	c.mu.Unlock()
	return info, nil
}

// Describe reports the primary key and the named vectors of a collection.
// String fields live in the schemaless payload, so the descriptor is marked
// Dynamic.
func (c *Client) Describe(ctx context.Context, name string) (schema.Collection, error) {
	info, err := c.describe(ctx, name)
	if err != nil {
		return schema.Collection{}, err
	}

	out := schema.Collection{
		Name: name,
		Fields: []schema.Field{
			{Name: info.pk, Type: schema.VarChar, MaxLength: schema.MaxIDLength, PrimaryKey: true},
		},
		Dynamic: true,
	}
	names := make([]string, 0, len(info.vectors))
	for v := range info.vectors {
		names = append(names, v)
	}
	sort.Strings(names)
	for _, v := range names {
		out.Fields = append(out.Fields, schema.Field{Name: v, Type: schema.FloatVector, Dim: info.vectors[v]})
	}
	return out, nil
}

// CreateIndex configures the HNSW graph of a named vector. HNSW accepts the
// params M and efConstruction; FLAT disables the graph so searches are
// exact. Qdrant fixes the distance at creation, so spec.Metric is taken
// from the schema instead.
func (c *Client) CreateIndex(ctx context.Context, collection, field string, spec storage.IndexSpec) error {
	info, err := c.describe(ctx, collection)
	if err != nil {
		return err
	}
	if _, ok := info.vectors[field]; !ok {
		return fmt.Errorf("collection %q has no vector field %q", collection, field)
	}

	hnsw := make(map[string]any)
	switch strings.ToUpper(spec.Type) {
	case "HNSW":
		for k, v := range spec.Params {
			switch k {
			case "M":
				hnsw["m"] = v
			case "efConstruction":
				hnsw["ef_construct"] = v
			default:
				return fmt.Errorf("%w: HNSW param %q", storage.ErrInvalidOption, k)
			}
		}
	case "FLAT":
		if len(spec.Params) > 0 {
			return fmt.Errorf("%w: FLAT index takes no params", storage.ErrInvalidOption)
		}
		hnsw["m"] = 0
	default:
		return fmt.Errorf("%w: qdrant supports HNSW and FLAT indexes, got %q", storage.ErrInvalidOption, spec.Type)
	}
	if len(hnsw) == 0 {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			field: map[string]any{"hnsw_config": hnsw},
		},
	}
	if err := c.do(ctx, http.MethodPatch, collectionPath(collection), body, nil); err != nil {
		return fmt.Errorf("updating index of %s.%s: %w", collection, field, err)
	}
	return nil
}

// DropCollection removes a collection.
// DELETE /collections/{name}
func (c *Client) DropCollection(ctx context.Context, name string) error {
	exists, err := c.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", storage.ErrCollectionNotFound, name)
	}
	if err := c.do(ctx, http.MethodDelete, collectionPath(name), nil, nil); err != nil {
		return fmt.Errorf("dropping collection %s: %w", name, err)
	}

	c.mu.Lock()
	delete(c.collections, name)
	c.mu.Unlock()
	return nil
}

type pointStruct struct {
	ID      string               `json:"id"`
	Vector  map[string][]float32 `json:"vector"`
	Payload map[string]any       `json:"payload"`
}

// Insert upserts the payload rows as points.
// PUT /collections/{name}/points
func (c *Client) Insert(ctx context.Context, collection string, payload codec.Payload) error {
	info, err := c.describe(ctx, collection)
	if err != nil {
		return err
	}
	n, err := payload.Rows()
	if err != nil {
		return err
	}
	keys, err := payload.Strings(info.pk)
	if err != nil {
		return fmt.Errorf("collection %s: %w", collection, err)
	}
	for name := range info.vectors {
		if _, ok := payload.Column(name); !ok {
			return fmt.Errorf("collection %s: payload is missing vector %q", collection, name)
		}
	}

	points := make([]pointStruct, n)
	for i := range points {
		points[i] = pointStruct{
			ID:      pointID(keys[i]),
			Vector:  make(map[string][]float32, len(info.vectors)),
			Payload: make(map[string]any, len(payload)),
		}
	}
	for _, col := range payload {
		if !col.IsVector() {
			for i, s := range col.Strings {
				points[i].Payload[col.Name] = s
			}
			continue
		}
		dim, ok := info.vectors[col.Name]
		if !ok {
			return fmt.Errorf("collection %s has no vector field %q", collection, col.Name)
		}
		for i, v := range col.Vectors {
			if len(v) != dim {
				return fmt.Errorf("field %q row %d: got %d dimensions, want %d", col.Name, i, len(v), dim)
			}
			points[i].Vector[col.Name] = v
		}
	}

	for start := 0; start < n; start += upsertBatchSize {
		end := min(start+upsertBatchSize, n)
		body := map[string]any{"points": points[start:end]}
		if err := c.do(ctx, http.MethodPut, collectionPath(collection, "/points?wait=true"), body, nil); err != nil {
			return fmt.Errorf("upserting into %s: %w", collection, err)
		}
	}
	debug.Log(debug.Storage, "qdrant upsert", "collection", collection, "points", n)
	return nil
}

type record struct {
	ID      any                  `json:"id"`
	Vector  map[string][]float32 `json:"vector"`
	Payload map[string]any       `json:"payload"`
}

type scrollResponse struct {
	Result struct {
		Points         []record `json:"points"`
		NextPageOffset any      `json:"next_page_offset"`
	} `json:"result"`
}

type retrieveResponse struct {
	Result []record `json:"result"`
}

func matchAny(field string, keys []string) map[string]any {
	return map[string]any{
		"must": []any{
			map[string]any{"key": field, "match": map[string]any{"any": keys}},
		},
	}
}

// scroll pages through every point matching filter.
// POST /collections/{name}/points/scroll
func (c *Client) scroll(ctx context.Context, collection string, filter map[string]any, withVector any, withPayload bool) ([]record, error) {
	limit := c.ScrollLimit
	if limit <= 0 {
		limit = defaultScrollLimit
	}

	var out []record
	var offset any
	for {
		body := map[string]any{
			"limit":        limit,
			"with_payload": withPayload,
			"with_vector":  withVector,
		}
		if filter != nil {
			body["filter"] = filter
		}
		if offset != nil {
			body["offset"] = offset
		}

		var resp scrollResponse
		if err := c.do(ctx, http.MethodPost, collectionPath(collection, "/points/scroll"), body, &resp); err != nil {
			return nil, fmt.Errorf("scrolling %s: %w", collection, err)
		}
		out = append(out, resp.Result.Points...)
		if resp.Result.NextPageOffset == nil {
			return out, nil
		}
		offset = resp.Result.NextPageOffset
	}
}

// retrieve fetches points by primary key.
// POST /collections/{name}/points
func (c *Client) retrieve(ctx context.Context, collection string, keys []string, withVector any) ([]record, error) {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = pointID(k)
	}
	body := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  withVector,
	}
	var resp retrieveResponse
	if err := c.do(ctx, http.MethodPost, collectionPath(collection, "/points"), body, &resp); err != nil {
		return nil, fmt.Errorf("retrieving from %s: %w", collection, err)
	}
	return resp.Result, nil
}

// Query returns matching points as columns. Retrieval by primary key uses
// point ids; other key fields are matched with a payload filter.
func (c *Client) Query(ctx context.Context, collection, keyField string, keys []string, outputFields []string) (codec.Payload, error) {
	info, err := c.describe(ctx, collection)
	if err != nil {
		return nil, err
	}

	var vectors []string
	for _, f := range outputFields {
		if _, ok := info.vectors[f]; ok {
			vectors = append(vectors, f)
		}
	}
	var withVector any = vectors
	if len(outputFields) == 0 {
		withVector = true
	} else if len(vectors) == 0 {
		withVector = false
	}

	var records []record
	switch {
	case keys == nil:
		records, err = c.scroll(ctx, collection, nil, withVector, true)
	case len(keys) == 0:
	case keyField == info.pk:
		records, err = c.retrieve(ctx, collection, keys, withVector)
	default:
		records, err = c.scroll(ctx, collection, matchAny(keyField, keys), withVector, true)
	}
	if err != nil {
		return nil, err
	}

	fields := outputFields
	if len(fields) == 0 {
		fields = info.allFields(records)
	}
	return toPayload(collection, info, fields, records)
}

// allFields lists every field: the declared order when known, otherwise
// the primary key, the sorted payload keys and the sorted vector names.
func (i *collectionInfo) allFields(records []record) []string {
	if i.fields != nil {
		return i.fields
	}
	seen := map[string]bool{i.pk: true}
	var strs []string
	for _, r := range records {
		for k := range r.Payload {
			if !seen[k] {
				seen[k] = true
				strs = append(strs, k)
			}
		}
	}
	sort.Strings(strs)
	vecs := make([]string, 0, len(i.vectors))
	for v := range i.vectors {
		vecs = append(vecs, v)
	}
	sort.Strings(vecs)
	return slices.Concat([]string{i.pk}, strs, vecs)
}

func toPayload(collection string, info *collectionInfo, fields []string, records []record) (codec.Payload, error) {
	p := make(codec.Payload, len(fields))
	for j, f := range fields {
		if _, ok := info.vectors[f]; ok {
			col := codec.Column{Name: f, Vectors: make([][]float32, len(records))}
			for i, r := range records {
				v, ok := r.Vector[f]
				if !ok {
					return nil, fmt.Errorf("collection %s: point %v has no vector %q", collection, r.ID, f)
				}
				col.Vectors[i] = v
			}
			p[j] = col
			continue
		}

		col := codec.Column{Name: f, Strings: make([]string, len(records))}
		for i, r := range records {
			s, ok := r.Payload[f].(string)
			if !ok {
				return nil, fmt.Errorf("collection %s: point %v has no string field %q", collection, r.ID, f)
			}
			col.Strings[i] = s
		}
		p[j] = col
	}
	return p, nil
}

// Delete removes matching points. A nil keys slice removes every point.
// POST /collections/{name}/points/delete
func (c *Client) Delete(ctx context.Context, collection, keyField string, keys []string) error {
	info, err := c.describe(ctx, collection)
	if err != nil {
		return err
	}

	var body map[string]any
	switch {
	case keys == nil:
		records, err := c.scroll(ctx, collection, nil, false, false)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		ids := make([]any, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		body = map[string]any{"points": ids}
	case len(keys) == 0:
		return nil
	case keyField == info.pk:
		ids := make([]string, len(keys))
		for i, k := range keys {
			ids[i] = pointID(k)
		}
		body = map[string]any{"points": ids}
	default:
		body = map[string]any{"filter": matchAny(keyField, keys)}
	}

	if err := c.do(ctx, http.MethodPost, collectionPath(collection, "/points/delete?wait=true"), body, nil); err != nil {
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return nil
}

type countResponse struct {
	Result struct {
		Count int64 `json:"count"`
	} `json:"result"`
}

// Count returns the exact number of points.
// POST /collections/{name}/points/count
func (c *Client) Count(ctx context.Context, collection string) (int64, error) {
	var resp countResponse
	err := c.do(ctx, http.MethodPost, collectionPath(collection, "/points/count"), map[string]any{"exact": true}, &resp)
	if isNotFound(err) {
		return 0, fmt.Errorf("%w: %s", storage.ErrCollectionNotFound, collection)
	}
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Close releases idle HTTP connections.
func (c *Client) Close() error {
	c.HTTPClient.CloseIdleConnections()
	return nil
}
