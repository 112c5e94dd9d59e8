package milvus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/rhuss/docstore/pkg/codec"
	"github.com/rhuss/docstore/pkg/schema"
	"github.com/rhuss/docstore/pkg/storage"
)

// Type parameter keys Milvus uses for field constraints.
const (
	paramDim       = "dim"
	paramMaxLength = "max_length"
)

// createOptions are the collection options Milvus understands.
type createOptions struct {
	shards int32
	opts   []client.CreateCollectionOption
}

// parseCreateOptions translates collection_config into SDK options.
// Recognized keys are shards_num and consistency_level.
func parseCreateOptions(options map[string]any) (createOptions, error) {
	out := createOptions{shards: 1}
	for k, v := range options {
		switch k {
		case "shards_num":
			n, err := toInt(v)
			if err != nil || n < 1 {
				return createOptions{}, fmt.Errorf("%w: shards_num must be a positive integer, got %v", storage.ErrInvalidOption, v)
			}
			out.shards = int32(n)
		case "consistency_level":
			s, _ := v.(string)
			cl, err := consistencyLevel(s)
			if err != nil {
				return createOptions{}, err
			}
			out.opts = append(out.opts, client.WithConsistencyLevel(cl))
		default:
			return createOptions{}, fmt.Errorf("%w: milvus does not support collection option %q", storage.ErrInvalidOption, k)
		}
	}
	return out, nil
}

func consistencyLevel(s string) (entity.ConsistencyLevel, error) {
	switch strings.ToLower(s) {
	case "strong":
		return entity.ClStrong, nil
	case "session":
		return entity.ClSession, nil
	case "bounded":
		return entity.ClBounded, nil
	case "eventually":
		return entity.ClEventually, nil
	default:
		return 0, fmt.Errorf("%w: unknown consistency_level %q", storage.ErrInvalidOption, s)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// toSchema converts a collection descriptor into a Milvus schema.
func toSchema(c schema.Collection) *entity.Schema {
	s := entity.NewSchema().WithName(c.Name).WithDescription(c.Description)
	for _, f := range c.Fields {
		ef := entity.NewField().WithName(f.Name).WithIsPrimaryKey(f.PrimaryKey)
		switch f.Type {
		case schema.FloatVector:
			ef = ef.WithDataType(entity.FieldTypeFloatVector).WithDim(int64(f.Dim))
		default:
			ef = ef.WithDataType(entity.FieldTypeVarChar).WithMaxLength(int64(f.MaxLength))
		}
		s = s.WithField(ef)
	}
	return s
}

// fromSchema converts a Milvus schema back into a descriptor. Fields of
// types the store never creates are rejected.
func fromSchema(s *entity.Schema) (schema.Collection, error) {
	c := schema.Collection{Name: s.CollectionName, Description: s.Description}
	for _, ef := range s.Fields {
		f := schema.Field{Name: ef.Name, PrimaryKey: ef.PrimaryKey}
		switch ef.DataType {
		case entity.FieldTypeVarChar:
			f.Type = schema.VarChar
			f.MaxLength, _ = strconv.Atoi(ef.TypeParams[paramMaxLength])
		case entity.FieldTypeFloatVector:
			f.Type = schema.FloatVector
			f.Dim, _ = strconv.Atoi(ef.TypeParams[paramDim])
		default:
			return schema.Collection{}, fmt.Errorf("collection %q: field %q has unsupported type %v", s.CollectionName, ef.Name, ef.DataType)
		}
		c.Fields = append(c.Fields, f)
	}
	return c, nil
}

// toColumns converts a payload into SDK columns, checking it against c.
func toColumns(c schema.Collection, payload codec.Payload) ([]entity.Column, error) {
	if _, err := payload.Rows(); err != nil {
		return nil, err
	}
	if len(payload) != len(c.Fields) {
		return nil, fmt.Errorf("collection %q: payload has %d columns, schema has %d fields",
			c.Name, len(payload), len(c.Fields))
	}

	cols := make([]entity.Column, 0, len(payload))
	for _, col := range payload {
		f, ok := c.Field(col.Name)
		if !ok {
			return nil, fmt.Errorf("collection %q has no field %q", c.Name, col.Name)
		}
		switch f.Type {
		case schema.FloatVector:
			if !col.IsVector() {
				return nil, fmt.Errorf("field %q: expected vectors", col.Name)
			}
			for i, v := range col.Vectors {
				if len(v) != f.Dim {
					return nil, fmt.Errorf("field %q row %d: dimension %d, want %d", col.Name, i, len(v), f.Dim)
				}
			}
			cols = append(cols, entity.NewColumnFloatVector(col.Name, f.Dim, col.Vectors))
		default:
			if col.IsVector() {
				return nil, fmt.Errorf("field %q: expected strings", col.Name)
			}
			cols = append(cols, entity.NewColumnVarChar(col.Name, col.Strings))
		}
	}
	return cols, nil
}

// fromResultSet extracts the named columns of a query result.
func fromResultSet(c schema.Collection, rs client.ResultSet, fields []string) (codec.Payload, error) {
	out := make(codec.Payload, len(fields))
	for i, name := range fields {
		f, ok := c.Field(name)
		if !ok {
			return nil, fmt.Errorf("collection %q has no field %q", c.Name, name)
		}
		col := rs.GetColumn(name)
		switch f.Type {
		case schema.FloatVector:
			out[i] = codec.Column{Name: name, Vectors: [][]float32{}}
			if col == nil {
				continue
			}
			fv, ok := col.(*entity.ColumnFloatVector)
			if !ok {
				return nil, fmt.Errorf("field %q: unexpected column type %T", name, col)
			}
			out[i].Vectors = append(out[i].Vectors, fv.Data()...)
		default:
			out[i] = codec.Column{Name: name, Strings: []string{}}
			if col == nil {
				continue
			}
			vc, ok := col.(*entity.ColumnVarChar)
			if !ok {
				return nil, fmt.Errorf("field %q: unexpected column type %T", name, col)
			}
			out[i].Strings = append(out[i].Strings, vc.Data()...)
		}
	}
	return out, nil
}

// buildIndex converts an index request into an SDK index. Supported
// params are M and efConstruction for HNSW and nlist for IVF_FLAT.
func buildIndex(spec storage.IndexSpec) (entity.Index, error) {
	metric, err := metricType(spec.Metric)
	if err != nil {
		return nil, err
	}

	param := func(key string, def int) (int, error) {
		v, ok := spec.Params[key]
		if !ok {
			return def, nil
		}
		n, err := toInt(v)
		if err != nil {
			return 0, fmt.Errorf("%w: index param %s: %w", storage.ErrInvalidOption, key, err)
		}
		return n, nil
	}

	switch strings.ToUpper(spec.Type) {
	case "HNSW":
		m, err := param("M", 8)
		if err != nil {
			return nil, err
		}
		ef, err := param("efConstruction", 64)
		if err != nil {
			return nil, err
		}
		return entity.NewIndexHNSW(metric, m, ef)
	case "FLAT":
		return entity.NewIndexFlat(metric)
	case "IVF_FLAT":
		nlist, err := param("nlist", 128)
		if err != nil {
			return nil, err
		}
		return entity.NewIndexIvfFlat(metric, nlist)
	default:
		return nil, fmt.Errorf("%w: index type %q", storage.ErrInvalidOption, spec.Type)
	}
}

func metricType(m string) (entity.MetricType, error) {
	switch strings.ToUpper(m) {
	case "IP":
		return entity.IP, nil
	case "L2":
		return entity.L2, nil
	case "COSINE":
		return entity.COSINE, nil
	default:
		return "", fmt.Errorf("%w: metric %q", storage.ErrInvalidOption, m)
	}
}

// keysExpr renders a boolean expression selecting rows whose field value
// is one of keys.
func keysExpr(field string, keys []string) string {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = strconv.Quote(k)
	}
	return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", "))
}
