// Package schema defines backend-neutral collection descriptors.
//
// A Collection describes the fields of a logical collection (name, type tag,
// length or dimension constraint, primary-key flag). Storage backends
// translate these descriptors into their native schema objects; nothing in
// this package depends on a particular vector store client.
package schema

import "fmt"

// FieldType tags the storage type of a field.
type FieldType string

const (
	// VarChar is a variable-length string bounded by Field.MaxLength.
	VarChar FieldType = "varchar"
	// FloatVector is a fixed-width float32 vector of Field.Dim components.
	FloatVector FieldType = "float_vector"
)

// Field names shared by the primary and offset2id collections.
const (
	FieldDocumentID  = "document_id"
	FieldEmbedding   = "embedding"
	FieldSerialized  = "serialized"
	FieldOffset      = "offset"
	FieldDummyVector = "dummy_vector"
)

// Length limits. MaxSerializedLength is the largest VARCHAR the vector
// stores we target accept.
const (
	MaxIDLength         = 1024
	MaxSerializedLength = 65535
)

// Offset2IDSuffix is appended to the primary collection name to name the
// offset2id collection.
const Offset2IDSuffix = "_offset2id"

// Field describes a single collection field.
type Field struct {
	Name       string
	Type       FieldType
	MaxLength  int    // VarChar only
	Dim        int    // FloatVector only
	Metric     string // FloatVector only; IP, L2 or COSINE, empty for the backend default
	PrimaryKey bool
}

// Collection describes a collection and its ordered fields.
type Collection struct {
	Name        string
	Description string
	Fields      []Field

	// Dynamic marks a described collection whose store accepts string
	// fields it does not declare.
	Dynamic bool
}

// PrimaryKey returns the primary-key field. The second return value is
// false when no field is flagged.
func (c Collection) PrimaryKey() (Field, bool) {
	for _, f := range c.Fields {
		if f.PrimaryKey {
			return f, true
		}
	}
	return Field{}, false
}

// VectorField returns the first float vector field.
func (c Collection) VectorField() (Field, bool) {
	for _, f := range c.Fields {
		if f.Type == FloatVector {
			return f, true
		}
	}
	return Field{}, false
}

// Field looks up a field by name.
func (c Collection) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// WithMetric returns a copy of c whose vector fields carry metric. Stores
// that fix the distance at creation time read it from the field.
func (c Collection) WithMetric(metric string) Collection {
	out := c
	out.Fields = make([]Field, len(c.Fields))
	copy(out.Fields, c.Fields)
	for i := range out.Fields {
		if out.Fields[i].Type == FloatVector {
			out.Fields[i].Metric = metric
		}
	}
	return out
}

// FieldNames returns the field names in declaration order.
func (c Collection) FieldNames() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

// Validate checks structural constraints shared by all backends: a non-empty
// name, exactly one primary key, at least one vector field and positive
// length/dimension constraints.
func (c Collection) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection name is empty")
	}
	pks := 0
	vectors := 0
	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if seen[f.Name] {
			return fmt.Errorf("collection %q: duplicate field %q", c.Name, f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case VarChar:
			if f.MaxLength <= 0 {
				return fmt.Errorf("collection %q: field %q: max length must be > 0", c.Name, f.Name)
			}
		case FloatVector:
			if f.Dim <= 0 {
				return fmt.Errorf("collection %q: field %q: dimension must be > 0", c.Name, f.Name)
			}
			if f.PrimaryKey {
				return fmt.Errorf("collection %q: vector field %q cannot be a primary key", c.Name, f.Name)
			}
			vectors++
		default:
			return fmt.Errorf("collection %q: field %q: unknown type %q", c.Name, f.Name, f.Type)
		}
		if f.PrimaryKey {
			pks++
		}
	}
	if pks != 1 {
		return fmt.Errorf("collection %q: expected exactly one primary key, got %d", c.Name, pks)
	}
	if vectors == 0 {
		return fmt.Errorf("collection %q: at least one vector field is required", c.Name)
	}
	return nil
}

// Check reports whether an existing collection can serve as c. Primary
// keys must share name and type and vector fields must share name and
// dimension. String fields must be declared on both sides unless existing
// is Dynamic.
func (c Collection) Check(existing Collection) error {
	want, _ := c.PrimaryKey()
	got, ok := existing.PrimaryKey()
	if !ok || got.Name != want.Name || got.Type != want.Type {
		return fmt.Errorf("collection %q: primary key %q does not match existing %q", c.Name, want.Name, got.Name)
	}

	for _, f := range c.Fields {
		e, ok := existing.Field(f.Name)
		switch {
		case !ok && f.Type == VarChar && existing.Dynamic:
		case !ok:
			return fmt.Errorf("collection %q: existing collection has no field %q", c.Name, f.Name)
		case e.Type != f.Type:
			return fmt.Errorf("collection %q: field %q is %s, existing is %s", c.Name, f.Name, f.Type, e.Type)
		case f.Type == FloatVector && e.Dim != f.Dim:
			return fmt.Errorf("collection %q: field %q has %d dimensions, existing has %d", c.Name, f.Name, f.Dim, e.Dim)
		}
	}

	if !existing.Dynamic {
		for _, e := range existing.Fields {
			if _, ok := c.Field(e.Name); !ok {
				return fmt.Errorf("collection %q: existing collection has extra field %q", c.Name, e.Name)
			}
		}
	}
	return nil
}

// Primary returns the descriptor of the primary document collection.
func Primary(name string, dim int) Collection {
	return Collection{
		Name:        name,
		Description: "DocumentArray collection",
		Fields: []Field{
			{Name: FieldDocumentID, Type: VarChar, MaxLength: MaxIDLength, PrimaryKey: true},
			{Name: FieldEmbedding, Type: FloatVector, Dim: dim},
			{Name: FieldSerialized, Type: VarChar, MaxLength: MaxSerializedLength},
		},
	}
}

// Offset2ID returns the descriptor of the offset to document id mapping
// collection for the given primary collection name. The dummy vector exists
// only because vector stores require at least one vector field.
func Offset2ID(primaryName string) Collection {
	return Collection{
		Name:        Offset2IDName(primaryName),
		Description: "offset2id for DocumentArray",
		Fields: []Field{
			{Name: FieldOffset, Type: VarChar, MaxLength: MaxIDLength, PrimaryKey: true},
			{Name: FieldDocumentID, Type: VarChar, MaxLength: MaxIDLength},
			{Name: FieldDummyVector, Type: FloatVector, Dim: 1},
		},
	}
}

// Offset2IDName returns the offset2id collection name for a primary collection.
func Offset2IDName(primaryName string) string {
	return primaryName + Offset2IDSuffix
}

// AlwaysTrueExpr returns a filter expression that matches every row of a
// collection whose primary key is a string field.
func AlwaysTrueExpr(primaryKey string) string {
	return fmt.Sprintf(`(%s in ["1"]) or (%s not in ["1"])`, primaryKey, primaryKey)
}
