package schema

import (
	"strings"
	"testing"
)

func TestPrimary(t *testing.T) {
	c := Primary("docs", 128)

	if c.Name != "docs" {
		t.Errorf("Name = %q, want %q", c.Name, "docs")
	}
	if len(c.Fields) != 3 {
		t.Fatalf("len(Fields) = %d, want 3", len(c.Fields))
	}

	pk, ok := c.PrimaryKey()
	if !ok || pk.Name != FieldDocumentID {
		t.Errorf("PrimaryKey = %+v, want %q", pk, FieldDocumentID)
	}
	if pk.Type != VarChar || pk.MaxLength != 1024 {
		t.Errorf("document_id = %+v, want varchar(1024)", pk)
	}

	vec, ok := c.VectorField()
	if !ok || vec.Name != FieldEmbedding || vec.Dim != 128 {
		t.Errorf("VectorField = %+v, want embedding dim 128", vec)
	}

	ser, ok := c.Field(FieldSerialized)
	if !ok || ser.Type != VarChar || ser.MaxLength != 65535 || ser.PrimaryKey {
		t.Errorf("serialized = %+v, want non-key varchar(65535)", ser)
	}

	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestOffset2ID(t *testing.T) {
	c := Offset2ID("docs")

	if c.Name != "docs_offset2id" {
		t.Errorf("Name = %q, want %q", c.Name, "docs_offset2id")
	}
	if len(c.Fields) != 3 {
		t.Fatalf("len(Fields) = %d, want 3", len(c.Fields))
	}

	pk, _ := c.PrimaryKey()
	if pk.Name != FieldOffset || pk.MaxLength != 1024 {
		t.Errorf("PrimaryKey = %+v, want offset varchar(1024)", pk)
	}

	id, ok := c.Field(FieldDocumentID)
	if !ok || id.PrimaryKey || id.MaxLength != 1024 {
		t.Errorf("document_id = %+v, want non-key varchar(1024)", id)
	}

	vec, _ := c.VectorField()
	if vec.Name != FieldDummyVector || vec.Dim != 1 {
		t.Errorf("VectorField = %+v, want 1-dim dummy_vector", vec)
	}

	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Collection
		wantErr string
	}{
		{
			name:    "empty name",
			c:       Collection{Fields: Primary("x", 2).Fields},
			wantErr: "name is empty",
		},
		{
			name: "no primary key",
			c: Collection{Name: "c", Fields: []Field{
				{Name: "v", Type: FloatVector, Dim: 2},
			}},
			wantErr: "exactly one primary key",
		},
		{
			name: "no vector",
			c: Collection{Name: "c", Fields: []Field{
				{Name: "id", Type: VarChar, MaxLength: 4, PrimaryKey: true},
			}},
			wantErr: "vector field is required",
		},
		{
			name: "zero dim",
			c: Collection{Name: "c", Fields: []Field{
				{Name: "id", Type: VarChar, MaxLength: 4, PrimaryKey: true},
				{Name: "v", Type: FloatVector},
			}},
			wantErr: "dimension must be > 0",
		},
		{
			name: "duplicate field",
			c: Collection{Name: "c", Fields: []Field{
				{Name: "id", Type: VarChar, MaxLength: 4, PrimaryKey: true},
				{Name: "id", Type: FloatVector, Dim: 2},
			}},
			wantErr: "duplicate field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestAlwaysTrueExpr(t *testing.T) {
	got := AlwaysTrueExpr("document_id")
	want := `(document_id in ["1"]) or (document_id not in ["1"])`
	if got != want {
		t.Errorf("AlwaysTrueExpr = %q, want %q", got, want)
	}
}

func TestWithMetric(t *testing.T) {
	base := Primary("docs", 4)
	c := base.WithMetric("COSINE")

	vec, _ := c.VectorField()
	if vec.Metric != "COSINE" {
		t.Errorf("vector metric = %q, want COSINE", vec.Metric)
	}
	id, _ := c.Field(FieldDocumentID)
	if id.Metric != "" {
		t.Errorf("non-vector field metric = %q, want empty", id.Metric)
	}
	if v, _ := base.VectorField(); v.Metric != "" {
		t.Error("WithMetric modified the receiver's fields")
	}
}

func TestCheck(t *testing.T) {
	want := Primary("docs", 3)

	dynamic := Collection{
		Name: "docs",
		Fields: []Field{
			{Name: FieldDocumentID, Type: VarChar, MaxLength: MaxIDLength, PrimaryKey: true},
			{Name: FieldEmbedding, Type: FloatVector, Dim: 3},
		},
		Dynamic: true,
	}
	extra := Primary("docs", 3)
	extra.Fields = append(extra.Fields, Field{Name: "tags", Type: VarChar, MaxLength: 64})
	renamedKey := Primary("docs", 3)
	renamedKey.Fields[0].Name = "id"

	tests := []struct {
		name     string
		existing Collection
		wantErr  string
	}{
		{"same schema", Primary("docs", 3), ""},
		{"dynamic store without string fields", dynamic, ""},
		{"dimension mismatch", Primary("docs", 5), "dimensions"},
		{"primary key mismatch", renamedKey, "primary key"},
		{"missing string field", Collection{Name: "docs", Fields: dynamic.Fields}, "no field"},
		{"extra field", extra, "extra field"},
		{"vector stored as string", Collection{Name: "docs", Fields: []Field{
			{Name: FieldDocumentID, Type: VarChar, MaxLength: MaxIDLength, PrimaryKey: true},
			{Name: FieldEmbedding, Type: VarChar, MaxLength: 10},
			{Name: FieldSerialized, Type: VarChar, MaxLength: MaxSerializedLength},
		}}, "existing is varchar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := want.Check(tt.existing)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Check() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Check() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
