package codec

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rhuss/docstore/pkg/document"
	"github.com/rhuss/docstore/pkg/schema"
)

func newTestCodec(t *testing.T, cfg map[string]any) *Codec {
	t.Helper()
	c, err := New(cfg, 3)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func makeDocs(n int) document.Array {
	docs := make(document.Array, n)
	for i := range docs {
		docs[i] = &document.Document{
			ID:        string(rune('a' + i)),
			Embedding: []float32{float32(i), float32(i) + 0.5, -1},
			Text:      strings.Repeat("x", i),
		}
	}
	return docs
}

func TestEncodeDoc_MatchesBatchOfOne(t *testing.T) {
	c := newTestCodec(t, map[string]any{"compress": "zstd"})
	doc := makeDocs(1)[0]

	single, err := c.EncodeDoc(doc)
	if err != nil {
		t.Fatalf("EncodeDoc() error: %v", err)
	}
	batch, err := c.EncodeDocs(document.Array{doc})
	if err != nil {
		t.Fatalf("EncodeDocs() error: %v", err)
	}
	if !reflect.DeepEqual(single, batch) {
		t.Errorf("EncodeDoc = %+v, EncodeDocs of one = %+v", single, batch)
	}

	if len(single) != 3 {
		t.Fatalf("len(payload) = %d, want 3", len(single))
	}
	if single[0].Name != schema.FieldDocumentID || single[1].Name != schema.FieldEmbedding || single[2].Name != schema.FieldSerialized {
		t.Errorf("column order = %s, %s, %s", single[0].Name, single[1].Name, single[2].Name)
	}
}

func TestEncodeDocs_Alignment(t *testing.T) {
	c := newTestCodec(t, nil)

	for _, n := range []int{0, 1, 7} {
		docs := makeDocs(n)
		p, err := c.EncodeDocs(docs)
		if err != nil {
			t.Fatalf("EncodeDocs(%d) error: %v", n, err)
		}
		rows, err := p.Rows()
		if err != nil {
			t.Fatalf("Rows() error: %v", err)
		}
		if rows != n {
			t.Errorf("Rows() = %d, want %d", rows, n)
		}
		for _, col := range p {
			if col.Len() != n {
				t.Errorf("column %q len = %d, want %d", col.Name, col.Len(), n)
			}
		}

		ids, _ := p.Strings(schema.FieldDocumentID)
		vecs, _ := p.Vectors(schema.FieldEmbedding)
		ser, _ := p.Strings(schema.FieldSerialized)
		for i, d := range docs {
			if ids[i] != d.ID {
				t.Errorf("ids[%d] = %q, want %q", i, ids[i], d.ID)
			}
			if !reflect.DeepEqual(vecs[i], d.Embedding) {
				t.Errorf("vectors[%d] = %v, want %v", i, vecs[i], d.Embedding)
			}
			back, err := document.Deserialize(ser[i], c.Options)
			if err != nil {
				t.Fatalf("Deserialize(row %d) error: %v", i, err)
			}
			if back.ID != d.ID {
				t.Errorf("serialized[%d] belongs to %q, want %q", i, back.ID, d.ID)
			}
		}
	}
}

func TestEncodeDocs_FailFast(t *testing.T) {
	c := newTestCodec(t, nil)
	docs := makeDocs(3)
	docs[1].Embedding = []float32{1}

	_, err := c.EncodeDocs(docs)
	var serr *SerializationError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *SerializationError", err)
	}
	if serr.Index != 1 || serr.ID != docs[1].ID {
		t.Errorf("SerializationError = %+v, want index 1", serr)
	}
}

func TestEncodeDocs_Rejects(t *testing.T) {
	c := newTestCodec(t, nil)

	tests := []struct {
		name string
		doc  *document.Document
	}{
		{"nil", nil},
		{"empty id", &document.Document{Embedding: []float32{1, 2, 3}}},
		{"long id", &document.Document{ID: strings.Repeat("i", 1025), Embedding: []float32{1, 2, 3}}},
		{"too large", &document.Document{ID: "big", Embedding: []float32{1, 2, 3}, Text: strings.Repeat("z", 70000)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var serr *SerializationError
			if _, err := c.EncodeDoc(tt.doc); !errors.As(err, &serr) {
				t.Errorf("error = %v, want *SerializationError", err)
			}
		})
	}
}

func TestDecodeDocs_RoundTrip(t *testing.T) {
	c := newTestCodec(t, map[string]any{"protocol": "gob", "compress": "lz4"})
	docs := makeDocs(4)

	p, err := c.EncodeDocs(docs)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.DecodeDocs(p)
	if err != nil {
		t.Fatalf("DecodeDocs() error: %v", err)
	}
	if !reflect.DeepEqual(got, docs) {
		t.Errorf("DecodeDocs = %+v, want %+v", got, docs)
	}
}

func TestDecodeDocs_IDMismatch(t *testing.T) {
	c := newTestCodec(t, nil)
	p, err := c.EncodeDocs(makeDocs(2))
	if err != nil {
		t.Fatal(err)
	}
	p[0].Strings[1] = "other"

	var serr *SerializationError
	if _, err := c.DecodeDocs(p); !errors.As(err, &serr) || serr.Index != 1 {
		t.Errorf("error = %v, want SerializationError at index 1", err)
	}
}

func TestDecodeDocs_Misaligned(t *testing.T) {
	c := newTestCodec(t, nil)
	p, err := c.EncodeDocs(makeDocs(2))
	if err != nil {
		t.Fatal(err)
	}
	p[2].Strings = p[2].Strings[:1]

	if _, err := c.DecodeDocs(p); !errors.Is(err, ErrMisaligned) {
		t.Errorf("error = %v, want ErrMisaligned", err)
	}
}

func TestOffset2ID_RoundTrip(t *testing.T) {
	ids := []string{"x", "y", "z"}
	p := EncodeOffset2ID(ids)

	if rows, _ := p.Rows(); rows != 3 {
		t.Fatalf("Rows() = %d, want 3", rows)
	}
	offsets, _ := p.Strings(schema.FieldOffset)
	if !reflect.DeepEqual(offsets, []string{"0", "1", "2"}) {
		t.Errorf("offsets = %v", offsets)
	}
	dummies, _ := p.Vectors(schema.FieldDummyVector)
	for i, v := range dummies {
		if len(v) != 1 {
			t.Errorf("dummy[%d] = %v, want 1-dim", i, v)
		}
	}

	// Backends return rows in arbitrary order.
	shuffled := Payload{
		{Name: schema.FieldOffset, Strings: []string{"2", "0", "1"}},
		{Name: schema.FieldDocumentID, Strings: []string{"z", "x", "y"}},
	}
	got, err := DecodeOffset2ID(shuffled)
	if err != nil {
		t.Fatalf("DecodeOffset2ID() error: %v", err)
	}
	if !reflect.DeepEqual(got, ids) {
		t.Errorf("DecodeOffset2ID = %v, want %v", got, ids)
	}
}

func TestDecodeOffset2ID_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		offsets []string
	}{
		{"not a number", []string{"a"}},
		{"out of range", []string{"5"}},
		{"duplicate", []string{"0", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Payload{
				{Name: schema.FieldOffset, Strings: tt.offsets},
				{Name: schema.FieldDocumentID, Strings: make([]string, len(tt.offsets))},
			}
			if _, err := DecodeOffset2ID(p); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPayloadSelect(t *testing.T) {
	p := EncodeOffset2ID([]string{"a"})
	sel, err := p.Select([]string{schema.FieldDocumentID})
	if err != nil {
		t.Fatal(err)
	}
	if len(sel) != 1 || sel[0].Name != schema.FieldDocumentID {
		t.Errorf("Select = %+v", sel)
	}
	if _, err := p.Select([]string{"missing"}); err == nil {
		t.Error("expected error selecting missing column")
	}
}
