package codec

import (
	"fmt"
	"strconv"

	"github.com/rhuss/docstore/pkg/debug"
	"github.com/rhuss/docstore/pkg/document"
	"github.com/rhuss/docstore/pkg/schema"
)

// SerializationError reports a document that could not be encoded or
// decoded. Index is the position of the document in the batch.
type SerializationError struct {
	Index int
	ID    string
	Err   error
}

func (e *SerializationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("document %d (%s): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("document %d: %v", e.Index, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Codec maps documents onto primary collection payloads. Dim is the
// configured embedding dimension; a zero Dim disables the length check.
type Codec struct {
	Options document.SerializeOptions
	Dim     int
}

// New creates a codec from a serialize_config mapping.
func New(serializeConfig map[string]any, dim int) (*Codec, error) {
	opts, err := document.ParseSerializeOptions(serializeConfig)
	if err != nil {
		return nil, err
	}
	return &Codec{Options: opts, Dim: dim}, nil
}

// EncodeDoc encodes a single document into three single-row columns:
// document_id, embedding and serialized.
func (c *Codec) EncodeDoc(doc *document.Document) (Payload, error) {
	return c.EncodeDocs(document.Array{doc})
}

// EncodeDocs encodes a batch of documents into three index-aligned
// columns. The first failing document aborts the batch.
func (c *Codec) EncodeDocs(docs document.Array) (Payload, error) {
	ids := make([]string, len(docs))
	vectors := make([][]float32, len(docs))
	serialized := make([]string, len(docs))

	for i, doc := range docs {
		if doc == nil {
			return nil, &SerializationError{Index: i, Err: fmt.Errorf("nil document")}
		}
		if err := c.check(doc); err != nil {
			return nil, &SerializationError{Index: i, ID: doc.ID, Err: err}
		}
		s, err := doc.Serialize(c.Options)
		if err != nil {
			return nil, &SerializationError{Index: i, ID: doc.ID, Err: err}
		}
		if len(s) > schema.MaxSerializedLength {
			return nil, &SerializationError{Index: i, ID: doc.ID,
				Err: fmt.Errorf("serialized length %d exceeds %d", len(s), schema.MaxSerializedLength)}
		}
		ids[i] = doc.ID
		vectors[i] = doc.Embedding
		serialized[i] = s
		debug.Trace(debug.Codec, "serialized document", "id", doc.ID, "len", len(s), "body", debug.Truncate(s, 96))
	}

	debug.Log(debug.Codec, "encoded documents", "count", len(docs), "protocol", c.Options.Protocol, "compress", c.Options.Compress)

	return Payload{
		{Name: schema.FieldDocumentID, Strings: ids},
		{Name: schema.FieldEmbedding, Vectors: vectors},
		{Name: schema.FieldSerialized, Strings: serialized},
	}, nil
}

func (c *Codec) check(doc *document.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("empty document id")
	}
	if len(doc.ID) > schema.MaxIDLength {
		return fmt.Errorf("id length %d exceeds %d", len(doc.ID), schema.MaxIDLength)
	}
	if c.Dim > 0 && len(doc.Embedding) != c.Dim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(doc.Embedding), c.Dim)
	}
	return nil
}

// DecodeDocs is the inverse of EncodeDocs. Documents are returned in
// payload row order. The serialized body is authoritative; the id column,
// when present, must agree with it.
func (c *Codec) DecodeDocs(p Payload) (document.Array, error) {
	n, err := p.Rows()
	if err != nil {
		return nil, err
	}
	serialized, err := p.Strings(schema.FieldSerialized)
	if err != nil {
		return nil, err
	}
	var ids []string
	if _, ok := p.Column(schema.FieldDocumentID); ok {
		ids, _ = p.Strings(schema.FieldDocumentID)
	}

	docs := make(document.Array, n)
	for i := 0; i < n; i++ {
		doc, err := document.Deserialize(serialized[i], c.Options)
		if err != nil {
			id := ""
			if ids != nil {
				id = ids[i]
			}
			return nil, &SerializationError{Index: i, ID: id, Err: err}
		}
		if ids != nil && ids[i] != doc.ID {
			return nil, &SerializationError{Index: i, ID: ids[i],
				Err: fmt.Errorf("serialized body carries id %q", doc.ID)}
		}
		docs[i] = doc
	}
	return docs, nil
}

// EncodeOffset2ID encodes an ordered id list into an offset2id payload.
// Row i maps offset "i" to ids[i].
func EncodeOffset2ID(ids []string) Payload {
	offsets := make([]string, len(ids))
	dummies := make([][]float32, len(ids))
	for i := range ids {
		offsets[i] = strconv.Itoa(i)
		dummies[i] = []float32{0}
	}
	docIDs := make([]string, len(ids))
	copy(docIDs, ids)

	return Payload{
		{Name: schema.FieldOffset, Strings: offsets},
		{Name: schema.FieldDocumentID, Strings: docIDs},
		{Name: schema.FieldDummyVector, Vectors: dummies},
	}
}

// DecodeOffset2ID rebuilds the ordered id list from an offset2id payload.
// Rows may arrive in any order; offsets must form the range 0..n-1.
func DecodeOffset2ID(p Payload) ([]string, error) {
	n, err := p.Rows()
	if err != nil {
		return nil, err
	}
	offsets, err := p.Strings(schema.FieldOffset)
	if err != nil {
		return nil, err
	}
	docIDs, err := p.Strings(schema.FieldDocumentID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, n)
	filled := make([]bool, n)
	for i := 0; i < n; i++ {
		off, err := strconv.Atoi(offsets[i])
		if err != nil {
			return nil, fmt.Errorf("offset %q: %w", offsets[i], err)
		}
		if off < 0 || off >= n {
			return nil, fmt.Errorf("offset %d out of range [0, %d)", off, n)
		}
		if filled[off] {
			return nil, fmt.Errorf("duplicate offset %d", off)
		}
		ids[off] = docIDs[i]
		filled[off] = true
	}
	return ids, nil
}
