// Package document provides the in-memory document model stored by docstore
// backends and its self-contained string serialization.
package document

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Document is a single stored unit: an identifier, an embedding and
// arbitrary content carried through serialization.
type Document struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding,omitempty"`
	Text      string         `json:"text,omitempty"`
	URI       string         `json:"uri,omitempty"`
	Tags      map[string]any `json:"tags,omitempty"`
}

// New creates a document with a freshly generated identifier.
func New() *Document {
	return &Document{ID: NewID()}
}

// NewID returns a 32-character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Array is an ordered sequence of documents.
type Array []*Document

// IDs projects the id column.
func (a Array) IDs() []string {
	ids := make([]string, len(a))
	for i, d := range a {
		ids[i] = d.ID
	}
	return ids
}

// Embeddings projects the embedding column.
func (a Array) Embeddings() [][]float32 {
	out := make([][]float32, len(a))
	for i, d := range a {
		out[i] = d.Embedding
	}
	return out
}

// Column projects a single field by name. Supported names are id,
// embedding, text and uri.
func (a Array) Column(name string) ([]any, error) {
	out := make([]any, len(a))
	for i, d := range a {
		switch name {
		case "id":
			out[i] = d.ID
		case "embedding":
			out[i] = d.Embedding
		case "text":
			out[i] = d.Text
		case "uri":
			out[i] = d.URI
		default:
			return nil, fmt.Errorf("unknown document field %q", name)
		}
	}
	return out, nil
}
