// Package codec converts between documents and the columnar payloads
// accepted by vector store backends.
//
// A Payload is an ordered list of named columns. Every column of a payload
// has the same length and row i of each column belongs to the same source
// document; backends rely on that alignment for columnar inserts.
package codec

import (
	"errors"
	"fmt"
)

// ErrMisaligned is returned when payload columns have different lengths.
var ErrMisaligned = errors.New("payload columns are not aligned")

// Column is a single named column. Exactly one of Strings or Vectors is
// used, matching the field type of the target collection.
type Column struct {
	Name    string
	Strings []string
	Vectors [][]float32
}

// Len returns the number of rows in the column.
func (c Column) Len() int {
	if c.Vectors != nil {
		return len(c.Vectors)
	}
	return len(c.Strings)
}

// IsVector reports whether the column carries vectors.
func (c Column) IsVector() bool {
	return c.Vectors != nil
}

// Payload is an ordered set of equal-length columns.
type Payload []Column

// Rows returns the common column length. It fails with ErrMisaligned when
// the columns disagree.
func (p Payload) Rows() (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := p[0].Len()
	for _, c := range p[1:] {
		if c.Len() != n {
			return 0, fmt.Errorf("%w: column %q has %d rows, column %q has %d",
				ErrMisaligned, p[0].Name, n, c.Name, c.Len())
		}
	}
	return n, nil
}

// Column looks up a column by name.
func (p Payload) Column(name string) (Column, bool) {
	for _, c := range p {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Strings returns the string values of a named column.
func (p Payload) Strings(name string) ([]string, error) {
	c, ok := p.Column(name)
	if !ok {
		return nil, fmt.Errorf("payload has no column %q", name)
	}
	if c.IsVector() {
		return nil, fmt.Errorf("column %q holds vectors, not strings", name)
	}
	return c.Strings, nil
}

// Vectors returns the vector values of a named column.
func (p Payload) Vectors(name string) ([][]float32, error) {
	c, ok := p.Column(name)
	if !ok {
		return nil, fmt.Errorf("payload has no column %q", name)
	}
	if !c.IsVector() {
		return nil, fmt.Errorf("column %q holds strings, not vectors", name)
	}
	return c.Vectors, nil
}

// Select returns a payload restricted to the named columns, in the given
// order. A nil or empty names list returns p unchanged.
func (p Payload) Select(names []string) (Payload, error) {
	if len(names) == 0 {
		return p, nil
	}
	out := make(Payload, 0, len(names))
	for _, n := range names {
		c, ok := p.Column(n)
		if !ok {
			return nil, fmt.Errorf("payload has no column %q", n)
		}
		out = append(out, c)
	}
	return out, nil
}
