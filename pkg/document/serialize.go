package document

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Protocol selects the document encoding.
type Protocol string

const (
	ProtocolJSON Protocol = "json"
	ProtocolGob  Protocol = "gob"
)

// Compression selects the compression applied after encoding.
type Compression string

const (
	CompressNone Compression = "none"
	CompressLZ4  Compression = "lz4"
	CompressZSTD Compression = "zstd"
	CompressGzip Compression = "gzip"
)

// ErrInvalidOptions is returned when serialization options cannot be parsed.
var ErrInvalidOptions = errors.New("invalid serialization options")

// SerializeOptions controls how documents are turned into strings.
type SerializeOptions struct {
	Protocol Protocol
	Compress Compression
}

// DefaultSerializeOptions returns JSON without compression.
func DefaultSerializeOptions() SerializeOptions {
	return SerializeOptions{Protocol: ProtocolJSON, Compress: CompressNone}
}

// ParseSerializeOptions reads options from a serialize_config mapping.
// Recognized keys are "protocol" and "compress"; any other key is rejected.
func ParseSerializeOptions(m map[string]any) (SerializeOptions, error) {
	opts := DefaultSerializeOptions()

	var unknown []string
	for k, v := range m {
		s, ok := v.(string)
		if !ok && v != nil {
			return opts, fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidOptions, k, v)
		}
		s = strings.ToLower(strings.TrimSpace(s))
		switch k {
		case "protocol":
			if s != "" {
				opts.Protocol = Protocol(s)
			}
		case "compress":
			if s != "" {
				opts.Compress = Compression(s)
			}
		default:
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return opts, fmt.Errorf("%w: unknown keys %s", ErrInvalidOptions, strings.Join(unknown, ", "))
	}
	return opts, opts.Validate()
}

// Validate checks that protocol and compression are known.
func (o SerializeOptions) Validate() error {
	switch o.Protocol {
	case ProtocolJSON, ProtocolGob:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidOptions, o.Protocol)
	}
	switch o.Compress {
	case CompressNone, CompressLZ4, CompressZSTD, CompressGzip:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidOptions, o.Compress)
	}
	return nil
}

func init() {
	// Tag values decoded from JSON or YAML land in these container types.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Serialize encodes the document to a base64 string.
func (d *Document) Serialize(opts SerializeOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}

	var raw []byte
	switch opts.Protocol {
	case ProtocolGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(d); err != nil {
			return "", fmt.Errorf("gob encoding document %q: %w", d.ID, err)
		}
		raw = buf.Bytes()
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return "", fmt.Errorf("json encoding document %q: %w", d.ID, err)
		}
		raw = b
	}

	packed, err := compress(raw, opts.Compress)
	if err != nil {
		return "", fmt.Errorf("compressing document %q: %w", d.ID, err)
	}
	return base64.StdEncoding.EncodeToString(packed), nil
}

// Deserialize decodes a string produced by Serialize with the same options.
func Deserialize(s string, opts SerializeOptions) (*Document, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	packed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	raw, err := decompress(packed, opts.Compress)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}

	var d Document
	switch opts.Protocol {
	case ProtocolGob:
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&d); err != nil {
			return nil, fmt.Errorf("gob decoding document: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("json decoding document: %w", err)
		}
	}
	return &d, nil
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, err
		}
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(data, nil), nil
	case CompressGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case CompressZSTD:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)
		return dec.DecodeAll(data, nil)
	case CompressGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return data, nil
	}
}
