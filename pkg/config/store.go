package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rhuss/docstore/pkg/debug"
	"github.com/rhuss/docstore/pkg/schema"
)

// ErrInvalidConfiguration is returned for empty or structurally invalid
// store configurations.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// CollectionPrefix prefixes generated collection names.
const CollectionPrefix = "docarray__"

// Defaults applied by Resolve.
const (
	DefaultHost      = "localhost"
	DefaultPort      = Port("19530") // gRPC; 9091 is the HTTP port
	DefaultDistance  = "IP"
	DefaultIndexType = "HNSW"
)

// ExistsPolicy decides what provisioning does when a collection of the
// same name already exists.
type ExistsPolicy string

const (
	// ExistsReuse binds to the existing collection.
	ExistsReuse ExistsPolicy = "reuse"
	// ExistsError fails provisioning.
	ExistsError ExistsPolicy = "error"
	// ExistsRecreate drops the existing collection and creates a new one.
	ExistsRecreate ExistsPolicy = "recreate"
)

// Port is a TCP port accepted as either a YAML integer or string.
type Port string

// UnmarshalYAML accepts scalar integers and strings.
func (p *Port) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("port must be a string or integer, got %v", value.Tag)
	}
	*p = Port(strings.TrimSpace(value.Value))
	return nil
}

// Int returns the numeric port.
func (p Port) Int() (int, error) {
	n, err := strconv.Atoi(string(p))
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", string(p))
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}

// StoreConfig is the canonical configuration of one docstore adapter.
// The YAML keys are the configuration surface shared by config files and
// untyped mappings.
type StoreConfig struct {
	NDim             int            `yaml:"n_dim"`
	CollectionName   string         `yaml:"collection_name,omitempty"`
	Host             string         `yaml:"host,omitempty"`
	Port             Port           `yaml:"port,omitempty"`
	Distance         string         `yaml:"distance,omitempty"`
	IndexType        string         `yaml:"index_type,omitempty"`
	IndexConfig      map[string]any `yaml:"index_config,omitempty"`
	CollectionConfig map[string]any `yaml:"collection_config,omitempty"`
	SerializeConfig  map[string]any `yaml:"serialize_config,omitempty"`
	OnExisting       ExistsPolicy   `yaml:"on_existing,omitempty"`
}

// Resolve normalizes a configuration given as StoreConfig, *StoreConfig or
// map[string]any into a validated record with defaults applied. The input
// is never modified. Mapping keys not listed on StoreConfig are rejected.
func Resolve(input any) (*StoreConfig, error) {
	var cfg *StoreConfig

	switch v := input.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty config is not allowed", ErrInvalidConfiguration)
	case *StoreConfig:
		if v == nil || v.isEmpty() {
			return nil, fmt.Errorf("%w: empty config is not allowed", ErrInvalidConfiguration)
		}
		cfg = v.Clone()
	case StoreConfig:
		if v.isEmpty() {
			return nil, fmt.Errorf("%w: empty config is not allowed", ErrInvalidConfiguration)
		}
		cfg = v.Clone()
	case map[string]any:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty config is not allowed", ErrInvalidConfiguration)
		}
		decoded, err := FromMap(v)
		if err != nil {
			return nil, err
		}
		cfg = decoded
	default:
		return nil, fmt.Errorf("%w: unsupported config type %T", ErrInvalidConfiguration, input)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	debug.Log(debug.Config, "resolved store config",
		"collection", cfg.CollectionName, "n_dim", cfg.NDim,
		"host", cfg.Host, "port", cfg.Port, "index_type", cfg.IndexType)
	return cfg, nil
}

// FromMap decodes a mapping into a StoreConfig without applying defaults.
// The mapping is re-encoded through YAML, so the result shares no memory
// with m.
func FromMap(m map[string]any) (*StoreConfig, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding mapping: %w", ErrInvalidConfiguration, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg StoreConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return &cfg, nil
}

// ToMap returns the configuration as an untyped mapping using the YAML keys.
func (c *StoreConfig) ToMap() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Clone returns a deep copy.
func (c *StoreConfig) Clone() *StoreConfig {
	out := *c
	out.IndexConfig = copyMap(c.IndexConfig)
	out.CollectionConfig = copyMap(c.CollectionConfig)
	out.SerializeConfig = copyMap(c.SerializeConfig)
	return &out
}

// Address returns host:port.
func (c *StoreConfig) Address() string {
	return net.JoinHostPort(c.Host, string(c.Port))
}

// Offset2IDName returns the name of the offset2id collection.
func (c *StoreConfig) Offset2IDName() string {
	return schema.Offset2IDName(c.CollectionName)
}

// Validate checks required fields and enumerations.
func (c *StoreConfig) Validate() error {
	var errs []error

	if c.NDim <= 0 {
		errs = append(errs, fmt.Errorf("n_dim must be > 0, got %d", c.NDim))
	}
	if c.CollectionName == "" {
		errs = append(errs, fmt.Errorf("collection_name is required"))
	}
	if c.Host == "" {
		errs = append(errs, fmt.Errorf("host is required"))
	}
	if _, err := c.Port.Int(); err != nil {
		errs = append(errs, err)
	}

	switch c.Distance {
	case "IP", "L2", "COSINE":
	default:
		errs = append(errs, fmt.Errorf("distance must be \"IP\", \"L2\" or \"COSINE\", got %q", c.Distance))
	}

	switch c.IndexType {
	case "HNSW", "FLAT", "IVF_FLAT":
	default:
		errs = append(errs, fmt.Errorf("index_type must be \"HNSW\", \"FLAT\" or \"IVF_FLAT\", got %q", c.IndexType))
	}

	switch c.OnExisting {
	case ExistsReuse, ExistsError, ExistsRecreate:
	default:
		errs = append(errs, fmt.Errorf("on_existing must be \"reuse\", \"error\" or \"recreate\", got %q", c.OnExisting))
	}

	return errors.Join(errs...)
}

func (c *StoreConfig) applyDefaults() {
	if c.CollectionName == "" {
		c.CollectionName = CollectionPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.Distance == "" {
		c.Distance = DefaultDistance
	}
	c.Distance = strings.ToUpper(c.Distance)
	if c.IndexType == "" {
		c.IndexType = DefaultIndexType
	}
	c.IndexType = strings.ToUpper(c.IndexType)
	if c.OnExisting == "" {
		c.OnExisting = ExistsReuse
	}
	if c.IndexConfig == nil {
		c.IndexConfig = map[string]any{}
	}
	if c.CollectionConfig == nil {
		c.CollectionConfig = map[string]any{}
	}
	if c.SerializeConfig == nil {
		c.SerializeConfig = map[string]any{}
	}
}

func (c *StoreConfig) isEmpty() bool {
	return c.NDim == 0 && c.CollectionName == "" && c.Host == "" && c.Port == "" &&
		c.Distance == "" && c.IndexType == "" && c.OnExisting == "" &&
		len(c.IndexConfig) == 0 && len(c.CollectionConfig) == 0 && len(c.SerializeConfig) == 0
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep-copies the maps and slices nested in v, whatever their
// element types. Other values are returned as is.
func copyValue(v any) any {
	if v == nil {
		return nil
	}
	return deepCopy(reflect.ValueOf(v)).Interface()
}

func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(deepCopy(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	default:
		return v
	}
}
