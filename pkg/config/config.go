// Package config provides configuration for docstore adapters and the
// docstore command.
//
// StoreConfig is the per-adapter record (dimension, collection name,
// connection target, index and serialization settings) and is resolved from
// either a typed value or an untyped mapping via Resolve.
//
// Config is the file-level configuration of the docstore command. It is
// loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (DOCSTORE_ prefix)
//  4. File reference resolution (_file suffix params)
//  5. Store resolution and validation
package config

// Config holds the configuration of the docstore command.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BackendConfig selects the external store implementation.
type BackendConfig struct {
	Type  string `yaml:"type"`  // "milvus", "postgres", "qdrant" or "memory", default: "milvus"
	Alias string `yaml:"alias"` // connection alias, default: "docarray_default_connection"

	// Params holds backend-specific connection settings. A key ending in
	// "_file" names a file whose trimmed content populates the key without
	// the suffix.
	Params map[string]string `yaml:"params"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // ERROR, WARN, INFO, DEBUG, TRACE; default: INFO
	Debug  string `yaml:"debug"`  // comma-separated debug categories
	Format string `yaml:"format"` // "text" or "json"; default: "text"
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // listen address; empty disables the endpoint
	Path string `yaml:"path"` // default: "/metrics"
}

// DefaultAlias names the process-wide connection shared by adapters that
// do not choose their own.
const DefaultAlias = "docarray_default_connection"

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Backend: BackendConfig{
			Type:   "milvus",
			Alias:  DefaultAlias,
			Params: map[string]string{},
		},
		Store: StoreConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}
