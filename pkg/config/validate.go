package config

import (
	"errors"
	"fmt"
)

// Validate checks the command configuration for required fields and valid
// values. Store settings are validated separately by Resolve.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	// backend.type must be a known value.
	switch c.Backend.Type {
	case "milvus", "postgres", "qdrant", "memory":
		// valid
	default:
		errs = append(errs, fmt.Errorf("backend.type must be \"milvus\", \"postgres\", \"qdrant\" or \"memory\", got %q", c.Backend.Type))
	}

	// backend.alias is required.
	if c.Backend.Alias == "" {
		errs = append(errs, fmt.Errorf("backend.alias is required"))
	}

	// store.collection_name must be stable across invocations of the command.
	if c.Store.CollectionName == "" {
		errs = append(errs, fmt.Errorf("store.collection_name is required (or DOCSTORE_COLLECTION)"))
	}

	// postgres needs a DSN or the pieces to build one.
	if c.Backend.Type == "postgres" {
		if c.Backend.Params["dsn"] == "" && c.Backend.Params["dsn_file"] == "" && c.Backend.Params["database"] == "" {
			errs = append(errs, fmt.Errorf("backend.params.dsn, dsn_file or database is required when backend.type is \"postgres\""))
		}
	}

	// log.format selects the slog handler.
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format))
	}

	// metrics.path must be absolute when the endpoint is enabled.
	if c.Metrics.Addr != "" && (c.Metrics.Path == "" || c.Metrics.Path[0] != '/') {
		errs = append(errs, fmt.Errorf("metrics.path must start with \"/\", got %q", c.Metrics.Path))
	}

	return errors.Join(errs...)
}
