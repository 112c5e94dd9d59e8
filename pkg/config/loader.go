package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, DOCSTORE_CONFIG env, ./docstore.yaml, /etc/docstore/docstore.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation and store resolution
func Load(configPath string) (*Config, error) {
	// Start with defaults.
	cfg := Defaults()

	// Discover and load YAML config file.
	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	store, err := Resolve(&cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}
	cfg.Store = *store

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. DOCSTORE_CONFIG environment variable
// 3. ./docstore.yaml in the current directory
// 4. /etc/docstore/docstore.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("DOCSTORE_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"docstore.yaml",
		"/etc/docstore/docstore.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values;
// unknown keys are an error.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides maps DOCSTORE_* environment variables to config fields.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DOCSTORE_BACKEND"); v != "" {
		cfg.Backend.Type = v
	}
	if v := os.Getenv("DOCSTORE_ALIAS"); v != "" {
		cfg.Backend.Alias = v
	}
	if v := os.Getenv("DOCSTORE_HOST"); v != "" {
		cfg.Store.Host = v
	}
	if v := os.Getenv("DOCSTORE_PORT"); v != "" {
		cfg.Store.Port = Port(v)
	}
	if v := os.Getenv("DOCSTORE_COLLECTION"); v != "" {
		cfg.Store.CollectionName = v
	}
	if v := os.Getenv("DOCSTORE_N_DIM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DOCSTORE_N_DIM: %w", err)
		}
		cfg.Store.NDim = n
	}
	if v := os.Getenv("DOCSTORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DOCSTORE_DEBUG"); v != "" {
		cfg.Log.Debug = v
	}
	if v := os.Getenv("DOCSTORE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("DOCSTORE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	// DOCSTORE_BACKEND_PARAMS: JSON object merged over backend.params.
	if v := os.Getenv("DOCSTORE_BACKEND_PARAMS"); v != "" {
		params, err := parseParamsJSON(v)
		if err != nil {
			return err
		}
		if cfg.Backend.Params == nil {
			cfg.Backend.Params = make(map[string]string, len(params))
		}
		for k, p := range params {
			cfg.Backend.Params[k] = p
		}
	}
	return nil
}

// parseParamsJSON parses a JSON object of backend parameters.
func parseParamsJSON(jsonStr string) (map[string]string, error) {
	var params map[string]string
	if err := json.Unmarshal([]byte(jsonStr), &params); err != nil {
		return nil, fmt.Errorf("parsing DOCSTORE_BACKEND_PARAMS JSON: %w", err)
	}
	return params, nil
}

// resolveFileReferences replaces backend.params entries ending in _file with
// the corresponding key read from the file. An explicit value for the key
// wins; the _file entry is removed either way since backends reject
// unknown params.
func resolveFileReferences(cfg *Config) error {
	for key, path := range cfg.Backend.Params {
		target, ok := strings.CutSuffix(key, "_file")
		if !ok {
			continue
		}
		if path != "" && cfg.Backend.Params[target] == "" {
			val, err := readSecretFile(path)
			if err != nil {
				return fmt.Errorf("backend.params.%s: %w", key, err)
			}
			cfg.Backend.Params[target] = val
		}
		delete(cfg.Backend.Params, key)
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
