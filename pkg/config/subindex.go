package config

import "maps"

// SubindexSeparator joins a parent collection name and a subindex name.
const SubindexSeparator = "_subindex_"

// EnsureUniqueConfig gives a subindex its own collection name. When the
// subindex configuration does not set collection_name, the joined
// configuration's name becomes <root name>_subindex_<subindexName>;
// an explicit override is left untouched. joined is modified in place and
// returned; a nil joined is allocated.
func EnsureUniqueConfig(root, subindex, joined map[string]any, subindexName string) map[string]any {
	if joined == nil {
		joined = make(map[string]any)
	}
	if _, explicit := subindex["collection_name"]; explicit {
		return joined
	}

	base, ok := root["collection_name"].(string)
	if !ok {
		base, _ = joined["collection_name"].(string)
	}
	joined["collection_name"] = base + SubindexSeparator + subindexName
	return joined
}

// ForSubindex derives an independent configuration for a subindex. The
// partial mapping overrides the parent's keys; the parent is not modified.
func (c *StoreConfig) ForSubindex(partial map[string]any, name string) (*StoreConfig, error) {
	root, err := c.ToMap()
	if err != nil {
		return nil, err
	}

	joined := maps.Clone(root)
	for k, v := range partial {
		joined[k] = copyValue(v)
	}
	joined = EnsureUniqueConfig(root, partial, joined, name)

	return Resolve(joined)
}
