package brain

import (
	"sort"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

// ListConfig returns the config mapping of the system or active brain,
// keys sorted for deterministic output.
func (r *Repository) ListConfig(system bool) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.scopePath(system)
	if err != nil {
		return nil, err
	}
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(doc.Config))
	for k, v := range doc.Config {
		out[k] = v
	}
	return out, nil
}

// ConfigKeys returns the sorted config keys of a scope.
func (r *Repository) ConfigKeys(system bool) ([]string, error) {
	cfg, err := r.ListConfig(system)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// GetConfigValue reads one key; missing keys are not_found.
func (r *Repository) GetConfigValue(key string, system bool) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, err := NormalizeConfigKey(key)
	if err != nil {
		return nil, err
	}
	path, err := r.scopePath(system)
	if err != nil {
		return nil, err
	}
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	v, ok := doc.Config[key]
	if !ok {
		return nil, fault.NotFound("config key %q not set", key)
	}
	return v, nil
}

// ConfigValueOr reads one key with a fallback instead of an error.
// Security and resolver defaults come through here.
func (r *Repository) ConfigValueOr(key string, system bool, def any) any {
	v, err := r.GetConfigValue(key, system)
	if err != nil {
		return def
	}
	return v
}

// SetConfigValue writes one key through the commit protocol.
func (r *Repository) SetConfigValue(key string, value any, system bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, err := NormalizeConfigKey(key)
	if err != nil {
		return err
	}
	path, err := r.scopePath(system)
	if err != nil {
		return err
	}
	return r.mutate(path, func(doc *Document) error {
		doc.Config[key] = value
		return nil
	})
}

// DeleteConfigValue removes one key; deleting a missing key is not_found.
func (r *Repository) DeleteConfigValue(key string, system bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, err := NormalizeConfigKey(key)
	if err != nil {
		return err
	}
	path, err := r.scopePath(system)
	if err != nil {
		return err
	}
	return r.mutate(path, func(doc *Document) error {
		if _, ok := doc.Config[key]; !ok {
			return fault.NotFound("config key %q not set", key)
		}
		delete(doc.Config, key)
		return nil
	})
}
