// Package accounts holds the configured accounts and serves them to the engine.
package accounts

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/accountdeck/internal/appconfig"
	"pkt.systems/accountdeck/schema"
)

// Registry is the account configuration provider. It is safe for concurrent use
// and can be swapped in place when the config file changes.
type Registry struct {
	mu       sync.RWMutex
	accounts map[schema.AccountID]schema.AccountConfig
	order    []schema.AccountID
}

// NewRegistry validates the entries and builds a registry.
func NewRegistry(entries []appconfig.AccountConfig) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(entries); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the configured accounts. On error the registry is unchanged.
func (r *Registry) Replace(entries []appconfig.AccountConfig) error {
	next := make(map[schema.AccountID]schema.AccountConfig, len(entries))
	order := make([]schema.AccountID, 0, len(entries))
	for _, entry := range entries {
		cfg, err := entry.Schema()
		if err != nil {
			return err
		}
		if _, dup := next[cfg.ID]; dup {
			return fmt.Errorf("account %q is configured more than once", cfg.ID)
		}
		next[cfg.ID] = cfg
		order = append(order, cfg.ID)
	}
	r.mu.Lock()
	r.accounts = next
	r.order = order
	r.mu.Unlock()
	return nil
}

// Account returns the configuration for id.
func (r *Registry) Account(id schema.AccountID) (schema.AccountConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.accounts[id]
	if !ok {
		return schema.AccountConfig{}, fmt.Errorf("%w: %s", schema.ErrAccountNotFound, id)
	}
	return cloneConfig(cfg), nil
}

// IDs returns the configured account ids in config order.
func (r *Registry) IDs() []schema.AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]schema.AccountID(nil), r.order...)
}

// Sorted returns the configured accounts ordered by id.
func (r *Registry) Sorted() []schema.AccountConfig {
	r.mu.RLock()
	out := make([]schema.AccountConfig, 0, len(r.accounts))
	for _, cfg := range r.accounts {
		out = append(out, cloneConfig(cfg))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Removed returns the ids present in prev that are no longer configured.
func (r *Registry) Removed(prev []schema.AccountID) []schema.AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var gone []schema.AccountID
	for _, id := range prev {
		if _, ok := r.accounts[id]; !ok {
			gone = append(gone, id)
		}
	}
	return gone
}

func cloneConfig(cfg schema.AccountConfig) schema.AccountConfig {
	cfg.Egress.Bypass = append([]string(nil), cfg.Egress.Bypass...)
	if cfg.Adapters != nil {
		adapters := make(map[string]json.RawMessage, len(cfg.Adapters))
		for name, blob := range cfg.Adapters {
			adapters[name] = append(json.RawMessage(nil), blob...)
		}
		cfg.Adapters = adapters
	}
	return cfg
}
