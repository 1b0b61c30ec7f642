package core

import (
	"sync"

	"pkt.systems/accountdeck/schema"
)

// layoutCache holds the surface bounds derived from the host layout.
// Bounds are recomputed lazily after invalidation; gen identifies the current bounds.
type layoutCache struct {
	mu       sync.Mutex
	cfg      schema.LayoutConfig
	bounds   schema.Bounds
	valid    bool
	gen      uint64
	computes int
}

func newLayoutCache(cfg schema.LayoutConfig) *layoutCache {
	return &layoutCache{cfg: cfg, gen: 1}
}

func (c *layoutCache) get() (schema.Bounds, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		c.bounds = c.cfg.Bounds()
		c.valid = true
		c.computes++
	}
	return c.bounds, c.gen
}

func (c *layoutCache) update(fn func(*schema.LayoutConfig)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cfg
	fn(&next)
	if next == c.cfg {
		return false
	}
	c.cfg = next
	c.valid = false
	c.gen++
	return true
}

func (c *layoutCache) state() (valid bool, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid, c.gen
}

func (c *layoutCache) config() schema.LayoutConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}
