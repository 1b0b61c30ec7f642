package core

import (
	"context"
	"runtime"

	"pkt.systems/accountdeck/schema"
)

// Stats reports surface counts and layout cache state.
func (m *Manager) Stats() schema.PerformanceStats {
	valid, _ := m.layout.state()
	stats := schema.PerformanceStats{
		CacheValid:     valid,
		MaxActiveViews: m.cfg.MaxActiveViews,
		PoolSize:       m.cfg.PoolSize,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		switch e.state {
		case schema.SurfaceActive:
			stats.ActiveCount++
		case schema.SurfacePooled:
			stats.PooledCount++
		case schema.SurfaceCreating:
			stats.CreatingCount++
		}
	}
	stats.Evictions = m.evictions
	return stats
}

// Memory reports process memory and the renderer memory of every active surface.
// Surfaces that fail to report are skipped.
func (m *Manager) Memory(ctx context.Context) schema.MemoryUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usage := schema.MemoryUsage{
		HeapAllocBytes: ms.HeapAlloc,
		HeapSysBytes:   ms.HeapSys,
		SysBytes:       ms.Sys,
		MaxRSSBytes:    maxRSSBytes(),
		Goroutines:     runtime.NumGoroutine(),
	}

	type live struct {
		id      schema.AccountID
		surface Surface
	}
	var surfaces []live
	m.mu.Lock()
	for id, e := range m.entries {
		if e.state == schema.SurfaceActive && e.surface != nil {
			surfaces = append(surfaces, live{id: id, surface: e.surface})
		}
	}
	m.mu.Unlock()

	if len(surfaces) == 0 {
		return usage
	}
	usage.Surfaces = make(map[schema.AccountID]schema.SurfaceMemory, len(surfaces))
	for _, s := range surfaces {
		mem, err := s.surface.Memory(ctx)
		if err != nil {
			m.log(ctx, s.id).Debug("surface memory unavailable", "err", err)
			continue
		}
		usage.Surfaces[s.id] = mem
	}
	return usage
}
