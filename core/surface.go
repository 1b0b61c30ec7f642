package core

import (
	"context"
	"time"

	"pkt.systems/accountdeck/schema"
)

// Surface is one live session surface bound to an account partition.
// Probe, Settings and Memory are read-only.
type Surface interface {
	SetBounds(ctx context.Context, bounds schema.Bounds) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	Reload(ctx context.Context, hard bool) error
	Probe(ctx context.Context) (schema.ProbeResult, error)
	Settings(ctx context.Context) (schema.SurfaceSettings, error)
	ApplySettings(ctx context.Context, settings schema.SurfaceSettings) error
	Memory(ctx context.Context) (schema.SurfaceMemory, error)
	Close(ctx context.Context) error
}

// CreateRequest describes a surface to build.
type CreateRequest struct {
	AccountID schema.AccountID
	SurfaceID schema.SurfaceID
	Partition schema.Partition
	Config    schema.AccountConfig
	Bounds    schema.Bounds
}

// SurfaceFactory builds surfaces.
type SurfaceFactory interface {
	Create(ctx context.Context, req CreateRequest) (Surface, error)
}

// PartitionResolver maps accounts to storage partitions.
type PartitionResolver interface {
	Resolve(id schema.AccountID, hint string) schema.Partition
	Ensure(ctx context.Context, p schema.Partition) error
}

// MetricsRecorder observes lifecycle activity.
type MetricsRecorder interface {
	ObserveCreate(d time.Duration, err error)
	ObserveEviction(reason string)
	ObserveSurfaces(stats schema.PerformanceStats)
}

// DestroyHook runs before an account's surface is torn down.
type DestroyHook func(ctx context.Context, id schema.AccountID)

// Eviction reasons reported to MetricsRecorder.
const (
	EvictPoolFull      = "pool_full"
	EvictForcedSuspend = "forced_suspend"
	EvictSuspendFailed = "suspend_failed"
)

type noopMetrics struct{}

func (noopMetrics) ObserveCreate(time.Duration, error) {}
func (noopMetrics) ObserveEviction(string) {}
func (noopMetrics) ObserveSurfaces(schema.PerformanceStats) {}
