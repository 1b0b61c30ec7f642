package core

import (
	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// ManagerDeps captures dependencies for the lifecycle manager.
// Factory and Partitions are required.
type ManagerDeps struct {
	Factory    SurfaceFactory
	Partitions PartitionResolver
	EventSink  schema.EventSink
	Metrics    MetricsRecorder
	Logger     pslog.Logger
}
