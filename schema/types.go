package schema

import "time"

// AccountID identifies an account hosted by the shell.
type AccountID string

// SurfaceID identifies one incarnation of an account's session surface.
type SurfaceID string

// SnapshotID identifies a stored session backup.
type SnapshotID string

// Partition references the isolated storage region of an account.
type Partition struct {
	// Name is the stable partition key ("persist:<account>").
	Name string `json:"name"`
	// Path is the on-disk profile directory backing the partition.
	Path string `json:"path"`
}

// Bounds is the geometry a surface renders into, in host window pixels.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SurfaceInfo is a transport-friendly view of a session surface.
type SurfaceInfo struct {
	AccountID       AccountID    `json:"account_id"`
	SurfaceID       SurfaceID    `json:"surface_id"`
	State           SurfaceState `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
	LastActivatedAt time.Time    `json:"last_activated_at"`
	Partition       Partition    `json:"partition"`
	// BoundsValid reports whether the surface has the current layout bounds applied.
	BoundsValid bool `json:"layout_bounds_cache_valid"`
}

// SurfaceSettings are account-scoped runtime settings that survive a surface rebuild.
type SurfaceSettings struct {
	ZoomFactor float64 `json:"zoom_factor,omitempty"`
	LastURL    string  `json:"last_url,omitempty"`
}

// ProbeResult is the read-only condition reported by a surface probe.
type ProbeResult struct {
	Online        bool   `json:"online"`
	Authenticated bool   `json:"authenticated"`
	URL           string `json:"url,omitempty"`
	Crashed       bool   `json:"crashed,omitempty"`
}

// SurfaceMemory reports renderer memory for one surface.
type SurfaceMemory struct {
	JSHeapUsedBytes  int64 `json:"js_heap_used_bytes"`
	JSHeapTotalBytes int64 `json:"js_heap_total_bytes"`
	Nodes            int64 `json:"nodes"`
}

// PerformanceStats is read-only lifecycle introspection.
type PerformanceStats struct {
	ActiveCount    int    `json:"active_count"`
	PooledCount    int    `json:"pooled_count"`
	CreatingCount  int    `json:"creating_count"`
	CacheValid     bool   `json:"cache_valid"`
	MaxActiveViews int    `json:"max_active_views"`
	PoolSize       int    `json:"pool_size"`
	Evictions      uint64 `json:"evictions"`
}

// MemoryUsage reports host process and per-surface memory.
type MemoryUsage struct {
	HeapAllocBytes uint64                      `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64                      `json:"heap_sys_bytes"`
	SysBytes       uint64                      `json:"sys_bytes"`
	MaxRSSBytes    int64                       `json:"max_rss_bytes"`
	Goroutines     int                         `json:"goroutines"`
	Surfaces       map[AccountID]SurfaceMemory `json:"surfaces,omitempty"`
}

// DestroyAllResult aggregates a best-effort teardown.
type DestroyAllResult struct {
	Destroyed int                  `json:"destroyed"`
	Failed    int                  `json:"failed"`
	Failures  map[AccountID]string `json:"failures,omitempty"`
}

// HealthRecord tracks the connectivity of one monitored account.
type HealthRecord struct {
	AccountID           AccountID       `json:"account_id"`
	State               ConnectionState `json:"state"`
	Detail              string          `json:"detail,omitempty"`
	Category            Category        `json:"category,omitempty"`
	LastCheckedAt       time.Time       `json:"last_checked_at"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	ReconnectAttempts   int             `json:"reconnect_attempts"`
}

// CheckResult is the outcome of a single health check.
type CheckResult struct {
	State    ConnectionState `json:"state"`
	Detail   string          `json:"detail,omitempty"`
	Category Category        `json:"category,omitempty"`
}

// RecoveryResult is returned by every recovery operation.
type RecoveryResult struct {
	AccountID  AccountID     `json:"account_id"`
	Operation  RecoveryOp    `json:"operation"`
	Success    bool          `json:"success"`
	Category   Category      `json:"category,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Action     Action        `json:"action,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	BackupID   SnapshotID    `json:"backup_id,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// SnapshotInfo describes one stored partition backup.
type SnapshotInfo struct {
	ID        SnapshotID `json:"id"`
	AccountID AccountID  `json:"account_id"`
	Reason    RecoveryOp `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	SizeBytes int64      `json:"size_bytes"`
	Files     int        `json:"files"`
}

// AccountStatus is the combined view of one configured account.
type AccountStatus struct {
	AccountID        AccountID       `json:"account_id"`
	Name             string          `json:"name,omitempty"`
	Surface          *SurfaceInfo    `json:"surface,omitempty"`
	Health           *HealthRecord   `json:"health,omitempty"`
	Monitored        bool            `json:"monitored"`
	AutoReconnecting bool            `json:"auto_reconnecting"`
	LastRecovery     *RecoveryResult `json:"last_recovery,omitempty"`
}
