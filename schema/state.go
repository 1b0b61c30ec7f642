package schema

import (
	"encoding/json"
	"fmt"
)

// SurfaceState is the lifecycle state of a session surface.
type SurfaceState int

const (
	// SurfaceUninitialized is the state before any creation attempt.
	SurfaceUninitialized SurfaceState = iota
	// SurfaceCreating indicates the surface is being built.
	SurfaceCreating
	// SurfaceActive indicates the surface is live and visible.
	SurfaceActive
	// SurfacePooled indicates the surface is suspended and retained for reuse.
	SurfacePooled
	// SurfaceDestroyed is terminal.
	SurfaceDestroyed
)

var surfaceStateNames = map[SurfaceState]string{
	SurfaceUninitialized: "uninitialized",
	SurfaceCreating:      "creating",
	SurfaceActive:        "active",
	SurfacePooled:        "pooled",
	SurfaceDestroyed:     "destroyed",
}

// String returns the lowercase state name.
func (s SurfaceState) String() string {
	if name, ok := surfaceStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the state as its name.
func (s SurfaceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *SurfaceState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, candidate := range surfaceStateNames {
		if candidate == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown surface state %q", name)
}

// CanTransition reports whether from -> to is a legal surface transition.
func CanTransition(from, to SurfaceState) bool {
	switch from {
	case SurfaceUninitialized:
		return to == SurfaceCreating
	case SurfaceCreating:
		return to == SurfaceActive || to == SurfaceDestroyed
	case SurfaceActive:
		return to == SurfacePooled || to == SurfaceDestroyed
	case SurfacePooled:
		return to == SurfaceActive || to == SurfaceDestroyed
	default:
		return false
	}
}

// ConnectionState is the connectivity condition of a monitored surface.
type ConnectionState string

const (
	// ConnectionUnknown is the state before the first check completes.
	ConnectionUnknown ConnectionState = "unknown"
	// ConnectionOnline indicates the session is reachable and usable.
	ConnectionOnline ConnectionState = "online"
	// ConnectionOffline indicates the network is unavailable.
	ConnectionOffline ConnectionState = "offline"
	// ConnectionError indicates a failed, timed-out or unauthenticated check.
	ConnectionError ConnectionState = "error"
)

// Failing reports whether the state calls for recovery.
func (s ConnectionState) Failing() bool {
	return s == ConnectionOffline || s == ConnectionError
}

// RecoveryOp names a recovery operation.
type RecoveryOp string

const (
	RecoveryRetry         RecoveryOp = "retry"
	RecoveryReconnect     RecoveryOp = "reconnect"
	RecoveryAutoReconnect RecoveryOp = "auto_reconnect"
	RecoveryRecover       RecoveryOp = "recover_session_data"
	RecoveryReset         RecoveryOp = "reset_account"
	RecoveryRestore       RecoveryOp = "restore_backup"
	RecoveryActivate      RecoveryOp = "activate"
)

// RecoveryPhase is the state carried by recovery events.
type RecoveryPhase string

const (
	RecoveryIdle           RecoveryPhase = "idle"
	RecoveryRunning        RecoveryPhase = "running"
	RecoverySucceeded      RecoveryPhase = "succeeded"
	RecoveryFailed         RecoveryPhase = "failed"
	RecoveryManualRequired RecoveryPhase = "manual_required"
)
