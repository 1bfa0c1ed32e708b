package monitor

import (
	"time"

	"github.com/ringlb/ringlb/ring"
)

// ServerID identifies a backend, shared with the ring and manager packages.
type ServerID = ring.ServerID

// CapacityFactorSample pairs a single capacity-factor observation with the
// time it was recorded. A server with no samples yet simply has an empty
// record; there is no 0.0 sentinel standing in for "no sample".
type CapacityFactorSample struct {
	Time  time.Time
	Value float64
}

// ServerInfoView is a deep, read-only copy of a backend's bookkeeping
// record, safe to retain after the Monitor continues mutating its
// internal state.
type ServerInfoView struct {
	ID                    ServerID
	Port                  uint16
	StartTime             time.Time
	DeactivationTime      time.Time
	Active                bool
	CapacityFactorRecord  []CapacityFactorSample
	CurrentCapacityFactor float64
}
