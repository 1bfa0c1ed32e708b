package ring

import "time"

// ServerID is an opaque, monotonically-assigned, positive identifier for a
// backend. It is never reused after a server is retired.
type ServerID uint64

// Angle is a single (position, server) point placed on the ring.
type Angle struct {
	Position uint32
	ServerID ServerID
}

// Snapshot is a deep, read-only copy of the server-to-positions mapping
// taken at a point in time.
type Snapshot struct {
	Time   time.Time
	ByServer map[ServerID][]uint32
}
