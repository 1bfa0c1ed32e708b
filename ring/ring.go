// Package ring implements a weighted consistent-hash ring: a mapping from
// a modular position space onto a set of server identifiers via a
// multiset of "angles" (position, serverID) pairs. Servers with more
// angles claim a proportionally larger share of the position space.
//
// All operations are serialized behind a single mutex; FindServerID
// always observes an atomic view of the angle set, and every externally
// visible accessor (Snapshot, History) returns a deep copy so that
// callers cannot mutate ring-internal state by reference.
package ring

import (
	"sort"
	"sync"
	"time"

	"github.com/ringlb/ringlb/internal/rng"
)

const maxPlacementAttempts = 64

// Ring is a weighted consistent-hash ring. The zero value is not usable;
// construct with New.
type Ring struct {
	mu sync.Mutex

	size   uint32
	hashFn HashFunction
	rnd    *rng.Source

	// positions and owners are kept in lockstep, sorted ascending by
	// position. owners[i] is the server that owns positions[i].
	positions []uint32
	owners    []ServerID

	anglesByServer map[ServerID][]uint32
	servers        map[ServerID]struct{}

	history []Snapshot
}

// New constructs a Ring with the given position-space size (must be a
// power of two, at least 2^14) and hash function. seed makes angle
// placement reproducible across runs.
func New(size uint32, hashFn HashFunction, seed int64) (*Ring, error) {
	if size < 1<<14 || size&(size-1) != 0 {
		return nil, ErrInvalidConfig
	}
	if !hashFn.valid() {
		return nil, ErrInvalidConfig
	}
	return &Ring{
		size:           size,
		hashFn:         hashFn,
		rnd:            rng.New(seed),
		anglesByServer: make(map[ServerID][]uint32),
		servers:        make(map[ServerID]struct{}),
	}, nil
}

// AddServer registers an empty server on the ring. It is idempotent: a
// server already known is left untouched.
func (r *Ring) AddServer(id ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addServerLocked(id)
}

func (r *Ring) addServerLocked(id ServerID) {
	if _, ok := r.servers[id]; !ok {
		r.servers[id] = struct{}{}
		r.anglesByServer[id] = nil
	}
}

// AddAngle draws n fresh, collision-free positions for id and places
// angles there. If id has not been registered via AddServer, it is
// registered automatically (AddServer is idempotent, so this keeps the
// two operations safely composable). Returns ErrRingSaturated if a free
// position cannot be drawn within the bounded retry budget.
func (r *Ring) AddAngle(id ServerID, n int) error {
	if n <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addServerLocked(id)

	for i := 0; i < n; i++ {
		pos, err := r.drawFreePositionLocked()
		if err != nil {
			return err
		}
		r.insertLocked(pos, id)
	}
	return nil
}

func (r *Ring) drawFreePositionLocked() (uint32, error) {
	for attempt := 0; attempt < maxPlacementAttempts; attempt++ {
		pos := uint32(r.rnd.UintN(uint64(r.size)))
		if !r.occupiedLocked(pos) {
			return pos, nil
		}
	}
	return 0, ErrRingSaturated
}

func (r *Ring) occupiedLocked(pos uint32) bool {
	idx := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] >= pos })
	return idx < len(r.positions) && r.positions[idx] == pos
}

func (r *Ring) insertLocked(pos uint32, id ServerID) {
	idx := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] >= pos })
	r.positions = append(r.positions, 0)
	copy(r.positions[idx+1:], r.positions[idx:])
	r.positions[idx] = pos

	r.owners = append(r.owners, 0)
	copy(r.owners[idx+1:], r.owners[idx:])
	r.owners[idx] = id

	r.anglesByServer[id] = append(r.anglesByServer[id], pos)
}

// RemoveAngle removes up to n angles for id. If id owns fewer than n
// angles, all of them are removed. The angles removed are always those
// whose positions sort last among id's current angles, so that repeated
// calls with no intervening mutation remove the same set, per the
// determinism requirement on the removal policy. Returns the number of
// angles actually removed.
func (r *Ring) RemoveAngle(id ServerID, n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeAngleLocked(id, n)
}

func (r *Ring) removeAngleLocked(id ServerID, n int) int {
	owned := r.anglesByServer[id]
	if len(owned) == 0 {
		return 0
	}
	if n > len(owned) {
		n = len(owned)
	}

	sorted := append([]uint32(nil), owned...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	toRemove := sorted[len(sorted)-n:]

	for _, pos := range toRemove {
		r.removePositionLocked(pos, id)
	}
	return n
}

func (r *Ring) removePositionLocked(pos uint32, id ServerID) {
	idx := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] >= pos })
	if idx >= len(r.positions) || r.positions[idx] != pos {
		return
	}
	r.positions = append(r.positions[:idx], r.positions[idx+1:]...)
	r.owners = append(r.owners[:idx], r.owners[idx+1:]...)

	owned := r.anglesByServer[id]
	for i, p := range owned {
		if p == pos {
			r.anglesByServer[id] = append(owned[:i], owned[i+1:]...)
			break
		}
	}
}

// EvictServer removes every angle owned by id and deregisters it from the
// ring entirely. Returns the number of angles removed.
func (r *Ring) EvictServer(id ServerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.removeAngleLocked(id, len(r.anglesByServer[id]))
	delete(r.anglesByServer, id)
	delete(r.servers, id)
	return removed
}

// FindServerID returns the server that owns the smallest angle position
// at or after hash(resourceName) mod size, wrapping around to the
// smallest position if none qualifies. Returns ErrRingEmpty if no
// angles exist.
func (r *Ring) FindServerID(resourceName string) (ServerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.positions) == 0 {
		return 0, ErrRingEmpty
	}
	pos := r.hashFn.sum32(resourceName) % r.size
	idx := sort.Search(len(r.positions), func(i int) bool { return r.positions[i] >= pos })
	if idx == len(r.positions) {
		idx = 0
	}
	return r.owners[idx], nil
}

// AngleCount returns the number of angles currently owned by id.
func (r *Ring) AngleCount(id ServerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.anglesByServer[id])
}

// HasServer reports whether id is currently registered on the ring,
// regardless of how many angles (if any) it owns.
func (r *Ring) HasServer(id ServerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.servers[id]
	return ok
}

// Servers returns the set of currently registered server ids.
func (r *Ring) Servers() []ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ServerID, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	return ids
}

// RecordSnapshot appends a deep copy of the current server-to-positions
// mapping to the angle history, timestamped at t (or later, if t would
// not be strictly greater than the previous entry's timestamp).
func (r *Ring) RecordSnapshot(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.history); n > 0 && !t.After(r.history[n-1].Time) {
		t = r.history[n-1].Time.Add(time.Nanosecond)
	}
	r.history = append(r.history, Snapshot{Time: t, ByServer: cloneByServer(r.anglesByServer)})
}

// Snapshot returns a deep copy of the current server-to-positions mapping.
func (r *Ring) Snapshot() map[ServerID][]uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneByServer(r.anglesByServer)
}

// History returns a deep copy of every snapshot recorded so far, oldest
// first. Later mutation of the ring (or further RecordSnapshot calls)
// never affects previously returned History results.
func (r *Ring) History() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, len(r.history))
	for i, snap := range r.history {
		out[i] = Snapshot{Time: snap.Time, ByServer: cloneByServer(snap.ByServer)}
	}
	return out
}

func cloneByServer(m map[ServerID][]uint32) map[ServerID][]uint32 {
	out := make(map[ServerID][]uint32, len(m))
	for id, positions := range m {
		out[id] = append([]uint32(nil), positions...)
	}
	return out
}
