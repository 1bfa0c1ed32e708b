package ring_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/ringlb/ringlb/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, seed int64) *ring.Ring {
	t.Helper()
	r, err := ring.New(1<<14, ring.FNV1A32, seed)
	require.NoError(t, err)
	return r
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := ring.New(1000, ring.FNV1A32, 1) // not a power of two
	assert.ErrorIs(t, err, ring.ErrInvalidConfig)

	_, err = ring.New(1<<10, ring.FNV1A32, 1) // smaller than 2^14
	assert.ErrorIs(t, err, ring.ErrInvalidConfig)

	_, err = ring.New(1<<14, ring.HashFunction(99), 1)
	assert.ErrorIs(t, err, ring.ErrInvalidConfig)
}

func TestFindServerIDEmptyRing(t *testing.T) {
	t.Parallel()
	r := newTestRing(t, 1)
	_, err := r.FindServerID("foo")
	assert.ErrorIs(t, err, ring.ErrRingEmpty)
}

// Scenario 1: single-server ring.
func TestSingleServerRingOwnsEverything(t *testing.T) {
	t.Parallel()
	r := newTestRing(t, 1)
	require.NoError(t, r.AddAngle(1, 10))

	for _, key := range []string{"foo", "bar"} {
		id, err := r.FindServerID(key)
		require.NoError(t, err)
		assert.Equal(t, ring.ServerID(1), id)
	}
}

// Scenario 2: key stability under growth.
func TestKeyStabilityUnderGrowth(t *testing.T) {
	t.Parallel()
	r := newTestRing(t, 42)
	require.NoError(t, r.AddAngle(1, 10))
	require.NoError(t, r.AddAngle(2, 10))

	keys := make([]string, 0, 26)
	for c := 'a'; c <= 'z'; c++ {
		keys = append(keys, string(c))
	}

	before := make(map[string]ring.ServerID, len(keys))
	for _, k := range keys {
		id, err := r.FindServerID(k)
		require.NoError(t, err)
		before[k] = id
	}

	require.NoError(t, r.AddAngle(3, 10))

	stable := 0
	for _, k := range keys {
		id, err := r.FindServerID(k)
		require.NoError(t, err)
		if id == before[k] {
			stable++
		}
	}
	assert.GreaterOrEqual(t, stable, 22, "at least 22 of 26 keys must retain their owner")
}

// Scenario 5: remove-then-reuse of position.
func TestRemoveThenReuseOfPosition(t *testing.T) {
	t.Parallel()
	r := newTestRing(t, 7)
	require.NoError(t, r.AddAngle(1, 5))

	removed := r.EvictServer(1)
	assert.Equal(t, 5, removed)
	assert.Equal(t, 0, r.AngleCount(1))

	require.NoError(t, r.AddAngle(2, 1))
	assert.Equal(t, 1, r.AngleCount(2))
}

// P3: position uniqueness under a long sequence of mutations.
func TestPositionUniqueness(t *testing.T) {
	t.Parallel()
	r := newTestRing(t, 99)
	for id := ring.ServerID(1); id <= 20; id++ {
		require.NoError(t, r.AddAngle(id, 10))
	}
	for id := ring.ServerID(1); id <= 10; id++ {
		r.RemoveAngle(id, 3)
	}
	for id := ring.ServerID(21); id <= 30; id++ {
		require.NoError(t, r.AddAngle(id, 10))
	}

	seen := map[uint32]ring.ServerID{}
	snapshot := r.Snapshot()
	for id, positions := range snapshot {
		for _, pos := range positions {
			if owner, ok := seen[pos]; ok {
				t.Fatalf("position %d claimed by both %d and %d", pos, owner, id)
			}
			seen[pos] = id
		}
	}
}

// P2: consistent hashing bound — a single mutation moves only a bounded
// fraction of keys.
func TestConsistentHashingBound(t *testing.T) {
	t.Parallel()
	r := newTestRing(t, 123)
	require.NoError(t, r.AddAngle(1, 20))
	require.NoError(t, r.AddAngle(2, 20))

	const numKeys = 2000
	keys := make([]string, numKeys)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	before := make([]ring.ServerID, numKeys)
	for i, k := range keys {
		id, err := r.FindServerID(k)
		require.NoError(t, err)
		before[i] = id
	}

	totalAnglesBefore := 0
	for _, id := range r.Servers() {
		totalAnglesBefore += r.AngleCount(id)
	}

	const k = 5
	require.NoError(t, r.AddAngle(3, k))

	moved := 0
	for i, key := range keys {
		id, err := r.FindServerID(key)
		require.NoError(t, err)
		if id != before[i] {
			moved++
		}
	}

	maxExpectedFraction := 2.0 * float64(k) / float64(totalAnglesBefore+k)
	assert.LessOrEqual(t, float64(moved)/float64(numKeys), maxExpectedFraction*3,
		"allow generous slack over the statistical bound to avoid test flakiness")
}

// Removal is deterministic: repeating the same RemoveAngle call against an
// unmutated state removes the same positions.
func TestRemoveAngleDeterministic(t *testing.T) {
	t.Parallel()
	r1 := newTestRing(t, 55)
	require.NoError(t, r1.AddAngle(1, 8))
	r2 := newTestRing(t, 55)
	require.NoError(t, r2.AddAngle(1, 8))

	// Same seed, same sequence of operations: the two rings must have
	// identical angle sets before removal.
	require.Equal(t, r1.Snapshot(), r2.Snapshot())

	r1.RemoveAngle(1, 3)
	r2.RemoveAngle(1, 3)
	assert.Equal(t, r1.Snapshot(), r2.Snapshot())
}

func TestRecordSnapshotIsImmutable(t *testing.T) {
	t.Parallel()
	r := newTestRing(t, 3)
	require.NoError(t, r.AddAngle(1, 4))

	r.RecordSnapshot(time.Now())
	history := r.History()
	require.Len(t, history, 1)
	before := append([]uint32(nil), history[0].ByServer[1]...)

	require.NoError(t, r.AddAngle(1, 4))
	r.RemoveAngle(1, 2)

	historyAfter := r.History()
	require.Len(t, historyAfter, 1)
	assert.Equal(t, before, historyAfter[0].ByServer[1])
}

func TestAddAngleAutoRegistersServer(t *testing.T) {
	t.Parallel()
	r := newTestRing(t, 4)
	assert.False(t, r.HasServer(5))
	require.NoError(t, r.AddAngle(5, 1))
	assert.True(t, r.HasServer(5))
}
