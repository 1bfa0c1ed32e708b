// Package monitor owns the table of known backends, polls each for a
// capacity factor on its own cadence, and exposes aggregate statistics
// over the active set. Polls fan out independently: a failing poll never
// blocks or corrupts another server's telemetry.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ringlb/ringlb/internal/clock"
	"github.com/ringlb/ringlb/ringlblog"
)

const (
	defaultPingDeadline = 2 * time.Second
	defaultRecordTTL    = 10 * time.Second
)

// Monitor is safe for concurrent use.
type Monitor struct {
	pinger    BackendPinger
	clock     clock.Clock
	deadline  time.Duration
	recordTTL time.Duration
	log       logrus.FieldLogger

	mu      sync.RWMutex
	servers map[ServerID]*serverRecord

	countMu sync.Mutex
	counts  map[int64]int
}

type serverRecord struct {
	mu sync.Mutex

	id               ServerID
	port             uint16
	startTime        time.Time
	deactivationTime time.Time
	active           bool

	record  []CapacityFactorSample
	current float64
}

// New constructs a Monitor. deadline bounds each individual poll; a
// non-positive value falls back to the default of 2s. recordTTL bounds how
// long a capacityFactorRecord entry is retained before it ages out on the
// next successful poll for that server; a non-positive value falls back to
// the default of 10s. A nil logger falls back to logrus's standard logger.
func New(pinger BackendPinger, clk clock.Clock, deadline, recordTTL time.Duration, log logrus.FieldLogger) *Monitor {
	if deadline <= 0 {
		deadline = defaultPingDeadline
	}
	if recordTTL <= 0 {
		recordTTL = defaultRecordTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		pinger:    pinger,
		clock:     clk,
		deadline:  deadline,
		recordTTL: recordTTL,
		log:       log,
		servers:   make(map[ServerID]*serverRecord),
		counts:    make(map[int64]int),
	}
}

// AddServer inserts a new active ServerInfo. Fails with ErrDuplicateID if
// id is already tracked, including if it was previously deactivated:
// retired ids are never reused by the manager and the monitor never
// forgets a server's history.
func (m *Monitor) AddServer(id ServerID, port uint16, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; ok {
		return ErrDuplicateID
	}
	m.servers[id] = &serverRecord{
		id:        id,
		port:      port,
		startTime: now,
		active:    true,
	}
	return nil
}

// DeactivateServer marks id inactive as of now. Idempotent: deactivating
// an already-inactive server is a no-op. Fails with ErrUnknownServer if
// id was never registered.
func (m *Monitor) DeactivateServer(id ServerID, now time.Time) error {
	m.mu.RLock()
	rec, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownServer
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.active {
		return nil
	}
	rec.active = false
	rec.deactivationTime = now
	return nil
}

// RunPollLoop calls PingAll on interval until ctx is cancelled.
func (m *Monitor) RunPollLoop(ctx context.Context, interval time.Duration) {
	defer ringlblog.Recover(m.log)
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.PingAll(ctx)
		}
	}
}

// PingAll issues one telemetry request per active backend, independently
// and in parallel, bounded by the current active-server count. A failing
// poll is logged at debug and otherwise has no effect: it neither updates
// currentCapacityFactor nor appends to capacityFactorRecord for that
// server. A successful poll publishes both atomically.
func (m *Monitor) PingAll(ctx context.Context) {
	m.mu.RLock()
	active := make([]*serverRecord, 0, len(m.servers))
	for _, rec := range m.servers {
		rec.mu.Lock()
		isActive := rec.active
		rec.mu.Unlock()
		if isActive {
			active = append(active, rec)
		}
	}
	m.mu.RUnlock()

	var group errgroup.Group
	for _, rec := range active {
		rec := rec
		group.Go(func() error {
			pingCtx, cancel := context.WithTimeout(ctx, m.deadline)
			defer cancel()
			value, err := m.pinger.Ping(pingCtx, rec.port)
			if err != nil {
				m.log.WithError(err).WithField("server_id", rec.id).Debug("telemetry poll failed")
				return nil
			}
			now := m.clock.Now()
			rec.mu.Lock()
			rec.current = value
			rec.record = append(rec.record, CapacityFactorSample{Time: now, Value: value})
			rec.record = pruneRecordBefore(rec.record, now.Add(-m.recordTTL))
			rec.mu.Unlock()
			return nil
		})
	}
	_ = group.Wait() // pings never return an error; each failure is swallowed above
}

// pruneRecordBefore drops every sample older than cutoff. Samples are
// appended in non-decreasing timestamp order, so the surviving suffix is
// found with a single linear scan from the front.
func pruneRecordBefore(record []CapacityFactorSample, cutoff time.Time) []CapacityFactorSample {
	i := 0
	for i < len(record) && record[i].Time.Before(cutoff) {
		i++
	}
	if i == 0 {
		return record
	}
	return append([]CapacityFactorSample(nil), record[i:]...)
}

// UpdateServerCount records the active-server count for the given second,
// first-write-wins: a second already recorded is left untouched.
func (m *Monitor) UpdateServerCount(second int64, n int) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	if _, exists := m.counts[second]; !exists {
		m.counts[second] = n
	}
}

// AverageCapacityFactor returns the mean currentCapacityFactor over active
// servers whose value is strictly greater than 0, or 0 if none qualify.
func (m *Monitor) AverageCapacityFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum float64
	var count int
	for _, rec := range m.servers {
		rec.mu.Lock()
		active, cf := rec.active, rec.current
		rec.mu.Unlock()
		if active && cf > 0 {
			sum += cf
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// ActiveServerIDs returns the ids of every currently active server, in no
// particular order.
func (m *Monitor) ActiveServerIDs() []ServerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]ServerID, 0, len(m.servers))
	for id, rec := range m.servers {
		rec.mu.Lock()
		active := rec.active
		rec.mu.Unlock()
		if active {
			ids = append(ids, id)
		}
	}
	return ids
}

// ActiveCount returns the number of currently active servers.
func (m *Monitor) ActiveCount() int {
	return len(m.ActiveServerIDs())
}

// ServerView returns a deep copy of a single server's bookkeeping record.
func (m *Monitor) ServerView(id ServerID) (ServerInfoView, bool) {
	m.mu.RLock()
	rec, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return ServerInfoView{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return ServerInfoView{
		ID:                    rec.id,
		Port:                  rec.port,
		StartTime:             rec.startTime,
		DeactivationTime:      rec.deactivationTime,
		Active:                rec.active,
		CapacityFactorRecord:  append([]CapacityFactorSample(nil), rec.record...),
		CurrentCapacityFactor: rec.current,
	}, true
}

// Snapshot returns a deep copy of the full server table for external
// read-only use.
func (m *Monitor) Snapshot() map[ServerID]ServerInfoView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[ServerID]ServerInfoView, len(m.servers))
	for id, rec := range m.servers {
		rec.mu.Lock()
		out[id] = ServerInfoView{
			ID:                    rec.id,
			Port:                  rec.port,
			StartTime:             rec.startTime,
			DeactivationTime:      rec.deactivationTime,
			Active:                rec.active,
			CapacityFactorRecord:  append([]CapacityFactorSample(nil), rec.record...),
			CurrentCapacityFactor: rec.current,
		}
		rec.mu.Unlock()
	}
	return out
}
