// Package manager implements the autoscaler: a control loop that starts
// and stops backend workers to drive the monitor's average capacity
// factor toward a target, a start/stop procedure with bounded-wait
// readiness and shutdown semantics, and parallel termination.
package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ringlb/ringlb/internal/clock"
	"github.com/ringlb/ringlb/internal/rng"
	"github.com/ringlb/ringlb/monitor"
	"github.com/ringlb/ringlb/ring"
	"github.com/ringlb/ringlb/ringlblog"
)

// ServerID is shared with the ring and monitor packages.
type ServerID = ring.ServerID

// Config carries every tunable the control loop and start/stop
// procedures need.
type Config struct {
	TargetCF   float64
	GrowthRate float64

	// PortRangeStart and PortRangeEnd bound the selectable port range
	// [start, end).
	PortRangeStart uint16
	PortRangeEnd   uint16

	ModulationInterval  time.Duration
	BackendReadyTimeout time.Duration // default 5s
	BackendStopGrace    time.Duration // default 5s
	MaxConcurrentStarts int64         // default 8

	// Seed makes stop-backend's uniform random selection reproducible in
	// tests.
	Seed int64
}

type backendEntry struct {
	port   uint16
	handle BackendHandle
}

// Manager is the autoscaler. It exclusively owns the server table and the
// free-port pool; every other reader sees only snapshots taken through
// the monitor it drives.
type Manager struct {
	launcher BackendLauncher
	mon      *monitor.Monitor
	clk      clock.Clock
	log      logrus.FieldLogger
	cfg      Config
	rnd      *rng.Source
	sem      *semaphore.Weighted

	mu        sync.Mutex
	idCounter ServerID
	freePorts []uint16
	servers   map[ServerID]*backendEntry
}

// New constructs a Manager. The returned value owns no backends yet;
// call StartBackend (directly, or via RunControlLoop) to populate it.
func New(launcher BackendLauncher, mon *monitor.Monitor, clk clock.Clock, cfg Config, log logrus.FieldLogger) *Manager {
	if cfg.BackendReadyTimeout <= 0 {
		cfg.BackendReadyTimeout = 5 * time.Second
	}
	if cfg.BackendStopGrace <= 0 {
		cfg.BackendStopGrace = 5 * time.Second
	}
	if cfg.MaxConcurrentStarts <= 0 {
		cfg.MaxConcurrentStarts = 8
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	freePorts := make([]uint16, 0, int(cfg.PortRangeEnd)-int(cfg.PortRangeStart))
	for p := cfg.PortRangeStart; p < cfg.PortRangeEnd; p++ {
		freePorts = append(freePorts, p)
	}
	return &Manager{
		launcher:  launcher,
		mon:       mon,
		clk:       clk,
		log:       log,
		cfg:       cfg,
		rnd:       rng.New(cfg.Seed),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentStarts),
		freePorts: freePorts,
		servers:   make(map[ServerID]*backendEntry),
	}
}

func (m *Manager) allocatePortLocked() (uint16, bool) {
	if len(m.freePorts) == 0 {
		return 0, false
	}
	port := m.freePorts[0]
	m.freePorts = m.freePorts[1:]
	return port, true
}

func (m *Manager) releasePortLocked(port uint16) {
	idx := sort.Search(len(m.freePorts), func(i int) bool { return m.freePorts[i] >= port })
	m.freePorts = append(m.freePorts, 0)
	copy(m.freePorts[idx+1:], m.freePorts[idx:])
	m.freePorts[idx] = port
}

// StartBackend allocates a free port, assigns the next id, launches a
// backend worker, and waits (bounded by cfg.BackendReadyTimeout) for it
// to report ready before registering it with the monitor. A start
// failure or timeout releases the port back to the pool.
func (m *Manager) StartBackend(ctx context.Context) (ServerID, uint16, error) {
	m.mu.Lock()
	port, ok := m.allocatePortLocked()
	if !ok {
		m.mu.Unlock()
		return 0, 0, ErrNoFreePort
	}
	m.idCounter++
	id := m.idCounter
	m.mu.Unlock()

	handle, err := m.launcher.Launch(ctx, id, port)
	if err != nil {
		m.mu.Lock()
		m.releasePortLocked(port)
		m.mu.Unlock()
		return 0, 0, fmt.Errorf("manager: launching backend %d: %w", id, err)
	}

	select {
	case <-handle.Ready():
	case <-m.clk.After(m.cfg.BackendReadyTimeout):
		m.forceStop(handle)
		m.mu.Lock()
		m.releasePortLocked(port)
		m.mu.Unlock()
		return 0, 0, ErrBackendStartTimeout
	case <-ctx.Done():
		m.forceStop(handle)
		m.mu.Lock()
		m.releasePortLocked(port)
		m.mu.Unlock()
		return 0, 0, ctx.Err()
	}

	now := m.clk.Now()
	if err := m.mon.AddServer(id, port, now); err != nil {
		// idCounter is monotonic and ids are never reused; a collision
		// here means that invariant broke.
		panic(fmt.Sprintf("manager: monitor rejected fresh id %d: %v", id, err))
	}

	m.mu.Lock()
	m.servers[id] = &backendEntry{port: port, handle: handle}
	m.mu.Unlock()
	return id, port, nil
}

func (m *Manager) forceStop(handle BackendHandle) {
	stopCtx, cancel := context.WithTimeout(context.Background(), m.cfg.BackendStopGrace)
	defer cancel()
	_ = handle.Stop(stopCtx)
}

// StopBackend signals id's backend to terminate, deactivates it in the
// monitor, and returns its port to the free pool once the worker
// confirms exit or cfg.BackendStopGrace elapses, whichever comes first.
// A backend that misses the grace period is not forcibly terminated: its
// port is released regardless and ErrBackendStopTimeout is returned.
func (m *Manager) StopBackend(ctx context.Context, id ServerID) error {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if ok {
		delete(m.servers, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownServer
	}

	if err := m.mon.DeactivateServer(id, m.clk.Now()); err != nil {
		m.log.WithError(err).WithField("server_id", id).Warn("deactivating a backend the monitor never registered")
	}

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.BackendStopGrace)
	err := entry.handle.Stop(stopCtx)
	cancel()

	m.mu.Lock()
	m.releasePortLocked(entry.port)
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).WithField("server_id", id).Warn("backend did not confirm exit within the stop grace period; port released")
		return ErrBackendStopTimeout
	}
	return nil
}

// StopRandomBackend chooses uniformly at random among the backends
// currently tracked by the manager and stops it.
func (m *Manager) StopRandomBackend(ctx context.Context) (ServerID, error) {
	m.mu.Lock()
	ids := make([]ServerID, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	if len(ids) == 0 {
		return 0, ErrUnknownServer
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] }) // deterministic draw order
	id := ids[m.rnd.IntN(len(ids))]
	return id, m.StopBackend(ctx, id)
}

// ActiveCount returns the number of backends the manager currently owns.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servers)
}

// RunControlLoop drives the autoscaling decision on cfg.ModulationInterval
// until ctx is cancelled.
func (m *Manager) RunControlLoop(ctx context.Context) {
	defer ringlblog.Recover(m.log)
	ticker := m.clk.NewTicker(m.cfg.ModulationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	avg := m.mon.AverageCapacityFactor()
	diff := avg - m.cfg.TargetCF
	delta := int(roundHalfUp(diff * m.cfg.GrowthRate))

	switch {
	case delta > 0:
		m.scaleUp(ctx, delta)
	case delta < 0:
		m.scaleDown(ctx, -delta)
	}

	m.mon.UpdateServerCount(m.clk.Now().Unix(), m.ActiveCount())
}

// roundHalfUp rounds ties towards positive infinity, matching Java's
// Math.round rather than math.Round's round-half-away-from-zero: the
// modulation formula is grounded on CacheServerManager.java's
// Math.round(diff * growthRate), and the two disagree at every negative
// half-integer (e.g. round(-0.5) is 0 in Java, -1 under math.Round).
func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

func (m *Manager) scaleUp(ctx context.Context, n int) {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		group.Go(func() error {
			if err := m.sem.Acquire(groupCtx, 1); err != nil {
				return nil //nolint:nilerr // ctx cancellation, not a start failure
			}
			defer m.sem.Release(1)
			if _, _, err := m.StartBackend(groupCtx); err != nil {
				m.log.WithError(err).Warn("modulation: backend start failed")
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (m *Manager) scaleDown(ctx context.Context, n int) {
	if active := m.ActiveCount(); n > active-1 {
		n = active - 1 // never stop the last remaining backend
	}
	for i := 0; i < n; i++ {
		if _, err := m.StopRandomBackend(ctx); err != nil {
			m.log.WithError(err).Warn("modulation: backend stop failed")
		}
	}
}

// Close stops every backend the manager currently owns, in parallel, and
// waits for all of them to finish.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]ServerID, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		group.Go(func() error {
			if err := m.StopBackend(groupCtx, id); err != nil && !errors.Is(err, ErrBackendStopTimeout) {
				return err
			}
			return nil
		})
	}
	return group.Wait()
}
