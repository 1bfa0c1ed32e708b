// Package backend implements the in-process HTTP cache-server simulator
// that the manager launches and stops. Its internal request-handling
// logic is deliberately trivial: it tracks a synthetic load counter and
// answers the capacity-factor telemetry contract from it, and responds
// 200 OK to any forwarded path.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pbnjay/memory"
	"github.com/sirupsen/logrus"

	"github.com/ringlb/ringlb/ring"
)

// ServerID is shared with the ring, monitor, and manager packages.
type ServerID = ring.ServerID

const (
	defaultWindow               = 2 * time.Second
	defaultMemoryPressureWeight = 0.5
)

// Config tunes the synthetic load model backing a Worker's reported
// capacity factor. The zero value is usable: Window and Log fall back to
// defaults, while a zero ServiceTime or MemoryPressureWeight simply
// drops that term from the capacity-factor formula (useful in tests that
// want a fast, deterministic worker).
type Config struct {
	// ServiceTime is the synthetic per-request processing duration: both
	// the handler's simulated busy-sleep and the unit used to convert a
	// request count into a busy-time fraction.
	ServiceTime time.Duration
	// Window is the trailing interval over which recent requests
	// contribute to the capacity factor. Defaults to 2s.
	Window time.Duration
	// MemoryPressureWeight scales how much system memory pressure adds
	// to the reported capacity factor. No default is applied: zero drops
	// the memory term entirely.
	MemoryPressureWeight float64
	Log                  logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return c
}

// Worker is an in-process HTTP cache-server simulator bound to a single
// port. It satisfies the GET /capacity-factor telemetry contract and
// forwards-target contract (any other path returns 200 OK).
type Worker struct {
	id   ServerID
	port uint16
	cfg  Config

	ready    chan struct{}
	server   *http.Server
	listener net.Listener

	mu     sync.Mutex
	recent []time.Time
}

// New constructs a Worker bound to port once Start is called.
func New(id ServerID, port uint16, cfg Config) *Worker {
	w := &Worker{
		id:    id,
		port:  port,
		cfg:   cfg.withDefaults(),
		ready: make(chan struct{}),
	}
	w.server = &http.Server{Handler: http.HandlerFunc(w.handle)}
	return w
}

// Ready is closed once the worker's listener is bound.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Start binds the listener on 127.0.0.1:port and begins serving in a
// background goroutine. It returns once the listener is bound; it does
// not wait for Serve to return.
func (w *Worker) Start(_ context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", w.port))
	if err != nil {
		return fmt.Errorf("backend: binding port %d: %w", w.port, err)
	}
	w.listener = listener
	close(w.ready)

	go func() {
		if err := w.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			w.cfg.Log.WithError(err).WithField("server_id", w.id).Warn("backend worker serve failed")
		}
	}()
	return nil
}

// Stop gracefully shuts the worker's HTTP server down, waiting for
// in-flight requests to finish or ctx to expire, whichever comes first.
func (w *Worker) Stop(ctx context.Context) error {
	return w.server.Shutdown(ctx)
}

func (w *Worker) handle(rw http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/capacity-factor" {
		w.serveCapacityFactor(rw)
		return
	}
	w.recordRequest(time.Now())
	if w.cfg.ServiceTime > 0 {
		time.Sleep(w.cfg.ServiceTime)
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(strings.TrimPrefix(req.URL.Path, "/")))
}

func (w *Worker) serveCapacityFactor(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(struct {
		CapacityFactor float64 `json:"capacity_factor"`
	}{CapacityFactor: w.capacityFactor(time.Now())})
}

func (w *Worker) recordRequest(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recent = append(w.recent, now)
	w.pruneLocked(now)
}

func (w *Worker) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	i := 0
	for i < len(w.recent) && w.recent[i].Before(cutoff) {
		i++
	}
	w.recent = w.recent[i:]
}

// capacityFactor is the dimensionless load metric reported via telemetry:
// the fraction of the trailing window spent busy (request count times
// ServiceTime, over Window), plus a term proportional to system memory
// pressure — a cache server realistically saturates as free memory
// drops.
func (w *Worker) capacityFactor(now time.Time) float64 {
	w.mu.Lock()
	w.pruneLocked(now)
	n := len(w.recent)
	w.mu.Unlock()

	cf := float64(n) * w.cfg.ServiceTime.Seconds() / w.cfg.Window.Seconds()

	if total := memory.TotalMemory(); total > 0 {
		free := memory.FreeMemory()
		if pressure := 1 - float64(free)/float64(total); pressure > 0 {
			cf += pressure * w.cfg.MemoryPressureWeight
		}
	}
	return cf
}
