// Package dispatcher is the front-facing request router: it maps each
// inbound request to a backend via the hash ring and forwards it, and
// runs the periodic redistribution loop that keeps the ring's server set
// and weights in sync with observed telemetry.
package dispatcher

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ringlb/ringlb/internal/clock"
	"github.com/ringlb/ringlb/monitor"
	"github.com/ringlb/ringlb/ring"
)

// Dispatcher implements http.Handler for the client-facing port and owns
// the redistribution loop.
type Dispatcher struct {
	ring *ring.Ring
	mon  *monitor.Monitor
	clk  clock.Clock
	log  logrus.FieldLogger
	cfg  Config

	client *http.Client

	mu       sync.RWMutex
	snapshot map[ring.ServerID]monitor.ServerInfoView
}

// New constructs a Dispatcher. Fails with ErrInvalidCutoffs if
// cfg.Cutoffs is set but not strictly increasing.
func New(r *ring.Ring, mon *monitor.Monitor, clk clock.Clock, cfg Config, log logrus.FieldLogger) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	c := cfg.Cutoffs
	if !(c[0] < c[1] && c[1] < c[2] && c[2] < c[3]) {
		return nil, ErrInvalidCutoffs
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{MaxIdleConnsPerHost: 64},
			Timeout:   cfg.RequestTimeout,
		}
	}
	return &Dispatcher{
		ring:     r,
		mon:      mon,
		clk:      clk,
		log:      log,
		cfg:      cfg,
		client:   client,
		snapshot: make(map[ring.ServerID]monitor.ServerInfoView),
	}, nil
}

// ServeHTTP implements http.Handler for the client-facing port.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := resourceKey(r.URL.Path)
	if key == "" {
		http.Error(w, "missing resource key", http.StatusBadRequest)
		return
	}

	id, err := d.ring.FindServerID(key)
	if err != nil {
		http.Error(w, "no backend available", http.StatusServiceUnavailable)
		return
	}

	view, ok := d.lookup(id)
	if !ok {
		d.refreshSnapshot()
		view, ok = d.lookup(id)
		if !ok {
			http.Error(w, "no backend available", http.StatusServiceUnavailable)
			return
		}
	}

	d.forward(w, r, view.Port)
}

func resourceKey(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	segments := strings.Split(trimmed, "/")
	return segments[len(segments)-1]
}

func (d *Dispatcher) lookup(id ring.ServerID) (monitor.ServerInfoView, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.snapshot[id]
	return v, ok
}

// refreshSnapshot pulls the monitor's server table and keeps only active
// servers: a deactivated backend's port must never be forwarded to, even
// though the monitor retains its history for reporting.
func (d *Dispatcher) refreshSnapshot() map[ring.ServerID]monitor.ServerInfoView {
	full := d.mon.Snapshot()
	active := make(map[ring.ServerID]monitor.ServerInfoView, len(full))
	for id, v := range full {
		if v.Active {
			active[id] = v
		}
	}
	d.mu.Lock()
	d.snapshot = active
	d.mu.Unlock()
	return active
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, port uint16) {
	target := fmt.Sprintf("http://localhost:%d%s", port, r.URL.RequestURI())
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.WithError(err).WithField("port", port).Debug("upstream forward failed")
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
