package manager

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ringlb/ringlb/monitor"
)

// ControlHandler exposes the manager's control port: GET /cache-servers
// lists every tracked backend, POST /cache-servers starts one, and
// DELETE /cache-servers/{id} stops one.
type ControlHandler struct {
	Manager *Manager
	Monitor *monitor.Monitor
}

// ServeHTTP implements http.Handler.
func (h ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/cache-servers":
		h.list(w)
	case r.Method == http.MethodPost && r.URL.Path == "/cache-servers":
		h.start(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/cache-servers/"):
		h.stop(w, r)
	default:
		http.NotFound(w, r)
	}
}

type cacheServerView struct {
	Port           uint16  `json:"port"`
	CapacityFactor float64 `json:"capacityFactor"`
	Active         bool    `json:"active"`
}

func (h ControlHandler) list(w http.ResponseWriter) {
	snapshot := h.Monitor.Snapshot()
	out := make(map[string]cacheServerView, len(snapshot))
	for id, view := range snapshot {
		out[strconv.FormatUint(uint64(id), 10)] = cacheServerView{
			Port:           view.Port,
			CapacityFactor: view.CurrentCapacityFactor,
			Active:         view.Active,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h ControlHandler) start(w http.ResponseWriter, r *http.Request) {
	id, port, err := h.Manager.StartBackend(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		ID   ServerID `json:"id"`
		Port uint16   `json:"port"`
	}{ID: id, Port: port})
}

func (h ControlHandler) stop(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/cache-servers/")
	idVal, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid server id", http.StatusBadRequest)
		return
	}
	if err := h.Manager.StopBackend(r.Context(), ServerID(idVal)); err != nil {
		if errors.Is(err, ErrUnknownServer) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
