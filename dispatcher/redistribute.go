package dispatcher

import (
	"context"

	"github.com/ringlb/ringlb/monitor"
	"github.com/ringlb/ringlb/ring"
	"github.com/ringlb/ringlb/ringlblog"
)

// RunRedistributionLoop pulls fresh telemetry from the monitor, reconciles
// the ring's server set against it, reweights each server's angles by its
// reported load band, and records a snapshot — on cfg.RedistributionInterval,
// until ctx is cancelled.
func (d *Dispatcher) RunRedistributionLoop(ctx context.Context) {
	defer ringlblog.Recover(d.log)
	ticker := d.clk.NewTicker(d.cfg.RedistributionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.redistributeOnce()
		}
	}
}

func (d *Dispatcher) redistributeOnce() {
	active := d.refreshSnapshot()
	d.reconcileMembership(active)
	d.reweight(active)
	d.ring.RecordSnapshot(d.clk.Now())
}

func (d *Dispatcher) reconcileMembership(active map[ring.ServerID]monitor.ServerInfoView) {
	existing := make(map[ring.ServerID]bool)
	for _, id := range d.ring.Servers() {
		existing[id] = true
	}

	for id := range active {
		if existing[id] {
			continue
		}
		d.ring.AddServer(id)
		if err := d.ring.AddAngle(id, d.cfg.InitialAngles); err != nil {
			d.log.WithError(err).WithField("server_id", id).Warn("redistribution: could not seed angles for new server")
		}
	}

	for id := range existing {
		if _, ok := active[id]; ok {
			continue
		}
		if len(d.ring.Servers()) <= 1 {
			// Ring-never-empty: a single overloaded server beats no
			// server at all.
			continue
		}
		d.ring.EvictServer(id)
	}
}

func (d *Dispatcher) reweight(active map[ring.ServerID]monitor.ServerInfoView) {
	for id, view := range active {
		if !d.ring.HasServer(id) {
			continue
		}
		d.applyBand(id, view.CurrentCapacityFactor)
	}
}

func (d *Dispatcher) applyBand(id ring.ServerID, cf float64) {
	c := d.cfg.Cutoffs
	switch {
	case cf < c[0]:
		if err := d.ring.AddAngle(id, 3); err != nil {
			d.log.WithError(err).WithField("server_id", id).Warn("redistribution: could not grow angles for underloaded server")
		}
	case cf < c[1]:
		if err := d.ring.AddAngle(id, 1); err != nil {
			d.log.WithError(err).WithField("server_id", id).Warn("redistribution: could not grow angles for underloaded server")
		}
	case cf <= c[2]:
		// within target band, no change
	case cf <= c[3]:
		d.guardedRemove(id, 1)
	default:
		d.guardedRemove(id, 3)
	}
}

func (d *Dispatcher) guardedRemove(id ring.ServerID, n int) {
	if len(d.ring.Servers()) <= 1 {
		return
	}
	d.ring.RemoveAngle(id, n)
}
