package dispatcher

import (
	"net/http"
	"time"
)

// Config tunes the dispatcher's forwarding and redistribution behavior.
type Config struct {
	// Cutoffs are the four load-band boundaries [c0, c1, c2, c3], strictly
	// increasing. Defaults to [0.25, 0.5, 0.75, 1.5].
	Cutoffs [4]float64
	// InitialAngles is how many angles a newly discovered server is
	// seeded with. Defaults to 10.
	InitialAngles int
	// RedistributionInterval is the cadence of the reconcile-and-reweight
	// loop. Defaults to 1s.
	RedistributionInterval time.Duration
	// RequestTimeout bounds each outbound forwarded request. Defaults to
	// 10s. Ignored if Client is set.
	RequestTimeout time.Duration
	// Client overrides the shared HTTP client used for forwarding.
	Client *http.Client
}

func defaultCutoffs() [4]float64 {
	return [4]float64{0.25, 0.5, 0.75, 1.5}
}

func (c Config) withDefaults() Config {
	if c.Cutoffs == ([4]float64{}) {
		c.Cutoffs = defaultCutoffs()
	}
	if c.InitialAngles <= 0 {
		c.InitialAngles = 10
	}
	if c.RedistributionInterval <= 0 {
		c.RedistributionInterval = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}
