package manager

import "errors"

// ErrNoFreePort is returned by StartBackend when the port pool is exhausted.
var ErrNoFreePort = errors.New("manager: no free port available")

// ErrUnknownServer is returned by operations addressing a server id the
// manager is not currently tracking.
var ErrUnknownServer = errors.New("manager: unknown server id")

// ErrBackendStartTimeout is returned by StartBackend when a launched
// backend does not report ready within the configured timeout.
var ErrBackendStartTimeout = errors.New("manager: backend did not become ready in time")

// ErrBackendStopTimeout is returned by StopBackend when a backend does
// not confirm exit within the configured grace period.
var ErrBackendStopTimeout = errors.New("manager: backend did not stop in time")
