package manager

import "context"

// BackendLauncher abstracts starting and stopping a backend worker bound
// to a specific port, so the control loop's scaling decisions are
// testable without a real network listener.
type BackendLauncher interface {
	// Launch starts a backend worker bound to port and returns a handle
	// to it. Launch itself must return promptly; it does not wait for
	// the worker to become ready.
	Launch(ctx context.Context, id ServerID, port uint16) (BackendHandle, error)
}

// BackendHandle is a running backend worker.
type BackendHandle interface {
	// Ready is closed once the backend's listener is bound and it can
	// accept telemetry polls and forwarded requests.
	Ready() <-chan struct{}
	// Stop signals the backend to terminate and blocks until it exits or
	// ctx is done, whichever comes first.
	Stop(ctx context.Context) error
}
