package monitor

import "errors"

// ErrDuplicateID is returned by AddServer when the id is already tracked.
var ErrDuplicateID = errors.New("monitor: server id already registered")

// ErrUnknownServer is returned by operations addressing a server id the
// monitor has never seen.
var ErrUnknownServer = errors.New("monitor: unknown server id")
