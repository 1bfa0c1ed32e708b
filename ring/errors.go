package ring

import "errors"

// ErrRingEmpty is returned by FindServerID when no angles exist on the ring.
var ErrRingEmpty = errors.New("ring: empty, no servers to route to")

// ErrRingSaturated is returned by AddAngle when a free position could not
// be drawn within the bounded number of retries.
var ErrRingSaturated = errors.New("ring: could not find a free position after max attempts")

// ErrInvalidConfig is returned by New when the ring size or hash function
// configuration is invalid.
var ErrInvalidConfig = errors.New("ring: invalid configuration")
