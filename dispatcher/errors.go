package dispatcher

import "errors"

// ErrInvalidCutoffs is returned by New when the configured load cutoffs
// are not strictly increasing.
var ErrInvalidCutoffs = errors.New("dispatcher: serverLoadCutoffs must be strictly increasing")
