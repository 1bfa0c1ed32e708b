package backend

import (
	"context"

	"github.com/ringlb/ringlb/manager"
)

// Launcher is the production manager.BackendLauncher: it starts a real
// Worker, bound to the requested port, as a goroutine with its own
// http.Server.
type Launcher struct {
	Config Config
}

// Launch implements manager.BackendLauncher.
func (l Launcher) Launch(ctx context.Context, id manager.ServerID, port uint16) (manager.BackendHandle, error) {
	w := New(id, port, l.Config)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
