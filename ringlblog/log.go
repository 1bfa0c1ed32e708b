// Package ringlblog configures the structured logger shared by every
// long-running loop in ringlb: the monitor's poller, the manager's
// control loop, and the dispatcher's request and redistribution paths.
// Control-plane lifecycle events log at info/warn; request-plane
// failures log at debug, matching the retrieved autoscaler reference's
// use of logrus.Debugf for per-tick scaling-loop events.
package ringlblog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Configure sets the process-wide logrus formatter and level. Call once
// from cmd/ringlbd before constructing any component.
func Configure(level logrus.Level) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(level)
}

// For returns a FieldLogger scoped to a named component, so every log
// line it emits carries a "component" field.
func For(component string) logrus.FieldLogger {
	return logrus.WithField("component", component)
}

// Recover must be deferred at the top of every long-running run loop and
// server goroutine. A fatal invariant violation is a programmer error,
// not a control-plane condition to log-and-continue past, but a crashed
// loop must never vanish silently: Recover logs the panic via log before
// re-panicking, so it still surfaces (and still crashes the process, as
// an unrecovered panic must).
func Recover(log logrus.FieldLogger) {
	if r := recover(); r != nil {
		log.WithField("panic", r).Error("recovered fatal invariant violation, re-panicking")
		panic(r)
	}
}
