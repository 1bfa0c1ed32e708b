// Command ringlbd runs one ringlb process: a self-scaling pool of
// simulated cache-server backends behind a consistent-hashing dispatcher.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ringlb/ringlb/backend"
	"github.com/ringlb/ringlb/dispatcher"
	"github.com/ringlb/ringlb/internal/clock"
	"github.com/ringlb/ringlb/manager"
	"github.com/ringlb/ringlb/monitor"
	"github.com/ringlb/ringlb/ring"
	"github.com/ringlb/ringlb/ringlbconf"
	"github.com/ringlb/ringlb/ringlblog"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := ringlbconf.Load()
	if err != nil {
		return fmt.Errorf("ringlbd: loading config: %w", err)
	}
	ringlblog.Configure(logrus.InfoLevel)
	rootLog := ringlblog.For("ringlbd")

	clk := clock.Real()

	hashRing, err := ring.New(cfg.RingSize, cfg.HashFunctionID, cfg.RingSeed)
	if err != nil {
		return fmt.Errorf("ringlbd: constructing ring: %w", err)
	}

	mon := monitor.New(&monitor.HTTPPinger{}, clk, 0, cfg.RequestMonitorRecordTTL, ringlblog.For("monitor"))

	launcher := backend.Launcher{Config: backend.Config{Log: ringlblog.For("backend")}}
	mgr := manager.New(launcher, mon, clk, manager.Config{
		TargetCF:           cfg.TargetCF,
		GrowthRate:         cfg.GrowthRate,
		PortRangeStart:     cfg.PortRangeStart,
		PortRangeEnd:       cfg.PortRangeEnd,
		ModulationInterval: cfg.ModulationInterval,
		Seed:               cfg.RingSeed,
	}, ringlblog.For("manager"))

	disp, err := dispatcher.New(hashRing, mon, clk, dispatcher.Config{
		Cutoffs:                cfg.ServerLoadCutoffs,
		InitialAngles:          cfg.InitialAnglesPerServer,
		RedistributionInterval: cfg.RedistributionInterval,
	}, ringlblog.For("dispatcher"))
	if err != nil {
		return fmt.Errorf("ringlbd: constructing dispatcher: %w", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	for i := 0; i < cfg.InitialBackendCount; i++ {
		if _, _, err := mgr.StartBackend(rootCtx); err != nil {
			return fmt.Errorf("ringlbd: seeding initial backend %d: %w", i, err)
		}
	}

	// Each background loop gets its own cancellation derived from rootCtx,
	// so shutdown can cancel them one at a time in the order spec.md §5
	// mandates instead of racing all three against a single shared ctx.
	redistCtx, redistCancel := context.WithCancel(rootCtx)
	defer redistCancel()
	modCtx, modCancel := context.WithCancel(rootCtx)
	defer modCancel()
	pollCtx, pollCancel := context.WithCancel(rootCtx)
	defer pollCancel()

	redistDone := make(chan struct{})
	go func() {
		defer close(redistDone)
		disp.RunRedistributionLoop(redistCtx)
	}()

	modDone := make(chan struct{})
	go func() {
		defer close(modDone)
		mgr.RunControlLoop(modCtx)
	}()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		mon.RunPollLoop(pollCtx, cfg.PollInterval)
	}()

	dispatcherSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.DispatcherPort),
		Handler:           disp,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		defer ringlblog.Recover(rootLog)
		if err := dispatcherSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ringlbd: dispatcher server: %v", err)
		}
	}()

	controlListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("ringlbd: binding control port: %w", err)
	}
	controlSrv := &http.Server{
		Handler:           manager.ControlHandler{Manager: mgr, Monitor: mon},
		ReadHeaderTimeout: 5 * time.Second,
	}
	rootLog.WithField("addr", controlListener.Addr().String()).Info("control port listening")
	go func() {
		defer ringlblog.Recover(rootLog)
		if err := controlSrv.Serve(controlListener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ringlbd: control server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Cancellation order per spec.md §5: client-facing listener,
	// redistribution worker, modulation worker, monitor poller, each
	// backend worker. The control port isn't one of the named loops, but
	// stopping it alongside the client-facing listener closes off both
	// external entry points before any internal worker is torn down.
	_ = dispatcherSrv.Shutdown(shutdownCtx)
	_ = controlSrv.Shutdown(shutdownCtx)

	redistCancel()
	<-redistDone

	modCancel()
	<-modDone

	pollCancel()
	<-pollDone

	return mgr.Close(shutdownCtx)
}
