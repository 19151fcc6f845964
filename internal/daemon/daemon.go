// Package daemon wires the scheduler, the confirmation gateway, the audit
// trail and both approver transports into a long-running process guarded by
// a file lock.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akarpov/warden/internal/audit"
	"github.com/akarpov/warden/internal/config"
	"github.com/akarpov/warden/internal/events"
	"github.com/akarpov/warden/internal/gate"
	"github.com/akarpov/warden/internal/integrity"
	"github.com/akarpov/warden/internal/lock"
	"github.com/akarpov/warden/internal/model"
	"github.com/akarpov/warden/internal/notify"
	"github.com/akarpov/warden/internal/planner"
	"github.com/akarpov/warden/internal/policy"
	transporthttp "github.com/akarpov/warden/internal/transport/http"
	"github.com/akarpov/warden/internal/uds"
)

// Daemon is the warden process. One instance per home directory, enforced
// by the file lock.
type Daemon struct {
	cfg *config.Config
	log *zap.SugaredLogger

	fileLock  *lock.FileLock
	bus       *events.Bus
	trail     *audit.Trail
	auditLog  *audit.Logger
	gateway   *gate.Gateway
	planner   *planner.Planner
	guard     *integrity.Guard
	watcher   *integrity.Watcher
	server    *uds.Server
	httpSrv   *transporthttp.Server
	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New assembles a daemon from config. The executor runs approved tasks;
// pass nil to acknowledge tasks without side effects.
func New(cfg *config.Config, executor planner.Executor, log *zap.SugaredLogger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.Daemon.HomeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	auditLog, err := audit.NewLogger(cfg.Audit.LogPath, cfg.Audit.MaxLogSize)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	trail := audit.NewTrail(auditLog)
	bus := events.NewBus(0)
	classifier := policy.NewClassifier(cfg.Policy)
	gateway := gate.New(classifier, trail, bus, log)
	gateway.SetDefaultTimeout(cfg.Planner.ConfirmTimeout)

	pl := planner.New(nil, executor, gateway, trail, bus, log, planner.Options{
		ConfirmTimeout:    cfg.Planner.ConfirmTimeout,
		MaxParallel:       cfg.Planner.MaxParallel,
		DefaultMaxRetries: cfg.Planner.DefaultMaxRetries,
	})

	guard, err := integrity.NewGuard(protectedPaths(cfg), trail, bus, log)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("integrity baseline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		cfg:      cfg,
		log:      log,
		fileLock: lock.New(filepath.Join(cfg.Daemon.HomeDir, "warden.lock")),
		bus:      bus,
		trail:    trail,
		auditLog: auditLog,
		gateway:  gateway,
		planner:  pl,
		guard:    guard,
		server:   uds.NewServer(cfg.Daemon.SocketPath, log),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Server.Enabled {
		d.httpSrv = transporthttp.NewServer(cfg.Server, gateway, pl, trail, log)
	}
	return d, nil
}

// protectedPaths resolves the policy's protected file basenames against the
// home directory. The audit log is deliberately not in this set: the daemon
// appends to it on every action, and its tamper evidence comes from the
// per-entry checksums instead.
func protectedPaths(cfg *config.Config) []string {
	paths := make([]string, 0, len(cfg.Policy.ProtectedFiles))
	for _, f := range cfg.Policy.ProtectedFiles {
		if filepath.IsAbs(f) {
			paths = append(paths, f)
			continue
		}
		paths = append(paths, filepath.Join(cfg.Daemon.HomeDir, f))
	}
	return paths
}

// Planner exposes the scheduler for the CLI's in-process mode and tests.
func (d *Daemon) Planner() *planner.Planner { return d.planner }

// Gateway exposes the confirmation gateway for tests.
func (d *Daemon) Gateway() *gate.Gateway { return d.gateway }

// Run starts the daemon and blocks until a shutdown signal arrives.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now().UTC()
	d.log.Infow("daemon_starting", "pid", os.Getpid(), "home", d.cfg.Daemon.HomeDir)

	watcher, err := integrity.NewWatcher(d.guard)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("integrity watcher: %w", err)
	}
	d.watcher = watcher
	watcher.Run(d.ctx)

	if d.cfg.Notify.Enabled {
		d.subscribeNotifications()
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start uds server: %w", err)
	}
	d.log.Infow("uds_listening", "socket", d.cfg.Daemon.SocketPath)

	g, gctx := errgroup.WithContext(d.ctx)
	if d.httpSrv != nil {
		g.Go(func() error {
			return d.httpSrv.Listen()
		})
		g.Go(func() error {
			<-gctx.Done()
			return d.httpSrv.Shutdown(d.cfg.Daemon.ShutdownTimeout)
		})
	}

	if err := d.trail.Append(model.AuditEntry{
		Actor:   model.ActorSystem,
		Action:  "daemon started",
		Outcome: "started",
	}); err != nil {
		d.log.Errorw("audit_append_failed", "error", err)
	}
	d.log.Infow("daemon_ready")

	d.waitSignals()

	if err := g.Wait(); err != nil {
		d.log.Warnw("server_group_exit", "error", err)
	}
	return nil
}

// subscribeNotifications surfaces new confirmation requests on the desktop.
func (d *Daemon) subscribeNotifications() {
	d.bus.Subscribe(events.EventConfirmationRequested, func(e events.Event) {
		desc, _ := e.Data["description"].(string)
		tier, _ := e.Data["tier"].(string)
		title := fmt.Sprintf("warden: %s action needs approval", tier)
		if err := notify.Send(title, desc); err != nil {
			d.log.Debugw("notify_failed", "error", err)
		}
	})
}

// waitSignals blocks until SIGTERM or SIGINT, then runs graceful shutdown.
// A second signal forces exit.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		d.log.Infow("signal_received", "signal", sig.String())
	case <-d.ctx.Done():
	}

	go func() {
		<-sigCh
		d.log.Warnw("second_signal_forcing_exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Infow("shutdown_started")

		// Deny every outstanding confirmation so no waiter hangs past the
		// process lifetime.
		denied := d.gateway.DenyAll("daemon shutting down")
		if denied > 0 {
			d.log.Infow("pending_confirmations_denied", "count", denied)
		}

		d.cancel()
		if d.server != nil {
			_ = d.server.Stop()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log.Infow("goroutines_drained")
		case <-time.After(d.cfg.Daemon.ShutdownTimeout):
			d.log.Warnw("shutdown_timeout", "timeout", d.cfg.Daemon.ShutdownTimeout)
		}

		if err := d.trail.Append(model.AuditEntry{
			Actor:   model.ActorSystem,
			Action:  "daemon stopped",
			Outcome: "stopped",
		}); err != nil {
			d.log.Errorw("audit_append_failed", "error", err)
		}

		d.cleanup()
		d.log.Infow("daemon_stopped")
	})
}

func (d *Daemon) cleanup() {
	d.bus.Close()
	if d.auditLog != nil {
		_ = d.auditLog.Close()
	}
	_ = d.fileLock.Unlock()
}
