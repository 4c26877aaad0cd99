package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/seldon-engine/aof/pkg/delegation"
	"github.com/seldon-engine/aof/pkg/executor"
	"github.com/seldon-engine/aof/pkg/health"
	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/notify"
	"github.com/seldon-engine/aof/pkg/protocol"
	"github.com/seldon-engine/aof/pkg/registry"
	"github.com/seldon-engine/aof/pkg/scheduler"
	"github.com/seldon-engine/aof/pkg/server"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

const (
	// PIDFile is the daemon lock file's name inside the data directory.
	PIDFile = "daemon.pid"

	// InboxDir is the envelope drop directory's name inside the data
	// directory.
	InboxDir = "inbox"

	// shutdownTimeout bounds the drain: in-flight requests, executor
	// sessions and log flushes all share it.
	shutdownTimeout = 30 * time.Second

	// openConcurrency bounds parallel project opens at boot.
	openConcurrency = 4
)

// Config assembles a daemon. Only DataDir is required.
type Config struct {
	// DataDir is the orchestrator root. Projects, the inbox, the socket
	// and the PID file all live under it.
	DataDir string

	// SocketPath overrides the default <DataDir>/aof.sock.
	SocketPath string

	// Scheduler tunes the poll loop. Zero fields take defaults.
	Scheduler scheduler.Config

	// Router tunes protocol handling (cascade blocks, review gating).
	Router protocol.Config

	// Executor runs dispatched sessions. Nil means the null executor:
	// tasks are leased and announced but nothing is spawned.
	Executor executor.Executor

	// Notifier receives operator alerts. Nil routes them to the log.
	Notifier notify.Notifier
}

// Daemon owns every long-lived component and walks them through one
// lifecycle: open, serve, drain. Construct with New, run with Run.
type Daemon struct {
	cfg        Config
	dataDir    string
	socketPath string
	pidPath    string

	registry  *registry.Registry
	executor  executor.Executor
	scheduler *scheduler.Scheduler
	router    *protocol.Router
	monitor   *health.Monitor
	server    *server.Server
	inbox     *protocol.Inbox
	collector *MetricsCollector
	logger    zerolog.Logger
}

// New wires the daemon's components. Nothing touches the filesystem or
// the network until Run.
func New(cfg Config) (*Daemon, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory required: %w", errdefs.ErrInvalidArgument)
	}
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(dataDir, server.SocketFile)
	}

	reg := registry.New(dataDir)
	reg.OnOpen(func(st *store.Store) { delegation.Attach(st) })

	exe := cfg.Executor
	if exe == nil {
		exe = executor.NewNull()
	}

	sched := scheduler.New(reg, exe, cfg.Notifier, cfg.Scheduler)
	router := protocol.NewRouter(reg, cfg.Router)
	router.OnDispatch(sched.Wake)

	pollInterval := cfg.Scheduler.PollInterval
	if pollInterval <= 0 {
		pollInterval = scheduler.DefaultConfig().PollInterval
	}
	monitor := health.NewMonitor(reg, sched, health.Config{
		DataDir:      dataDir,
		PollInterval: pollInterval,
	})

	inbox, err := protocol.NewInbox(router, filepath.Join(dataDir, InboxDir))
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:        cfg,
		dataDir:    dataDir,
		socketPath: socketPath,
		pidPath:    filepath.Join(dataDir, PIDFile),
		registry:   reg,
		executor:   exe,
		scheduler:  sched,
		router:     router,
		monitor:    monitor,
		server:     server.New(router, reg, monitor, socketPath),
		inbox:      inbox,
		collector:  NewMetricsCollector(reg),
		logger:     log.WithComponent("daemon"),
	}, nil
}

// SocketPath returns where the daemon listens once running.
func (d *Daemon) SocketPath() string { return d.socketPath }

// Run starts the daemon and blocks until ctx is cancelled, then drains.
// The sequence is strict: stores must open before anything serves, the
// socket must answer our own health probe before the PID file claims the
// data directory, and the poll loop starts last.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	prior, alive, err := readPIDFile(d.pidPath)
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("daemon already running (pid %d) in %s: %w",
			prior, d.dataDir, errdefs.ErrConflict)
	}

	if err := d.openProjects(); err != nil {
		return err
	}
	if err := d.server.Start(); err != nil {
		return err
	}

	// Probe our own socket before claiming the directory: a daemon that
	// cannot answer /health has no business holding the PID file.
	if res := health.NewSocketChecker(d.socketPath).Check(ctx); !res.Healthy {
		d.teardownServer()
		return fmt.Errorf("startup self-check failed: %s: %w", res.Message, errdefs.ErrUnavailable)
	}

	if prior != 0 {
		d.recordCrashRecovery(prior)
	}
	if err := writePIDFile(d.pidPath); err != nil {
		d.teardownServer()
		return err
	}

	d.scheduler.Start()
	d.collector.Start()
	if err := d.inbox.Start(); err != nil {
		d.collector.Stop()
		d.scheduler.Stop()
		d.teardownServer()
		d.removePID()
		return err
	}

	d.logger.Info().
		Str("data_dir", d.dataDir).
		Str("socket", d.socketPath).
		Int("pid", os.Getpid()).
		Msg("daemon started")

	<-ctx.Done()
	return d.shutdown()
}

// openProjects opens every discovered project's store and event log,
// in parallel, before anything serves. Broken manifests are skipped with
// a warning; a project that should open but will not is fatal.
func (d *Daemon) openProjects() error {
	records, err := d.registry.Projects(false)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(openConcurrency)
	for _, rec := range records {
		if rec.Err != nil {
			d.logger.Warn().Err(rec.Err).Str("project_id", rec.ID).
				Msg("skipping project with broken manifest")
			continue
		}
		id := rec.ID
		g.Go(func() error {
			if _, err := d.registry.Open(id); err != nil {
				return fmt.Errorf("open project %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.logger.Info().Int("projects", len(records)).Msg("projects opened")
	return nil
}

// recordCrashRecovery notes that a previous daemon died without removing
// its PID file. The event lands in the inbox project's log, the one log
// that always exists.
func (d *Daemon) recordCrashRecovery(stalePID int) {
	d.logger.Warn().Int("stale_pid", stalePID).Msg("stale PID file found, recovering")
	lg, err := d.registry.Events(types.InboxProject)
	if err != nil {
		d.logger.Warn().Err(err).Msg("could not record crash recovery")
		return
	}
	lg.Record(&types.Event{
		Type:      types.EventCrashRecovery,
		Timestamp: time.Now().UTC(),
		Actor:     "daemon",
		ProjectID: types.InboxProject,
		Payload:   map[string]any{"stalePid": stalePID},
	})
}

// shutdown drains in dependency order: stop planning new work, stop
// feeding the router, wait out the poll and renewal loops, then close the
// serving surface and flush the logs. Runs on every exit path after a
// successful start, so the PID file and socket never outlive the process.
func (d *Daemon) shutdown() error {
	d.logger.Info().Msg("daemon draining")
	scheduler.SetDraining(true)

	d.inbox.Stop()
	d.scheduler.Stop()
	d.collector.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := d.server.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutdown server: %w", err)
	}
	if sh, ok := d.executor.(interface{ Shutdown(context.Context) error }); ok {
		if err := sh.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown executor: %w", err)
		}
	}
	if err := d.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.removePID(); err != nil && firstErr == nil {
		firstErr = err
	}

	d.logger.Info().Msg("daemon stopped")
	return firstErr
}

func (d *Daemon) teardownServer() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("server teardown failed")
	}
}

func (d *Daemon) removePID() error {
	if err := os.Remove(d.pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}
