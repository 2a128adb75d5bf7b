package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kbforge/internal/config"
	"kbforge/internal/content"
	"kbforge/internal/daemon"
	"kbforge/internal/fanout"
	"kbforge/internal/fanout/natsbridge"
	"kbforge/internal/logging"
	"kbforge/internal/metrics"
	"kbforge/internal/notifications"
	"kbforge/internal/phase"
	"kbforge/internal/pipeline"
	"kbforge/internal/router"
	"kbforge/internal/services/llm"
	"kbforge/internal/tasks"
	"kbforge/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the kbforge daemon and blocks until the context is cancelled or
// the process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("kbforge-%s.log", runID))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update kbforge.log link: %v\n", err)
	}

	pidPath := filepath.Join(cfg.Paths.DataDir, "kbforged.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	rt, err := Build(signalCtx, cfg, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "daemon assembly failed", "daemon_build_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check backend definitions and database access"),
		)
		return err
	}
	defer rt.Close()

	if err := rt.Daemon.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	logger.Info("kbforge daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("api_address", rt.Daemon.APIAddress()),
		logging.String("database", cfg.DatabasePath()),
		logging.Int("backends", len(cfg.Backends)),
	)

	<-signalCtx.Done()
	logger.Info("kbforge daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_stopping"),
	)
	return nil
}

// Runtime is the assembled daemon with the resources that must be released
// alongside it.
type Runtime struct {
	Daemon   *daemon.Daemon
	Manager  *workflow.Manager
	Executor *tasks.Executor
	Hub      *fanout.Hub
	Router   *router.Router

	bridge *natsbridge.Bridge
}

// Close stops the daemon, closes the content store, and drains the NATS
// connection when one was opened.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Daemon != nil {
		errs = append(errs, r.Daemon.Close())
	}
	if r.bridge != nil {
		errs = append(errs, r.bridge.Close())
	}
	return errors.Join(errs...)
}

// Build wires the content store, router, task executor, scheduler, and
// observers into a daemon that has not been started yet.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	store, err := content.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	rt := &Runtime{}
	ok := false
	defer func() {
		if !ok {
			if rt.bridge != nil {
				_ = rt.bridge.Close()
			}
			_ = store.Close()
		}
	}()

	registry, err := llm.NewRegistry(cfg.Backends)
	if err != nil {
		return nil, fmt.Errorf("build backend registry: %w", err)
	}
	rt.Router = router.New(registry, store, logger)

	metricsReg := metrics.New()
	hubOpts := fanout.OptionsFromConfig(cfg.Fanout)
	hubOpts.Logger = logger
	hubOpts.Metrics = metricsReg
	rt.Hub = fanout.NewHub(hubOpts)

	if cfg.NATS.Enabled {
		bridge, err := natsbridge.Connect(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		rt.bridge = bridge
		rt.Hub.AddSink(bridge)
	}

	var notifier *notifications.Sink
	if svc := notifications.NewService(cfg.Notifications); notifications.Enabled(svc) {
		notifier = notifications.NewSink(svc, cfg.Notifications, logger)
		rt.Hub.AddSink(notifier)
	}

	kinds, err := tasks.KindTableFromConfig(cfg.Tasks)
	if err != nil {
		return nil, err
	}
	taskStore, err := tasks.NewStore(ctx, store.DB())
	if err != nil {
		return nil, err
	}
	handlers, err := pipeline.Handlers(pipeline.OptionsFromConfig(cfg, store, logger))
	if err != nil {
		return nil, err
	}

	// The executor reports commits to the scheduler, which is built after it.
	var mgr *workflow.Manager
	rt.Executor, err = tasks.NewExecutor(tasks.Options{
		Store:             taskStore,
		Items:             store,
		Router:            rt.Router,
		Kinds:             kinds,
		Handlers:          handlers,
		Publisher:         rt.Hub,
		Metrics:           metricsReg,
		Logger:            logger,
		HeartbeatInterval: seconds(cfg.Workflow.HeartbeatInterval),
		HeartbeatTimeout:  seconds(cfg.Workflow.HeartbeatTimeout),
		OnPhaseCompleted: func(itemID string, p phase.Phase) {
			if mgr != nil {
				mgr.PhaseCompleted(itemID, p)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	mgr = workflow.NewManager(cfg, store, rt.Executor, logger, workflow.WithRegistry(registry))
	rt.Manager = mgr

	rt.Daemon, err = daemon.New(cfg, daemon.Deps{
		Store:    store,
		Executor: rt.Executor,
		Router:   rt.Router,
		Workflow: mgr,
		Hub:      rt.Hub,
		Metrics:  metricsReg,
		Notifier: notifier,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create daemon: %w", err)
	}
	ok = true
	return rt, nil
}

func seconds(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "kbforge.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
