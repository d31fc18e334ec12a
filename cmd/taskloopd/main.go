// taskloopd is the task lifecycle daemon: it queues natural-language coding
// tasks durably in SQLite and executes them one at a time by driving an
// external coding agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/taskloop/taskloop/internal/api"
	"github.com/taskloop/taskloop/internal/common/config"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/common/tracing"
	"github.com/taskloop/taskloop/internal/events/bus"
	"github.com/taskloop/taskloop/internal/executor"
	"github.com/taskloop/taskloop/internal/lifecycle"
	"github.com/taskloop/taskloop/internal/runner"
	"github.com/taskloop/taskloop/internal/scheduler"
	"github.com/taskloop/taskloop/internal/sink"
	"github.com/taskloop/taskloop/internal/task/store"
)

func main() {
	configPath := flag.String("config", "", "path to the config directory")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
		return
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("Daemon exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	lock, err := lifecycle.Acquire(cfg.Workspace.DataDir, log)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(filepath.Join(cfg.Workspace.DataDir, "tasks.db"), log)
	if err != nil {
		return err
	}
	defer st.Close()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return err
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	var agentRunner runner.Runner
	switch cfg.Agent.Mode {
	case "subprocess":
		agentRunner = runner.NewSubprocess(cfg.Agent.BinaryPath, log)
	default:
		agentRunner = runner.NewClient(cfg.Agent.ServerURL, log)
	}

	exec := executor.New(st, agentRunner, executor.Config{
		Agent:            cfg.Agent.Name,
		Specialists:      cfg.Agent.Specialists,
		WorkspaceRoot:    cfg.Workspace.Root,
		IterationTimeout: cfg.Executor.IterationTimeout(),
	}, log)

	snk := sink.New(eventBus, log)
	snk.Register("log", 5*time.Second, func(ctx context.Context, ev sink.Event) error {
		log.Info("Task lifecycle event",
			zap.String("kind", string(ev.Kind)),
			zap.Int64("task_id", ev.Task.ID),
			zap.String("status", string(ev.Task.Status)))
		return nil
	})

	sched := scheduler.New(st, exec, snk, cfg.Scheduler.PollInterval(), cfg.Executor.TaskTimeout(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewServer(st, log).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Status API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Info("Shutting down", zap.String("signal", sig.String()))
		case <-gctx.Done():
			return nil
		}

		// A second signal forces an immediate exit; the orphaned task is
		// reset on the next start.
		go func() {
			<-sigCh
			log.Warn("Forced shutdown")
			os.Exit(1)
		}()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancelShutdown()

		stopped := make(chan struct{})
		go func() {
			sched.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
			log.Info("In-flight task drained")
		case <-shutdownCtx.Done():
			log.Warn("Shutdown timeout exceeded, abandoning in-flight task")
		}

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown error", zap.Error(err))
		}
		cancel()
		return nil
	})

	err = g.Wait()

	if terr := tracing.Shutdown(context.Background()); terr != nil {
		log.Warn("Tracing shutdown error", zap.Error(terr))
	}
	return err
}
