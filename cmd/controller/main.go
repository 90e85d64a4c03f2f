// Package main is the entry point for the runplane controller: the HTTP API,
// the dispatcher and the optional reconciliation sweep in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"runplane/internal/config"
	"runplane/internal/controller"
	"runplane/internal/dispatcher"
	"runplane/internal/logger"
	"runplane/internal/notify"
	"runplane/internal/observability"
	"runplane/internal/reconciler"
	"runplane/internal/registry"
	"runplane/internal/runner"
	"runplane/internal/runs"
	"runplane/internal/store"
	"runplane/internal/store/postgres"
	"runplane/internal/store/sqlite"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: runplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logr := logger.New(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup Database
	db, err := openStore(ctx, cfg, *migrateFlag || cfg.Store.Migrate, logr)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	// Tracing
	if cfg.OTel.Endpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName: cfg.OTel.ServiceName,
			Endpoint:    cfg.OTel.Endpoint,
			SampleRatio: cfg.OTel.SampleRatio,
		})
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logr.Error("failed to shutdown tracer", "error", err)
			}
		}()
	} else {
		observability.InitPropagator()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics(cfg.OTel.ServiceName)
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logr.Error("failed to shutdown metrics", "error", err)
		}
	}()

	reg := registry.New()
	runMetrics, err := observability.NewRunMetrics(otel.Meter(cfg.OTel.ServiceName),
		func() int64 { return int64(reg.PendingLen()) },
		func() int64 { return int64(reg.AliveCount()) },
	)
	if err != nil {
		log.Fatalf("Failed to register run metrics: %v", err)
	}

	// Executor
	rt, err := newRuntime(ctx, cfg.Runner)
	if err != nil {
		log.Fatalf("Failed to create runtime: %v", err)
	}
	executor, err := runner.NewExecutor(afero.NewOsFs(), rt, runner.Config{
		InputRoot:      cfg.Runner.InputRoot,
		OutputRoot:     cfg.Runner.OutputRoot,
		ArtifactName:   cfg.Runner.ArtifactName,
		ErrorMarkerDir: cfg.Runner.ErrorMarkerDir,
		CompileCommand: cfg.Engine.CompileCommand,
		RunCommand:     cfg.Engine.RunCommand,
		Flavor:         runner.ScriptFlavor(cfg.Runner.ScriptFlavor),
	})
	if err != nil {
		log.Fatalf("Failed to create executor: %v", err)
	}

	notifier := notify.NewAsync(newNotifier(cfg.Notify, logr), cfg.Notify.Timeout, logr)
	defer notifier.Wait()

	rec := reconciler.New(db, reg, executor, reconciler.Config{
		ExitCodePolicy: reconciler.ExitCodePolicy(cfg.Reconcile.ExitCodePolicy),
	}, runMetrics, logr)

	svc := runs.New(db, reg, executor, rec, notifier, runs.Config{
		OrphanedRunning: runs.OrphanPolicy(cfg.Recovery.OrphanedRunning),
		KillWait:        cfg.Runner.KillWait,
	}, logr)

	// Restore the queue before anything can pop from it.
	if _, err := svc.Recover(ctx); err != nil {
		log.Fatalf("Failed to recover queue: %v", err)
	}

	disp := dispatcher.New(db, reg, executor, notifier, runMetrics, dispatcher.Config{
		Concurrency:  cfg.Dispatcher.Concurrency,
		PollInterval: cfg.Dispatcher.PollInterval,
		MaxBackoff:   cfg.Dispatcher.MaxBackoff,
	}, logr)

	srv := controller.New(controller.Config{
		Addr:        cfg.Addr(),
		OwnerHeader: cfg.API.OwnerHeader,
		SubmitRate:  cfg.API.SubmitRate,
		SubmitBurst: cfg.API.SubmitBurst,
	}, svc, metricsHandler, logr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logr.Info("runplane controller starting", "addr", cfg.Addr())
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return disp.Run(gctx)
	})
	if cfg.Reconcile.Schedule != "" {
		g.Go(func() error {
			return rec.RunSweep(gctx, cfg.Reconcile.Schedule)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("controller stopped", "error", err)
		os.Exit(1)
	}
	logr.Info("controller exited properly", "running", reg.AliveCount())
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool, logr *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if migrate {
			logr.Info("running database migrations", "driver", "postgres")
			if err := postgres.Migrate(s.DB()); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	default:
		s, err := sqlite.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if migrate {
			logr.Info("running database migrations", "driver", "sqlite")
			if err := sqlite.Migrate(s.DB()); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	}
}

func newRuntime(ctx context.Context, cfg config.RunnerConfig) (runner.Runtime, error) {
	if cfg.Runtime == "docker" {
		rt, err := runner.NewDockerRuntime(cfg.DockerImage)
		if err != nil {
			return nil, err
		}
		if err := rt.EnsureImage(ctx, ""); err != nil {
			return nil, err
		}
		return rt, nil
	}
	return runner.NewExecRuntime(cfg.WorkDir), nil
}

func newNotifier(cfg config.NotifyConfig, logr *slog.Logger) notify.Notifier {
	if cfg.SMTP.Host == "" {
		return notify.NewLogNotifier(logr)
	}
	n, err := notify.NewSMTPNotifier(notify.SMTPConfig{
		Host:            cfg.SMTP.Host,
		Port:            cfg.SMTP.Port,
		Username:        cfg.SMTP.Username,
		Password:        cfg.SMTP.Password,
		From:            cfg.SMTP.From,
		RecipientDomain: cfg.RecipientDomain,
		CC:              cfg.CC,
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		log.Fatalf("Failed to create notifier: %v", err)
	}
	return n
}
