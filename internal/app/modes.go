package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lendingsim/internal/server"
	"github.com/alanyoungcy/lendingsim/internal/server/handler"
	"github.com/alanyoungcy/lendingsim/internal/server/ws"
	"github.com/alanyoungcy/lendingsim/internal/service"
	"github.com/alanyoungcy/lendingsim/internal/simulation"
)

// runStack is the simulation together with the services that drive and
// observe it. Both modes build one.
type runStack struct {
	sim     *simulation.Simulation
	sink    *service.MetricsService
	runs    *service.RunService
	history *service.HistoryService
}

// buildRunStack assembles the simulation and its services. pub receives live
// events and may be nil.
func (a *App) buildRunStack(deps *Dependencies, pub service.Publisher) (*runStack, error) {
	var stream service.StreamAppender
	if deps.SignalBus != nil {
		stream = deps.SignalBus
	}

	sink := service.NewMetricsService(
		deps.SnapshotStore,
		deps.LiquidationStore,
		pub,
		stream,
		deps.Collector,
		deps.Notifier,
		service.MetricsConfig{
			BatchSize:    a.cfg.Simulation.SnapshotBatchSize,
			HistoryLimit: a.cfg.Simulation.HistoryLimit,
		},
		a.logger,
	)

	sim, err := BuildSimulation(a.cfg, deps, []simulation.MetricsSink{sink}, a.logger)
	if err != nil {
		return nil, err
	}

	runs := service.NewRunService(
		sim,
		sink,
		deps.RunStore,
		deps.LockManager,
		deps.Archiver,
		deps.AuditStore,
		deps.Notifier,
		deps.Collector,
		service.RunConfig{
			Name:      a.cfg.Simulation.Name,
			Seed:      a.cfg.Simulation.Seed,
			MaxBlocks: a.cfg.Simulation.MaxBlocks,
			LockTTL:   a.cfg.LockTTL(),
			Archive:   a.cfg.Simulation.ArchiveOnComplete,
			Params:    runParams(a.cfg),
		},
		a.logger,
	)

	history := service.NewHistoryService(
		deps.RunStore,
		deps.SnapshotStore,
		deps.LiquidationStore,
		deps.AuditStore,
		deps.Archiver,
		deps.ArchiveReader,
	)

	return &runStack{sim: sim, sink: sink, runs: runs, history: history}, nil
}

// RunMode executes one simulation run to completion and returns. Live events
// go to the Redis signal bus when it is wired.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	var pub service.Publisher
	if deps.SignalBus != nil {
		pub = deps.SignalBus
	}
	stack, err := a.buildRunStack(deps, pub)
	if err != nil {
		return fmt.Errorf("run mode: %w", err)
	}

	run, err := stack.runs.Execute(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.InfoContext(ctx, "run mode: run cancelled",
				slog.String("run_id", run.ID),
				slog.Uint64("blocks", run.BlocksRun),
			)
			return err
		}
		return fmt.Errorf("run mode: %w", err)
	}

	final := stack.sim.CollectMetrics()
	a.logger.InfoContext(ctx, "run mode: run complete",
		slog.String("run_id", run.ID),
		slog.Uint64("blocks", run.BlocksRun),
		slog.String("total_supplied", final.TotalSupplied.String()),
		slog.String("total_borrowed", final.TotalBorrowed.String()),
		slog.Int("bad_debt_users", final.BadDebtUserCount),
		slog.String("bad_debt_usd", final.BadDebtUSD.StringFixed(2)),
	)
	return nil
}

// ServeMode runs the simulation in the background while serving the HTTP
// API and the WebSocket hub. The API keeps serving after the run ends so
// its results stay inspectable; the mode returns when ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	startedAt := time.Now().UTC()

	// WebSocket hub. With Redis the hub relays the bus, so several
	// simulators can share one dashboard; without it events go straight in.
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		RunName:   a.cfg.Simulation.Name,
		StartedAt: startedAt,
	})
	var pub service.Publisher = hub
	if deps.SignalBus != nil {
		pub = deps.SignalBus
	}

	stack, err := a.buildRunStack(deps, pub)
	if err != nil {
		return fmt.Errorf("serve mode: %w", err)
	}

	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	a.startHTTPServer(ctx, g, deps, hub, stack, startedAt)

	g.Go(func() error {
		run, err := stack.runs.Execute(ctx)
		switch {
		case err == nil:
			a.logger.InfoContext(ctx, "serve mode: run complete, still serving",
				slog.String("run_id", run.ID),
				slog.Uint64("blocks", run.BlocksRun),
			)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			// Failed runs stay inspectable through the API.
			a.logger.ErrorContext(ctx, "serve mode: run failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})

	return g.Wait()
}

// startHTTPServer adds an HTTP server goroutine to the given errgroup. The
// server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	hub *ws.Hub,
	stack *runStack,
	startedAt time.Time,
) {
	tokens := []string{a.cfg.Market.SupplyToken, a.cfg.Market.DebtToken}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Status:     handler.NewStatusHandler(a.cfg.Mode, stack.runs, startedAt),
		Simulation: handler.NewSimulationHandler(stack.sim, stack.sink, deps.PriceCache, tokens, a.logger),
		Runs:       handler.NewRunHandler(stack.history, a.logger),
		Metrics:    promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.RateWindow(),
		Limiter:     deps.RateLimiter,
		Observer:    deps.Collector,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
