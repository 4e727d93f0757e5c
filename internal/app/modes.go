package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictpool/internal/pipeline"
	"github.com/alanyoungcy/predictpool/internal/server"
	"github.com/alanyoungcy/predictpool/internal/server/handler"
	"github.com/alanyoungcy/predictpool/internal/server/ws"
)

// ServerMode serves the HTTP and WebSocket API. Lifecycle sweeps only happen
// when a client calls the lock/resolve/settle endpoints.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// SweeperMode runs the lifecycle sweeper and the settlement archive schedule
// without exposing the API.
func (a *App) SweeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweeper mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPipeline(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API together with the sweeper in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	a.startPipeline(ctx, g, deps)
	return g.Wait()
}

// ReportMode prints market and bettor tables and exits.
func (a *App) ReportMode(ctx context.Context, deps *Dependencies) error {
	return WriteReport(ctx, a.out, deps.Markets)
}

// startPipeline adds the sweep loop and, when an archive is configured, the
// archive schedule to g.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sweeper := pipeline.NewSweeper(deps.Resolution, deps.Settlement, a.logger)

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Settlement, a.logger)
	} else {
		a.logger.InfoContext(ctx, "pipeline: s3 disabled, settled markets are not archived")
	}

	orch := pipeline.NewOrchestrator(
		sweeper,
		archiver,
		a.cfg.Resolution.SweepInterval.Duration,
		a.cfg.Settlement.ArchiveCron,
		a.logger,
	)
	g.Go(func() error {
		return orch.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to g. The
// server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(a.cfg.Mode, deps.Pingers, a.logger),
		Markets:    handler.NewMarketHandler(deps.Markets, deps.Resolution, a.logger),
		Bets:       handler.NewBetHandler(deps.Bets, deps.Markets, a.logger),
		Resolution: handler.NewResolutionHandler(deps.Resolution, deps.Settlement, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening", slog.Int("port", a.cfg.Server.Port))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
