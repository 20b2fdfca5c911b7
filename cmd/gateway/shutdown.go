package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/svcgate/internal/gateway"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// runGateway starts the background prober and the HTTP server, then
// blocks until a shutdown signal arrives.
func runGateway(app *application, logger observability.Logger) {
	ctx := context.Background()

	app.prober.Start(ctx)

	if err := app.server.Start(ctx); err != nil {
		logger.Fatal("failed to start gateway", observability.Error(err))
	}

	waitForShutdown(app, logger)
}

// waitForShutdown waits for SIGINT or SIGTERM, then shuts down in
// order: drain the HTTP server, stop the background loops, close the
// cache, flush traces, close the audit log.
func waitForShutdown(app *application, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	timeout := app.config.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = gateway.DefaultShutdownTimeout
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	app.prober.Stop()
	app.limiter.Stop()
	if app.throttle != nil {
		app.throttle.Stop()
	}

	if err := app.store.Close(); err != nil {
		logger.Error("failed to close response cache", observability.Error(err))
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	if err := app.auditLog.Close(); err != nil {
		logger.Error("failed to close audit log", observability.Error(err))
	}

	logger.Info("gateway stopped")
}
