package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// forceExit is replaced in tests.
var forceExit = func() { os.Exit(exitFailures) }

// shutdownContext returns a context canceled by the first SIGINT or
// SIGTERM. In-flight actions drain and every action still gets a result;
// a second signal exits immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return watchShutdown(parent, logger, sigCh, func() { signal.Stop(sigCh) })
}

// watchShutdown implements shutdownContext over an arbitrary signal
// channel. stop is called once the goroutine exits.
func watchShutdown(parent context.Context, logger *slog.Logger, sigCh <-chan os.Signal, stop func()) context.Context {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		defer stop()

		select {
		case sig := <-sigCh:
			logger.Info("received signal, draining in-flight actions",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			forceExit()
		case <-parent.Done():
			return
		}
	}()

	return ctx
}
