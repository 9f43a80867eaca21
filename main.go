package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ayushdedhia/pulse/internal/config"
	"github.com/ayushdedhia/pulse/internal/directory"
	"github.com/ayushdedhia/pulse/internal/listener"
	"github.com/ayushdedhia/pulse/internal/metrics"
	"github.com/ayushdedhia/pulse/internal/queue"
	"github.com/ayushdedhia/pulse/internal/router"
)

func main() {
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	r := router.New(directory.New(), queue.New())
	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	go m.RunStatsLogger(ctx, r, statsLogInterval)

	l := listener.New(cfg.Addr, r, cfg.AccessToken, m)
	if err := l.Run(ctx); err != nil {
		slog.Error("pulse relay exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("server shutdown complete")
}
