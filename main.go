package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ember/relay/internal/config"
	"ember/relay/internal/httpapi"
	"ember/relay/internal/invite"
	"ember/relay/internal/mailbox"
	"ember/relay/internal/metrics"
	"ember/relay/internal/room"
	"ember/relay/internal/totals"
	"ember/relay/internal/vault"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	slog.Info("starting relay", "version", Version, "addr", cfg.Addr())

	sink, err := totals.Open(cfg.TotalsDSN)
	if err != nil {
		slog.Error("open totals sink", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			slog.Error("close totals sink", "err", closeErr)
		}
	}()

	otm := vault.New("otm", vault.OtmTTL)
	defer otm.Stop()
	files := vault.New("file", vault.FileTTL)
	defer files.Stop()
	invites := invite.New()
	defer invites.Stop()
	queue := mailbox.New(mailbox.TTL)
	defer queue.Stop()
	rooms := room.NewRegistry(room.DefaultGrace)

	server := httpapi.New(httpapi.Deps{
		Rooms:   rooms,
		Otm:     otm,
		Files:   files,
		Invites: invites,
		Mailbox: queue,
		Totals:  sink,
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received shutdown signal")
		cancel()
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				slog.Error("metrics listener failed", "err", err)
			}
		}()
	}

	slog.Info("listening", "addr", cfg.Addr())
	if err := server.Run(ctx, cfg.Addr()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}
