package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/behnamkhorsandian/DNSCloak/internal/relay"
	"github.com/behnamkhorsandian/DNSCloak/internal/relay/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// envOr returns the environment value for key, or def when unset.
func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func main() {
	host := flag.String("host", envOr("SOS_HOST", "0.0.0.0"), "Relay listen host")
	port := flag.String("port", envOr("SOS_PORT", "8899"), "Relay listen port")
	dbPath := flag.String("db", envOr("SOS_DB", "sos-relay.db"), "SQLite database path, empty for memory-only")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := *host + ":" + *port
	slog.Info("starting relay", "version", Version, "addr", addr, "db", *dbPath)

	var st relay.Store
	if *dbPath != "" {
		sqliteStore, err := store.Open(*dbPath)
		if err != nil {
			slog.Error("open sqlite store", "err", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := sqliteStore.Close(); closeErr != nil {
				slog.Error("close sqlite store", "err", closeErr)
			}
		}()
		st = sqliteStore
	}

	registry := relay.NewRegistry(st, slog.Default())
	if err := registry.Restore(); err != nil {
		slog.Error("restore rooms", "err", err)
		os.Exit(1)
	}

	server := relay.New(registry, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go registry.Run(ctx)

	slog.Info("listening", "addr", addr)
	if err := server.Run(ctx, addr); err != nil {
		slog.Error("relay error", "err", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}
