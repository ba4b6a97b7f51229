package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/chorus-labs/chorus/internal/daemon"
	"github.com/chorus-labs/chorus/pkg/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	dataDir := flag.String("data", "", "Path to data directory (contains chorus.db)")
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chorus %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cp := *configPath
	if cp == "" {
		cp = os.Getenv("CHORUS_CONFIG_PATH")
	}

	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	s, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer s.Close()

	slog.Info("chorus starting",
		"version", version,
		"data", cfg.DataDir,
		"platform", cfg.Platform,
	)

	b, err := daemon.New(s, cfg)
	if err != nil {
		slog.Error("failed to create bot", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("bot error", "error", err)
		os.Exit(1)
	}

	slog.Info("chorus stopped")
}
