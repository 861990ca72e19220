package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillsync/quillsync/internal/core/observability/log"
	"github.com/quillsync/quillsync/internal/server"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:8080", "listen address")
		token    = flag.String("token", "", "auth token required from clients (empty disables auth)")
		dataPath = flag.String("data", "quillsync.db", "snapshot store file")
		debug    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := log.LevelInfo
	if *debug {
		level = log.LevelDebug
	}
	logger := log.New(level)

	cfg := server.DefaultConfig()
	cfg.ListenAddr = *addr
	cfg.AuthToken = *token
	cfg.SnapshotPath = *dataPath

	srv := server.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error starting server:", err)
		os.Exit(1)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	<-stopCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, "Error stopping server:", err)
	}
}
