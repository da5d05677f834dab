// Package main is the entry point for the driftstore S3-compatible object
// storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftstore/driftstore/internal/config"
	"github.com/driftstore/driftstore/internal/housekeeper"
	"github.com/driftstore/driftstore/internal/logging"
	"github.com/driftstore/driftstore/internal/metrics"
	"github.com/driftstore/driftstore/internal/quota"
	"github.com/driftstore/driftstore/internal/server"
	"github.com/driftstore/driftstore/internal/sse"
	"github.com/driftstore/driftstore/internal/store"
	"github.com/driftstore/driftstore/internal/wal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	storageRoot := flag.String("storage", "", "override storage root (default: from config or /s3)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file and environment values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *storageRoot != "" {
		cfg.Storage.Root = *storageRoot
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	// Crash-only design: every startup is recovery. The store clears .tmp
	// and rebuilds the multipart index on open; the WAL writer recovers its
	// sequence from the checkpoint or the log tail.
	var engine *sse.Engine
	if cfg.Encryption.Enabled {
		engine, err = sse.New(cfg.Encryption.Key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize encryption: %v\n", err)
			os.Exit(1)
		}
	}

	st, err := store.New(cfg.Storage.Root, engine, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize object store: %v\n", err)
		os.Exit(1)
	}
	if cfg.Encryption.Enabled {
		st.ForceEncryption(true)
		slog.Info("Server-side encryption enabled for all writes")
	}

	qm := quota.New(
		cfg.Storage.Root,
		cfg.Quota.Enabled,
		cfg.Quota.BucketQuotaBytes,
		time.Duration(cfg.Quota.FlushIntervalMS)*time.Millisecond,
		slog.Default(),
	)
	defer qm.Close()

	var walWriter *wal.Writer
	if cfg.WAL.Enabled {
		walWriter, err = wal.Open(cfg.WAL.Path, cfg.Cluster.NodeID, slog.Default())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open write-ahead log: %v\n", err)
			os.Exit(1)
		}
		defer walWriter.Close()
		slog.Info("Write-ahead log enabled", "path", cfg.WAL.Path, "node", cfg.Cluster.NodeID)
	}

	srv, err := server.New(cfg,
		server.WithStore(st),
		server.WithQuota(qm),
		server.WithWAL(walWriter),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	if cfg.Housekeeper.Enabled {
		hk := housekeeper.New(
			cfg.Storage.Root,
			time.Duration(cfg.Housekeeper.IntervalMinutes)*time.Minute,
			housekeeper.WithLogger(slog.Default()),
		)
		hk.Start()
		defer hk.Close()
	} else {
		slog.Info("Empty directory sweeper disabled")
	}

	addr := cfg.ListenAddr()

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("driftstore listening", "addr", addr, "node", cfg.Cluster.NodeID, "storage", cfg.Storage.Root)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT: stop accepting connections, wait for in-flight
	// requests with a timeout, then flush the WAL and quota state via the
	// deferred closers.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}
