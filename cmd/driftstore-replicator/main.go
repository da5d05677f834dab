// Package main is the entry point for driftstore-replicator, the daemon
// that ships write-ahead log records between cluster nodes. The export
// and import subcommands dump and load the SQLite metadata mirror.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftstore/driftstore/internal/config"
	"github.com/driftstore/driftstore/internal/logging"
	"github.com/driftstore/driftstore/internal/mirror"
	"github.com/driftstore/driftstore/internal/replicator"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "run":
			os.Exit(runDaemon(args[1:]))
		case "export":
			os.Exit(runExport(args[1:]))
		case "import":
			os.Exit(runImport(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\nUsage: driftstore-replicator [run|export|import] [flags]\n", args[0])
			os.Exit(1)
		}
	}
	os.Exit(runDaemon(args))
}

// runDaemon tails the local WAL and ships batches to the configured peers
// until SIGINT or SIGTERM.
func runDaemon(args []string) int {
	fs := flag.NewFlagSet("driftstore-replicator", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := fs.String("log-format", "", "log format: text, json (default: from config or text)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx := context.Background()

	mir, err := mirror.Open(ctx, cfg.Mirror, cfg.Cluster.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open metadata mirror: %v\n", err)
		return 1
	}
	defer mir.Close()
	if err := mir.Ping(ctx); err != nil {
		// The mirror is best-effort; a dead backend must not stop
		// replication.
		slog.Warn("Metadata mirror unreachable", "backend", cfg.Mirror.Backend, "error", err)
	}

	opts := []replicator.Option{
		replicator.WithLogger(slog.Default()),
		replicator.WithMirror(mir),
	}

	// Peer endpoints let the pull path download object bytes written on
	// other nodes over their S3 surface.
	addrs := make(map[string]string)
	for _, node := range cfg.Peers() {
		addrs[node.ID] = node.Addr
	}
	if len(addrs) > 0 {
		fetcher, err := replicator.NewS3Fetcher(ctx, addrs,
			cfg.Auth.AccessKey, cfg.Auth.SecretKey, cfg.Server.Region)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build object fetcher: %v\n", err)
			return 1
		}
		opts = append(opts, replicator.WithFetcher(fetcher))
	}

	rep, err := replicator.New(replicator.Config{
		NodeID:        cfg.Cluster.NodeID,
		StorageRoot:   cfg.Storage.Root,
		WALDir:        cfg.WAL.Path,
		StateDir:      cfg.Cluster.StatePath,
		BatchInterval: time.Duration(cfg.Cluster.BatchIntervalMS) * time.Millisecond,
		MaxBatchSize:  cfg.Cluster.MaxBatchSize,
		PeerRoots:     cfg.Cluster.PeerRoots,
		PeerWALs:      cfg.Cluster.PeerWALs,
	}, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start replicator: %v\n", err)
		return 1
	}
	rep.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Received signal, shutting down", "signal", sig)

	// Close ships whatever is still buffered and saves the checkpoint.
	if err := rep.Close(); err != nil {
		slog.Error("Shutdown error", "error", err)
		return 1
	}
	slog.Info("Replicator stopped")
	return 0
}

// resolveDBPath finds the mirror database without a full config load, so
// the export and import subcommands work without server credentials set.
func resolveDBPath(configPath string) (string, error) {
	statePath := "/state"

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
	} else {
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return "", err
		}
		if m, _ := raw["mirror"].(map[string]any); m != nil {
			if s, _ := m["sqlite"].(map[string]any); s != nil {
				if path, _ := s["path"].(string); path != "" {
					return path, nil
				}
			}
		}
		if c, _ := raw["cluster"].(map[string]any); c != nil {
			if p, _ := c["state_path"].(string); p != "" {
				statePath = p
			}
		}
	}

	if v := os.Getenv("STATE_PATH"); v != "" {
		statePath = v
	}
	return filepath.Join(statePath, "mirror.db"), nil
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Config file path")
	dbPath := fs.String("db", "", "Mirror database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	m, err := mirror.NewSQLite(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening mirror: %v\n", err)
		return 1
	}
	defer m.Close()

	dump, err := m.Export(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding dump: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(string(data))
	} else {
		if err := os.WriteFile(*output, append(data, '\n'), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Exported %d buckets, %d objects to %s\n",
			len(dump.Buckets), len(dump.Objects), *output)
	}

	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Config file path")
	dbPath := fs.String("db", "", "Mirror database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (wipe existing rows first)")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	var data []byte
	var err error
	if *input == "-" {
		data, err = os.ReadFile("/dev/stdin")
	} else {
		data, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	var dump mirror.Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing dump: %v\n", err)
		return 1
	}

	m, err := mirror.NewSQLite(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening mirror: %v\n", err)
		return 1
	}
	defer m.Close()

	result, err := m.Import(context.Background(), &dump, *replace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "  buckets: %d imported\n", result.Buckets)
	fmt.Fprintf(os.Stderr, "  objects: %d imported\n", result.Objects)
	if result.Skipped > 0 {
		fmt.Fprintf(os.Stderr, "  skipped: %d already present\n", result.Skipped)
	}

	return 0
}
