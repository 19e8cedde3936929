// keydb-server is a Redis-wire-protocol-compatible in-memory key-value
// server: a single TCP listener, a shared keyspace with per-key expiration,
// and an optional master/replica relationship.
//
// Usage:
//
//	keydb-server [flags]
//
// Flags:
//
//	-port int              TCP port to listen on (default 6379)
//	-replicaof host port   Attach as a replica of host:port at startup
//	-dir string            Data directory (default ".")
//	-dbfilename string     Snapshot file name within -dir (default "dump.rdb")
//	-log-level string      debug, info, warn, error (default "info")
//	-read-timeout int      per-read deadline in milliseconds (default 0 = none)
//	-write-timeout int     per-write deadline in milliseconds (default 0 = none)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kvnode/keydb/internal/config"
	"github.com/kvnode/keydb/internal/engine"
	"github.com/kvnode/keydb/internal/replication"
	"github.com/kvnode/keydb/internal/server"
	"github.com/kvnode/keydb/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keydb-server: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	logger.Info("starting", "version", version.Version, "port", cfg.Port, "dir", cfg.Dir, "dbfilename", cfg.DBFileName)

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		logger.Error("create data directory failed", "dir", cfg.Dir, "error", err)
		return 1
	}

	e, err := engine.New(cfg.Dir, cfg.DBFileName)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		return 1
	}
	defer e.Close()

	var role *replication.Role
	if cfg.ReplicaOf != nil {
		role = replication.NewReplica(cfg.ReplicaOf.Host, cfg.ReplicaOf.Port, cfg.Port)
		logger.Info("starting as replica", "master_host", cfg.ReplicaOf.Host, "master_port", cfg.ReplicaOf.Port)
	} else {
		role = replication.NewMaster()
		logger.Info("starting as master", "id", role.ID())
	}

	// The dump format represents replication offset 0: every
	// successful snapshot write or install resets the node's offset counter
	// to match.
	e.OnSnapshot(func() { role.SetOffset(0) })

	srv := server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, e, role, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
