// Package config parses the server's command-line surface: --port,
// --replicaof <host> <port>, --dir, --dbfilename, plus the ambient logging
// and connection-timeout flags. Every flag except --replicaof falls back to
// an environment variable, then a hard default; --replicaof is unset unless
// given on the command line.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Config holds the resolved process configuration for one run of the server.
type Config struct {
	Port         int
	Dir          string
	DBFileName   string
	LogLevel     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ReplicaOf is set when --replicaof <host> <port> was given: the node
	// starts up already attached to that master.
	ReplicaOf *ReplicaOf
}

// ReplicaOf names the master a replica should attach to at startup.
type ReplicaOf struct {
	Host string
	Port int
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Parse resolves a Config from args (normally os.Args[1:]). --replicaof
// takes two positional values; since the stdlib flag package has no native
// two-token flag, it is special-cased here before the rest of args is handed
// to a flag.FlagSet.
func Parse(args []string, errOutput io.Writer) (*Config, error) {
	var replicaOf *ReplicaOf
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--replicaof" || args[i] == "-replicaof" {
			if i+2 >= len(args) {
				return nil, fmt.Errorf("config: --replicaof requires <host> <port>")
			}
			port, err := strconv.Atoi(args[i+2])
			if err != nil {
				return nil, fmt.Errorf("config: --replicaof port: %w", err)
			}
			replicaOf = &ReplicaOf{Host: args[i+1], Port: port}
			i += 2
			continue
		}
		rest = append(rest, args[i])
	}

	fs := flag.NewFlagSet("keydb-server", flag.ContinueOnError)
	fs.SetOutput(errOutput)

	port := fs.Int("port", envIntOrDefault("KEYDB_PORT", 6379), "TCP port to listen on")
	dir := fs.String("dir", envOrDefault("KEYDB_DIR", "."), "data directory")
	dbFileName := fs.String("dbfilename", envOrDefault("KEYDB_DBFILENAME", "dump.rdb"), "snapshot file name within --dir")
	logLevel := fs.String("log-level", envOrDefault("KEYDB_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	readTimeoutMS := fs.Int("read-timeout", envIntOrDefault("KEYDB_READ_TIMEOUT_MS", 0), "per-read deadline in milliseconds (0 = no deadline)")
	writeTimeoutMS := fs.Int("write-timeout", envIntOrDefault("KEYDB_WRITE_TIMEOUT_MS", 0), "per-write deadline in milliseconds (0 = no deadline)")

	if err := fs.Parse(rest); err != nil {
		return nil, err
	}

	return &Config{
		Port:         *port,
		Dir:          *dir,
		DBFileName:   *dbFileName,
		LogLevel:     *logLevel,
		ReadTimeout:  time.Duration(*readTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(*writeTimeoutMS) * time.Millisecond,
		ReplicaOf:    replicaOf,
	}, nil
}
