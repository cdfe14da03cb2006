// Command dump-readings prints the readings held in a persisted store and,
// unless -peek is given, empties it.
//
// Usage:
//
//	go run ./cmd/dump-readings [-config path] [-peek]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/g6-reader/internal/config"
	"github.com/chaz8081/g6-reader/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run does the work of main and returns the exit code, so deferred cleanup
// happens before the process exits.
func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("dump-readings", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", config.DefaultConfigPath(), "path to config file")
	peek := fs.Bool("peek", false, "leave the readings in the store")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return 1
	}

	log := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var backend store.Backend
	switch cfg.Store.Backend {
	case "file":
		backend = &store.FileBackend{Path: cfg.Store.Path}
	case "redis":
		rc := cfg.Store.Redis
		rb, err := store.DialRedis(ctx, rc.Addr, rc.Password, rc.DB, rc.Key)
		if err != nil {
			fmt.Fprintf(stdout, "Error: %v\n", err)
			return 1
		}
		defer rb.Close()
		backend = rb
	default:
		fmt.Fprintf(stdout, "Error: backend %q keeps nothing between runs\n", cfg.Store.Backend)
		return 1
	}

	st, err := store.Load(ctx, backend, cfg.Store.CapacityBytes, log)
	if err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return 1
	}

	readings := st.DrainAndLog(log, *peek)
	if *peek {
		return 0
	}
	if err := st.Persist(ctx, backend); err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Removed %d readings\n", len(readings))
	return 0
}
