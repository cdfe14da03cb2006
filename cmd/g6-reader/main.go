// Command g6-reader periodically wakes, connects to a Dexcom G6 transmitter,
// collects the live glucose reading plus any missed history, persists it and
// sleeps until the next reading is due.
//
// Usage:
//
//	g6-reader [-config path] [-once] [-init]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/g6-reader/internal/ble"
	"github.com/chaz8081/g6-reader/internal/config"
	"github.com/chaz8081/g6-reader/internal/session"
	"github.com/chaz8081/g6-reader/internal/store"
)

func main() {
	os.Exit(run())
}

// run does the work of main and returns the exit code, so deferred cleanup
// happens before the process exits.
func run() int {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/g6-reader/config.yaml)")
	once := flag.Bool("once", false, "run a single session and exit")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			return fail("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return 0
		}
		fmt.Printf("Wrote default config to %s; set transmitter_id before running.\n", path)
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return fail("config validation: %v", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(log)
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return fail("store: %v", err)
	}
	defer closeBackend()

	engine, err := session.NewEngine(session.Config{
		TransmitterID:        cfg.TransmitterID,
		SleepBetweenReadings: cfg.SleepBetweenReadings,
		SleepAfterError:      cfg.SleepAfterError,
		KeepAlive:            cfg.KeepAlive,
	}, log)
	if err != nil {
		return fail("%v", err)
	}

	copts := ble.DefaultCentralOptions()
	copts.ScanTimeout = cfg.ScanTimeout
	central := ble.NewCentral(ble.NewBluetoothAdapter(log), cfg.TransmitterID, copts, log)

	r := &reader{cfg: cfg, log: log, backend: backend, engine: engine, central: central}
	for {
		sleep := r.wake(ctx)
		if *once || ctx.Err() != nil {
			break
		}
		log.Info("sleeping", "duration", sleep)
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Info("shutting down")
	return 0
}

// reader holds what survives between wake cycles. The store itself is
// reloaded from the backend on every wake.
type reader struct {
	cfg     *config.Config
	log     *slog.Logger
	backend store.Backend
	engine  *session.Engine
	central *ble.Central
}

// wake runs one connect-read-persist cycle and returns how long to sleep.
func (r *reader) wake(ctx context.Context) time.Duration {
	st, err := store.Load(ctx, r.backend, r.cfg.Store.CapacityBytes, r.log)
	if errors.Is(err, store.ErrCorruptImage) {
		r.log.Warn("discarding corrupt store image", "error", err)
		st, err = store.New(r.cfg.Store.CapacityBytes)
		if err == nil {
			st.SetLogger(r.log)
		}
	}
	if err != nil {
		r.log.Error("loading store failed", "error", err)
		return r.cfg.SleepAfterError
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.SessionTimeout)
	defer cancel()

	var sleep time.Duration
	conn, err := r.central.Connect(sctx)
	if err != nil {
		r.log.Error("connect failed", "error", err)
		sleep = r.cfg.SleepAfterError
	} else {
		opts := session.DefaultRunnerOptions()
		opts.BackfillIdleTimeout = r.cfg.BackfillIdleTimeout
		res := session.NewRunner(r.engine, conn, st, opts, r.log).Run(sctx, uuid.NewString())
		if err := conn.Disconnect(); err != nil {
			r.log.Debug("disconnect", "error", err)
		}
		sleep = res.Sleep
		if res.Err != nil {
			r.log.Warn("session ended with error", "phase", res.State.Phase.String(), "error", res.Err)
		}
	}

	// Persist even after a failure: readings saved before the error are kept.
	if err := st.Persist(ctx, r.backend); err != nil {
		r.log.Error("persisting store failed", "error", err)
	}
	return sleep
}

// openBackend builds the configured persistence backend. The returned
// func releases it.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return &store.MemoryBackend{}, func() {}, nil
	case "file":
		return &store.FileBackend{Path: cfg.Store.Path}, func() {}, nil
	case "redis":
		rc := cfg.Store.Redis
		b, err := store.DialRedis(ctx, rc.Addr, rc.Password, rc.DB, rc.Key)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== g6-reader ===")
	fmt.Printf("  Transmitter: %s (%s)\n", cfg.TransmitterID, ble.AdvertisedName(cfg.TransmitterID))
	fmt.Printf("  Interval:    %s (after error: %s)\n", cfg.SleepBetweenReadings, cfg.SleepAfterError)
	fmt.Printf("  Session:     %s timeout\n", cfg.SessionTimeout)
	fmt.Printf("  Store:       %s, %d bytes\n", cfg.Store.Backend, cfg.Store.CapacityBytes)
	fmt.Printf("  Log:         %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return 1
}
