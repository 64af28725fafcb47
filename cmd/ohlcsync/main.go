// OHLC synchronization CLI
// This application keeps a relational store of daily OHLC bars current: it
// seeds the instrument registry, computes each instrument's missing date
// range, fetches the gap from the configured vendor or brokerage gateway, and
// appends the result.
//
// Usage:
//
//	ohlcsync init
//	ohlcsync sync [--symbol BTCUSD] [--retries 3]
//	ohlcsync status
//
// Configuration comes from the environment (or a .env file); see
// internal/config for the recognized variables.
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

	"github.com/cenkalti/backoff/v4"

	"github.com/tradekit/ohlcsync/internal/config"
	"github.com/tradekit/ohlcsync/internal/logger"
	"github.com/tradekit/ohlcsync/internal/schedule"
	"github.com/tradekit/ohlcsync/internal/seed"
	"github.com/tradekit/ohlcsync/internal/source"
	"github.com/tradekit/ohlcsync/internal/store"
	syncengine "github.com/tradekit/ohlcsync/internal/sync"
)

const (
	appName = "ohlcsync"
	version = "1.0.0"
)

// Exit codes following standard conventions
const (
	exitSuccess     = 0
	exitUsageError  = 1
	exitConfigError = 2
	exitRunError    = 3
	exitInterrupt   = 130
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	engine *syncengine.Engine
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "version":
		fmt.Printf("%s %s\n", appName, version)
		os.Exit(exitSuccess)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitSuccess)
	}

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(exitConfigError)
	}
	defer a.close()

	var runErr error
	switch command {
	case "init":
		runErr = a.runInit(ctx)
	case "sync":
		runErr = a.runSync(ctx, args)
	case "status":
		runErr = a.runStatus(ctx)
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", appName, command)
		printUsage()
		os.Exit(exitUsageError)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			os.Exit(exitInterrupt)
		}
		a.logger.Error("command failed", "command", command, "error", runErr)
		os.Exit(exitRunError)
	}
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	log := logger.New(cfg.Log)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	var gate schedule.Gate
	if cfg.Schedule.Enforce {
		gate = schedule.NewClockGate(schedule.WithTolerance(cfg.Schedule.Tolerance))
	}

	selector := source.NewSelector(source.SelectorConfig{
		CryptoCompareAPIKey: cfg.Sources.CryptoCompareAPIKey,
		BrokerageHost:       cfg.Sources.BrokerageHost,
		Gate:                gate,
		Logger:              log,
	})

	return &app{
		cfg:    cfg,
		logger: log,
		store:  st,
		engine: syncengine.NewEngine(st, selector, log),
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageDuckDB:
		return store.NewDuckDBStore(cfg.Storage.Path, log)
	case config.StoragePostgres:
		return store.NewPostgresStore(ctx, cfg.Storage.DatabaseURL, log)
	case config.StorageMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing storage", "error", err)
		}
	}
}

// runInit creates the schema and seeds the instrument registry.
func (a *app) runInit(ctx context.Context) error {
	return seed.Run(ctx, a.store, a.logger)
}

// runSync brings one or all instruments up to date. The whole run is retried
// with exponential backoff so a brief vendor outage does not fail the
// scheduled invocation; duplicate appends cannot happen on retry because the
// window is recomputed from the store every attempt.
func (a *app) runSync(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("sync", flag.ExitOnError)
	symbol := flags.String("symbol", "", "sync a single symbol instead of every instrument")
	retries := flags.Uint("retries", 3, "retry attempts for the whole run")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := a.store.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	attempt := func() error {
		if *symbol != "" {
			result, err := a.engine.Synchronize(ctx, *symbol)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		}

		results, err := a.engine.SynchronizeAll(ctx)
		for _, result := range results {
			printResult(result)
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(*retries))
	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

// runStatus prints each instrument's latest stored bar.
func (a *app) runStatus(ctx context.Context) error {
	instruments, err := a.store.ListInstruments(ctx)
	if err != nil {
		return err
	}
	if len(instruments) == 0 {
		fmt.Println("no instruments seeded; run init first")
		return nil
	}

	fmt.Printf("%-10s %-22s %-12s %s\n", "SYMBOL", "SOURCE", "LATEST", "CLOSE")
	for _, instrument := range instruments {
		latest, err := a.store.LatestBar(ctx, instrument.Symbol)
		if err != nil {
			return err
		}
		if latest == nil {
			fmt.Printf("%-10s %-22s %-12s %s\n", instrument.Symbol, instrument.DataSource, "-", "-")
			continue
		}
		fmt.Printf("%-10s %-22s %-12s %s\n",
			instrument.Symbol, instrument.DataSource,
			latest.Date().Format("2006-01-02"), latest.Close)
	}
	return nil
}

func printResult(result *syncengine.Result) {
	fmt.Printf("%s: %s (%d bars, %s)\n",
		result.Symbol, result.Outcome, result.BarsStored,
		result.Duration.Round(time.Millisecond))
}

func printUsage() {
	fmt.Printf(`%s %s - incremental OHLC bar synchronization

Usage:
  %s <command> [flags]

Commands:
  init      create the schema and seed the instrument registry
  sync      fetch and store missing daily bars
  status    show each instrument's latest stored bar
  version   print the version

Sync flags:
  --symbol string   sync a single symbol instead of every instrument
  --retries uint    retry attempts for the whole run (default 3)
`, appName, version, appName)
}
