// Package main is the entry point for the signal trader.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/tathienbao/signal-trader/internal/config"
	"github.com/tathienbao/signal-trader/internal/engine"
	"github.com/tathienbao/signal-trader/internal/metrics"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Signal Trader - Prediction-Driven Equity Trading via IBKR

Usage:
  signal-trader <command> [options]

Commands:
  run        Start the trader (live or paper)
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  signal-trader run --config config.yaml
  signal-trader run --config config.yaml --paper
  signal-trader validate --config config.yaml

Use "signal-trader <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("signal-trader version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	symbols := cfg.Symbols()
	sort.Strings(symbols)

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Broker: %s\n", cfg.Broker.Type)
	fmt.Printf("  Tickers: %v\n", symbols)
	fmt.Printf("  Poll interval: %s\n", cfg.PollInterval())
	for _, sym := range symbols {
		tc := cfg.Tickers[sym]
		fmt.Printf("  %s: confidence >= %.2f, allocation %.0f, cooldown %s\n",
			sym, tc.ConfidenceThreshold, tc.Allocation, tc.Cooldown())
	}
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	paperMode := fs.Bool("paper", false, "Force the in-memory paper broker")
	verbose := fs.Bool("verbose", false, "Debug logging")
	fs.Parse(args)

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *paperMode {
		cfg.Broker.Type = "paper"
	}

	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	trader, err := engine.New(cfg, logger)
	if err != nil {
		slog.Error("failed to build trader", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("signal-trader starting",
		"version", Version,
		"broker", cfg.Broker.Type,
		"tickers", cfg.Symbols(),
	)

	if err := trader.Start(ctx); err != nil {
		slog.Error("failed to start trader", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.ShutdownTimeout(),
	)
	defer cancel()

	if err := trader.Stop(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	slog.Info("signal-trader shutdown complete")
}
