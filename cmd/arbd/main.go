// EdgeX–Lighter Arbitrage — captures price divergence between the same
// perpetual contract on EdgeX and Lighter.
//
// Architecture:
//
//	main.go               — entry point: flags + config, starts the coordinator, waits for SIGINT/SIGTERM
//	engine/coordinator.go — orchestrator: wires bridge → strategy → risk → hedging, runs the trading loop
//	bridge/server.go      — WebSocket server the EdgeX browser front-end connects to
//	lighter/client.go     — REST client for Lighter (hedge orders, account state)
//	lighter/stream.go     — Lighter order book WebSocket with auto-reconnect
//	strategy/engine.go    — spread sampling, adaptive thresholds, signal generation
//	risk/manager.go       — position, imbalance and daily-loss limits plus the error circuit breaker
//	position/ledger.go    — per-venue position tracking with venue resync
//	latency/meter.go      — execution path timing; scales thresholds and gates signals
//	datalog/journal.go    — session CSV/JSONL journal for post-trade analysis
//	notify/notifier.go    — Telegram trade/error/status notifications
//
// How it makes money:
//
//	The bot watches the same contract on two venues. When Lighter's bid rises
//	above EdgeX's ask by more than the adaptive threshold, it buys EdgeX and
//	sells Lighter; the mirror image goes short. The EdgeX leg rests one tick
//	inside the touch, placed by the browser front-end over the local bridge;
//	the Lighter hedge crosses the book the moment that leg fills. Each round
//	trip locks in the spread minus fees and slippage.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"edgex-lighter-arb/internal/config"
	"edgex-lighter-arb/internal/engine"
)

func main() {
	var (
		cfgPath         = pflag.String("config", "", "path to YAML config (optional)")
		ticker          = pflag.String("ticker", "", "ticker symbol to trade (e.g. BTC)")
		size            = pflag.String("size", "", "order quantity per signal")
		maxPosition     = pflag.String("max-position", "", "maximum absolute position per venue")
		thresholdOffset = pflag.String("threshold-offset", "", "amount added to sampled spread thresholds")
		port            = pflag.Int("port", 0, "bridge WebSocket port for the EdgeX front-end")
		logLevel        = pflag.String("log-level", "", "debug, info, warn or error")
	)
	pflag.Parse()

	if *cfgPath == "" {
		*cfgPath = os.Getenv("ARB_CONFIG")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := applyFlags(cfg, *ticker, *size, *maxPosition, *thresholdOffset, *port, *logLevel); err != nil {
		slog.Error("invalid flag", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	out, closeLog, err := logOutput(cfg.Logging.Dir)
	if err != nil {
		slog.Error("failed to open log file", "error", err, "dir", cfg.Logging.Dir)
		os.Exit(1)
	}
	defer closeLog()

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)

	coord, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}

	if err := coord.Start(); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	logger.Info("edgex-lighter arbitrage started",
		"ticker", cfg.Strategy.Ticker,
		"order_quantity", cfg.Strategy.OrderQuantity,
		"max_position", cfg.Strategy.MaxPosition,
		"bridge", fmt.Sprintf("ws://%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	coord.Stop()
}

// applyFlags overlays explicit command line values onto the loaded config.
// The max position flag updates the risk gate too; the loader couples the
// two the same way.
func applyFlags(cfg *config.Config, ticker, size, maxPosition, thresholdOffset string, port int, logLevel string) error {
	if ticker != "" {
		cfg.Strategy.Ticker = ticker
	}
	if size != "" {
		d, err := decimal.NewFromString(size)
		if err != nil {
			return fmt.Errorf("--size: %w", err)
		}
		cfg.Strategy.OrderQuantity = d
	}
	if maxPosition != "" {
		d, err := decimal.NewFromString(maxPosition)
		if err != nil {
			return fmt.Errorf("--max-position: %w", err)
		}
		cfg.Strategy.MaxPosition = d
		cfg.Risk.MaxPosition = d
	}
	if thresholdOffset != "" {
		d, err := decimal.NewFromString(thresholdOffset)
		if err != nil {
			return fmt.Errorf("--threshold-offset: %w", err)
		}
		cfg.Strategy.ThresholdOffset = d
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return nil
}

// logOutput tees log writes into a per-session file when a log directory is
// configured. An empty dir keeps stdout only.
func logOutput(dir string) (io.Writer, func(), error) {
	if dir == "" {
		return os.Stdout, func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("arb_%s.log", time.Now().Format("20060102_150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(os.Stdout, f), func() { f.Close() }, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
