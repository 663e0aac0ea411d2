package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pooledbismuth/bismuth-pool/internal/config"
	"github.com/pooledbismuth/bismuth-pool/internal/node"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()

	flag.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "RSA private key file, created when missing")
	flag.StringVar(&cfg.PeersFile, "peers-file", cfg.PeersFile, "known Bismuth nodes, one ('ip', 'port') per line")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for audit logs and the ledger")
	flag.StringVar(&cfg.ArchivePath, "archive", cfg.ArchivePath, "consensus archive database (relative to -data-dir)")
	flag.StringVar(&cfg.LedgerPath, "ledger", cfg.LedgerPath, "Bismuth ledger database to load history from (empty uses the archive)")
	flag.StringVar(&cfg.MinersListen, "miners-listen", cfg.MinersListen, "miner server listen address")
	flag.BoolVar(&cfg.MinersProxyProtocol, "miners-proxy-protocol", cfg.MinersProxyProtocol, "expect a PROXY protocol header on miner connections")
	flag.Int64Var(&cfg.MaxMiners, "max-miners", cfg.MaxMiners, "maximum concurrent miner connections")
	flag.BoolVar(&cfg.FastPoW, "fast-pow", cfg.FastPoW, "use the table-driven proof verifier")
	flag.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "status and metrics listen address (empty disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "bismuthpool - Bismuth mining pool\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  bismuthpool [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  BISMUTH_POOL_KEY_FILE       Override -key-file\n")
		fmt.Fprintf(os.Stderr, "  BISMUTH_POOL_PEERS_FILE     Override -peers-file\n")
		fmt.Fprintf(os.Stderr, "  BISMUTH_POOL_DATA_DIR       Override -data-dir\n")
		fmt.Fprintf(os.Stderr, "  BISMUTH_POOL_LEDGER         Override -ledger\n")
		fmt.Fprintf(os.Stderr, "  BISMUTH_POOL_MINERS_LISTEN  Override -miners-listen\n")
		fmt.Fprintf(os.Stderr, "  BISMUTH_POOL_MAX_MINERS     Override -max-miners\n")
		fmt.Fprintf(os.Stderr, "  BISMUTH_POOL_HTTP_LISTEN    Override -http-listen\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL                   Override -log-level\n")
	}

	flag.Parse()

	// Environment variables override flags (for containerized deployments)
	if v := os.Getenv("BISMUTH_POOL_KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("BISMUTH_POOL_PEERS_FILE"); v != "" {
		cfg.PeersFile = v
	}
	if v := os.Getenv("BISMUTH_POOL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("BISMUTH_POOL_LEDGER"); ok {
		cfg.LedgerPath = v
	}
	if v := os.Getenv("BISMUTH_POOL_MINERS_LISTEN"); v != "" {
		cfg.MinersListen = v
	}
	if v := os.Getenv("BISMUTH_POOL_MAX_MINERS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BISMUTH_POOL_MAX_MINERS: %w", err)
		}
		cfg.MaxMiners = n
	}
	if v, ok := os.LookupEnv("BISMUTH_POOL_HTTP_LISTEN"); ok {
		cfg.HTTPListen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting bismuth pool",
		zap.String("miners_listen", cfg.MinersListen),
		zap.Int64("max_miners", cfg.MaxMiners),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("fast_pow", cfg.FastPoW),
	)

	n := node.NewNode(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	n.Stop()
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
