package config

import (
	"fmt"
	"net"
	"strconv"
)

// Config holds all configuration for a pool node.
type Config struct {
	// Identity
	KeyFile string `mapstructure:"key-file"`

	// Peer network
	PeersFile string `mapstructure:"peers-file"`

	// Storage
	DataDir     string `mapstructure:"data-dir"`
	ArchivePath string `mapstructure:"archive-path"`

	// LedgerPath is the Bismuth node's sqlite ledger, read at startup for
	// recent history. Empty replays the pool's own archive instead.
	LedgerPath string `mapstructure:"ledger-path"`

	// Miner server
	MinersListen        string `mapstructure:"miners-listen"`
	MinersProxyProtocol bool   `mapstructure:"miners-proxy-protocol"`
	MaxMiners           int64  `mapstructure:"max-miners"`
	FastPoW             bool   `mapstructure:"fast-pow"`

	// HTTP status and metrics; empty disables it
	HTTPListen string `mapstructure:"http-listen"`

	// Logging
	LogLevel string `mapstructure:"log-level"`
}

// DefaultConfig returns a Config with the defaults of a stock pool.
func DefaultConfig() *Config {
	return &Config{
		KeyFile:   "privkey.der",
		PeersFile: "peers.txt",

		DataDir:     "data",
		ArchivePath: "archive.db",
		LedgerPath:  "../Bismuth/static/ledger.db",

		MinersListen: "0.0.0.0:5658",
		MaxMiners:    200,
		FastPoW:      true,

		HTTPListen: "127.0.0.1:8080",

		LogLevel: "info",
	}
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.KeyFile == "" {
		return fmt.Errorf("key-file is required")
	}
	if c.PeersFile == "" {
		return fmt.Errorf("peers-file is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	if c.ArchivePath == "" {
		return fmt.Errorf("archive-path is required")
	}
	if err := validListen(c.MinersListen); err != nil {
		return fmt.Errorf("miners-listen: %w", err)
	}
	if c.MaxMiners < 1 {
		return fmt.Errorf("max-miners must be at least 1")
	}
	if c.HTTPListen != "" {
		if err := validListen(c.HTTPListen); err != nil {
			return fmt.Errorf("http-listen: %w", err)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error")
	}
	return nil
}

func validListen(addr string) error {
	_, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("port must be 0-65535")
	}
	return nil
}
