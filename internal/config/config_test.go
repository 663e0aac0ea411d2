package config

import "testing"

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no key file", func(c *Config) { c.KeyFile = "" }},
		{"no peers file", func(c *Config) { c.PeersFile = "" }},
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"no archive", func(c *Config) { c.ArchivePath = "" }},
		{"miners listen without port", func(c *Config) { c.MinersListen = "0.0.0.0" }},
		{"miners listen bad port", func(c *Config) { c.MinersListen = "0.0.0.0:70000" }},
		{"zero miners", func(c *Config) { c.MaxMiners = 0 }},
		{"bad http listen", func(c *Config) { c.HTTPListen = "localhost" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.HTTPListen = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty http-listen should disable the endpoint: %v", err)
	}

	cfg = DefaultConfig()
	cfg.LedgerPath = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty ledger should fall back to the archive: %v", err)
	}
}
