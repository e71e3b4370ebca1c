package config

import (
	"time"
)

// Default returns a fully-populated configuration suitable for a first
// run: SQLite storage, no shares, metrics disabled.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Soulseek.ListenPort == 0 {
		cfg.Soulseek.ListenPort = 2234
	}

	if cfg.Shares.RescanInterval == 0 {
		cfg.Shares.RescanInterval = time.Hour
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:5030"
	}

	cfg.Database.ApplyDefaults()
	cfg.Uploads.ApplyDefaults()
}
