package config

import (
	"os"
	"strconv"
)

// FromEnv overlays FLASHLOG_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("FLASHLOG_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("FLASHLOG_CHIP"); v != "" {
		cfg.Chip = v
	}
	if v := os.Getenv("FLASHLOG_CATALOG"); v != "" {
		cfg.Catalog = v
	}
	if v := os.Getenv("FLASHLOG_ERASE_AHEAD_POLICY"); v != "" {
		cfg.EraseAhead.Policy = v
	}
	if v := os.Getenv("FLASHLOG_ERASE_AHEAD_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EraseAhead.Pages = n
		}
	}
	if v := os.Getenv("FLASHLOG_WRAPAROUND"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Wraparound = b
		}
	}
	if v := os.Getenv("FLASHLOG_SKIP_CORRUPT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SkipCorrupt = b
		}
	}
	if v := os.Getenv("FLASHLOG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FLASHLOG_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
