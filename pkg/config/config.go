// Package config loads the flashlog CLI configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/unijord/flashlog"
	"github.com/unijord/flashlog/pkg/flash"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Image is the chip image file the CLI operates on.
	Image string `json:"image"`
	// Chip names the part a new image emulates, see flash.Chips.
	Chip string `json:"chip"`
	// Geometry overrides the chip table when set.
	Geometry *flash.Geometry `json:"geometry,omitempty"`
	// Catalog is the bbolt file recording exports. Empty disables it.
	Catalog string `json:"catalog"`

	EraseAhead EraseAhead `json:"eraseAhead"`
	Wraparound bool       `json:"wraparound"`
	Poll       Poll       `json:"poll"`

	BusTimeoutMs    int  `json:"busTimeoutMs"`
	SkipCorrupt     bool `json:"skipCorrupt"`
	MaxCorruptPages int  `json:"maxCorruptPages"`

	Log Log `json:"log"`
}

type EraseAhead struct {
	// Pages kept erased past the cursor, 0 for two blocks.
	Pages int `json:"pages"`
	// Policy is background or inline.
	Policy           string `json:"policy"`
	WorkerIntervalMs int    `json:"workerIntervalMs"`
}

type Poll struct {
	MaxPolls  int `json:"maxPolls"`
	InitialUs int `json:"initialUs"`
	MaxUs     int `json:"maxUs"`
	BudgetMs  int `json:"budgetMs"`
}

type Log struct {
	// Level is debug, info, warn or error.
	Level string `json:"level"`
	// Format is text or json.
	Format string `json:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	poll := flash.DefaultPollPolicy()
	return Config{
		Image: "flashlog.img",
		Chip:  "AT45DB161D",
		EraseAhead: EraseAhead{
			Policy:           flashlog.EraseAheadBackground.String(),
			WorkerIntervalMs: 10,
		},
		Poll: Poll{
			MaxPolls:  poll.MaxPolls,
			InitialUs: int(poll.Initial / time.Microsecond),
			MaxUs:     int(poll.Max / time.Microsecond),
			BudgetMs:  int(poll.Budget / time.Millisecond),
		},
		BusTimeoutMs:    50,
		MaxCorruptPages: 4,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a JSON file over the defaults. If path is
// empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch ext := filepath.Ext(path); ext {
	case ".json", "":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("%s: unsupported config format %q, use JSON", path, ext)
	}
	return cfg, nil
}

// Validate checks the fields Options and Logger would otherwise reject
// later, with the config key in the message.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: %q, use text or json", c.Log.Format))
	}
	if c.Geometry != nil {
		if err := c.Geometry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("geometry: %w", err))
		}
	} else if _, err := c.chip(); err != nil {
		errs = append(errs, err)
	}
	if c.BusTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("busTimeoutMs: must be positive, got %d", c.BusTimeoutMs))
	}
	if c.EraseAhead.Pages < 0 {
		errs = append(errs, fmt.Errorf("eraseAhead.pages: must not be negative, got %d", c.EraseAhead.Pages))
	}
	if c.MaxCorruptPages < 0 {
		errs = append(errs, fmt.Errorf("maxCorruptPages: must not be negative, got %d", c.MaxCorruptPages))
	}
	return errors.Join(errs...)
}

func (c Config) policy() (flashlog.EraseAheadPolicy, error) {
	switch strings.ToLower(c.EraseAhead.Policy) {
	case "", "background":
		return flashlog.EraseAheadBackground, nil
	case "inline":
		return flashlog.EraseAheadInline, nil
	default:
		return 0, fmt.Errorf("eraseAhead.policy: %q, use background or inline", c.EraseAhead.Policy)
	}
}

func (c Config) chip() (flash.ChipInfo, error) {
	for _, chip := range flash.Chips() {
		if strings.EqualFold(chip.Name, c.Chip) {
			return chip, nil
		}
	}
	return flash.ChipInfo{}, fmt.Errorf("chip: unknown part %q", c.Chip)
}

// PollPolicy is the status wait budget the config describes.
func (c Config) PollPolicy() flash.PollPolicy {
	return flash.PollPolicy{
		MaxPolls: c.Poll.MaxPolls,
		Initial:  time.Duration(c.Poll.InitialUs) * time.Microsecond,
		Max:      time.Duration(c.Poll.MaxUs) * time.Microsecond,
		Budget:   time.Duration(c.Poll.BudgetMs) * time.Millisecond,
	}
}

// Options turns the config into recorder options.
func (c Config) Options(logger *slog.Logger) ([]flashlog.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	policy, _ := c.policy()
	opts := []flashlog.Option{
		flashlog.WithLogger(logger),
		flashlog.WithEraseAhead(c.EraseAhead.Pages),
		flashlog.WithEraseAheadPolicy(policy),
		flashlog.WithEraseWorkerInterval(time.Duration(c.EraseAhead.WorkerIntervalMs) * time.Millisecond),
		flashlog.WithWraparound(c.Wraparound),
		flashlog.WithPollPolicy(c.PollPolicy()),
		flashlog.WithBusTimeout(time.Duration(c.BusTimeoutMs) * time.Millisecond),
		flashlog.WithSkipCorrupt(c.SkipCorrupt),
		flashlog.WithMaxCorruptPages(c.MaxCorruptPages),
	}
	if c.Geometry != nil {
		opts = append(opts, flashlog.WithGeometry(*c.Geometry))
	}
	return opts, nil
}

// ImageConfig describes the chip a new image file emulates. Existing
// images keep the geometry and id in their header.
func (c Config) ImageConfig() (flash.ImageConfig, error) {
	emu := flash.DefaultEmulatorConfig()
	if c.Geometry != nil {
		if err := c.Geometry.Validate(); err != nil {
			return flash.ImageConfig{}, fmt.Errorf("geometry: %w", err)
		}
		emu.Geometry = *c.Geometry
		if chip, err := c.chip(); err == nil {
			emu.ID = chip.ID
		}
		return flash.ImageConfig{Emulator: emu}, nil
	}
	chip, err := c.chip()
	if err != nil {
		return flash.ImageConfig{}, err
	}
	emu.Geometry = chip.Geometry
	emu.ID = chip.ID
	return flash.ImageConfig{Emulator: emu}, nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level: %q, use debug, info, warn or error", s)
	}
}

// Logger builds the slog logger the config asks for, writing to w.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Log.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("log.format: %q, use text or json", c.Log.Format)
	}
}
