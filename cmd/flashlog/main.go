package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/unijord/flashlog"
	"github.com/unijord/flashlog/pkg/config"
	"github.com/unijord/flashlog/pkg/flash"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "flashlog:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "flashlog",
		Short:         "Flight data recorder on page erase flash",
		Long:          "flashlog records sessions of tagged records on an emulated DataFlash chip image and replays, exports and inspects them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("FLASHLOG_CONFIG"), "Config file (JSON)")
	rootCmd.PersistentFlags().String("image", "", "Chip image file, created factory erased if missing")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json")

	rootCmd.AddCommand(
		newFormatCommand(),
		newInfoCommand(),
		newSessionsCommand(),
		newReplayCommand(),
		newExportCommand(),
		newExportsCommand(),
		newPagesCommand(),
		newSimulateCommand(),
	)
	return rootCmd
}

// loadConfig layers the config file, FLASHLOG_* variables and the root
// flags, in that order.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	config.FromEnv(&cfg)

	if v, _ := cmd.Flags().GetString("image"); v != "" {
		cfg.Image = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// env is an opened image with a recorder mounted on it.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	image  *flash.Image
	rec    *flashlog.Recorder
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return nil, err
	}
	imgCfg, err := cfg.ImageConfig()
	if err != nil {
		return nil, err
	}
	img, err := flash.OpenImage(cfg.Image, imgCfg)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", cfg.Image, err)
	}
	opts, err := cfg.Options(logger)
	if err != nil {
		_ = img.Close()
		return nil, err
	}
	// an existing image keeps the geometry it was created with
	opts = append(opts, flashlog.WithGeometry(img.Geometry()))
	rec, err := flashlog.Open(img, opts...)
	if err != nil {
		_ = img.Close()
		return nil, fmt.Errorf("open recorder: %w", err)
	}
	logger.Debug("[flashlog.cli]",
		slog.String("event_type", "image.opened"),
		slog.String("path", img.Path()),
		slog.String("device", rec.DeviceID().String()),
		slog.String("state", rec.State().String()),
	)
	return &env{cfg: cfg, logger: logger, image: img, rec: rec}, nil
}

func (e *env) Close() error {
	return errors.Join(e.rec.Close(), e.image.Close())
}

// withEnv runs fn against an opened recorder and closes it afterwards.
func withEnv(cmd *cobra.Command, fn func(e *env) error) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	runErr := fn(e)
	if err := e.Close(); err != nil {
		return errors.Join(runErr, fmt.Errorf("close: %w", err))
	}
	return runErr
}
