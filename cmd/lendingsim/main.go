// Command lendingsim is the entry point for the lending market simulator. It
// loads configuration, validates it, sets up logging and signal handling, and
// starts the application in the selected mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alanyoungcy/lendingsim/internal/app"
	"github.com/alanyoungcy/lendingsim/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lendingsim",
		Short:         "Block-by-block simulation of a single-pair lending market",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file (empty for defaults)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Execute one simulation run and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return start(cmd.Context(), configPath, "run")
			},
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Run the simulation behind the HTTP and WebSocket API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return start(cmd.Context(), configPath, "serve")
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration and print it with secrets redacted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(configPath, "")
				if err != nil {
					return err
				}
				redacted := config.RedactedConfig(cfg)
				fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (mode %s)\n%+v\n", cfg.Mode, redacted)
				return nil
			},
		},
	)
	return root
}

// loadConfig loads and validates the configuration. A non-empty mode
// overrides the configured one.
func loadConfig(path, mode string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func start(ctx context.Context, configPath, mode string) error {
	cfg, err := loadConfig(configPath, mode)
	if err != nil {
		return err
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("lending simulator starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
	)

	// Create the application.
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return nil
		}
		logger.Error("application exited with error",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Info("lending simulator stopped")
	return nil
}

// newLogger builds the JSON logger. With log.file set, output also goes to a
// size-rotated file.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn
}
