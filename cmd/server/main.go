package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"calendarauth-go/internal/app"
	"calendarauth-go/internal/config"

	"github.com/jessevdk/go-flags"
)

// Options are the command line flags. Everything else comes from the
// config file and the environment.
type Options struct {
	ConfigPath string `short:"c" long:"config" description:"JSON config file" env:"CONFIG_PATH"`
	Port       int    `short:"p" long:"port" description:"HTTP port, overrides config"`
	LogLevel   string `short:"l" long:"log-level" description:"debug, info, warn or error; overrides config"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			// already printed by go-flags
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "calendarauth: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	options := &Options{}
	if _, err := flags.ParseArgs(options, args); err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.Load(options.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if options.Port > 0 {
		cfg.Server.Port = options.Port
	}
	if options.LogLevel != "" {
		cfg.LogLevel = options.LogLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// Create a new application instance
	application, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the application
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application failed to start: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	if err := application.Stop(context.Background()); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("application has stopped")
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
