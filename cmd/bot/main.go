// Package main starts the chat moderation bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/notarikon-nz/notabot/internal/config"
	"github.com/notarikon-nz/notabot/internal/platform"
	"github.com/notarikon-nz/notabot/internal/setup"
)

// Exit codes. Scripts watching the bot key off these.
const (
	exitOK            = 0
	exitConfigInvalid = 2
	exitNoPlatforms   = 3
	exitSignal        = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts setup.Options

	app := &cli.Command{
		Name:  "notabot",
		Usage: "Multi-platform live chat moderation bot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config-dir",
				Aliases:     []string{"c"},
				Value:       "config",
				Usage:       "Directory holding bot.yaml, patterns.yaml, filters.yaml and timers.yaml",
				Destination: &opts.ConfigDir,
			},
			&cli.StringFlag{
				Name:        "log-dir",
				Value:       "logs/bot",
				Usage:       "Directory for session log files, empty disables file logging",
				Destination: &opts.LogDir,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "info",
				Usage:       "Console log level (debug, info, warn, error)",
				Destination: &opts.LogLevel,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return runBot(ctx, opts)
		},
	}

	err := app.Run(ctx, os.Args)
	if err == nil {
		if ctx.Err() != nil {
			return exitSignal
		}

		return exitOK
	}

	log.Printf("Error: %v", err)

	switch {
	case errors.Is(err, config.ErrConfigInvalid), errors.Is(err, config.ErrConfigMissing):
		return exitConfigInvalid
	case errors.Is(err, setup.ErrNoPlatforms),
		errors.Is(err, setup.ErrCredentialsMissing),
		errors.Is(err, platform.ErrPlatformConnect):
		return exitNoPlatforms
	default:
		return 1
	}
}

func runBot(ctx context.Context, opts setup.Options) error {
	app, err := setup.InitializeApp(setup.LoadCredentials(), opts)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer app.Close()

	app.Logger.Info("Bot starting",
		zap.String("config_dir", opts.ConfigDir),
		zap.Int("filters", len(app.Config.Current().Filters)))

	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	app.Logger.Info("Bot stopped")

	return nil
}
