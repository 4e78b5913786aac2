package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"agentd/internal/infra/config"
	"agentd/internal/infra/logger"
	"agentd/internal/infra/tracer"
)

// globals holds the flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newApp() *cli.Command {
	var g globals

	return &cli.Command{
		Name:  "agentd",
		Usage: "Autonomous agent runtime with long-term memory and delegation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to the YAML config file",
				Value:       "config.yaml",
				Sources:     cli.EnvVars("AGENTD_CONFIG"),
				Destination: &g.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Override logger.level (debug, info, warn, error)",
				Destination: &g.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "Override logger.format (json, text, console)",
				Destination: &g.logFormat,
			},
		},
		Commands: []*cli.Command{
			runCommand(&g),
			askCommand(&g),
			memoryCommand(&g),
			modelsCommand(&g),
		},
	}
}

// load reads the config file and applies flag overrides.
func (g *globals) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Logger.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logger.Format = g.logFormat
	}
	return cfg, nil
}

// session is the config plus the logger and tracer every command starts with.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	close  func()
}

func (g *globals) open(ctx context.Context) (*session, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	return &session{
		cfg:    cfg,
		logger: log,
		close: func() {
			if err := tracerShutdown(context.Background()); err != nil {
				log.Warn("tracer shutdown failed", "error", err)
			}
			logCloser()
		},
	}, nil
}
