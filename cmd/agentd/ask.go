package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"agentd/internal/usecase"
)

func askCommand(g *globals) *cli.Command {
	var (
		profile string
		keep    bool
		asJSON  bool
	)

	return &cli.Command{
		Name:      "ask",
		Usage:     "Run one goal through a fresh root agent and print its answer",
		ArgsUsage: "<goal>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "profile",
				Aliases:     []string{"p"},
				Usage:       "Profile of the agent",
				Sources:     cli.EnvVars("AGENTD_PROFILE"),
				Destination: &profile,
			},
			&cli.BoolFlag{
				Name:        "keep",
				Usage:       "Keep the agent and its history after answering",
				Destination: &keep,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "Print the full turn outcome as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			goal := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if goal == "" {
				return errors.New("ask: a goal is required")
			}

			sess, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			s, err := buildStack(ctx, sess.cfg, sess.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			out, err := ask(ctx, s.runtime, profile, goal, keep)
			if err != nil {
				return err
			}
			return printOutcome(c.Root().Writer, out, asJSON)
		},
	}
}

// ask creates a root agent, runs one turn and, unless keep is set, deletes
// the agent afterwards.
func ask(ctx context.Context, rt *usecase.Runtime, profile, goal string, keep bool) (*usecase.TurnOutcome, error) {
	agent, err := rt.CreateAgent(ctx, profile)
	if err != nil {
		return nil, err
	}
	if !keep {
		defer rt.DeleteAgent(context.WithoutCancel(ctx), agent.ID())
	}
	return rt.Ask(ctx, agent.ID(), goal)
}

func printOutcome(w io.Writer, out *usecase.TurnOutcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else if out.Answer != "" {
		fmt.Fprintln(w, out.Answer)
	}

	if out.Status == usecase.TurnCompleted {
		return nil
	}
	if out.Err != nil {
		return fmt.Errorf("turn %s: %w", out.Status, out.Err)
	}
	return fmt.Errorf("turn %s", out.Status)
}
