package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"agentd/internal/domain"
)

func memoryCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Maintain the long-term memory store",
		Commands: []*cli.Command{
			{
				Name:  "consolidate",
				Usage: "Merge near-duplicate records now",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withMemory(ctx, g, func(ctx context.Context, s *stack) error {
						merged, err := s.consolidator.Consolidate(ctx)
						if err != nil {
							return err
						}
						fmt.Fprintf(c.Root().Writer, "merged %d groups, %d records remain\n", merged, s.memory.Count())
						return nil
					})
				},
			},
			{
				Name:  "evict",
				Usage: "Delete stale, low-confidence records now",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withMemory(ctx, g, func(ctx context.Context, s *stack) error {
						evicted, err := s.consolidator.Evict(ctx)
						if err != nil {
							return err
						}
						fmt.Fprintf(c.Root().Writer, "evicted %d records, %d remain\n", evicted, s.memory.Count())
						return nil
					})
				},
			},
			{
				Name:      "forget",
				Usage:     "Delete records by ID",
				ArgsUsage: "<id>...",
				Action: func(ctx context.Context, c *cli.Command) error {
					ids := c.Args().Slice()
					if len(ids) == 0 {
						return errors.New("forget: at least one record ID is required")
					}
					return withMemory(ctx, g, func(ctx context.Context, s *stack) error {
						var errs []error
						for _, id := range ids {
							if err := s.memory.Forget(ctx, id); err != nil {
								errs = append(errs, fmt.Errorf("%s: %w", id, err))
								continue
							}
							fmt.Fprintf(c.Root().Writer, "forgot %s\n", id)
						}
						return errors.Join(errs...)
					})
				},
			},
		},
	}
}

// withMemory opens only the layers memory maintenance needs.
func withMemory(ctx context.Context, g *globals, fn func(context.Context, *stack) error) error {
	sess, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	s := newStack(sess.cfg, sess.logger)
	defer s.Close()
	for _, step := range []func(context.Context) error{s.initLLM, s.initMemory, s.initConsolidator} {
		if err := step(ctx); err != nil {
			return err
		}
	}
	if s.memory == nil {
		return domain.NewDomainError("memory", domain.ErrMemoryUnavailable, "memory is disabled in the config")
	}
	return fn(ctx, s)
}
