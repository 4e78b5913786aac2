package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"agentd/internal/adapter/llm"
)

func modelsCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List the models every configured provider serves",
		Action: func(ctx context.Context, c *cli.Command) error {
			sess, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			s := newStack(sess.cfg, sess.logger)
			defer s.Close()
			if err := s.initLLM(ctx); err != nil {
				return err
			}
			printModels(c.Root().Writer, s.llm.ListModels(ctx))
			return nil
		},
	}
}

func printModels(w io.Writer, lists []llm.ModelList) {
	for _, l := range lists {
		switch {
		case l.Unsupported:
			fmt.Fprintf(w, "%s\t(model listing not supported)\n", l.Provider)
		case l.Err != nil:
			fmt.Fprintf(w, "%s\terror: %v\n", l.Provider, l.Err)
		default:
			for _, m := range l.Models {
				if m.ContextWindow > 0 {
					fmt.Fprintf(w, "%s\t%s\t%d\n", l.Provider, m.Model, m.ContextWindow)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\n", l.Provider, m.Model)
			}
		}
	}
}
