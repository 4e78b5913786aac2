package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"agentd/internal/adapter/observe"
	"agentd/internal/domain"
	"agentd/internal/usecase/scheduling"
)

// sessionConsolidateTimeout bounds the consolidation pass run when a root
// agent is deleted.
const sessionConsolidateTimeout = 2 * time.Minute

func runCommand(g *globals) *cli.Command {
	var profile string

	return &cli.Command{
		Name:  "run",
		Usage: "Run the agent daemon with its observation feed and memory maintenance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "profile",
				Aliases:     []string{"p"},
				Usage:       "Profile of the root agent created when none is restored",
				Sources:     cli.EnvVars("AGENTD_PROFILE"),
				Destination: &profile,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return serve(ctx, g, profile)
		},
	}
}

func serve(ctx context.Context, g *globals, profile string) error {
	sess, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer sess.close()
	log := sess.logger

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := buildStack(ctx, sess.cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	if gw, err := s.llm.Gateway(""); err == nil {
		gw.Refresh(ctx)
	}

	restored, err := s.runtime.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore agents: %w", err)
	}
	if restored == 0 {
		agent, err := s.runtime.CreateAgent(ctx, profile)
		if err != nil {
			return fmt.Errorf("create root agent: %w", err)
		}
		log.Info("root agent ready", "agent_id", agent.ID(), "profile", agent.Profile().Name)
	}

	sched := scheduling.NewScheduler(log, 0)
	if err := s.scheduleMaintenance(sched); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	if unsub := s.consolidateOnSessionEnd(ctx); unsub != nil {
		defer unsub()
	}

	group, gctx := errgroup.WithContext(ctx)
	if sess.cfg.Observe.Enabled {
		srv := observe.NewServer(s.runtime, s.bus, sess.cfg.Observe, log)
		group.Go(func() error { return srv.Start(gctx) })
	}
	group.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("agentd running",
		"provider", sess.cfg.LLM.DefaultProvider,
		"agents", len(s.runtime.Snapshots()),
		"restored", restored,
		"tools", len(s.tools.Names()),
		"memory", s.memory != nil,
		"observe", sess.cfg.Observe.Enabled,
	)

	err = group.Wait()
	log.Info("agentd stopping")
	return err
}

// scheduleMaintenance registers the periodic consolidation and eviction
// jobs. An empty schedule disables the job.
func (s *stack) scheduleMaintenance(sched *scheduling.Scheduler) error {
	if s.consolidator == nil {
		return nil
	}
	mem := s.cfg.Memory
	if mem.Consolidation.Schedule != "" {
		err := sched.AddJob(scheduling.JobConsolidate, mem.Consolidation.Schedule, func(ctx context.Context) error {
			_, err := s.consolidator.Consolidate(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("schedule consolidation: %w", err)
		}
	}
	if mem.Eviction.Schedule != "" {
		err := sched.AddJob(scheduling.JobEvict, mem.Eviction.Schedule, func(ctx context.Context) error {
			_, err := s.consolidator.Evict(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("schedule eviction: %w", err)
		}
	}
	return nil
}

// consolidateOnSessionEnd runs a consolidation pass whenever a root agent
// is deleted, if configured. It returns the unsubscribe function, or nil.
func (s *stack) consolidateOnSessionEnd(ctx context.Context) func() {
	if s.consolidator == nil || !s.cfg.Memory.Consolidation.OnSession {
		return nil
	}
	return s.bus.Subscribe(domain.EventAgentDeleted, func(_ context.Context, event domain.Event) {
		runCtx, cancel := context.WithTimeout(ctx, sessionConsolidateTimeout)
		defer cancel()
		merged, err := s.consolidator.Consolidate(runCtx)
		if err != nil {
			s.logger.Warn("session-end consolidation failed", "agent_id", event.AgentID, "error", err)
			return
		}
		s.logger.Info("session-end consolidation", "agent_id", event.AgentID, "merged", merged)
	})
}
