package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentd/internal/domain"
)

const defaultMailboxSize = 16

// ProviderSource resolves a profile's provider name to a callable provider.
// An empty name selects the default provider.
type ProviderSource interface {
	Provider(name string) (domain.LLMProvider, error)
}

// RuntimeConfig carries the turn defaults of every agent.
type RuntimeConfig struct {
	DefaultProfile string
	MaxIterations  int
	MaxTokens      int
	Temperature    float64
	MemoryTopK     int
	Stream         bool
	AutoCurate     bool
	TurnTimeout    time.Duration
	MailboxSize    int
}

// RuntimeDeps holds injected dependencies for the runtime.
type RuntimeDeps struct {
	Config       RuntimeConfig
	Orchestrator *Orchestrator
	Tree         *DelegationTree
	Profiles     ProfileSource
	Providers    ProviderSource
	NewHistory   HistoryFactory
	Store        domain.HistoryStore // optional, nil = agents are not persisted
	Bus          domain.EventBus     // optional
	Logger       *slog.Logger
}

type request struct {
	input string
	reply chan *TurnOutcome
}

// mailbox serializes the inputs of one root agent.
type mailbox struct {
	queue  chan request
	wake   chan struct{}
	done   <-chan struct{}
	cancel context.CancelFunc

	mu         sync.Mutex
	cancelTurn context.CancelFunc
	last       *TurnOutcome
}

// drain answers every queued request with a cancelled outcome.
func (mb *mailbox) drain(agentID string) {
	for {
		select {
		case req := <-mb.queue:
			req.reply <- stoppedOutcome(agentID)
		default:
			return
		}
	}
}

// stoppedOutcome answers a request the agent will never run.
func stoppedOutcome(agentID string) *TurnOutcome {
	return &TurnOutcome{
		AgentID: agentID,
		Status:  TurnCancelled,
		Answer:  "The agent was stopped before this input was processed.",
		Err:     context.Canceled,
	}
}

// Runtime owns root agents: it creates and restores them, feeds their
// mailboxes in arrival order, and runs delegated children.
type Runtime struct {
	deps RuntimeDeps

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
}

// NewRuntime creates a runtime and installs it as the tree's child runner.
func NewRuntime(deps RuntimeDeps) *Runtime {
	if deps.Config.MailboxSize <= 0 {
		deps.Config.MailboxSize = defaultMailboxSize
	}
	if deps.Config.DefaultProfile == "" {
		deps.Config.DefaultProfile = "default"
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.NewHistory == nil {
		deps.NewHistory = func(node domain.AgentNode) *ContextHistory {
			return NewContextHistory(HistoryDeps{AgentID: node.ID, Logger: deps.Logger})
		}
	}
	base, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		deps:       deps,
		base:       base,
		cancelBase: cancel,
		mailboxes:  make(map[string]*mailbox),
	}
	deps.Tree.SetRunner(r)
	return r
}

// CreateAgent starts a new root agent under the named profile.
func (r *Runtime) CreateAgent(ctx context.Context, profileName string) (*Agent, error) {
	const op = "Runtime.CreateAgent"
	if profileName == "" {
		profileName = r.deps.Config.DefaultProfile
	}
	profile, ok := r.deps.Profiles.Profile(profileName)
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrProfileNotFound, profileName)
	}

	node := domain.AgentNode{
		ID:        newID(),
		Profile:   profile,
		State:     domain.StateIdle,
		CreatedAt: time.Now(),
	}
	agent := NewAgent(node, r.deps.NewHistory(node))
	if err := r.deps.Tree.AddRoot(agent); err != nil {
		return nil, err
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.SaveAgent(ctx, node); err != nil {
			_ = r.deps.Tree.Remove(node.ID)
			return nil, domain.NewDomainError(op, domain.ErrHistoryStore, err.Error())
		}
	}
	r.start(agent)

	emit(ctx, r.deps.Bus, domain.EventAgentCreated, node.ID, map[string]string{"profile": profile.Name})
	r.deps.Logger.Info("agent created", "agent_id", node.ID, "profile", profile.Name)
	return agent, nil
}

// Restore reloads persisted root agents and their histories. Persisted
// children are discarded since their tasks did not survive the restart.
func (r *Runtime) Restore(ctx context.Context) (int, error) {
	if r.deps.Store == nil {
		return 0, nil
	}
	nodes, err := r.deps.Store.LoadAgents(ctx)
	if err != nil {
		return 0, domain.NewDomainError("Runtime.Restore", domain.ErrHistoryStore, err.Error())
	}

	restored := 0
	for _, node := range nodes {
		if !node.IsRoot() {
			if err := r.deps.Store.DeleteAgent(ctx, node.ID); err != nil {
				r.deps.Logger.Warn("failed to discard stale child", "agent_id", node.ID, "error", err)
			}
			continue
		}
		if p, ok := r.deps.Profiles.Profile(node.Profile.Name); ok {
			node.Profile = p
		}
		node.State = domain.StateIdle
		history := r.deps.NewHistory(node)
		snap, err := r.deps.Store.LoadHistory(ctx, node.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.deps.Logger.Warn("failed to load history", "agent_id", node.ID, "error", err)
		}
		history.Restore(snap)

		agent := NewAgent(node, history)
		if err := r.deps.Tree.AddRoot(agent); err != nil {
			r.deps.Logger.Warn("failed to restore agent", "agent_id", node.ID, "error", err)
			continue
		}
		r.start(agent)
		restored++
	}
	if restored > 0 {
		r.deps.Logger.Info("agents restored", "count", restored)
	}
	return restored, nil
}

func (r *Runtime) start(agent *Agent) {
	ctx, cancel := context.WithCancel(r.base)
	mb := &mailbox{
		queue:  make(chan request, r.deps.Config.MailboxSize),
		wake:   make(chan struct{}, 1),
		done:   ctx.Done(),
		cancel: cancel,
	}
	r.mu.Lock()
	r.mailboxes[agent.ID()] = mb
	r.mu.Unlock()

	r.wg.Add(1)
	go r.work(ctx, agent, mb)
}

// work processes one root agent's inputs in arrival order. A paused agent
// holds its queue until resumed. When the agent stops, the request in hand
// and everything still queued are answered as cancelled.
func (r *Runtime) work(ctx context.Context, agent *Agent, mb *mailbox) {
	defer r.wg.Done()
	id := agent.ID()
	defer mb.drain(id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-mb.wake:
			if agent.HasSuspendedTurn() && !agent.Paused() {
				r.execute(ctx, agent, mb, nil)
			}
		case req := <-mb.queue:
			if err := r.waitRunnable(ctx, agent, mb); err != nil {
				req.reply <- stoppedOutcome(id)
				return
			}
			req.reply <- r.execute(ctx, agent, mb, &req.input)
		}
	}
}

// waitRunnable blocks while the agent is paused and finishes a suspended
// turn before new input is taken.
func (r *Runtime) waitRunnable(ctx context.Context, agent *Agent, mb *mailbox) error {
	for {
		if err := agent.WaitResume(ctx); err != nil {
			return err
		}
		if !agent.HasSuspendedTurn() {
			return nil
		}
		r.execute(ctx, agent, mb, nil)
		if err := ctx.Err(); err != nil {
			return err
		}
		if agent.HasSuspendedTurn() && !agent.Paused() {
			// The turn could not be resumed at all; give it up.
			agent.takeSuspendedTurn()
		}
	}
}

func (r *Runtime) execute(ctx context.Context, agent *Agent, mb *mailbox, input *string) *TurnOutcome {
	node := agent.Node()
	turnCtx, cancel := r.turnContext(ctx)
	defer cancel()
	mb.mu.Lock()
	mb.cancelTurn = cancel
	mb.mu.Unlock()
	defer func() {
		mb.mu.Lock()
		mb.cancelTurn = nil
		mb.mu.Unlock()
	}()

	cfg, err := r.turnConfig(node.Profile)
	var out *TurnOutcome
	if err == nil {
		if input != nil {
			out, err = r.deps.Orchestrator.RunTurn(turnCtx, agent, *input, cfg)
		} else {
			out, err = r.deps.Orchestrator.ResumeTurn(turnCtx, agent, cfg)
		}
	}
	if err != nil {
		out = &TurnOutcome{AgentID: node.ID, Status: TurnFailed, Answer: err.Error(), Err: err}
	}

	mb.mu.Lock()
	mb.last = out
	mb.mu.Unlock()
	return out
}

func (r *Runtime) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.deps.Config.TurnTimeout > 0 {
		return context.WithTimeout(ctx, r.deps.Config.TurnTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Runtime) turnConfig(p domain.Profile) (TurnConfig, error) {
	provider, err := r.deps.Providers.Provider(p.Provider)
	if err != nil {
		return TurnConfig{}, err
	}
	c := r.deps.Config
	return TurnConfig{
		Provider:      provider,
		Model:         p.Model,
		MaxIterations: c.MaxIterations,
		MaxTokens:     c.MaxTokens,
		Temperature:   c.Temperature,
		MemoryTopK:    c.MemoryTopK,
		Stream:        c.Stream,
		AutoCurate:    c.AutoCurate,
	}, nil
}

// RunChild runs a delegated objective as the child's single turn. A paused
// child waits for resume and continues where it stopped.
func (r *Runtime) RunChild(ctx context.Context, child *Agent, task domain.DelegationTask) (string, error) {
	cfg, err := r.turnConfig(child.Profile())
	if err != nil {
		return "", err
	}
	cfg.AutoCurate = false

	out, err := r.deps.Orchestrator.RunTurn(ctx, child, task.Objective, cfg)
	for err == nil && out.Status == TurnPaused {
		if werr := child.WaitResume(ctx); werr != nil {
			return "", werr
		}
		out, err = r.deps.Orchestrator.ResumeTurn(ctx, child, cfg)
	}
	if err != nil {
		return "", err
	}
	if out.Status == TurnCompleted {
		return out.Answer, nil
	}
	return out.Answer, out.Err
}

func (r *Runtime) mailbox(id string) (*mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.mailboxes[id]
	if !ok {
		return nil, domain.NewDomainError("Runtime", domain.ErrAgentNotFound, id)
	}
	return mb, nil
}

// Submit queues input for a root agent. The outcome of the turn is sent
// on the returned channel. A turn that pauses is answered with TurnPaused;
// its final outcome after Resume is only available from LastOutcome.
// Input still queued when the agent is deleted is answered as cancelled.
func (r *Runtime) Submit(ctx context.Context, agentID, input string) (<-chan *TurnOutcome, error) {
	mb, err := r.mailbox(agentID)
	if err != nil {
		return nil, err
	}
	req := request{input: input, reply: make(chan *TurnOutcome, 1)}
	select {
	case mb.queue <- req:
	case <-mb.done:
		return nil, domain.NewDomainError("Runtime.Submit", domain.ErrAgentNotFound, agentID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// The worker may have drained the queue before this send landed.
	select {
	case <-mb.done:
		mb.drain(agentID)
	default:
	}
	return req.reply, nil
}

// Ask submits input and waits for the outcome.
func (r *Runtime) Ask(ctx context.Context, agentID, input string) (*TurnOutcome, error) {
	reply, err := r.Submit(ctx, agentID, input)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause stops the agent at its next state boundary. Children keep running.
func (r *Runtime) Pause(ctx context.Context, agentID string) error {
	agent, err := r.deps.Tree.Get(agentID)
	if err != nil {
		return err
	}
	if agent.Pause() {
		emit(ctx, r.deps.Bus, domain.EventAgentPaused, agentID, map[string]bool{"requested": true})
		r.deps.Logger.Info("agent paused", "agent_id", agentID)
	}
	return nil
}

// Resume clears a pause and continues a suspended turn.
func (r *Runtime) Resume(ctx context.Context, agentID string) error {
	agent, err := r.deps.Tree.Get(agentID)
	if err != nil {
		return err
	}
	if !agent.Resume() {
		return nil
	}
	emit(ctx, r.deps.Bus, domain.EventAgentResumed, agentID, nil)
	r.deps.Logger.Info("agent resumed", "agent_id", agentID)

	if mb, err := r.mailbox(agentID); err == nil {
		select {
		case mb.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel aborts the agent's current turn. For a child it cancels the
// delegation task, which the parent sees as cancelled.
func (r *Runtime) Cancel(agentID string) error {
	agent, err := r.deps.Tree.Get(agentID)
	if err != nil {
		return err
	}
	if node := agent.Node(); !node.IsRoot() {
		return r.deps.Tree.Cancel(node.TaskID)
	}
	mb, err := r.mailbox(agentID)
	if err != nil {
		return err
	}
	mb.mu.Lock()
	cancel := mb.cancelTurn
	mb.mu.Unlock()
	if cancel != nil {
		cancel()
		return nil
	}
	// A suspended turn has no context to cancel: drop it and release the
	// child it was waiting on.
	ts := agent.takeSuspendedTurn()
	if ts == nil {
		return nil
	}
	if ts.taskID != "" {
		r.deps.Tree.Abandon(ts.taskID)
	}
	agent.setWaitingTask("")
	agent.setPendingTool("")
	if from := agent.setState(domain.StateIdle); from != domain.StateIdle {
		emit(r.base, r.deps.Bus, domain.EventStateChanged, agentID,
			domain.StateChangedPayload{From: from, To: domain.StateIdle})
	}
	r.deps.Logger.Info("suspended turn cancelled", "agent_id", agentID, "task_id", ts.taskID)
	return nil
}

// DeleteAgent stops a root agent, removes its subtree and its persisted state.
func (r *Runtime) DeleteAgent(ctx context.Context, agentID string) error {
	mb, err := r.mailbox(agentID)
	if err != nil {
		return err
	}
	mb.cancel()
	r.mu.Lock()
	delete(r.mailboxes, agentID)
	r.mu.Unlock()

	if err := r.deps.Tree.Remove(agentID); err != nil {
		return err
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.DeleteAgent(ctx, agentID); err != nil {
			return domain.NewDomainError("Runtime.DeleteAgent", domain.ErrHistoryStore, err.Error())
		}
	}
	emit(ctx, r.deps.Bus, domain.EventAgentDeleted, agentID, nil)
	r.deps.Logger.Info("agent deleted", "agent_id", agentID)
	return nil
}

// LastOutcome returns the most recent outcome of a root agent, if any.
func (r *Runtime) LastOutcome(agentID string) (*TurnOutcome, error) {
	mb, err := r.mailbox(agentID)
	if err != nil {
		return nil, err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.last, nil
}

// Snapshot returns the observation record of one agent.
func (r *Runtime) Snapshot(agentID string) (*domain.AgentSnapshot, error) {
	agent, err := r.deps.Tree.Get(agentID)
	if err != nil {
		return nil, err
	}
	node := agent.Node()
	snap := &domain.AgentSnapshot{
		AgentID:     node.ID,
		ParentID:    node.ParentID,
		State:       node.State,
		Paused:      agent.Paused(),
		LastMessage: agent.History.LastMessage(),
		PendingTool: agent.PendingTool(),
	}
	if mb, err := r.mailbox(agentID); err == nil {
		snap.QueuedInputs = len(mb.queue)
	}
	if tree, err := r.deps.Tree.Snapshot(agentID); err == nil {
		snap.Tree = tree
	}
	return snap, nil
}

// Snapshots returns the records of every live agent, roots first.
func (r *Runtime) Snapshots() []domain.AgentSnapshot {
	agents := r.deps.Tree.Agents()
	sort.Slice(agents, func(i, j int) bool {
		a, b := agents[i].Node(), agents[j].Node()
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.ID < b.ID
	})
	out := make([]domain.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		if snap, err := r.Snapshot(a.ID()); err == nil {
			out = append(out, *snap)
		}
	}
	return out
}

// Close stops every worker and child.
func (r *Runtime) Close() {
	r.cancelBase()
	r.deps.Tree.Close()
	r.wg.Wait()
}
