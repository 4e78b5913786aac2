package usecase

import (
	"context"
	"sync"
	"time"

	"agentd/internal/domain"
)

// PauseSignal is a resettable pause latch. Done returns a channel that is
// closed while the signal is paused, so waits can select on it.
type PauseSignal struct {
	mu      sync.Mutex
	paused  bool
	ch      chan struct{}
	running chan struct{}
}

// NewPauseSignal returns an unpaused signal.
func NewPauseSignal() *PauseSignal {
	running := make(chan struct{})
	close(running)
	return &PauseSignal{ch: make(chan struct{}), running: running}
}

// Pause latches the signal. It reports whether the state changed.
func (p *PauseSignal) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return false
	}
	p.paused = true
	close(p.ch)
	p.running = make(chan struct{})
	return true
}

// Resume clears the latch. It reports whether the state changed.
func (p *PauseSignal) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return false
	}
	p.paused = false
	p.ch = make(chan struct{})
	close(p.running)
	return true
}

// Paused reports the current state.
func (p *PauseSignal) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Done returns a channel closed while paused.
func (p *PauseSignal) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch
}

// WaitResume blocks until the signal is not paused or ctx is done.
func (p *PauseSignal) WaitResume(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	select {
	case <-running:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Agent is the live runtime state of one node in the delegation tree.
// The history is mutated only by the goroutine running the agent's turn.
type Agent struct {
	mu          sync.RWMutex
	node        domain.AgentNode
	pendingTool string
	waitingTask string
	turn        *turnState // non-nil while a turn is paused mid-way

	History *ContextHistory
	pause   *PauseSignal
}

// NewAgent wraps a node and its history.
func NewAgent(node domain.AgentNode, history *ContextHistory) *Agent {
	if node.State == "" {
		node.State = domain.StateIdle
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	return &Agent{
		node:    node,
		History: history,
		pause:   NewPauseSignal(),
	}
}

// ID returns the agent ID.
func (a *Agent) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.node.ID
}

// Node returns a copy of the agent's node.
func (a *Agent) Node() domain.AgentNode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.node
}

// Profile returns the profile the agent runs under.
func (a *Agent) Profile() domain.Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.node.Profile
}

// State returns the current state.
func (a *Agent) State() domain.AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.node.State
}

// setState stores the new state and returns the previous one.
func (a *Agent) setState(s domain.AgentState) domain.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.node.State
	a.node.State = s
	return prev
}

// PendingTool returns the tool being dispatched, if any.
func (a *Agent) PendingTool() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pendingTool
}

func (a *Agent) setPendingTool(name string) {
	a.mu.Lock()
	a.pendingTool = name
	a.mu.Unlock()
}

// WaitingTask returns the delegation task the agent is blocked on, if any.
func (a *Agent) WaitingTask() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.waitingTask
}

func (a *Agent) setWaitingTask(id string) {
	a.mu.Lock()
	a.waitingTask = id
	a.mu.Unlock()
}

// HasSuspendedTurn reports whether a paused turn can be resumed.
func (a *Agent) HasSuspendedTurn() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.turn != nil
}

func (a *Agent) suspendedTurn() *turnState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.turn
}

func (a *Agent) setSuspendedTurn(ts *turnState) {
	a.mu.Lock()
	a.turn = ts
	a.mu.Unlock()
}

// takeSuspendedTurn clears and returns the suspended turn.
func (a *Agent) takeSuspendedTurn() *turnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.turn
	a.turn = nil
	return ts
}

// Pause requests a stop at the next state boundary.
func (a *Agent) Pause() bool { return a.pause.Pause() }

// Resume clears a pause request.
func (a *Agent) Resume() bool { return a.pause.Resume() }

// Paused reports whether a pause is latched.
func (a *Agent) Paused() bool { return a.pause.Paused() }

// PauseDone returns a channel closed while the agent is paused.
func (a *Agent) PauseDone() <-chan struct{} { return a.pause.Done() }

// WaitResume blocks until the agent is not paused or ctx is done.
func (a *Agent) WaitResume(ctx context.Context) error { return a.pause.WaitResume(ctx) }
