package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentd/internal/domain"
)

// Defaults applied by NewDelegationTree.
const (
	defaultMaxDepth    = 3
	defaultMaxChildren = 4
)

// TreeConfig bounds the delegation tree.
type TreeConfig struct {
	MaxDepth    int // deepest allowed child depth; the root is depth 0
	MaxChildren int // live children per parent
}

// ChildRunner executes a child agent's objective to completion.
type ChildRunner interface {
	RunChild(ctx context.Context, child *Agent, task domain.DelegationTask) (string, error)
}

// HistoryFactory builds the context history of a new agent.
type HistoryFactory func(node domain.AgentNode) *ContextHistory

// TreeDeps holds the collaborators of a DelegationTree.
type TreeDeps struct {
	Config     TreeConfig
	NewHistory HistoryFactory
	Bus        domain.EventBus // optional
	Logger     *slog.Logger
}

type taskEntry struct {
	task      domain.DelegationTask
	done      chan struct{}
	cancel    context.CancelFunc
	abandoned bool // the parent stopped waiting; drop the entry once resolved
}

// DelegationTree is the arena of every live agent, keyed by ID, with the
// parent relation and the open delegation tasks.
type DelegationTree struct {
	cfg        TreeConfig
	newHistory HistoryFactory
	bus        domain.EventBus
	logger     *slog.Logger

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.RWMutex
	runner   ChildRunner
	agents   map[string]*Agent
	children map[string][]string
	tasks    map[string]*taskEntry
	closed   bool
}

// NewDelegationTree creates an empty tree. SetRunner must be called
// before the first Delegate.
func NewDelegationTree(deps TreeDeps) *DelegationTree {
	cfg := deps.Config
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = defaultMaxChildren
	}
	newHistory := deps.NewHistory
	if newHistory == nil {
		newHistory = func(node domain.AgentNode) *ContextHistory {
			return NewContextHistory(HistoryDeps{AgentID: node.ID, Logger: deps.Logger})
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	base, cancel := context.WithCancel(context.Background())
	return &DelegationTree{
		cfg:        cfg,
		newHistory: newHistory,
		bus:        deps.Bus,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
		agents:     make(map[string]*Agent),
		children:   make(map[string][]string),
		tasks:      make(map[string]*taskEntry),
	}
}

// SetRunner installs the executor for child agents.
func (t *DelegationTree) SetRunner(r ChildRunner) {
	t.mu.Lock()
	t.runner = r
	t.mu.Unlock()
}

// MaxDepth returns the configured depth bound.
func (t *DelegationTree) MaxDepth() int { return t.cfg.MaxDepth }

// AddRoot registers a root agent.
func (t *DelegationTree) AddRoot(agent *Agent) error {
	node := agent.Node()
	if !node.IsRoot() || node.Depth != 0 {
		return domain.NewDomainError("DelegationTree.AddRoot", domain.ErrInvalidInput, "node is not a root")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.agents[node.ID]; ok {
		return domain.NewDomainError("DelegationTree.AddRoot", domain.ErrDuplicate, node.ID)
	}
	t.agents[node.ID] = agent
	return nil
}

// Get returns a live agent.
func (t *DelegationTree) Get(id string) (*Agent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.agents[id]
	if !ok {
		return nil, domain.NewDomainError("DelegationTree.Get", domain.ErrAgentNotFound, id)
	}
	return a, nil
}

// Agents returns every live agent.
func (t *DelegationTree) Agents() []*Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a)
	}
	return out
}

// Delegate creates a child of parent with a fresh history and starts it
// on the objective. The returned task is running; resolve it with Wait.
func (t *DelegationTree) Delegate(ctx context.Context, parent *Agent, objective string, profile domain.Profile, toolCallID string) (*domain.DelegationTask, error) {
	const op = "DelegationTree.Delegate"
	pnode := parent.Node()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "tree is closed")
	}
	if t.runner == nil {
		t.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "no child runner configured")
	}
	if err := t.checkAncestryLocked(pnode.ID); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	depth := pnode.Depth + 1
	if depth > t.cfg.MaxDepth {
		t.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrDepthExceeded,
			fmt.Sprintf("child depth %d exceeds max depth %d", depth, t.cfg.MaxDepth))
	}
	if n := len(t.children[pnode.ID]); n >= t.cfg.MaxChildren {
		t.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("parent already has %d live children", n))
	}

	now := time.Now()
	task := domain.DelegationTask{
		ID:            newID(),
		ParentAgentID: pnode.ID,
		Objective:     objective,
		Profile:       profile.Name,
		ToolCallID:    toolCallID,
		Status:        domain.DelegationPending,
		CreatedAt:     now,
	}
	node := domain.AgentNode{
		ID:        newID(),
		ParentID:  pnode.ID,
		Profile:   profile,
		Depth:     depth,
		State:     domain.StateIdle,
		TaskID:    task.ID,
		CreatedAt: now,
	}
	task.AssignedAgentID = node.ID

	child := NewAgent(node, t.newHistory(node))
	childCtx, cancel := context.WithCancel(t.base)
	childCtx = domain.ContextWithAgentID(childCtx, node.ID)
	entry := &taskEntry{task: task, done: make(chan struct{}), cancel: cancel}

	t.agents[node.ID] = child
	t.children[pnode.ID] = append(t.children[pnode.ID], node.ID)
	t.tasks[task.ID] = entry
	runner := t.runner
	t.wg.Add(1)
	t.mu.Unlock()

	emit(ctx, t.bus, domain.EventAgentDelegated, pnode.ID, domain.DelegationPayload{
		TaskID:    task.ID,
		ChildID:   node.ID,
		Objective: objective,
		Status:    domain.DelegationPending,
	})
	t.logger.Info("delegated objective",
		"agent_id", pnode.ID,
		"child_id", node.ID,
		"task_id", task.ID,
		"depth", depth,
	)

	go t.runChild(childCtx, runner, child, entry)
	return &task, nil
}

func (t *DelegationTree) runChild(ctx context.Context, runner ChildRunner, child *Agent, entry *taskEntry) {
	defer t.wg.Done()

	t.mu.Lock()
	if entry.task.Status == domain.DelegationPending {
		entry.task.Status = domain.DelegationRunning
	}
	task := entry.task
	t.mu.Unlock()

	var (
		result string
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("child runner panicked: %v", r)
			}
		}()
		result, err = runner.RunChild(ctx, child, task)
	}()

	if rerr := t.Report(child.ID(), result, err); rerr != nil && !errors.Is(rerr, domain.ErrAgentNotFound) {
		t.logger.Warn("child report failed", "child_id", child.ID(), "error", rerr)
	}
}

// checkAncestryLocked walks the parent chain of id and rejects a broken
// or cyclic chain.
func (t *DelegationTree) checkAncestryLocked(id string) error {
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		if seen[cur] {
			return domain.NewDomainError("DelegationTree.Delegate", domain.ErrCycle, cur)
		}
		seen[cur] = true
		a, ok := t.agents[cur]
		if !ok {
			return domain.NewDomainError("DelegationTree.Delegate", domain.ErrAgentNotFound, cur)
		}
		cur = a.Node().ParentID
	}
	return nil
}

// Report resolves the child's task with its result, terminates the child,
// and removes its subtree from the arena. Reporting twice is a no-op.
func (t *DelegationTree) Report(childID, result string, runErr error) error {
	const op = "DelegationTree.Report"

	t.mu.Lock()
	child, ok := t.agents[childID]
	if !ok {
		t.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrAgentNotFound, childID)
	}
	node := child.Node()
	entry, ok := t.tasks[node.TaskID]
	if !ok {
		t.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrTaskNotFound, node.TaskID)
	}
	if entry.task.Status.IsTerminal() {
		t.mu.Unlock()
		return nil
	}

	switch {
	case runErr == nil:
		entry.task.Status = domain.DelegationCompleted
	case errors.Is(runErr, context.Canceled):
		entry.task.Status = domain.DelegationCancelled
		entry.task.Error = runErr.Error()
	default:
		entry.task.Status = domain.DelegationFailed
		entry.task.Error = runErr.Error()
	}
	entry.task.Result = result
	entry.task.CompletedAt = time.Now()
	task := entry.task
	prev := child.setState(domain.StateTerminated)
	close(entry.done)
	entry.cancel()
	if entry.abandoned {
		delete(t.tasks, task.ID)
	}
	t.removeLocked(childID)
	t.mu.Unlock()

	if prev != domain.StateTerminated {
		emit(t.base, t.bus, domain.EventStateChanged, childID,
			domain.StateChangedPayload{From: prev, To: domain.StateTerminated})
	}
	emit(t.base, t.bus, domain.EventAgentReported, task.ParentAgentID, domain.DelegationPayload{
		TaskID:  task.ID,
		ChildID: childID,
		Status:  task.Status,
	})
	t.logger.Info("child reported",
		"agent_id", task.ParentAgentID,
		"child_id", childID,
		"task_id", task.ID,
		"status", string(task.Status),
	)
	return nil
}

// removeLocked drops id and its descendants from the arena. Tasks of
// descendants are cancelled and discarded since nobody will wait on them.
func (t *DelegationTree) removeLocked(id string) {
	for _, cid := range t.children[id] {
		if c, ok := t.agents[cid]; ok {
			if e, ok := t.tasks[c.Node().TaskID]; ok {
				e.cancel()
				if !e.task.Status.IsTerminal() {
					e.task.Status = domain.DelegationCancelled
					close(e.done)
				}
				delete(t.tasks, e.task.ID)
			}
		}
		t.removeLocked(cid)
	}
	delete(t.children, id)

	if a, ok := t.agents[id]; ok {
		if parent := a.Node().ParentID; parent != "" {
			siblings := t.children[parent]
			for i, s := range siblings {
				if s == id {
					t.children[parent] = append(siblings[:i:i], siblings[i+1:]...)
					break
				}
			}
		}
	}
	delete(t.agents, id)
}

// Wait blocks until the task resolves, the pause channel closes, or ctx
// is done. A pause returns ErrPaused and leaves the child running; the
// task can be waited on again. A resolved task is handed out once.
func (t *DelegationTree) Wait(ctx context.Context, taskID string, pause <-chan struct{}) (*domain.DelegationTask, error) {
	const op = "DelegationTree.Wait"

	t.mu.RLock()
	entry, ok := t.tasks[taskID]
	t.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrTaskNotFound, taskID)
	}

	select {
	case <-entry.done:
		return t.collect(taskID, entry), nil
	default:
	}

	select {
	case <-entry.done:
		return t.collect(taskID, entry), nil
	case <-pause:
		return nil, domain.NewDomainError(op, domain.ErrPaused, taskID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *DelegationTree) collect(taskID string, entry *taskEntry) *domain.DelegationTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	task := entry.task
	delete(t.tasks, taskID)
	return &task
}

// Task returns a copy of an open task.
func (t *DelegationTree) Task(taskID string) (domain.DelegationTask, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.tasks[taskID]
	if !ok {
		return domain.DelegationTask{}, domain.NewDomainError("DelegationTree.Task", domain.ErrTaskNotFound, taskID)
	}
	return e.task, nil
}

// Cancel stops the child working on taskID. The child reports cancelled.
func (t *DelegationTree) Cancel(taskID string) error {
	t.mu.RLock()
	e, ok := t.tasks[taskID]
	t.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("DelegationTree.Cancel", domain.ErrTaskNotFound, taskID)
	}
	e.cancel()
	return nil
}

// Abandon cancels the child working on taskID and discards the task
// once it resolves. Used when the waiting parent's turn is cancelled.
func (t *DelegationTree) Abandon(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tasks[taskID]
	if !ok {
		return
	}
	e.cancel()
	e.abandoned = true
	if e.task.Status.IsTerminal() {
		delete(t.tasks, taskID)
	}
}

// Remove drops an agent and its subtree, cancelling their work. A waiting
// parent sees the agent's task resolve as cancelled.
func (t *DelegationTree) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[id]
	if !ok {
		return domain.NewDomainError("DelegationTree.Remove", domain.ErrAgentNotFound, id)
	}
	if e, ok := t.tasks[a.Node().TaskID]; ok {
		e.cancel()
		if !e.task.Status.IsTerminal() {
			e.task.Status = domain.DelegationCancelled
			e.task.Error = "agent removed"
			e.task.CompletedAt = time.Now()
			close(e.done)
		}
	}
	t.removeLocked(id)
	return nil
}

// Snapshot renders the subtree rooted at id.
func (t *DelegationTree) Snapshot(id string) (*domain.TreeNode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.agents[id]; !ok {
		return nil, domain.NewDomainError("DelegationTree.Snapshot", domain.ErrAgentNotFound, id)
	}
	n := t.snapshotLocked(id)
	return &n, nil
}

func (t *DelegationTree) snapshotLocked(id string) domain.TreeNode {
	a := t.agents[id]
	node := a.Node()
	tn := domain.TreeNode{
		AgentID: node.ID,
		Profile: node.Profile.Name,
		State:   node.State,
		Depth:   node.Depth,
		TaskID:  node.TaskID,
	}
	if e, ok := t.tasks[node.TaskID]; ok {
		tn.TaskStatus = e.task.Status
	}
	for _, cid := range t.children[id] {
		if _, ok := t.agents[cid]; ok {
			tn.Children = append(tn.Children, t.snapshotLocked(cid))
		}
	}
	return tn
}

// Close cancels every running child and waits for them to report.
func (t *DelegationTree) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancelBase()
	t.wg.Wait()
}
