package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

var testProfiles = staticProfiles{
	"default": {Name: "default", SystemPrompt: "You are the root agent.", CanDelegate: true},
	"worker":  {Name: "worker", SystemPrompt: "You are a worker agent."},
}

func respond(step llmStep) (*domain.ChatResponse, error) {
	if step.err != nil {
		return nil, step.err
	}
	return &domain.ChatResponse{Message: step.msg}, nil
}

// callResultContent returns the content of the result message for callID.
func callResultContent(req domain.ChatRequest, callID string) string {
	for _, m := range req.Messages {
		if m.ToolCallID == callID {
			return m.Content
		}
	}
	return ""
}

func newTestRuntime(t *testing.T, llm domain.LLMProvider, store domain.HistoryStore) *Runtime {
	t.Helper()
	logger := newTestLogger()
	tree := NewDelegationTree(TreeDeps{Logger: logger})
	orch := NewOrchestrator(OrchestratorDeps{
		Tools:    newMockDispatcher(),
		Tree:     tree,
		Profiles: testProfiles,
		Logger:   logger,
	})
	rt := NewRuntime(RuntimeDeps{
		Orchestrator: orch,
		Tree:         tree,
		Profiles:     testProfiles,
		Providers:    staticProviders{llm: llm},
		Store:        store,
		Logger:       logger,
	})
	t.Cleanup(rt.Close)
	return rt
}

func echoLLM() funcLLM {
	return func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return respond(answer("echo: " + lastUserContent(req)))
	}
}

// delegatingLLM makes the root delegate once and the worker answer after
// workerGate is closed.
func delegatingLLM(workerGate <-chan struct{}) funcLLM {
	return func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if strings.Contains(req.Messages[0].Content, "worker") {
			select {
			case <-workerGate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return respond(answer("X found"))
		}
		if report := callResultContent(req, "d1"); report != "" {
			return respond(answer("parent got: " + report))
		}
		return respond(call("d1", DelegateToolName, `{"objective":"find X","profile":"worker"}`))
	}
}

func TestRuntime_CreateAndAsk(t *testing.T) {
	store := newMockHistoryStore()
	rt := newTestRuntime(t, echoLLM(), store)

	agent, err := rt.CreateAgent(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "default", agent.Profile().Name)
	assert.Contains(t, store.agents, agent.ID())

	out, err := rt.Ask(context.Background(), agent.ID(), "ping")
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, out.Status)
	assert.Equal(t, "echo: ping", out.Answer)

	last, err := rt.LastOutcome(agent.ID())
	require.NoError(t, err)
	assert.Same(t, out, last)

	snap, err := rt.Snapshot(agent.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, snap.State)
	require.NotNil(t, snap.LastMessage)
	assert.Equal(t, "echo: ping", snap.LastMessage.Content)
	require.NotNil(t, snap.Tree)
	assert.Equal(t, agent.ID(), snap.Tree.AgentID)
}

func TestRuntime_UnknownProfileAndAgent(t *testing.T) {
	rt := newTestRuntime(t, echoLLM(), nil)

	_, err := rt.CreateAgent(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)

	_, err = rt.Ask(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.ErrorIs(t, rt.Pause(context.Background(), "missing"), domain.ErrAgentNotFound)
}

func TestRuntime_MailboxPreservesOrder(t *testing.T) {
	rt := newTestRuntime(t, echoLLM(), nil)
	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)

	var replies []<-chan *TurnOutcome
	for _, in := range []string{"one", "two", "three"} {
		ch, err := rt.Submit(context.Background(), agent.ID(), in)
		require.NoError(t, err)
		replies = append(replies, ch)
	}
	for i, want := range []string{"echo: one", "echo: two", "echo: three"} {
		select {
		case out := <-replies[i]:
			assert.Equal(t, want, out.Answer)
		case <-time.After(2 * time.Second):
			t.Fatalf("no reply for input %d", i)
		}
	}

	var users []string
	for _, m := range agent.History.Messages() {
		if m.Role == domain.RoleUser {
			users = append(users, m.Content)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, users)
}

func TestRuntime_DelegationRoundTrip(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	rt := newTestRuntime(t, delegatingLLM(gate), nil)
	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)

	out, err := rt.Ask(context.Background(), agent.ID(), "find X for me")
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, out.Status)
	assert.Equal(t, "parent got: Sub-agent report (completed): X found", out.Answer)
	require.Len(t, out.Delegations, 1)
	task := out.Delegations[0]
	assert.Equal(t, domain.DelegationCompleted, task.Status)
	assert.Equal(t, "worker", task.Profile)

	var report *domain.Message
	for _, m := range agent.History.Messages() {
		if m.ToolCallID == "d1" {
			report = &m
		}
	}
	require.NotNil(t, report)
	assert.Equal(t, domain.RoleAgent, report.Role)
	assert.Equal(t, task.AssignedAgentID, report.Name)

	// The child is gone once it reported.
	assert.Len(t, rt.Snapshots(), 1)
}

func TestRuntime_PauseWhileWaitingOnChild(t *testing.T) {
	gate := make(chan struct{})
	rt := newTestRuntime(t, delegatingLLM(gate), nil)
	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)

	reply, err := rt.Submit(context.Background(), agent.ID(), "find X")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return agent.State() == domain.StateWaitingOnChild },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, rt.Pause(context.Background(), agent.ID()))
	select {
	case out := <-reply:
		assert.Equal(t, TurnPaused, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("paused parent did not yield")
	}

	snaps := rt.Snapshots()
	require.Len(t, snaps, 2, "the child keeps running while the parent is paused")
	assert.True(t, snaps[0].Paused)
	require.NotNil(t, snaps[0].Tree)
	assert.Len(t, snaps[0].Tree.Children, 1)

	close(gate)
	require.NoError(t, rt.Resume(context.Background(), agent.ID()))
	require.Eventually(t, func() bool {
		out, _ := rt.LastOutcome(agent.ID())
		return out != nil && out.Status == TurnCompleted
	}, 2*time.Second, 5*time.Millisecond)

	out, err := rt.LastOutcome(agent.ID())
	require.NoError(t, err)
	assert.Equal(t, "parent got: Sub-agent report (completed): X found", out.Answer)
}

func TestRuntime_PausedAgentHoldsQueue(t *testing.T) {
	rt := newTestRuntime(t, echoLLM(), nil)
	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)
	require.NoError(t, rt.Pause(context.Background(), agent.ID()))

	reply, err := rt.Submit(context.Background(), agent.ID(), "later")
	require.NoError(t, err)
	select {
	case <-reply:
		t.Fatal("paused agent processed input")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, rt.Resume(context.Background(), agent.ID()))
	select {
	case out := <-reply:
		assert.Equal(t, "echo: later", out.Answer)
	case <-time.After(2 * time.Second):
		t.Fatal("resumed agent did not process input")
	}
}

func TestRuntime_Cancel(t *testing.T) {
	hang := funcLLM(func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rt := newTestRuntime(t, hang, nil)
	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)

	reply, err := rt.Submit(context.Background(), agent.ID(), "slow")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return agent.State() == domain.StateDeciding },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, rt.Cancel(agent.ID()))
	select {
	case out := <-reply:
		assert.Equal(t, TurnCancelled, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not stop the turn")
	}
}

func TestRuntime_TurnTimeout(t *testing.T) {
	hang := funcLLM(func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	logger := newTestLogger()
	tree := NewDelegationTree(TreeDeps{Logger: logger})
	rt := NewRuntime(RuntimeDeps{
		Config:       RuntimeConfig{TurnTimeout: 30 * time.Millisecond},
		Orchestrator: NewOrchestrator(OrchestratorDeps{Tools: newMockDispatcher(), Logger: logger}),
		Tree:         tree,
		Profiles:     testProfiles,
		Providers:    staticProviders{llm: hang},
		Logger:       logger,
	})
	defer rt.Close()

	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)
	out, err := rt.Ask(context.Background(), agent.ID(), "slow")
	require.NoError(t, err)
	assert.Equal(t, TurnCancelled, out.Status)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestRuntime_RestoreRootsOnly(t *testing.T) {
	store := newMockHistoryStore()
	ctx := context.Background()
	root := domain.AgentNode{ID: "r1", Profile: domain.Profile{Name: "default"}, State: domain.StateDeciding}
	child := domain.AgentNode{ID: "c1", ParentID: "r1", Depth: 1, Profile: domain.Profile{Name: "worker"}}
	require.NoError(t, store.SaveAgent(ctx, root))
	require.NoError(t, store.SaveAgent(ctx, child))
	require.NoError(t, store.AppendMessage(ctx, "r1", domain.Message{ID: "m1", Role: domain.RoleUser, Content: "remember me"}))

	rt := newTestRuntime(t, echoLLM(), store)
	n, err := rt.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, store.agents, "c1")

	snap, err := rt.Snapshot("r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, snap.State)
	require.NotNil(t, snap.LastMessage)
	assert.Equal(t, "remember me", snap.LastMessage.Content)

	out, err := rt.Ask(ctx, "r1", "again")
	require.NoError(t, err)
	assert.Equal(t, "echo: again", out.Answer)
}

func TestRuntime_DeleteAgent(t *testing.T) {
	store := newMockHistoryStore()
	rt := newTestRuntime(t, echoLLM(), store)
	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)

	require.NoError(t, rt.DeleteAgent(context.Background(), agent.ID()))
	assert.NotContains(t, store.agents, agent.ID())
	_, err = rt.Snapshot(agent.ID())
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.ErrorIs(t, rt.DeleteAgent(context.Background(), agent.ID()), domain.ErrAgentNotFound)
}

func TestRuntime_DeletePausedAgentAnswersPendingInput(t *testing.T) {
	rt := newTestRuntime(t, echoLLM(), nil)
	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)
	require.NoError(t, rt.Pause(context.Background(), agent.ID()))

	held, err := rt.Submit(context.Background(), agent.ID(), "first")
	require.NoError(t, err)
	queued, err := rt.Submit(context.Background(), agent.ID(), "second")
	require.NoError(t, err)

	require.NoError(t, rt.DeleteAgent(context.Background(), agent.ID()))
	for i, reply := range []<-chan *TurnOutcome{held, queued} {
		select {
		case out := <-reply:
			assert.Equal(t, TurnCancelled, out.Status)
			assert.ErrorIs(t, out.Err, context.Canceled)
			assert.Equal(t, agent.ID(), out.AgentID)
		case <-time.After(2 * time.Second):
			t.Fatalf("input %d was never answered", i)
		}
	}

	_, err = rt.Submit(context.Background(), agent.ID(), "third")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestRuntime_CloseAnswersPausedInput(t *testing.T) {
	rt := newTestRuntime(t, echoLLM(), nil)
	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)
	require.NoError(t, rt.Pause(context.Background(), agent.ID()))

	reply, err := rt.Submit(context.Background(), agent.ID(), "never runs")
	require.NoError(t, err)

	rt.Close()
	select {
	case out := <-reply:
		assert.Equal(t, TurnCancelled, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("input left unanswered after the runtime closed")
	}
}

func TestRuntime_CancelSuspendedTurnReleasesChild(t *testing.T) {
	gate := make(chan struct{})
	rt := newTestRuntime(t, delegatingLLM(gate), nil)
	agent, err := rt.CreateAgent(context.Background(), "default")
	require.NoError(t, err)

	reply, err := rt.Submit(context.Background(), agent.ID(), "find X")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return agent.State() == domain.StateWaitingOnChild },
		2*time.Second, 5*time.Millisecond)
	taskID := agent.WaitingTask()
	require.NotEmpty(t, taskID)

	require.NoError(t, rt.Pause(context.Background(), agent.ID()))
	select {
	case out := <-reply:
		require.Equal(t, TurnPaused, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("paused parent did not yield")
	}
	require.True(t, agent.HasSuspendedTurn())

	require.NoError(t, rt.Cancel(agent.ID()))
	assert.False(t, agent.HasSuspendedTurn())
	assert.Equal(t, domain.StateIdle, agent.State())
	assert.Empty(t, agent.WaitingTask())

	require.Eventually(t, func() bool { return len(rt.Snapshots()) == 1 },
		2*time.Second, 5*time.Millisecond, "the abandoned child must stop")
	snap, err := rt.Snapshot(agent.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, snap.State)
	require.NotNil(t, snap.Tree)
	assert.Empty(t, snap.Tree.Children)
	_, err = rt.deps.Tree.Task(taskID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}
