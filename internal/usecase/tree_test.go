package usecase

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

type funcRunner func(ctx context.Context, child *Agent, task domain.DelegationTask) (string, error)

func (f funcRunner) RunChild(ctx context.Context, child *Agent, task domain.DelegationTask) (string, error) {
	return f(ctx, child, task)
}

// blockingRunner runs until release is closed or the child is cancelled.
func blockingRunner(release <-chan struct{}) funcRunner {
	return func(ctx context.Context, _ *Agent, task domain.DelegationTask) (string, error) {
		select {
		case <-release:
			return "finished " + task.Objective, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func newTestTree(t *testing.T, cfg TreeConfig, runner ChildRunner) (*DelegationTree, *Agent) {
	t.Helper()
	tree := NewDelegationTree(TreeDeps{Config: cfg, Logger: newTestLogger()})
	tree.SetRunner(runner)
	t.Cleanup(tree.Close)

	root := newTestAgent(domain.Profile{Name: "default", CanDelegate: true})
	require.NoError(t, tree.AddRoot(root))
	return tree, root
}

func TestDelegationTree_DelegateAndWait(t *testing.T) {
	var seen *Agent
	runner := funcRunner(func(_ context.Context, child *Agent, task domain.DelegationTask) (string, error) {
		seen = child
		return "report for " + task.Objective, nil
	})
	bus := &recordingBus{}
	tree := NewDelegationTree(TreeDeps{Bus: bus, Logger: newTestLogger()})
	tree.SetRunner(runner)
	defer tree.Close()
	root := newTestAgent(domain.Profile{Name: "default"})
	require.NoError(t, tree.AddRoot(root))

	task, err := tree.Delegate(context.Background(), root, "scan", domain.Profile{Name: "scanner"}, "d1")
	require.NoError(t, err)
	assert.Equal(t, root.ID(), task.ParentAgentID)
	assert.Equal(t, "d1", task.ToolCallID)

	done, err := tree.Wait(context.Background(), task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DelegationCompleted, done.Status)
	assert.Equal(t, "report for scan", done.Result)
	assert.False(t, done.CompletedAt.IsZero())

	require.NotNil(t, seen)
	node := seen.Node()
	assert.Equal(t, root.ID(), node.ParentID)
	assert.Equal(t, 1, node.Depth)
	assert.Equal(t, "scanner", node.Profile.Name)
	assert.Zero(t, seen.History.Len(), "child starts with an empty history")
	assert.Equal(t, domain.StateTerminated, seen.State())

	_, err = tree.Get(node.ID)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	_, err = tree.Task(task.ID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	assert.Equal(t, 1, bus.Count(domain.EventAgentDelegated))
	assert.Eventually(t, func() bool { return bus.Count(domain.EventAgentReported) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDelegationTree_DepthExceeded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	tree, root := newTestTree(t, TreeConfig{MaxDepth: 1}, blockingRunner(release))

	task, err := tree.Delegate(context.Background(), root, "level one", root.Profile(), "d1")
	require.NoError(t, err)
	child, err := tree.Get(task.AssignedAgentID)
	require.NoError(t, err)

	_, err = tree.Delegate(context.Background(), child, "level two", root.Profile(), "d2")
	assert.ErrorIs(t, err, domain.ErrDepthExceeded)
	assert.Equal(t, domain.CodeDepthExceeded, domain.ErrorCodeOf(err))
}

func TestDelegationTree_MaxChildren(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	tree, root := newTestTree(t, TreeConfig{MaxChildren: 1}, blockingRunner(release))

	_, err := tree.Delegate(context.Background(), root, "one", root.Profile(), "d1")
	require.NoError(t, err)
	_, err = tree.Delegate(context.Background(), root, "two", root.Profile(), "d2")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDelegationTree_UnknownParent(t *testing.T) {
	tree, _ := newTestTree(t, TreeConfig{}, blockingRunner(nil))
	stranger := newTestAgent(testProfile())
	_, err := tree.Delegate(context.Background(), stranger, "x", stranger.Profile(), "d1")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestDelegationTree_HungChildParentPausable(t *testing.T) {
	tree, root := newTestTree(t, TreeConfig{}, blockingRunner(nil))

	task, err := tree.Delegate(context.Background(), root, "hang", root.Profile(), "d1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tk, err := tree.Task(task.ID)
		return err == nil && tk.Status == domain.DelegationRunning
	}, time.Second, 5*time.Millisecond)

	waited := make(chan error, 1)
	go func() {
		_, err := tree.Wait(context.Background(), task.ID, root.PauseDone())
		waited <- err
	}()

	select {
	case <-waited:
		t.Fatal("wait returned while the child is hung")
	case <-time.After(30 * time.Millisecond):
	}

	root.Pause()
	select {
	case err := <-waited:
		assert.ErrorIs(t, err, domain.ErrPaused)
	case <-time.After(time.Second):
		t.Fatal("pause did not interrupt the wait")
	}

	// The child keeps running and the task can be waited on again.
	tk, err := tree.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DelegationRunning, tk.Status)

	root.Resume()
	require.NoError(t, tree.Cancel(task.ID))
	done, err := tree.Wait(context.Background(), task.ID, root.PauseDone())
	require.NoError(t, err)
	assert.Equal(t, domain.DelegationCancelled, done.Status)
}

func TestDelegationTree_WaitContextCancelled(t *testing.T) {
	tree, root := newTestTree(t, TreeConfig{}, blockingRunner(nil))
	task, err := tree.Delegate(context.Background(), root, "hang", root.Profile(), "d1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tree.Wait(ctx, task.ID, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tree.Abandon(task.ID)
	require.Eventually(t, func() bool {
		_, err := tree.Task(task.ID)
		return errors.Is(err, domain.ErrTaskNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestDelegationTree_FailureAndPanic(t *testing.T) {
	tests := []struct {
		name   string
		runner funcRunner
		want   string
	}{
		{"error", func(context.Context, *Agent, domain.DelegationTask) (string, error) {
			return "partial", errors.New("tool broke")
		}, "tool broke"},
		{"panic", func(context.Context, *Agent, domain.DelegationTask) (string, error) {
			panic("kaboom")
		}, "kaboom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, root := newTestTree(t, TreeConfig{}, tt.runner)
			task, err := tree.Delegate(context.Background(), root, "x", root.Profile(), "d1")
			require.NoError(t, err)

			done, err := tree.Wait(context.Background(), task.ID, nil)
			require.NoError(t, err)
			assert.Equal(t, domain.DelegationFailed, done.Status)
			assert.Contains(t, done.Error, tt.want)
		})
	}
}

func TestDelegationTree_ReportResolvesOnce(t *testing.T) {
	release := make(chan struct{})
	tree, root := newTestTree(t, TreeConfig{}, blockingRunner(release))
	task, err := tree.Delegate(context.Background(), root, "x", root.Profile(), "d1")
	require.NoError(t, err)

	require.NoError(t, tree.Report(task.AssignedAgentID, "early", nil))
	assert.ErrorIs(t, tree.Report(task.AssignedAgentID, "late", nil), domain.ErrAgentNotFound)
	close(release)

	done, err := tree.Wait(context.Background(), task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "early", done.Result)
}

func TestDelegationTree_RemoveResolvesWaiters(t *testing.T) {
	tree, root := newTestTree(t, TreeConfig{}, blockingRunner(nil))
	task, err := tree.Delegate(context.Background(), root, "x", root.Profile(), "d1")
	require.NoError(t, err)

	require.NoError(t, tree.Remove(task.AssignedAgentID))
	done, err := tree.Wait(context.Background(), task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DelegationCancelled, done.Status)
	assert.Len(t, tree.Agents(), 1)
}

func TestDelegationTree_RemoveRootDropsSubtree(t *testing.T) {
	tree, root := newTestTree(t, TreeConfig{}, blockingRunner(nil))
	_, err := tree.Delegate(context.Background(), root, "a", root.Profile(), "d1")
	require.NoError(t, err)
	_, err = tree.Delegate(context.Background(), root, "b", root.Profile(), "d2")
	require.NoError(t, err)
	require.Len(t, tree.Agents(), 3)

	require.NoError(t, tree.Remove(root.ID()))
	assert.Empty(t, tree.Agents())
	assert.ErrorIs(t, tree.Remove(root.ID()), domain.ErrAgentNotFound)
}

func TestDelegationTree_AcyclicAndDepthInvariant(t *testing.T) {
	tree, root := newTestTree(t, TreeConfig{MaxDepth: 3, MaxChildren: 3}, blockingRunner(nil))
	rng := rand.New(rand.NewSource(42))

	for range 60 {
		agents := tree.Agents()
		parent := agents[rng.Intn(len(agents))]
		_, err := tree.Delegate(context.Background(), parent, "work", parent.Profile(), newID())
		if err != nil {
			require.True(t,
				errors.Is(err, domain.ErrDepthExceeded) || errors.Is(err, domain.ErrInvalidInput),
				"unexpected error %v", err)
			continue
		}
	}

	for _, a := range tree.Agents() {
		node := a.Node()
		seen := map[string]bool{}
		depth := 0
		for cur := node; !cur.IsRoot(); depth++ {
			require.False(t, seen[cur.ID], "cycle at %s", cur.ID)
			seen[cur.ID] = true
			p, err := tree.Get(cur.ParentID)
			require.NoError(t, err)
			require.Equal(t, p.Node().Depth+1, cur.Depth)
			cur = p.Node()
		}
		assert.Equal(t, node.Depth, depth)
		assert.LessOrEqual(t, node.Depth, 3)
	}

	snap, err := tree.Snapshot(root.ID())
	require.NoError(t, err)
	assert.Equal(t, len(tree.Agents()), countNodes(*snap))
}

func countNodes(n domain.TreeNode) int {
	total := 1
	for _, c := range n.Children {
		total += countNodes(c)
	}
	return total
}

func TestDelegationTree_CloseCancelsChildren(t *testing.T) {
	tree := NewDelegationTree(TreeDeps{Logger: newTestLogger()})
	tree.SetRunner(blockingRunner(nil))
	root := newTestAgent(testProfile())
	require.NoError(t, tree.AddRoot(root))

	task, err := tree.Delegate(context.Background(), root, "x", root.Profile(), "d1")
	require.NoError(t, err)
	tree.Close()

	done, err := tree.Wait(context.Background(), task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DelegationCancelled, done.Status)

	_, err = tree.Delegate(context.Background(), root, "y", root.Profile(), "d2")
	assert.Error(t, err)
}

func TestDelegationTree_AddRoot(t *testing.T) {
	tree, root := newTestTree(t, TreeConfig{}, blockingRunner(nil))
	assert.ErrorIs(t, tree.AddRoot(root), domain.ErrDuplicate)

	child := NewAgent(domain.AgentNode{ID: "c", ParentID: "p", Depth: 1}, nil)
	assert.ErrorIs(t, tree.AddRoot(child), domain.ErrInvalidInput)
}
