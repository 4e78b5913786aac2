package observe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentd/internal/domain"
	"agentd/internal/infra/config"
	"agentd/internal/usecase"
	"agentd/internal/usecase/eventbus"
)

// fakeController holds snapshots keyed by agent ID.
type fakeController struct {
	mu     sync.Mutex
	agents map[string]*domain.AgentSnapshot
	inputs []string
}

func newFakeController(ids ...string) *fakeController {
	c := &fakeController{agents: make(map[string]*domain.AgentSnapshot)}
	for _, id := range ids {
		c.agents[id] = &domain.AgentSnapshot{AgentID: id, State: domain.StateIdle}
	}
	return c
}

func (c *fakeController) Snapshots() []domain.AgentSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.AgentSnapshot
	for _, id := range []string{"a1", "a2"} {
		if s, ok := c.agents[id]; ok {
			out = append(out, *s)
		}
	}
	return out
}

func (c *fakeController) Snapshot(id string) (*domain.AgentSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.agents[id]
	if !ok {
		return nil, domain.NewDomainError("Runtime", domain.ErrAgentNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (c *fakeController) setState(id string, state domain.AgentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[id].State = state
}

func (c *fakeController) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agents, id)
}

func (c *fakeController) setPaused(id string, paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.agents[id]
	if !ok {
		return domain.ErrAgentNotFound
	}
	s.Paused = paused
	return nil
}

func (c *fakeController) Pause(_ context.Context, id string) error  { return c.setPaused(id, true) }
func (c *fakeController) Resume(_ context.Context, id string) error { return c.setPaused(id, false) }

func (c *fakeController) Submit(_ context.Context, id, input string) (<-chan *usecase.TurnOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[id]; !ok {
		return nil, domain.ErrAgentNotFound
	}
	c.inputs = append(c.inputs, input)
	reply := make(chan *usecase.TurnOutcome, 1)
	out := &usecase.TurnOutcome{AgentID: id, Status: usecase.TurnCompleted, Answer: "echo: " + input}
	if input == "fail" {
		out.Status = usecase.TurnFailed
		out.Err = errors.New("all providers failed")
	}
	reply <- out
	return reply, nil
}

func newTestServer(t *testing.T, ctl Controller, token string) (*Server, *httptest.Server, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(slog.New(slog.DiscardHandler))
	t.Cleanup(bus.Close)
	srv := NewServer(ctl, bus, config.ObserveConfig{Token: token}, nil)
	srv.Subscribe()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop(context.Background())
		ts.Close()
	})
	return srv, ts, bus
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

func TestServer_Poll(t *testing.T) {
	_, ts, _ := newTestServer(t, newFakeController("a1", "a2"), "")

	var list []domain.AgentSnapshot
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/agents", "", &list))
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0].AgentID)

	var snap domain.AgentSnapshot
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/agents/a2", "", &snap))
	assert.Equal(t, "a2", snap.AgentID)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, ts.URL+"/v1/agents/ghost", "", &errBody))
	assert.Equal(t, string(domain.ErrorCodeOf(domain.ErrAgentNotFound)), errBody["code"])
}

func TestServer_EmptyListIsArray(t *testing.T) {
	_, ts, _ := newTestServer(t, newFakeController(), "")

	resp, err := http.Get(ts.URL + "/v1/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `[]`, string(body))
}

func TestServer_PauseResume(t *testing.T) {
	_, ts, _ := newTestServer(t, newFakeController("a1"), "")

	var snap domain.AgentSnapshot
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/v1/agents/a1/pause", "", &snap))
	assert.True(t, snap.Paused)
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/v1/agents/a1/resume", "", &snap))
	assert.False(t, snap.Paused)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, ts.URL+"/v1/agents/ghost/pause", "", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, doJSON(t, http.MethodGet, ts.URL+"/v1/agents/a1/pause", "", nil))
}

func TestServer_Messages(t *testing.T) {
	ctl := newFakeController("a1")
	_, ts, _ := newTestServer(t, ctl, "")

	var queued map[string]any
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, ts.URL+"/v1/agents/a1/messages", `{"content":"hello"}`, &queued))
	assert.Equal(t, true, queued["queued"])

	var out map[string]any
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/v1/agents/a1/messages?wait=true", `{"content":"hi"}`, &out))
	assert.Equal(t, "echo: hi", out["answer"])
	assert.NotContains(t, out, "error")

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/v1/agents/a1/messages?wait=true", `{"content":"fail"}`, &out))
	assert.Equal(t, "all providers failed", out["error"])

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, ts.URL+"/v1/agents/a1/messages", `{"content":""}`, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, ts.URL+"/v1/agents/a1/messages", `not json`, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, ts.URL+"/v1/agents/ghost/messages", `{"content":"x"}`, nil))
	assert.Equal(t, []string{"hello", "hi", "fail"}, ctl.inputs)
}

func TestServer_TokenAuth(t *testing.T) {
	_, ts, _ := newTestServer(t, newFakeController("a1"), "s3cret")

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, http.MethodGet, ts.URL+"/v1/agents", "", nil))
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/agents?token=s3cret", "", nil))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/agents", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func dialObserve(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/observe" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func TestServer_ObservePushesSnapshots(t *testing.T) {
	ctl := newFakeController("a1", "a2")
	_, ts, bus := newTestServer(t, ctl, "")

	conn := dialObserve(t, ts, "")
	assert.Equal(t, "a1", readFrame(t, conn).AgentID)
	assert.Equal(t, "a2", readFrame(t, conn).AgentID)

	ctl.setState("a1", domain.StateDeciding)
	bus.Publish(context.Background(), domain.Event{Type: domain.EventStateChanged, AgentID: "a1"})

	f := readFrame(t, conn)
	assert.Equal(t, FrameSnapshot, f.Type)
	assert.Equal(t, domain.EventStateChanged, f.Event)
	require.NotNil(t, f.Snapshot)
	assert.Equal(t, domain.StateDeciding, f.Snapshot.State)

	ctl.remove("a2")
	bus.Publish(context.Background(), domain.Event{Type: domain.EventAgentDeleted, AgentID: "a2"})
	f = readFrame(t, conn)
	assert.Equal(t, FrameRemoved, f.Type)
	assert.Equal(t, "a2", f.AgentID)
	assert.Nil(t, f.Snapshot)
}

func TestServer_ObserveFiltersByAgent(t *testing.T) {
	ctl := newFakeController("a1", "a2")
	_, ts, bus := newTestServer(t, ctl, "")

	conn := dialObserve(t, ts, "?agent_id=a2")
	assert.Equal(t, "a2", readFrame(t, conn).AgentID)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventMessageAppended, AgentID: "a1"})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventMessageAppended, AgentID: "a2"})

	f := readFrame(t, conn)
	assert.Equal(t, "a2", f.AgentID, "frames for other agents are filtered out")
	assert.Equal(t, domain.EventMessageAppended, f.Event)
}

func TestServer_ObserveUnknownAgent(t *testing.T) {
	_, ts, _ := newTestServer(t, newFakeController("a1"), "")

	resp, err := http.Get(ts.URL + "/v1/observe?agent_id=ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StartAndStop(t *testing.T) {
	srv := NewServer(newFakeController("a1"), nil, config.ObserveConfig{Addr: "127.0.0.1:0"}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	require.Eventually(t, func() bool { return srv.BoundAddr() != "" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.BoundAddr() + "/v1/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
