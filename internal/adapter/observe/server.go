// Package observe exposes agent snapshots over HTTP and pushes them over a
// WebSocket whenever an agent publishes an event.
package observe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentd/internal/domain"
	"agentd/internal/infra/config"
	"agentd/internal/usecase"
)

const (
	maxMessageBytes = 64 * 1024
	clientQueueSize = 64
	writeTimeout    = 5 * time.Second
)

// Controller is the part of the runtime the feed reads and steers.
type Controller interface {
	Snapshots() []domain.AgentSnapshot
	Snapshot(agentID string) (*domain.AgentSnapshot, error)
	Pause(ctx context.Context, agentID string) error
	Resume(ctx context.Context, agentID string) error
	Submit(ctx context.Context, agentID, input string) (<-chan *usecase.TurnOutcome, error)
}

type client struct {
	agentID   string // empty receives every agent
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() { c.closeOnce.Do(func() { close(c.done) }) }

// Server serves the observation API.
type Server struct {
	ctl    Controller
	bus    domain.EventBus
	auth   tokenAuth
	addr   string
	logger *slog.Logger

	clients sync.Map // uint64 -> *client
	nextID  atomic.Uint64
	dropped atomic.Uint64

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	unsub     func()
}

// NewServer creates an observation server. It does not listen until Start.
func NewServer(ctl Controller, bus domain.EventBus, cfg config.ObserveConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		ctl:    ctl,
		bus:    bus,
		auth:   newTokenAuth(cfg.Token),
		addr:   cfg.Addr,
		logger: logger,
	}
}

// Handler returns the routes of the observation API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/agents", s.auth.wrap(s.listAgents))
	mux.HandleFunc("GET /v1/agents/{id}", s.auth.wrap(s.getAgent))
	mux.HandleFunc("POST /v1/agents/{id}/pause", s.auth.wrap(s.pauseAgent))
	mux.HandleFunc("POST /v1/agents/{id}/resume", s.auth.wrap(s.resumeAgent))
	mux.HandleFunc("POST /v1/agents/{id}/messages", s.auth.wrap(s.postMessage))
	mux.HandleFunc("GET /v1/observe", s.auth.wrap(s.observe))
	return mux
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("observe listen: %w", err)
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Subscribe()
	s.logger.Info("observation feed started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observe serve: %w", err)
	}
	return nil
}

// Subscribe starts forwarding bus events to connected sockets. Start calls
// it; tests serving Handler directly call it themselves.
func (s *Server) Subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil || s.bus == nil {
		return
	}
	s.unsub = s.bus.SubscribeAll(s.onEvent)
}

// Stop closes every socket and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub, srv := s.unsub, s.httpSrv
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.clients.Range(func(key, value any) bool {
		c := value.(*client)
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the listening address once Start has bound it.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Dropped counts frames discarded for slow clients.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// onEvent turns an event into a fresh snapshot of the agent it concerns.
func (s *Server) onEvent(_ context.Context, event domain.Event) {
	if event.AgentID == "" {
		return
	}
	frame := Frame{Type: FrameSnapshot, Event: event.Type, AgentID: event.AgentID}
	snap, err := s.ctl.Snapshot(event.AgentID)
	switch {
	case err == nil:
		frame.Snapshot = snap
	case errors.Is(err, domain.ErrAgentNotFound):
		frame.Type = FrameRemoved
	default:
		s.logger.Warn("observe snapshot failed", "agent_id", event.AgentID, "error", err)
		return
	}
	s.broadcast(frame)
}

func (s *Server) broadcast(frame Frame) {
	s.clients.Range(func(_, value any) bool {
		c := value.(*client)
		if c.agentID != "" && c.agentID != frame.AgentID {
			return true
		}
		select {
		case c.sendCh <- frame:
		default:
			s.dropped.Add(1)
			s.logger.Warn("observe: dropped frame for slow client", "agent_id", frame.AgentID)
		}
		return true
	})
}

func (s *Server) observe(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID != "" {
		if _, err := s.ctl.Snapshot(agentID); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	id := s.nextID.Add(1)
	c := &client{
		agentID: agentID,
		ws:      ws,
		sendCh:  make(chan Frame, clientQueueSize),
		done:    make(chan struct{}),
	}

	// The initial snapshots go out before live frames.
	for _, snap := range s.ctl.Snapshots() {
		if agentID != "" && snap.AgentID != agentID {
			continue
		}
		select {
		case c.sendCh <- Frame{Type: FrameSnapshot, AgentID: snap.AgentID, Snapshot: &snap}:
		default:
		}
	}
	s.clients.Store(id, c)
	s.logger.Info("observer connected", "conn_id", id, "agent_id", agentID)

	// Observers only listen; CloseRead handles control frames and ends
	// ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	s.writeLoop(ctx, c)

	c.close()
	s.clients.Delete(id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("observer disconnected", "conn_id", id)
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	snaps := s.ctl.Snapshots()
	if snaps == nil {
		snaps = []domain.AgentSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctl.Snapshot(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) pauseAgent(w http.ResponseWriter, r *http.Request) {
	s.steer(w, r, s.ctl.Pause)
}

func (s *Server) resumeAgent(w http.ResponseWriter, r *http.Request) {
	s.steer(w, r, s.ctl.Resume)
}

func (s *Server) steer(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := action(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	snap, err := s.ctl.Snapshot(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type messageRequest struct {
	Content string `json:"content"`
}

type outcomeResponse struct {
	*usecase.TurnOutcome
	Error string `json:"error,omitempty"`
}

// postMessage queues input for a root agent. With ?wait=true it blocks
// until the turn ends and returns its outcome.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	id := r.PathValue("id")
	reply, err := s.ctl.Submit(r.Context(), id, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, map[string]any{"agent_id": id, "queued": true})
		return
	}

	select {
	case out := <-reply:
		resp := outcomeResponse{TurnOutcome: out}
		if out.Err != nil {
			resp.Error = out.Err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "turn still running")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAgentNotFound), errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(domain.ErrorCodeOf(err))})
}
