package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

// Recovery loop constants.
const (
	maxLLMRetries  = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

const (
	defaultMaxIterations = 10
	defaultMemoryTopK    = 4
)

const forceAnswerPrompt = "You have reached the step limit for this task. Do not call any tools. " +
	"Give your best final answer now from what you already know, and say what remains unfinished."

// TurnConfig is passed explicitly to every turn.
type TurnConfig struct {
	Provider      domain.LLMProvider
	Model         string
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	MemoryTopK    int
	Stream        bool
	AutoCurate    bool
}

// TurnStatus is how a turn ended.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	TurnPaused    TurnStatus = "paused"
	TurnCancelled TurnStatus = "cancelled"
)

// ToolRecord summarizes one dispatch made during a turn.
type ToolRecord struct {
	Tool      string               `json:"tool"`
	CallID    string               `json:"call_id"`
	Success   bool                 `json:"success"`
	ErrorKind domain.ToolErrorKind `json:"error_kind,omitempty"`
}

// TurnOutcome is the result of RunTurn. Failed outcomes carry a
// plain-language Answer that includes the partial progress.
type TurnOutcome struct {
	AgentID     string                  `json:"agent_id"`
	Status      TurnStatus              `json:"status"`
	Answer      string                  `json:"answer"`
	Iterations  int                     `json:"iterations"`
	Tools       []ToolRecord            `json:"tools,omitempty"`
	Delegations []domain.DelegationTask `json:"delegations,omitempty"`
	Forced      bool                    `json:"forced,omitempty"`
	Usage       domain.Usage            `json:"usage"`
	Err         error                   `json:"-"`
}

// ProfileSource resolves profile names used in delegate decisions.
type ProfileSource interface {
	Profile(name string) (domain.Profile, bool)
}

// OrchestratorDeps holds injected dependencies for the orchestrator.
type OrchestratorDeps struct {
	Tools      domain.ToolDispatcher
	Memory     domain.MemoryStore // optional, nil = no recall
	Tree       *DelegationTree    // optional, nil = delegation disabled
	Profiles   ProfileSource      // optional, nil = children inherit the parent profile
	Builder    *ContextBuilder
	Classifier *ErrorClassifier // optional, nil = no retry
	Curator    *Curator         // optional, nil = no end-of-turn curation
	Bus        domain.EventBus  // optional, nil = no events
	Locker     *KeyedLocker     // optional, nil = caller serializes turns
	Logger     *slog.Logger
}

// Orchestrator drives the perceive-decide-act loop of one agent turn.
type Orchestrator struct {
	deps   OrchestratorDeps
	parser *DecisionParser
}

// NewOrchestrator creates an orchestrator with the given dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.Builder == nil {
		deps.Builder = NewContextBuilder()
	}
	if deps.Locker == nil {
		deps.Locker = NewKeyedLocker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{deps: deps, parser: NewDecisionParser(deps.Tools)}
}

// turnState is the resumable position of a turn. It survives a pause.
type turnState struct {
	input      string
	next       domain.AgentState
	iterations int
	decision   *domain.Decision
	correction string
	memories   []domain.MemoryRecord
	taskID     string
	outcome    *TurnOutcome
}

// RunTurn processes one input through the loop until a final answer, a
// turn-fatal error, a pause, or cancellation. The returned error is non-nil
// only when the turn could not start; every other failure is reported in
// the outcome. A paused turn is continued with ResumeTurn.
func (o *Orchestrator) RunTurn(ctx context.Context, agent *Agent, input string, cfg TurnConfig) (*TurnOutcome, error) {
	if agent.HasSuspendedTurn() {
		return nil, domain.NewDomainError("Orchestrator.RunTurn", domain.ErrPaused,
			"agent has a suspended turn; resume it first")
	}
	ts := &turnState{
		input:   input,
		next:    domain.StatePerceiving,
		outcome: &TurnOutcome{AgentID: agent.ID()},
	}
	return o.run(ctx, agent, ts, cfg)
}

// ResumeTurn continues a paused turn from the state it stopped at.
func (o *Orchestrator) ResumeTurn(ctx context.Context, agent *Agent, cfg TurnConfig) (*TurnOutcome, error) {
	ts := agent.suspendedTurn()
	if ts == nil {
		return nil, domain.NewDomainError("Orchestrator.ResumeTurn", domain.ErrInvalidInput, "no suspended turn")
	}
	return o.run(ctx, agent, ts, cfg)
}

func (o *Orchestrator) run(ctx context.Context, agent *Agent, ts *turnState, cfg TurnConfig) (*TurnOutcome, error) {
	const op = "Orchestrator.RunTurn"
	node := agent.Node()
	if cfg.Provider == nil {
		return nil, domain.NewDomainError(op, domain.ErrProviderNotFound, "turn config has no provider")
	}
	cfg = withTurnDefaults(cfg, node.Profile)

	unlock, err := o.deps.Locker.Lock(ctx, node.ID)
	if err != nil {
		return nil, domain.NewDomainError(op, err, "turn lock")
	}
	defer unlock()

	ctx = domain.ContextWithAgentID(ctx, node.ID)
	ctx, span := tracer.StartSpan(ctx, "orchestrator.turn", tracer.AgentAttrs(node.ID, node.Depth))
	defer span.End()

	t := &turn{o: o, agent: agent, node: node, cfg: cfg, ts: ts, span: span}
	agent.setSuspendedTurn(nil)
	out := t.loop(ctx)

	switch out.Status {
	case TurnPaused:
		agent.setSuspendedTurn(ts)
		span.AddEvent("turn.paused")
	case TurnCompleted:
		tracer.SetOK(span)
	default:
		tracer.RecordError(span, out.Err)
	}
	return out, nil
}

func withTurnDefaults(cfg TurnConfig, p domain.Profile) TurnConfig {
	if p.MaxIterations > 0 {
		cfg.MaxIterations = p.MaxIterations
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MemoryTopK <= 0 {
		cfg.MemoryTopK = defaultMemoryTopK
	}
	if cfg.Model == "" {
		cfg.Model = p.Model
	}
	return cfg
}

// turn is the per-call working set of RunTurn.
type turn struct {
	o     *Orchestrator
	agent *Agent
	node  domain.AgentNode
	cfg   TurnConfig
	ts    *turnState
	span  trace.Span
}

func (t *turn) logger() *slog.Logger {
	return t.o.deps.Logger.With("agent_id", t.node.ID)
}

func (t *turn) publish(ctx context.Context, eventType domain.EventType, payload any) {
	emit(ctx, t.o.deps.Bus, eventType, t.node.ID, payload)
}

// enter runs at the start of every state: it records the transition and
// stops the turn when the agent is paused or the context is done.
func (t *turn) enter(ctx context.Context, state domain.AgentState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.ts.next = state
	if t.agent.Paused() {
		return domain.NewDomainError("Orchestrator.RunTurn", domain.ErrPaused, string(state))
	}
	t.transition(ctx, state)
	return nil
}

func (t *turn) transition(ctx context.Context, state domain.AgentState) {
	from := t.agent.setState(state)
	if from == state {
		return
	}
	t.publish(ctx, domain.EventStateChanged, domain.StateChangedPayload{From: from, To: state})
}

func (t *turn) loop(ctx context.Context) *TurnOutcome {
	out := t.ts.outcome

	for {
		var err error
		switch t.ts.next {
		case domain.StatePerceiving:
			if err = t.enter(ctx, domain.StatePerceiving); err == nil {
				t.perceive(ctx, t.ts.input)
				t.ts.next = domain.StateDeciding
			}

		case domain.StateDeciding:
			if t.ts.iterations >= t.cfg.MaxIterations {
				return t.forceAnswer(ctx)
			}
			if err = t.enter(ctx, domain.StateDeciding); err == nil {
				var final *string
				final, err = t.decide(ctx)
				if err == nil && final != nil {
					return t.complete(ctx, *final)
				}
			}

		case domain.StateActing:
			if err = t.enter(ctx, domain.StateActing); err == nil {
				t.act(ctx)
			}

		case domain.StateWaitingOnChild:
			if err = t.enter(ctx, domain.StateWaitingOnChild); err == nil {
				err = t.waitChild(ctx)
			}

		default:
			err = fmt.Errorf("unexpected resume state %q", t.ts.next)
		}

		if err != nil {
			return t.stop(ctx, err)
		}
		out.Iterations = t.ts.iterations
	}
}

// perceive appends the input and recalls memory. Recalled records are
// injected into prompts for this turn only.
func (t *turn) perceive(ctx context.Context, input string) {
	if strings.TrimSpace(input) != "" {
		t.appendMessage(ctx, domain.Message{Role: domain.RoleUser, Content: input})
	}

	mem := t.o.deps.Memory
	if mem == nil || strings.TrimSpace(input) == "" {
		return
	}
	memCtx, memSpan := tracer.StartSpan(ctx, "memory.query",
		trace.WithAttributes(tracer.IntAttr("memory.top_k", t.cfg.MemoryTopK)))
	records, err := mem.Query(memCtx, input, t.cfg.MemoryTopK)
	if err != nil {
		tracer.RecordError(memSpan, err)
		memSpan.End()
		t.logger().WarnContext(ctx, "memory query failed, continuing without recall", "error", err)
		t.publish(ctx, domain.EventMemoryUnavailable, map[string]string{"error": err.Error()})
		return
	}
	memSpan.SetAttributes(tracer.IntAttr("memory.hits", len(records)))
	tracer.SetOK(memSpan)
	memSpan.End()
	t.ts.memories = records
}

// catalog is the tool list offered to the model in DECIDING.
func (t *turn) catalog() []domain.ToolSchema {
	var tools []domain.ToolSchema
	if t.o.deps.Tools != nil {
		tools = t.o.deps.Tools.Catalog(t.node.Profile)
	}
	if t.node.Profile.CanDelegate && t.o.deps.Tree != nil {
		tools = append(tools, DelegateSchema())
	}
	return tools
}

func (t *turn) buildRequest(tools []domain.ToolSchema, correction string) domain.ChatRequest {
	summary, live := t.agent.History.RenderForPrompt()
	return t.o.deps.Builder.Build(PromptInput{
		Node:       t.node,
		Summary:    summary,
		History:    live,
		Memories:   t.ts.memories,
		Tools:      tools,
		Correction: correction,
	}, t.cfg)
}

// decide calls the provider once and parses the reply. It returns the
// answer text for a FinalAnswer, nil when the loop continues.
func (t *turn) decide(ctx context.Context) (*string, error) {
	t.ts.iterations++
	iteration := t.ts.iterations
	t.span.AddEvent("orchestrator.iteration", trace.WithAttributes(tracer.IntAttr("iteration", iteration)))

	ctx, span := tracer.StartSpan(ctx, "orchestrator.decide",
		trace.WithAttributes(tracer.IntAttr("iteration", iteration)))
	defer span.End()

	tools := t.catalog()
	req := t.buildRequest(tools, t.ts.correction)
	msg, err := t.callLLM(ctx, req, tools, t.ts.correction, iteration)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	dec, perr := t.o.parser.Parse(msg)
	if perr != nil {
		t.publish(ctx, domain.EventDecisionRejected, map[string]any{
			"iteration": iteration,
			"error":     perr.Error(),
		})
		if t.ts.correction != "" {
			tracer.RecordError(span, perr)
			return nil, perr
		}
		t.logger().WarnContext(ctx, "decision rejected, re-prompting", "iteration", iteration, "error", perr)
		t.ts.correction = correctionPrompt(perr)
		return nil, nil
	}
	t.ts.correction = ""
	span.SetAttributes(tracer.StringAttr("decision.kind", string(dec.Kind)))
	tracer.SetOK(span)

	t.appendMessage(ctx, msg)
	if dec.Kind == domain.DecisionFinalAnswer {
		return &dec.Text, nil
	}
	t.ts.decision = &dec
	t.ts.next = domain.StateActing
	return nil, nil
}

// act executes the pending decision.
func (t *turn) act(ctx context.Context) {
	dec := t.ts.decision
	t.ts.decision = nil
	t.ts.next = domain.StateDeciding
	if dec == nil {
		return
	}
	switch dec.Kind {
	case domain.DecisionToolCall:
		t.dispatch(ctx, *dec.ToolCall)
	case domain.DecisionDelegate:
		t.delegate(ctx, *dec)
	}
}

func (t *turn) dispatch(ctx context.Context, call domain.ToolCall) {
	ctx, span := tracer.StartSpan(ctx, "tool.dispatch",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)))
	defer span.End()

	t.agent.setPendingTool(call.Name)
	defer t.agent.setPendingTool("")
	t.publish(ctx, domain.EventToolCallStarted, domain.ToolCallPayload{Tool: call.Name, CallID: call.ID})

	start := time.Now()
	var res domain.ToolResult
	if t.o.deps.Tools == nil {
		res = domain.ToolResult{Error: &domain.ToolError{Kind: domain.ToolErrNotFound, Message: "no tools are registered"}}
	} else {
		res = t.o.deps.Tools.Dispatch(ctx, t.node.Profile, domain.ToolInvocation{
			ToolCallID:    call.ID,
			ToolName:      call.Name,
			Arguments:     call.Arguments,
			CallerAgentID: t.node.ID,
		})
	}

	rec := ToolRecord{Tool: call.Name, CallID: call.ID, Success: res.Success}
	payload := domain.ToolCallPayload{
		Tool:        call.Name,
		CallID:      call.ID,
		Success:     res.Success,
		SideEffects: res.SideEffects,
		Duration:    time.Since(start).String(),
	}
	if res.Error != nil {
		rec.ErrorKind = res.Error.Kind
		payload.ErrorKind = string(res.Error.Kind)
		span.SetAttributes(tracer.StringAttr("tool.error_kind", string(res.Error.Kind)))
		tracer.RecordError(span, res.Error)
	} else {
		tracer.SetOK(span)
	}
	t.ts.outcome.Tools = append(t.ts.outcome.Tools, rec)
	t.publish(ctx, domain.EventToolCallCompleted, payload)

	t.appendMessage(ctx, domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		Content:    res.Content(),
		ToolCallID: call.ID,
	})
}

// delegate hands the objective to a child. Failures to create the child
// are returned to DECIDING as a tool-like error message.
func (t *turn) delegate(ctx context.Context, dec domain.Decision) {
	callID := dec.ToolCall.ID
	fail := func(err error) {
		t.logger().WarnContext(ctx, "delegation rejected", "error", err)
		t.appendMessage(ctx, domain.Message{
			Role:       domain.RoleTool,
			Name:       DelegateToolName,
			Content:    "error: " + err.Error(),
			ToolCallID: callID,
		})
	}

	tree := t.o.deps.Tree
	if tree == nil || !t.node.Profile.CanDelegate {
		fail(domain.NewDomainError("Orchestrator.Delegate", domain.ErrToolNotAllowed, "profile may not delegate"))
		return
	}

	profile := t.node.Profile
	if dec.Profile != "" && dec.Profile != profile.Name {
		p, ok := t.lookupProfile(dec.Profile)
		if !ok {
			fail(domain.NewDomainError("Orchestrator.Delegate", domain.ErrProfileNotFound, dec.Profile))
			return
		}
		profile = p
	}

	task, err := tree.Delegate(ctx, t.agent, dec.Objective, profile, callID)
	if err != nil {
		fail(err)
		return
	}
	t.ts.taskID = task.ID
	t.agent.setWaitingTask(task.ID)
	t.ts.next = domain.StateWaitingOnChild
}

func (t *turn) lookupProfile(name string) (domain.Profile, bool) {
	if t.o.deps.Profiles == nil {
		return domain.Profile{}, false
	}
	return t.o.deps.Profiles.Profile(name)
}

// waitChild blocks on the child's future. A pause returns ErrPaused and
// leaves the child running.
func (t *turn) waitChild(ctx context.Context) error {
	task, err := t.o.deps.Tree.Wait(ctx, t.ts.taskID, t.agent.PauseDone())
	if err != nil {
		if !errors.Is(err, domain.ErrPaused) && ctx.Err() != nil {
			t.o.deps.Tree.Abandon(t.ts.taskID)
		}
		return err
	}

	t.ts.taskID = ""
	t.agent.setWaitingTask("")
	t.ts.outcome.Delegations = append(t.ts.outcome.Delegations, *task)

	report := task.Result
	if report == "" {
		report = task.Error
	}
	content := fmt.Sprintf("Sub-agent report (%s): %s", task.Status, report)
	t.appendMessage(ctx, domain.Message{
		Role:       domain.RoleAgent,
		Name:       task.AssignedAgentID,
		Content:    content,
		ToolCallID: task.ToolCallID,
	})
	t.ts.next = domain.StateDeciding
	return nil
}

// callLLM performs the provider call with retry for transient errors.
// On context overflow the history is force-summarized and the prompt rebuilt.
func (t *turn) callLLM(ctx context.Context, req domain.ChatRequest, tools []domain.ToolSchema, correction string, iteration int) (domain.Message, error) {
	classifier := t.o.deps.Classifier
	maxAttempts := 1
	if classifier != nil {
		maxAttempts = maxLLMRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		msg, err := t.chatOnce(ctx, req, iteration)
		if err == nil {
			msg.Role = domain.RoleAgent
			msg.TokenCount = 0
			return msg, nil
		}
		lastErr = err
		if classifier == nil {
			break
		}

		classified := classifier.Classify(err)
		if !classified.Retryable() {
			break
		}

		if errors.Is(classified.Sentinel, domain.ErrContextOverflow) {
			if ev := t.agent.History.ForceSummarize(ctx); ev != nil {
				t.publishSummarization(ctx, ev)
			}
			req = t.buildRequest(tools, correction)
			continue
		}

		if attempt < maxAttempts-1 {
			delay := retryBackoff(attempt)
			t.logger().InfoContext(ctx, "retrying LLM call after error",
				"attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.Message{}, ctx.Err()
			}
		}
	}

	if ctx.Err() != nil {
		return domain.Message{}, ctx.Err()
	}
	if !errors.Is(lastErr, domain.ErrProviderUnavailable) {
		lastErr = fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, lastErr)
	}
	return domain.Message{}, lastErr
}

func (t *turn) chatOnce(ctx context.Context, req domain.ChatRequest, iteration int) (domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", t.cfg.Provider.Name()),
			tracer.StringAttr("llm.model", req.Model),
		))
	defer span.End()

	t.publish(ctx, domain.EventLLMCallStarted, domain.LLMCallPayload{Model: req.Model, Iteration: iteration})
	start := time.Now()

	var (
		msg   domain.Message
		usage domain.Usage
		err   error
	)
	if sp, ok := t.cfg.Provider.(domain.StreamingLLMProvider); ok && t.cfg.Stream {
		msg, usage, err = t.stream(ctx, sp, req, iteration)
	} else {
		var resp *domain.ChatResponse
		resp, err = t.cfg.Provider.Chat(ctx, req)
		if err == nil {
			msg, usage = resp.Message, resp.Usage
		}
	}

	payload := domain.LLMCallPayload{
		Model:     req.Model,
		Iteration: iteration,
		Tokens:    usage.TotalTokens,
		Duration:  time.Since(start).String(),
	}
	if err != nil {
		payload.Error = err.Error()
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
		out := t.ts.outcome
		out.Usage.PromptTokens += usage.PromptTokens
		out.Usage.CompletionTokens += usage.CompletionTokens
		out.Usage.TotalTokens += usage.TotalTokens
	}
	t.publish(ctx, domain.EventLLMCallCompleted, payload)
	t.logger().DebugContext(ctx, "llm response",
		"iteration", iteration,
		"tool_calls", len(msg.ToolCalls),
		"tokens", usage.TotalTokens,
	)
	return msg, err
}

func (t *turn) stream(ctx context.Context, sp domain.StreamingLLMProvider, req domain.ChatRequest, iteration int) (domain.Message, domain.Usage, error) {
	req.Stream = true
	deltas, err := sp.ChatStream(ctx, req)
	if err != nil {
		return domain.Message{}, domain.Usage{}, err
	}
	acc := newStreamAccumulator()
	for delta := range deltas {
		acc.addDelta(delta)
		t.publish(ctx, domain.EventStreamDelta, domain.StreamDeltaPayload{
			Content:   delta.Content,
			Done:      delta.Done,
			Iteration: iteration,
		})
	}
	if err := ctx.Err(); err != nil {
		return domain.Message{}, domain.Usage{}, err
	}
	return acc.result()
}

// forceAnswer makes one tool-less call after the iteration bound.
func (t *turn) forceAnswer(ctx context.Context) *TurnOutcome {
	t.logger().ErrorContext(ctx, "iteration limit reached, forcing final answer",
		"iterations", t.ts.iterations,
		"max_iterations", t.cfg.MaxIterations,
	)
	if err := t.enter(ctx, domain.StateDeciding); err != nil {
		return t.stop(ctx, err)
	}

	req := t.buildRequest(nil, forceAnswerPrompt)
	msg, err := t.callLLM(ctx, req, nil, forceAnswerPrompt, t.ts.iterations+1)
	if err != nil {
		return t.stop(ctx, err)
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return t.stop(ctx, domain.NewDomainError("Orchestrator.RunTurn", domain.ErrDecisionParse,
			"forced answer was empty"))
	}
	msg.ToolCalls = nil
	t.appendMessage(ctx, msg)
	t.ts.outcome.Forced = true
	return t.complete(ctx, text)
}

func (t *turn) complete(ctx context.Context, answer string) *TurnOutcome {
	out := t.ts.outcome
	out.Status = TurnCompleted
	out.Answer = answer
	out.Iterations = t.ts.iterations

	if t.cfg.AutoCurate && t.o.deps.Curator != nil {
		if _, err := t.o.deps.Curator.CurateTurn(ctx, t.node.ID, lastExchange(t.agent.History.Messages())); err != nil {
			t.logger().WarnContext(ctx, "curation failed", "error", err)
		}
	}

	t.finish(ctx)
	t.publish(ctx, domain.EventTurnCompleted, map[string]any{
		"iterations": out.Iterations,
		"tools":      len(out.Tools),
		"forced":     out.Forced,
	})
	t.logger().InfoContext(ctx, "turn completed", "iterations", out.Iterations, "tools", len(out.Tools))
	return out
}

// stop ends the turn on a pause, a cancellation, or a turn-fatal error.
func (t *turn) stop(ctx context.Context, err error) *TurnOutcome {
	out := t.ts.outcome
	out.Iterations = t.ts.iterations
	out.Err = err

	switch {
	case errors.Is(err, domain.ErrPaused):
		out.Status = TurnPaused
		t.publish(ctx, domain.EventAgentPaused, map[string]string{"at": string(t.ts.next)})
		t.logger().InfoContext(ctx, "turn paused", "state", string(t.ts.next))
		return out
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		out.Status = TurnCancelled
	default:
		out.Status = TurnFailed
	}

	out.Answer = t.explain(err)
	// Cancellation leaves the history as is; the caller's context is gone.
	if out.Status == TurnFailed {
		t.appendMessage(ctx, domain.Message{Role: domain.RoleAgent, Content: out.Answer})
	}
	t.finish(context.WithoutCancel(ctx))
	t.publish(context.WithoutCancel(ctx), domain.EventTurnFailed, map[string]string{
		"status": string(out.Status),
		"code":   string(domain.ErrorCodeOf(err)),
		"error":  err.Error(),
	})
	t.logger().WarnContext(ctx, "turn ended without an answer", "status", string(out.Status), "error", err)
	return out
}

// finish returns the agent to IDLE. Children are terminated by the tree.
func (t *turn) finish(ctx context.Context) {
	t.agent.setWaitingTask("")
	t.agent.setPendingTool("")
	t.transition(ctx, domain.StateIdle)
}

// explain renders the failure and the partial progress in plain language.
func (t *turn) explain(err error) string {
	var msg string
	if t.o.deps.Classifier != nil {
		msg = t.o.deps.Classifier.Explain(err)
	} else {
		msg = "The turn failed: " + err.Error()
	}
	return msg + describeProgress(t.ts.outcome)
}

func describeProgress(out *TurnOutcome) string {
	if len(out.Tools) == 0 && len(out.Delegations) == 0 {
		return " No tools were run before stopping."
	}
	var parts []string
	for _, r := range out.Tools {
		status := "ok"
		if !r.Success {
			status = "failed"
			if r.ErrorKind != "" {
				status = string(r.ErrorKind)
			}
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", r.Tool, status))
	}
	for _, d := range out.Delegations {
		parts = append(parts, fmt.Sprintf("delegated %q (%s)", d.Objective, d.Status))
	}
	return " Progress before stopping: " + strings.Join(parts, "; ") + "."
}

// appendMessage writes to the history and publishes what happened.
func (t *turn) appendMessage(ctx context.Context, msg domain.Message) {
	ev, err := t.agent.History.Append(ctx, msg)
	if err != nil {
		t.logger().WarnContext(ctx, "history persistence failed", "error", err)
	}
	if ev != nil {
		t.publishSummarization(ctx, ev)
	}
	last := t.agent.History.LastMessage()
	if last != nil {
		t.publish(ctx, domain.EventMessageAppended, map[string]any{
			"id":     last.ID,
			"role":   last.Role,
			"tokens": last.TokenCount,
		})
	}
}

func (t *turn) publishSummarization(ctx context.Context, ev *SummarizationEvent) {
	if ev.Err != nil {
		t.publish(ctx, domain.EventSummarizationFailed, map[string]string{"error": ev.Err.Error()})
	}
	if ev.Summarized > 0 {
		t.publish(ctx, domain.EventHistorySummarized, map[string]int{
			"messages":      ev.Summarized,
			"tokens_before": ev.TokensBefore,
			"tokens_after":  ev.TokensAfter,
		})
	}
	if ev.Truncated > 0 {
		t.publish(ctx, domain.EventHistoryTruncated, map[string]int{"messages": ev.Truncated})
	}
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
