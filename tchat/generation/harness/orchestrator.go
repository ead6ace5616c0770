package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/session"
)

// State is the per-turn position of the orchestrator.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateToolRequested
	StateAwaitingTool
	StateResponding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateToolRequested:
		return "tool_requested"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateResponding:
		return "responding"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is reported on every state change.
type Transition struct {
	SessionID string
	From      State
	To        State
	Depth     int
	Tools     []string
}

// Policy controls orchestration behavior.
type Policy struct {
	MaxToolDepth    int           // model rounds that may request tools
	MaxIterations   int           // provider calls per turn
	ToolTimeout     time.Duration // per-tool timeout
	ToolConcurrency int           // parallel calls within one round
	HistoryWindow   int           // past turns sent to the model; 0 = all
	MaxNewTokens    int
	Temperature     float32
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxToolDepth:    3,
		MaxIterations:   10,
		ToolTimeout:     30 * time.Second,
		ToolConcurrency: 4,
		HistoryWindow:   20,
		MaxNewTokens:    1024,
		Temperature:     0.2,
	}
}

// Metrics receives turn-level measurements.
type Metrics interface {
	ObserveTurn(profile, outcome string, elapsed time.Duration)
	ObserveTransition(from, to string)
}

// ToolRun is one executed tool call and its result.
type ToolRun struct {
	Call   ports.ToolCall
	Result ports.ToolResult
}

// Response is the outcome of one user turn. Err is set when the turn failed;
// Text then holds the user-facing failure message that was appended.
type Response struct {
	Text      string
	Err       *ports.Error
	Runs      []ToolRun
	Citations []string
	Depth     int
	Usage     *ports.Usage
}

// Citer is implemented by tool result data that carries source citations.
type Citer interface {
	Citations() []string
}

// Dependencies wires an Orchestrator.
type Dependencies struct {
	Provider ports.Provider
	Registry *Registry
	Builder  *PromptBuilder
	Limiter  ports.RateLimiter
	Tracer   ports.Tracer
	Metrics  Metrics
	Logger   zerolog.Logger
	Observer func(Transition)
}

// Orchestrator runs the tool-calling loop for one profile. It is shared by
// every session of that profile; per-session state lives in session.Store.
type Orchestrator struct {
	deps    Dependencies
	profile string
	system  string
	policy  *Policy
}

// NewOrchestrator seals the registry and returns an orchestrator.
func NewOrchestrator(deps Dependencies, profile, system string, policy *Policy) *Orchestrator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if deps.Builder == nil {
		deps.Builder = NewPromptBuilder(policy.HistoryWindow)
	}
	if deps.Tracer == nil {
		deps.Tracer = &noOpTracer{}
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	deps.Registry.Seal()
	return &Orchestrator{deps: deps, profile: profile, system: system, policy: policy}
}

// Profile returns the profile name.
func (o *Orchestrator) Profile() string { return o.profile }

// Registry returns the sealed registry.
func (o *Orchestrator) Registry() *Registry { return o.deps.Registry }

// turn carries the mutable state of one Turn call.
type turn struct {
	sess  *session.Store
	state State
	depth int
}

func (o *Orchestrator) transition(ctx context.Context, t *turn, to State, tools ...string) {
	tr := Transition{SessionID: t.sess.ID(), From: t.state, To: to, Depth: t.depth, Tools: tools}
	o.deps.Tracer.Event(ctx, "state_transition", map[string]any{
		"from":  tr.From.String(),
		"to":    tr.To.String(),
		"depth": tr.Depth,
	})
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveTransition(tr.From.String(), tr.To.String())
	}
	if o.deps.Observer != nil {
		o.deps.Observer(tr)
	}
	t.state = to
}

// Turn processes one user input to completion. It returns an error only
// when the turn cannot start (empty input, busy or closed session, rate
// limit); every failure after that is reported in Response.Err and as an
// assistant turn in the session.
func (o *Orchestrator) Turn(ctx context.Context, sess *session.Store, input string) (*Response, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty input")
	}
	release, err := sess.BeginTurn()
	if err != nil {
		return nil, err
	}
	defer release()

	if o.deps.Limiter != nil {
		if _, err := o.deps.Limiter.Acquire(ctx, sess.ID()); err != nil {
			return nil, fmt.Errorf("rate limit exceeded: %w", err)
		}
	}

	start := time.Now()
	ctx, finish := o.deps.Tracer.StartSpan(ctx, "turn", map[string]any{
		"session_id": sess.ID(),
		"profile":    o.profile,
	})

	history := sess.History()
	if err := sess.Append(ctx, session.Turn{Role: session.RoleUser, Content: input}); err != nil {
		finish(err)
		return nil, err
	}

	t := &turn{sess: sess, state: StateIdle}
	resp := o.run(ctx, t, history, input)

	if err := sess.Append(ctx, session.Turn{Role: session.RoleAssistant, Content: resp.Text}); err != nil {
		o.deps.Logger.Warn().Err(err).Str("session_id", sess.ID()).Msg("Failed to append assistant turn")
	}
	o.transition(ctx, t, StateIdle)

	outcome := "ok"
	var spanErr error
	if resp.Err != nil {
		outcome = string(resp.Err.Code)
		spanErr = resp.Err
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveTurn(o.profile, outcome, time.Since(start))
	}
	finish(spanErr)
	return resp, nil
}

// run is the state machine proper. It always ends in Responding.
func (o *Orchestrator) run(ctx context.Context, t *turn, history []session.Turn, input string) *Response {
	resp := &Response{}
	messages := o.deps.Builder.FromHistory(history)
	messages = append(messages, ports.PromptMessage{Role: ports.RoleUser, Content: input})
	specs := o.deps.Registry.Specs()
	opts := ports.Options{MaxNewTokens: o.policy.MaxNewTokens, Temperature: o.policy.Temperature}

	fail := func(err *ports.Error) *Response {
		o.transition(ctx, t, StateResponding)
		resp.Err = err
		resp.Text = err.UserMessage()
		resp.Depth = t.depth
		o.deps.Logger.Warn().
			Str("session_id", t.sess.ID()).
			Str("code", string(err.Code)).
			Err(err).
			Msg("Turn failed")
		return resp
	}

	o.transition(ctx, t, StateAwaitingModel)
	for iteration := 1; ; iteration++ {
		if iteration > o.policy.MaxIterations {
			return fail(ports.NewError(ports.CodeToolLoopExceeded, "max iterations exceeded: %d", o.policy.MaxIterations))
		}

		prompt := o.deps.Builder.Build(o.system, messages, nil, specs, map[string]string{
			"session_id": t.sess.ID(),
			"profile":    o.profile,
		})
		callCtx, spanFinish := o.deps.Tracer.StartSpan(ctx, "provider_call", map[string]any{
			"iteration": iteration,
			"depth":     t.depth,
		})
		completion, err := o.deps.Provider.Complete(callCtx, prompt, opts)
		spanFinish(err)
		if err != nil {
			return fail(ports.AsError(err))
		}
		resp.Usage = addUsage(resp.Usage, completion.Usage)

		if len(completion.ToolCalls) == 0 {
			text := strings.TrimSpace(completion.Text)
			if text == "" {
				return fail(ports.NewError(ports.CodeEmptyUpstreamOutput, "model returned no text"))
			}
			o.transition(ctx, t, StateResponding)
			resp.Text = text
			resp.Depth = t.depth
			return resp
		}

		names := make([]string, len(completion.ToolCalls))
		for i, c := range completion.ToolCalls {
			names[i] = c.Name
		}
		o.transition(ctx, t, StateToolRequested, names...)

		if t.depth >= o.policy.MaxToolDepth {
			return fail(ports.NewError(ports.CodeToolLoopExceeded, "max tool depth exceeded: %d", o.policy.MaxToolDepth))
		}
		t.depth++

		o.transition(ctx, t, StateAwaitingTool, names...)
		results := o.executeTools(ctx, completion.ToolCalls)

		messages = append(messages, ports.PromptMessage{
			Role:      ports.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})
		for i, res := range results {
			call := completion.ToolCalls[i]
			resp.Runs = append(resp.Runs, ToolRun{Call: call, Result: res})
			resp.Citations = appendCitations(resp.Citations, res)

			content, isErr := res.ModelContent()
			messages = append(messages, ports.PromptMessage{
				Role:       ports.RoleTool,
				Content:    SanitizeOutput(content),
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    isErr,
			})
		}
		o.transition(ctx, t, StateAwaitingModel)
	}
}

// executeTools runs one round of calls in parallel, keeping result order.
func (o *Orchestrator) executeTools(ctx context.Context, calls []ports.ToolCall) []ports.ToolResult {
	mapper := iter.Mapper[ports.ToolCall, ports.ToolResult]{MaxGoroutines: max(o.policy.ToolConcurrency, 1)}
	return mapper.Map(calls, func(call *ports.ToolCall) ports.ToolResult {
		toolCtx, finish := o.deps.Tracer.StartSpan(ctx, "tool_call", map[string]any{"tool": call.Name})
		res := o.deps.Registry.Call(toolCtx, call.Name, call.Args)
		if res.Err != nil && !res.IsEmpty() {
			finish(res.Err)
		} else {
			finish(nil)
		}
		return res
	})
}

func appendCitations(existing []string, res ports.ToolResult) []string {
	c, ok := res.Data.(Citer)
	if !ok {
		return existing
	}
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range c.Citations() {
		if !seen[s] {
			seen[s] = true
			existing = append(existing, s)
		}
	}
	return existing
}

func addUsage(total, u *ports.Usage) *ports.Usage {
	if u == nil {
		return total
	}
	if total == nil {
		total = &ports.Usage{}
	}
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	return total
}
