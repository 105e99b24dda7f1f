package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/flitsinc/go-convo/internal/agentcontext"
	"github.com/flitsinc/go-convo/internal/agentrt"
	"github.com/flitsinc/go-convo/internal/prompt"
	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/sessions"
)

const (
	defaultModel        = "gemini-2.5-flash"
	defaultMaxSteps     = 12
	defaultHistoryLimit = 50

	codeMaxSteps = "MAX_STEPS"
)

type Config struct {
	Model        string
	MaxSteps     int
	HistoryLimit int
	// Buffered withholds partial text and reports each agent's answer in
	// its final event instead.
	Buffered bool
}

// Runtime runs a team of Gemini agents. Each turn starts at the team root;
// agents hand the turn to each other through transfer_to_agent.
type Runtime struct {
	gen     Generator
	team    *Team
	tools   *Registry
	history HistorySource
	cfg     Config
	log     zerolog.Logger

	mu          sync.Mutex
	transcripts map[sessions.Key][]*genai.Content
}

type Option func(*Runtime)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// WithHistory seeds a session's first turn from the persisted transcript.
func WithHistory(h HistorySource) Option {
	return func(r *Runtime) { r.history = h }
}

func New(gen Generator, team *Team, tools *Registry, cfg Config, opts ...Option) (*Runtime, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if team == nil {
		return nil, errors.New("team is required")
	}
	if tools == nil {
		tools = &Registry{tools: map[string]Tool{}}
	}
	for _, a := range team.agents {
		for _, name := range a.Tools {
			if _, ok := tools.Get(name); !ok {
				return nil, fmt.Errorf("agent %s uses unregistered tool %s", a.Name, name)
			}
		}
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	r := &Runtime{
		gen:         gen,
		team:        team,
		tools:       tools,
		cfg:         cfg,
		log:         zerolog.Nop(),
		transcripts: map[sessions.Key][]*genai.Content{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// turn is the per-call state of OpenStream.
type turn struct {
	req      agentrt.Request
	active   Agent
	contents []*genai.Content
	captured map[string]any
}

func (r *Runtime) OpenStream(ctx context.Context, req agentrt.Request) iter.Seq2[agentrt.RawEvent, error] {
	return func(yield func(agentrt.RawEvent, error) bool) {
		key := sessions.Key{UserID: req.UserID, ConversationID: req.ConversationID}
		prior, err := r.transcript(ctx, key, req.Input)
		if err != nil {
			yield(agentrt.RawEvent{}, err)
			return
		}

		t := &turn{
			req:      req,
			active:   r.team.Root(),
			contents: append(prior, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: req.Input}}}),
			captured: capturedContext(req.Session.State),
		}
		defer func() { r.remember(key, t.contents) }()

		for step := 0; step < r.cfg.MaxSteps; step++ {
			if !r.step(ctx, t, yield) {
				return
			}
		}
		r.log.Warn().
			Str("conversation_id", req.ConversationID).
			Str("agent", t.active.Name).
			Int("max_steps", r.cfg.MaxSteps).
			Msg("turn hit step budget")
		yield(agentrt.RawEvent{
			Author:       t.active.Name,
			ErrorCode:    codeMaxSteps,
			ErrorMessage: fmt.Sprintf("agent stopped after %d steps without an answer", r.cfg.MaxSteps),
		}, nil)
	}
}

// step runs one generation for the active agent and executes any function
// calls it made. It reports whether the turn continues.
func (r *Runtime) step(ctx context.Context, t *turn, yield func(agentrt.RawEvent, error) bool) bool {
	agent := t.active
	cfg, err := r.generateConfig(agent, t.captured)
	if err != nil {
		yield(agentrt.RawEvent{}, err)
		return false
	}
	model := agent.Model
	if model == "" {
		model = r.cfg.Model
	}

	var (
		text  strings.Builder
		parts []*genai.Part
		calls []*genai.FunctionCall
	)
	for resp, err := range r.gen.GenerateContentStream(ctx, model, t.contents, cfg) {
		if err != nil {
			if ctx.Err() != nil {
				yield(agentrt.RawEvent{}, ctx.Err())
				return false
			}
			code, msg := errorCode(err)
			r.log.Error().Err(err).Str("agent", agent.Name).Str("code", code).Msg("generation failed")
			yield(agentrt.RawEvent{Author: agent.Name, ErrorCode: code, ErrorMessage: msg}, nil)
			return false
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand == nil {
				continue
			}
			if reason := string(cand.FinishReason); blockingFinishReasons[reason] {
				msg := cand.FinishMessage
				if msg == "" {
					msg = "response blocked: " + strings.ToLower(reason)
				}
				yield(agentrt.RawEvent{Author: agent.Name, ErrorCode: reason, ErrorMessage: msg}, nil)
				return false
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch {
				case part == nil, part.Thought:
					continue
				case part.FunctionCall != nil:
					calls = append(calls, part.FunctionCall)
					parts = append(parts, part)
				case part.Text != "":
					text.WriteString(part.Text)
					parts = append(parts, part)
					if !r.cfg.Buffered {
						if !yield(agentrt.RawEvent{Author: agent.Name, Partial: true, Text: part.Text}, nil) {
							return false
						}
					}
				}
			}
		}
	}
	if ctx.Err() != nil {
		yield(agentrt.RawEvent{}, ctx.Err())
		return false
	}
	if len(parts) > 0 {
		t.contents = append(t.contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
	}

	if len(calls) == 0 {
		final := agentrt.RawEvent{Author: agent.Name, Final: true}
		if r.cfg.Buffered {
			final.Text = text.String()
		}
		yield(final, nil)
		return false
	}
	return r.runCalls(ctx, t, calls, yield)
}

func (r *Runtime) runCalls(ctx context.Context, t *turn, calls []*genai.FunctionCall, yield func(agentrt.RawEvent, error) bool) bool {
	agent := t.active
	var (
		requested []agentrt.ToolCall
		results   []agentrt.ToolResult
		responses []*genai.Part
		transfer  string
	)
	for _, call := range calls {
		if call.Name != TransferFunction {
			requested = append(requested, agentrt.ToolCall{Name: call.Name, Args: call.Args})
		}
	}
	if len(requested) > 0 {
		if !yield(agentrt.RawEvent{Author: agent.Name, ToolCalls: requested}, nil) {
			return false
		}
	}

	toolCtx := agentcontext.WithInvocation(ctx, agentcontext.Invocation{
		UserID:         t.req.UserID,
		ConversationID: t.req.ConversationID,
		Agent:          agent.Name,
	})
	for _, call := range calls {
		var resp map[string]any
		if call.Name == TransferFunction {
			target, _ := call.Args["agent_name"].(string)
			if transfer == "" && r.team.canTransfer(agent.Name, target) {
				transfer = target
				resp = map[string]any{"status": "success", "transferred_to": target}
			} else {
				resp = errorResponse(fmt.Sprintf("cannot transfer to %q", target))
			}
		} else {
			resp = r.invoke(toolCtx, agent, call)
			results = append(results, agentrt.ToolResult{Name: call.Name, Response: resp})
			r.fold(t, agent.Name, call.Name, resp)
		}
		responses = append(responses, &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: resp,
		}})
	}
	t.contents = append(t.contents, &genai.Content{Role: genai.RoleUser, Parts: responses})

	if len(results) > 0 {
		if !yield(agentrt.RawEvent{Author: agent.Name, ToolResults: results}, nil) {
			return false
		}
	}
	if transfer != "" {
		if !yield(agentrt.RawEvent{Author: agent.Name, DelegateTarget: transfer}, nil) {
			return false
		}
		t.active, _ = r.team.Get(transfer)
	}
	return true
}

func (r *Runtime) invoke(ctx context.Context, agent Agent, call *genai.FunctionCall) (resp map[string]any) {
	if !slices.Contains(agent.Tools, call.Name) {
		return errorResponse(fmt.Sprintf("tool %s is not available to %s", call.Name, agent.Name))
	}
	tool, ok := r.tools.Get(call.Name)
	if !ok {
		return errorResponse(fmt.Sprintf("unknown tool %s", call.Name))
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Str("tool", call.Name).Msg("tool panicked")
			resp = errorResponse("tool failed unexpectedly")
		}
	}()
	out, err := tool.Handler(ctx, call.Args)
	if err != nil {
		r.log.Warn().Err(err).Str("tool", call.Name).Str("agent", agent.Name).Msg("tool call failed")
		return errorResponse(err.Error())
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// fold records a tool result in the turn's view of the session context so
// later steps see it. Latest result per (agent, tool) wins.
func (r *Runtime) fold(t *turn, source, kind string, resp map[string]any) {
	prev, _ := t.captured[source].(map[string]any)
	kinds := make(map[string]any, len(prev)+1)
	for k, v := range prev {
		kinds[k] = v
	}
	kinds[kind] = agentrt.NormalizeToolResult(resp)
	t.captured[source] = kinds
}

func (r *Runtime) generateConfig(agent Agent, captured map[string]any) (*genai.GenerateContentConfig, error) {
	b := prompt.NewBuilder()
	b.Add(prompt.Block{ID: "instruction", Priority: prompt.PriorityInstruction, Content: agent.Instruction})
	b.Add(prompt.AgentsBlock(r.team.roster(agent.Name)))
	ctxBlock, err := prompt.ContextBlock(captured)
	if err != nil {
		return nil, err
	}
	b.Add(ctxBlock)

	cfg := &genai.GenerateContentConfig{}
	if system := b.Build(); system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	var decls []*genai.FunctionDeclaration
	for _, name := range agent.Tools {
		tool, _ := r.tools.Get(name)
		decls = append(decls, declaration(tool))
	}
	if targets := r.team.Targets(agent.Name); len(targets) > 0 {
		decls = append(decls, transferDeclaration(targets))
	}
	if len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg, nil
}

// transcript returns the contents preceding this turn's input, loading
// them from history the first time a session is seen.
func (r *Runtime) transcript(ctx context.Context, key sessions.Key, input string) ([]*genai.Content, error) {
	r.mu.Lock()
	cached, ok := r.transcripts[key]
	r.mu.Unlock()
	if ok {
		return append([]*genai.Content(nil), cached...), nil
	}
	if r.history == nil {
		return nil, nil
	}
	msgs, err := r.history.ListRecent(ctx, key.ConversationID, r.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return historyContents(msgs, input), nil
}

func (r *Runtime) remember(key sessions.Key, contents []*genai.Content) {
	trimmed := trimTranscript(contents, r.cfg.HistoryLimit*2)
	r.mu.Lock()
	r.transcripts[key] = append([]*genai.Content(nil), trimmed...)
	r.mu.Unlock()
}

var _ agentrt.Forgetter = (*Runtime)(nil)

// Forget drops the cached transcript of a session.
func (r *Runtime) Forget(key sessions.Key) {
	r.mu.Lock()
	delete(r.transcripts, key)
	r.mu.Unlock()
}

func capturedContext(st map[string]any) map[string]any {
	out := map[string]any{}
	if src, ok := st[schema.StateContext].(map[string]any); ok {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}

func errorResponse(msg string) map[string]any {
	return map[string]any{"status": "error", "error_message": msg}
}
