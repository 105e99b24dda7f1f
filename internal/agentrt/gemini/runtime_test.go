package gemini

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/flitsinc/go-convo/internal/agentcontext"
	"github.com/flitsinc/go-convo/internal/agentrt"
	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/sessions"
	"github.com/flitsinc/go-convo/internal/state"
)

type generation struct {
	responses []*genai.GenerateContentResponse
	err       error
}

type recordedCall struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

type fakeGenerator struct {
	mu     sync.Mutex
	script []generation
	calls  []recordedCall
}

func (f *fakeGenerator) GenerateContentStream(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, recordedCall{model: model, contents: append([]*genai.Content(nil), contents...), config: config})
	var gen generation
	if idx < len(f.script) {
		gen = f.script[idx]
	}
	f.mu.Unlock()
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, resp := range gen.responses {
			if !yield(resp, nil) {
				return
			}
		}
		if gen.err != nil {
			yield(nil, gen.err)
		}
	}
}

func textResp(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
	}}}
}

func callResp(name string, args map[string]any) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{
			FunctionCall: &genai.FunctionCall{ID: "call-" + name, Name: name, Args: args},
		}}},
	}}}
}

type staticHistory struct {
	msgs []state.Message
	err  error
}

func (h staticHistory) ListRecent(context.Context, string, int) ([]state.Message, error) {
	return h.msgs, h.err
}

func testTeam(t *testing.T) *Team {
	t.Helper()
	team, err := NewTeam("coordinator",
		Agent{Name: "coordinator", Instruction: "Route questions.", SubAgents: []string{"db-agent"}},
		Agent{Name: "db-agent", Description: "Answers data questions.", Instruction: "Query the database.", Tools: []string{"lookup"}},
	)
	require.NoError(t, err)
	return team
}

func collect(t *testing.T, rt *Runtime, req agentrt.Request) ([]agentrt.RawEvent, error) {
	t.Helper()
	var events []agentrt.RawEvent
	for ev, err := range rt.OpenStream(context.Background(), req) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func baseRequest(input string) agentrt.Request {
	return agentrt.Request{
		UserID:         "user-1",
		ConversationID: "conv-1",
		Input:          input,
		Session:        sessions.Session{State: map[string]any{}},
	}
}

func TestRuntimeStreamsTextThenFinal(t *testing.T) {
	gen := &fakeGenerator{script: []generation{{responses: []*genai.GenerateContentResponse{textResp("Hel"), textResp("lo")}}}}
	rt, err := New(gen, testTeam(t), nil, Config{Model: "test-model"})
	require.Error(t, err, "db-agent tool is not registered")

	reg, err := NewRegistry(Tool{Name: "lookup", Handler: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }})
	require.NoError(t, err)
	rt, err = New(gen, testTeam(t), reg, Config{Model: "test-model"})
	require.NoError(t, err)

	events, err := collect(t, rt, baseRequest("hi"))
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "Hel", events[0].Text)
	require.True(t, events[0].Partial)
	require.Equal(t, "coordinator", events[0].Author)
	require.True(t, events[2].Final)
	require.Empty(t, events[2].Text)
	require.Equal(t, "test-model", gen.calls[0].model)

	sys := gen.calls[0].config.SystemInstruction.Parts[0].Text
	require.True(t, strings.HasPrefix(sys, "Route questions."))
	require.Contains(t, sys, "- db-agent: Answers data questions.")
	decls := gen.calls[0].config.Tools[0].FunctionDeclarations
	require.Len(t, decls, 1)
	require.Equal(t, TransferFunction, decls[0].Name)
}

func TestRuntimeBufferedFinalCarriesText(t *testing.T) {
	gen := &fakeGenerator{script: []generation{{responses: []*genai.GenerateContentResponse{textResp("All "), textResp("done")}}}}
	team, err := NewTeam("solo", Agent{Name: "solo"})
	require.NoError(t, err)
	rt, err := New(gen, team, nil, Config{Buffered: true})
	require.NoError(t, err)

	events, err := collect(t, rt, baseRequest("hi"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, agentrt.RawEvent{Author: "solo", Final: true, Text: "All done"}, events[0])
}

func TestRuntimeDelegatesAndRunsTools(t *testing.T) {
	var seen agentcontext.Invocation
	reg, err := NewRegistry(Tool{
		Name: "lookup",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
			"required":   []any{"q"},
		},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			seen, _ = agentcontext.InvocationFromContext(ctx)
			return map[string]any{"status": "success", "data": []any{args["q"]}}, nil
		},
	})
	require.NoError(t, err)

	gen := &fakeGenerator{script: []generation{
		{responses: []*genai.GenerateContentResponse{callResp(TransferFunction, map[string]any{"agent_name": "db-agent"})}},
		{responses: []*genai.GenerateContentResponse{callResp("lookup", map[string]any{"q": "rows"})}},
		{responses: []*genai.GenerateContentResponse{textResp("3 rows")}},
	}}
	rt, err := New(gen, testTeam(t), reg, Config{})
	require.NoError(t, err)

	events, err := collect(t, rt, baseRequest("how many rows?"))
	require.NoError(t, err)

	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, agentrt.Classify(ev).EventKind())
	}
	require.Equal(t, []string{
		"delegation",
		"tool_call",
		"tool_result",
		"partial_text",
		"final",
	}, kinds)
	require.Equal(t, "db-agent", events[0].DelegateTarget)
	require.Equal(t, "coordinator", events[0].Author)
	require.Equal(t, "db-agent", events[2].Author)
	require.Equal(t, "lookup", events[2].ToolResults[0].Name)
	require.Equal(t, agentcontext.Invocation{UserID: "user-1", ConversationID: "conv-1", Agent: "db-agent"}, seen)

	// The sub-agent sees its own tools plus a way back to its parent, and
	// the captured result in its instruction on the next step.
	second := gen.calls[1].config
	require.Len(t, second.Tools[0].FunctionDeclarations, 2)
	require.Equal(t, "lookup", second.Tools[0].FunctionDeclarations[0].Name)
	require.Equal(t, genai.TypeObject, second.Tools[0].FunctionDeclarations[0].Parameters.Type)
	third := gen.calls[2].config.SystemInstruction.Parts[0].Text
	require.Contains(t, third, "lookup:")
	require.Contains(t, third, "- rows")

	// Function responses are fed back to the model.
	last := gen.calls[2].contents
	resp := last[len(last)-1]
	require.Equal(t, genai.RoleUser, resp.Role)
	require.Equal(t, "lookup", resp.Parts[0].FunctionResponse.Name)
	require.Equal(t, "call-lookup", resp.Parts[0].FunctionResponse.ID)
}

func TestRuntimeRejectsUnknownTransfer(t *testing.T) {
	reg, err := NewRegistry(Tool{Name: "lookup", Handler: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }})
	require.NoError(t, err)
	gen := &fakeGenerator{script: []generation{
		{responses: []*genai.GenerateContentResponse{callResp(TransferFunction, map[string]any{"agent_name": "nobody"})}},
		{responses: []*genai.GenerateContentResponse{textResp("ok")}},
	}}
	rt, err := New(gen, testTeam(t), reg, Config{})
	require.NoError(t, err)

	events, err := collect(t, rt, baseRequest("hi"))
	require.NoError(t, err)
	for _, ev := range events {
		require.Empty(t, ev.DelegateTarget)
		require.Equal(t, "coordinator", ev.Author)
	}
	fr := gen.calls[1].contents[len(gen.calls[1].contents)-1].Parts[0].FunctionResponse
	require.Equal(t, "error", fr.Response["status"])
}

func TestRuntimeToolErrorsBecomeResponses(t *testing.T) {
	reg, err := NewRegistry(Tool{Name: "lookup", Handler: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("db down")
	}})
	require.NoError(t, err)
	team, err := NewTeam("db-agent", Agent{Name: "db-agent", Tools: []string{"lookup"}})
	require.NoError(t, err)
	gen := &fakeGenerator{script: []generation{
		{responses: []*genai.GenerateContentResponse{callResp("lookup", nil), callResp("forbidden", nil)}},
		{responses: []*genai.GenerateContentResponse{textResp("sorry")}},
	}}
	rt, err := New(gen, team, reg, Config{})
	require.NoError(t, err)

	events, err := collect(t, rt, baseRequest("hi"))
	require.NoError(t, err)
	results := events[1].ToolResults
	require.Len(t, results, 2)
	require.Equal(t, map[string]any{"status": "error", "error_message": "db down"}, results[0].Response)
	require.Equal(t, "error", results[1].Response.(map[string]any)["status"])
}

func TestRuntimeGenerationErrorBecomesFailure(t *testing.T) {
	gen := &fakeGenerator{script: []generation{{
		responses: []*genai.GenerateContentResponse{textResp("par")},
		err:       genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota exceeded"},
	}}}
	team, err := NewTeam("solo", Agent{Name: "solo"})
	require.NoError(t, err)
	rt, err := New(gen, team, nil, Config{})
	require.NoError(t, err)

	events, err := collect(t, rt, baseRequest("hi"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	failure, ok := agentrt.Classify(events[1]).(agentrt.Failure)
	require.True(t, ok)
	require.Equal(t, "RESOURCE_EXHAUSTED", failure.Code)
	require.Equal(t, "quota exceeded", failure.Message)
}

func TestRuntimeBlockedCandidate(t *testing.T) {
	gen := &fakeGenerator{script: []generation{{responses: []*genai.GenerateContentResponse{{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReason("SAFETY")}},
	}}}}}
	team, err := NewTeam("solo", Agent{Name: "solo"})
	require.NoError(t, err)
	rt, err := New(gen, team, nil, Config{})
	require.NoError(t, err)

	events, err := collect(t, rt, baseRequest("hi"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "SAFETY", events[0].ErrorCode)
	require.Equal(t, "response blocked: safety", events[0].ErrorMessage)
}

func TestRuntimeStepBudget(t *testing.T) {
	reg, err := NewRegistry(Tool{Name: "lookup", Handler: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}})
	require.NoError(t, err)
	team, err := NewTeam("db-agent", Agent{Name: "db-agent", Tools: []string{"lookup"}})
	require.NoError(t, err)
	loop := generation{responses: []*genai.GenerateContentResponse{callResp("lookup", nil)}}
	gen := &fakeGenerator{script: []generation{loop, loop, loop}}
	rt, err := New(gen, team, reg, Config{MaxSteps: 2})
	require.NoError(t, err)

	events, err := collect(t, rt, baseRequest("hi"))
	require.NoError(t, err)
	require.Len(t, gen.calls, 2)
	last := events[len(events)-1]
	require.Equal(t, codeMaxSteps, last.ErrorCode)
}

func TestRuntimeStopsWhenConsumerStops(t *testing.T) {
	gen := &fakeGenerator{script: []generation{{responses: []*genai.GenerateContentResponse{textResp("a"), textResp("b"), textResp("c")}}}}
	team, err := NewTeam("solo", Agent{Name: "solo"})
	require.NoError(t, err)
	rt, err := New(gen, team, nil, Config{})
	require.NoError(t, err)

	n := 0
	for range rt.OpenStream(context.Background(), baseRequest("hi")) {
		n++
		break
	}
	require.Equal(t, 1, n)
}

func TestRuntimeCancellationSurfacesContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &fakeGenerator{script: []generation{{err: context.Canceled}}}
	team, err := NewTeam("solo", Agent{Name: "solo"})
	require.NoError(t, err)
	rt, err := New(gen, team, nil, Config{})
	require.NoError(t, err)

	var gotErr error
	for _, err := range rt.OpenStream(ctx, baseRequest("hi")) {
		gotErr = err
	}
	require.ErrorIs(t, gotErr, context.Canceled)
}

func TestRuntimeSeedsTranscriptFromHistoryOnce(t *testing.T) {
	now := time.Now().UTC()
	history := staticHistory{msgs: []state.Message{
		{Sender: schema.SenderAgent, Kind: schema.KindText, Content: "Welcome!", CreatedAt: now},
		{Sender: schema.SenderUser, Kind: schema.KindText, Content: "count rows", CreatedAt: now},
		{Sender: schema.SenderAgent, Kind: schema.KindAction, Content: "Delegating to db-agent...", CreatedAt: now},
		{Sender: schema.SenderAgent, Kind: schema.KindText, Content: "3", CreatedAt: now},
		{Sender: schema.SenderAgent, Kind: schema.KindError, Content: "Agent Error: x", CreatedAt: now},
		{Sender: schema.SenderUser, Kind: schema.KindText, Content: "and now?", CreatedAt: now},
	}}
	gen := &fakeGenerator{script: []generation{
		{responses: []*genai.GenerateContentResponse{textResp("4")}},
		{responses: []*genai.GenerateContentResponse{textResp("5")}},
	}}
	team, err := NewTeam("solo", Agent{Name: "solo"})
	require.NoError(t, err)
	rt, err := New(gen, team, nil, Config{}, WithHistory(history))
	require.NoError(t, err)

	_, err = collect(t, rt, baseRequest("and now?"))
	require.NoError(t, err)
	first := gen.calls[0].contents
	require.Len(t, first, 3)
	require.Equal(t, "count rows", first[0].Parts[0].Text)
	require.Equal(t, genai.RoleModel, first[1].Role)
	require.Equal(t, "3", first[1].Parts[0].Text)
	require.Equal(t, "and now?", first[2].Parts[0].Text)

	_, err = collect(t, rt, baseRequest("again"))
	require.NoError(t, err)
	second := gen.calls[1].contents
	require.Len(t, second, 5)
	require.Equal(t, "4", second[3].Parts[0].Text)
	require.Equal(t, "again", second[4].Parts[0].Text)

	rt.Forget(sessions.Key{UserID: "user-1", ConversationID: "conv-1"})
	_, err = collect(t, rt, baseRequest("fresh"))
	require.NoError(t, err)
	require.Len(t, gen.calls[2].contents, 4)
}

func TestRuntimeHistoryErrorEndsStream(t *testing.T) {
	gen := &fakeGenerator{}
	team, err := NewTeam("solo", Agent{Name: "solo"})
	require.NoError(t, err)
	rt, err := New(gen, team, nil, Config{}, WithHistory(staticHistory{err: errors.New("db gone")}))
	require.NoError(t, err)

	_, err = collect(t, rt, baseRequest("hi"))
	require.Error(t, err)
	require.Empty(t, gen.calls)
}

func TestRuntimeRendersSessionContext(t *testing.T) {
	gen := &fakeGenerator{script: []generation{{responses: []*genai.GenerateContentResponse{textResp("ok")}}}}
	team, err := NewTeam("solo", Agent{Name: "solo", Instruction: "Be brief."})
	require.NoError(t, err)
	rt, err := New(gen, team, nil, Config{})
	require.NoError(t, err)

	req := baseRequest("hi")
	req.Session.State = map[string]any{schema.StateContext: map[string]any{
		"web-agent": map[string]any{"extract": map[string]any{"title": "Example"}},
	}}
	_, err = collect(t, rt, req)
	require.NoError(t, err)
	sys := gen.calls[0].config.SystemInstruction.Parts[0].Text
	require.True(t, strings.HasPrefix(sys, "Be brief.\n\n"))
	require.Contains(t, sys, "title: Example")
	require.Nil(t, gen.calls[0].config.Tools)
}

func TestNewTeamValidation(t *testing.T) {
	_, err := NewTeam("missing", Agent{Name: "a"})
	require.Error(t, err)
	_, err = NewTeam("a", Agent{Name: "a", SubAgents: []string{"b"}})
	require.Error(t, err)
	_, err = NewTeam("a", Agent{Name: "a"}, Agent{Name: "a"})
	require.Error(t, err)
	_, err = NewTeam("a",
		Agent{Name: "a", SubAgents: []string{"c"}},
		Agent{Name: "b", SubAgents: []string{"c"}},
		Agent{Name: "c"},
	)
	require.Error(t, err)
	_, err = NewTeam("a", Agent{Name: "a"}, Agent{Name: "b", SubAgents: []string{"a"}})
	require.Error(t, err)
}

func TestRegistryRejectsReservedAndDuplicateNames(t *testing.T) {
	noop := func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }
	_, err := NewRegistry(Tool{Name: TransferFunction, Handler: noop})
	require.Error(t, err)
	_, err = NewRegistry(Tool{Name: "x", Handler: noop}, Tool{Name: "x", Handler: noop})
	require.Error(t, err)
	_, err = NewRegistry(Tool{Name: "x"})
	require.Error(t, err)
	reg, err := NewRegistry(Tool{Name: "b", Handler: noop}, Tool{Name: "a", Handler: noop})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, reg.Names())
}

func TestHistoryContentsWithoutUserMessage(t *testing.T) {
	msgs := []state.Message{{Sender: schema.SenderAgent, Kind: schema.KindText, Content: "hello"}}
	require.Nil(t, historyContents(msgs, "x"))
}

func TestTrimTranscript(t *testing.T) {
	user := &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: "u"}}}
	model := &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: "m"}}}
	fnResp := &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{Name: "f"}}}}

	got := trimTranscript([]*genai.Content{user, model, fnResp, model, user, model}, 4)
	require.Equal(t, []*genai.Content{user, model}, got)
	require.Len(t, trimTranscript([]*genai.Content{user, model}, 4), 2)
}
