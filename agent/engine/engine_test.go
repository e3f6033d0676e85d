package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
)

type fakeAgent struct {
	steps    []contractx.AgentStep
	err      error
	calls    int
	lastReqs []contractx.DecideRequest
}

func (f *fakeAgent) Decide(ctx context.Context, req contractx.DecideRequest) (contractx.AgentStep, error) {
	f.calls++
	f.lastReqs = append(f.lastReqs, req)
	if f.err != nil {
		return contractx.AgentStep{}, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.steps) {
		return contractx.AgentStep{}, errors.New("no step left")
	}
	return f.steps[idx], nil
}

// greedyAgent keeps invoking a tool until told to finalize.
type greedyAgent struct {
	tool  string
	calls int
}

func (g *greedyAgent) Decide(ctx context.Context, req contractx.DecideRequest) (contractx.AgentStep, error) {
	g.calls++
	if req.Finalize {
		return contractx.AgentStep{Kind: contractx.StepRespond, Text: "done what I could"}, nil
	}
	return contractx.AgentStep{Kind: contractx.StepInvokeTool, Tool: g.tool, Args: map[string]any{"n": g.calls}}, nil
}

type fakeRegistry struct {
	agent contractx.ModuleAgent
}

func (f *fakeRegistry) Agent(module contractx.ModuleType) (contractx.ModuleAgent, bool) {
	if f.agent == nil {
		return nil, false
	}
	return f.agent, true
}

type fakeTools struct {
	results map[string]contractx.ToolResult
	args    []map[string]any
}

func (f *fakeTools) Lookup(module contractx.ModuleType, tool string) (contractx.ToolHandler, bool) {
	result, ok := f.results[tool]
	if !ok {
		return nil, false
	}
	return toolHandlerFunc(func(ctx context.Context, args map[string]any) contractx.ToolResult {
		f.args = append(f.args, args)
		return result
	}), true
}

type toolHandlerFunc func(ctx context.Context, args map[string]any) contractx.ToolResult

func (f toolHandlerFunc) Invoke(ctx context.Context, args map[string]any) contractx.ToolResult {
	return f(ctx, args)
}

func testContext() contractx.ConversationContext {
	return contractx.ConversationContext{
		ConversationID: "conv-1",
		ClinicID:       "clinic-1",
		PatientID:      "patient-1",
		Channel:        contractx.ChannelWhatsApp,
		Module:         contractx.ModuleScheduling,
	}
}

func newTestEngine(t *testing.T, agent contractx.ModuleAgent, tools contractx.ToolLookup, cfg Config) *Engine {
	t.Helper()
	e, err := New(&fakeRegistry{agent: agent}, tools, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestRunRespondWithoutTools(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{steps: []contractx.AgentStep{
		{Kind: contractx.StepRespond, Text: "  We open at 9am.  "},
	}}
	e := newTestEngine(t, agent, &fakeTools{}, Config{})

	result, err := e.Run(context.Background(), testContext(), "when do you open?")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ResponseText != "We open at 9am." {
		t.Fatalf("unexpected response: %q", result.ResponseText)
	}
	if result.ToolCallCount != 0 || len(result.ToolCallNames) != 0 {
		t.Fatalf("expected no tool calls, got count=%d names=%v", result.ToolCallCount, result.ToolCallNames)
	}
	if result.Escalated {
		t.Fatal("unexpected escalation")
	}
}

func TestRunCountMatchesNames(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{steps: []contractx.AgentStep{
		{Kind: contractx.StepInvokeTool, Tool: "check_availability", Args: map[string]any{"date": "2026-09-01"}},
		{Kind: contractx.StepInvokeTool, Tool: "book_appointment", Args: map[string]any{"slot": "2026-09-01T10:00:00Z"}},
		{Kind: contractx.StepRespond, Text: "Booked for 10am."},
	}}
	tools := &fakeTools{results: map[string]contractx.ToolResult{
		"check_availability": {Data: map[string]any{"slots": []string{"10:00"}}},
		"book_appointment":   {Failure: contractx.FailureConflict, Error: "slot taken"},
	}}
	e := newTestEngine(t, agent, tools, Config{})

	result, err := e.Run(context.Background(), testContext(), "book me in")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ToolCallCount != len(result.ToolCallNames) {
		t.Fatalf("count=%d does not match names=%v", result.ToolCallCount, result.ToolCallNames)
	}
	if result.ToolCallCount != 2 {
		t.Fatalf("expected 2 tool calls, got %d", result.ToolCallCount)
	}
	// Failed calls count and keep their position.
	if result.ToolCallNames[0] != "check_availability" || result.ToolCallNames[1] != "book_appointment" {
		t.Fatalf("unexpected call order: %v", result.ToolCallNames)
	}
	if len(result.ToolCalls) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(result.ToolCalls))
	}
}

func TestRunScopesToolArgs(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{steps: []contractx.AgentStep{
		{Kind: contractx.StepInvokeTool, Tool: "check_availability", Args: map[string]any{"clinic_id": "spoofed"}},
		{Kind: contractx.StepRespond, Text: "ok"},
	}}
	tools := &fakeTools{results: map[string]contractx.ToolResult{
		"check_availability": {Data: map[string]any{}},
	}}
	e := newTestEngine(t, agent, tools, Config{})

	if _, err := e.Run(context.Background(), testContext(), "hi"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(tools.args) != 1 {
		t.Fatalf("expected 1 tool invocation, got %d", len(tools.args))
	}
	if got := tools.args[0]["clinic_id"]; got != "clinic-1" {
		t.Fatalf("clinic_id not pinned to conversation scope: %v", got)
	}
	if got := tools.args[0]["conversation_id"]; got != "conv-1" {
		t.Fatalf("conversation_id missing from args: %v", got)
	}
}

func TestRunBudgetExhaustion(t *testing.T) {
	t.Parallel()

	agent := &greedyAgent{tool: "check_availability"}
	tools := &fakeTools{results: map[string]contractx.ToolResult{
		"check_availability": {Data: map[string]any{}},
	}}
	e := newTestEngine(t, agent, tools, Config{MaxToolCalls: 3})

	result, err := e.Run(context.Background(), testContext(), "keep going")
	if err != nil {
		t.Fatalf("budget exhaustion must not be an error, got %v", err)
	}
	if result.ToolCallCount != 3 {
		t.Fatalf("expected exactly the budget of calls, got %d", result.ToolCallCount)
	}
	if result.ResponseText == "" {
		t.Fatal("expected a non-empty response after budget exhaustion")
	}
}

func TestRunBudgetAgentStillWantsTools(t *testing.T) {
	t.Parallel()

	// This agent ignores the finalize hint and keeps asking for tools.
	agent := &fakeAgent{steps: []contractx.AgentStep{
		{Kind: contractx.StepInvokeTool, Tool: "check_availability"},
		{Kind: contractx.StepInvokeTool, Tool: "check_availability"},
		{Kind: contractx.StepInvokeTool, Tool: "check_availability"},
	}}
	tools := &fakeTools{results: map[string]contractx.ToolResult{
		"check_availability": {Data: map[string]any{}},
	}}
	e := newTestEngine(t, agent, tools, Config{MaxToolCalls: 2})

	result, err := e.Run(context.Background(), testContext(), "loop")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ToolCallCount != 2 {
		t.Fatalf("expected the pass to stop at the budget, got %d calls", result.ToolCallCount)
	}
	if result.ResponseText != budgetResponse {
		t.Fatalf("unexpected response: %q", result.ResponseText)
	}
}

func TestRunUnknownToolFallsBack(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{steps: []contractx.AgentStep{
		{Kind: contractx.StepInvokeTool, Tool: "no_such_tool"},
	}}
	e := newTestEngine(t, agent, &fakeTools{results: map[string]contractx.ToolResult{}}, Config{})

	result, err := e.Run(context.Background(), testContext(), "hi")
	if err != nil {
		t.Fatalf("unknown tool must be recovered locally, got %v", err)
	}
	if result.ResponseText != fallbackResponse {
		t.Fatalf("unexpected response: %q", result.ResponseText)
	}
	if result.ToolCallCount != 0 {
		t.Fatalf("the unknown call must not be counted as executed, got %d", result.ToolCallCount)
	}
}

func TestRunEscalation(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{steps: []contractx.AgentStep{
		{Kind: contractx.StepInvokeTool, Tool: "get_invoice"},
		{Kind: contractx.StepEscalate, Reason: "billing dispute"},
	}}
	tools := &fakeTools{results: map[string]contractx.ToolResult{
		"get_invoice": {Failure: contractx.FailureUpstream, Error: "billing service down"},
	}}
	e := newTestEngine(t, agent, tools, Config{})

	result, err := e.Run(context.Background(), testContext(), "my bill is wrong")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Escalated {
		t.Fatal("expected escalation")
	}
	if result.ToolCallCount != 1 {
		t.Fatalf("the failed call before the escalation must be counted, got %d", result.ToolCallCount)
	}
	if result.ResponseText == "" {
		t.Fatal("expected a hand-off message for the patient")
	}
}

func TestRunCancellationPreservesCalls(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	agent := &fakeAgent{steps: []contractx.AgentStep{
		{Kind: contractx.StepInvokeTool, Tool: "check_availability"},
		{Kind: contractx.StepRespond, Text: "never reached"},
	}}
	tools := &fakeTools{results: map[string]contractx.ToolResult{}}
	tools.results["check_availability"] = contractx.ToolResult{Data: map[string]any{}}

	e := newTestEngine(t, &cancelAfterFirst{inner: agent, cancel: cancel}, tools, Config{})

	result, err := e.Run(ctx, testContext(), "hi")
	if !errors.Is(err, contractx.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if result.ToolCallCount != 1 {
		t.Fatalf("executed calls must be preserved on cancellation, got %d", result.ToolCallCount)
	}
}

// cancelAfterFirst cancels the pass after the first decision completes.
type cancelAfterFirst struct {
	inner  contractx.ModuleAgent
	cancel context.CancelFunc
	calls  int
}

func (c *cancelAfterFirst) Decide(ctx context.Context, req contractx.DecideRequest) (contractx.AgentStep, error) {
	c.calls++
	step, err := c.inner.Decide(ctx, req)
	if c.calls == 1 {
		defer c.cancel()
	}
	return step, err
}

func TestRunAgentErrorFallsBack(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{err: errors.New("model unavailable")}
	e := newTestEngine(t, agent, &fakeTools{}, Config{})

	result, err := e.Run(context.Background(), testContext(), "hi")
	if err != nil {
		t.Fatalf("agent failure must degrade to fallback, got %v", err)
	}
	if result.ResponseText != fallbackResponse {
		t.Fatalf("unexpected response: %q", result.ResponseText)
	}
}

func TestRunToolTimeoutIsFailedResult(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{steps: []contractx.AgentStep{
		{Kind: contractx.StepInvokeTool, Tool: "slow_tool"},
		{Kind: contractx.StepRespond, Text: "sorry, that took too long"},
	}}
	slow := &slowTools{delay: 200 * time.Millisecond}
	e := newTestEngine(t, agent, slow, Config{ToolTimeout: 20 * time.Millisecond})

	result, err := e.Run(context.Background(), testContext(), "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ToolCallCount != 1 {
		t.Fatalf("a timed out call still counts, got %d", result.ToolCallCount)
	}
	last := agent.lastReqs[len(agent.lastReqs)-1]
	if len(last.ToolResults) != 1 || !last.ToolResults[0].Failed() {
		t.Fatalf("agent must see the timeout as a failed result: %+v", last.ToolResults)
	}
}

func TestSummarizeKeepsValidUTF8(t *testing.T) {
	t.Parallel()

	outcome := contractx.ToolResult{
		Tool:    "check_availability",
		Failure: contractx.FailureUpstream,
		Error:   strings.Repeat("horário indisponível ", 20),
	}
	summary := summarize(outcome)
	if len(summary) > maxSummaryLen {
		t.Fatalf("summary exceeds limit: %d bytes", len(summary))
	}
	if !utf8.ValidString(summary) {
		t.Fatalf("summary is not valid UTF-8: %q", summary)
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", 100) // 2 bytes per rune
	for _, n := range []int{0, 1, 2, 3, 99, 200} {
		got := truncate(s, n)
		if len(got) > n {
			t.Fatalf("truncate(%d) returned %d bytes", n, len(got))
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%d) produced invalid UTF-8: %q", n, got)
		}
	}
}

type slowTools struct {
	delay time.Duration
}

func (s *slowTools) Lookup(module contractx.ModuleType, tool string) (contractx.ToolHandler, bool) {
	return toolHandlerFunc(func(ctx context.Context, args map[string]any) contractx.ToolResult {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
		return contractx.ToolResult{Tool: tool, Data: map[string]any{}}
	}), true
}
