// Package engine drives a module agent through a bounded tool-calling loop
// and folds everything that happened into one normalized, auditable result.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
)

// Patient-visible texts are fixed constants: raw storage or upstream errors
// never reach the patient channel.
const (
	fallbackResponse = "Sorry, something went wrong on our side. A member of the clinic team will follow up with you shortly."
	budgetResponse   = "I could not finish that completely just now. The clinic team will review your request and get back to you."
	handoffResponse  = "I'm handing this over to a member of the clinic team, who will take it from here."
)

const maxSummaryLen = 200

type Config struct {
	MaxToolCalls int           `envconfig:"MAX_TOOL_CALLS" split_words:"true" default:"8"`
	ToolTimeout  time.Duration `envconfig:"TOOL_TIMEOUT" split_words:"true" default:"15s"`
}

type Engine struct {
	agents       contractx.AgentRegistry
	tools        contractx.ToolLookup
	maxToolCalls int
	toolTimeout  time.Duration
}

func New(agents contractx.AgentRegistry, tools contractx.ToolLookup, cfg Config) (*Engine, error) {
	if agents == nil {
		return nil, errors.New("agent registry is required")
	}
	if tools == nil {
		return nil, errors.New("tool lookup is required")
	}

	maxCalls := cfg.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = 8
	}
	timeout := cfg.ToolTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Engine{
		agents:       agents,
		tools:        tools,
		maxToolCalls: maxCalls,
		toolTimeout:  timeout,
	}, nil
}

// Run executes one engine pass. Tool calls are strictly sequential; every
// executed call, failed ones included, appears in the result in call order.
// Exceeding the tool budget is not an error. Cancellation between iterations
// returns ErrCancelled with the calls already executed preserved.
func (e *Engine) Run(
	ctx context.Context,
	convCtx contractx.ConversationContext,
	messageText string,
) (contractx.EngineResult, error) {
	agent, ok := e.agents.Agent(convCtx.Module)
	if !ok {
		return contractx.EngineResult{}, fmt.Errorf("%w: no agent registered for module=%s", contractx.ErrValidation, convCtx.Module)
	}

	var (
		calls   []contractx.ToolCall
		results []contractx.ToolResult
	)

	for {
		if ctx.Err() != nil {
			return finish("", calls, false), fmt.Errorf("%w: %v", contractx.ErrCancelled, ctx.Err())
		}

		step, err := agent.Decide(ctx, contractx.DecideRequest{
			Context:     convCtx,
			MessageText: messageText,
			ToolResults: results,
			Finalize:    len(calls) >= e.maxToolCalls,
		})
		if err != nil {
			if ctx.Err() != nil {
				return finish("", calls, false), fmt.Errorf("%w: %v", contractx.ErrCancelled, ctx.Err())
			}
			log.Error().Err(err).
				Str("conversation_id", convCtx.ConversationID).
				Str("module", string(convCtx.Module)).
				Msg("agent decide failed; returning fallback response")
			return finish(fallbackResponse, calls, false), nil
		}

		switch step.Kind {
		case contractx.StepRespond:
			text := strings.TrimSpace(step.Text)
			if text == "" {
				text = fallbackResponse
			}
			return finish(text, calls, false), nil

		case contractx.StepEscalate:
			log.Info().
				Str("conversation_id", convCtx.ConversationID).
				Str("module", string(convCtx.Module)).
				Str("reason", step.Reason).
				Msg("agent escalated to human")
			return finish(handoffResponse, calls, true), nil

		case contractx.StepInvokeTool:
			if len(calls) >= e.maxToolCalls {
				// Budget spent and the agent still wants tools. Terminate
				// with what we have; an unbounded loop is a cost hazard,
				// not a business outcome.
				log.Warn().
					Str("conversation_id", convCtx.ConversationID).
					Int("tool_calls", len(calls)).
					Msg("tool budget exhausted; terminating pass")
				return finish(budgetResponse, calls, false), nil
			}

			handler, found := e.tools.Lookup(convCtx.Module, step.Tool)
			if !found {
				// Recovered locally: the patient sees a generic apology,
				// operators see the log line.
				log.Error().
					Str("conversation_id", convCtx.ConversationID).
					Str("module", string(convCtx.Module)).
					Str("tool", step.Tool).
					Msg(contractx.ErrInvalidToolCall.Error())
				return finish(fallbackResponse, calls, false), nil
			}

			outcome := e.invoke(ctx, handler, step, convCtx)
			calls = append(calls, contractx.ToolCall{
				Tool:    step.Tool,
				Args:    step.Args,
				Summary: summarize(outcome),
			})
			results = append(results, outcome)

		default:
			log.Error().
				Str("conversation_id", convCtx.ConversationID).
				Str("kind", string(step.Kind)).
				Msg("agent returned unknown step kind")
			return finish(fallbackResponse, calls, false), nil
		}
	}
}

// invoke runs one tool call under the per-call timeout. A timeout surfaces
// as a failed outcome the agent can react to, never as an engine crash. The
// conversation scope is stamped into the arguments here so a tool can only
// ever act on the clinic and patient this pass belongs to.
func (e *Engine) invoke(
	ctx context.Context,
	handler contractx.ToolHandler,
	step contractx.AgentStep,
	convCtx contractx.ConversationContext,
) contractx.ToolResult {
	args := scopedArgs(step.Args, convCtx)

	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	done := make(chan contractx.ToolResult, 1)
	go func() {
		done <- handler.Invoke(callCtx, args)
	}()

	select {
	case outcome := <-done:
		if outcome.Tool == "" {
			outcome.Tool = step.Tool
		}
		return outcome
	case <-callCtx.Done():
		return contractx.ToolResult{
			Tool:    step.Tool,
			Failure: contractx.FailureUpstream,
			Error:   "tool call timed out",
		}
	}
}

func scopedArgs(args map[string]any, convCtx contractx.ConversationContext) map[string]any {
	scoped := make(map[string]any, len(args)+4)
	for k, v := range args {
		scoped[k] = v
	}
	scoped["clinic_id"] = convCtx.ClinicID
	scoped["patient_id"] = convCtx.PatientID
	scoped["channel"] = string(convCtx.Channel)
	scoped["conversation_id"] = convCtx.ConversationID
	return scoped
}

func finish(text string, calls []contractx.ToolCall, escalated bool) contractx.EngineResult {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Tool)
	}
	return contractx.EngineResult{
		ResponseText:  text,
		ToolCallCount: len(names),
		ToolCallNames: names,
		Escalated:     escalated,
		ToolCalls:     calls,
	}
}

func summarize(outcome contractx.ToolResult) string {
	if outcome.Failed() {
		kind := string(outcome.Failure)
		if kind == "" {
			kind = "error"
		}
		return truncate(fmt.Sprintf("failed (%s): %s", kind, outcome.Error), maxSummaryLen)
	}

	data, err := json.Marshal(outcome.Data)
	if err != nil {
		return "ok"
	}
	return truncate("ok: "+string(data), maxSummaryLen)
}

// truncate cuts s to at most n bytes without splitting a multibyte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
