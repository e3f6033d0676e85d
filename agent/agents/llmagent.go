// Package agents implements the per-module conversational agents. An agent
// only decides; tool execution, counting and bounding stay in the engine.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
	toolx "github.com/ohcarioca/health-agents-sub003/agent/tool"
)

type llmAgent struct {
	module contractx.ModuleType
	runner compose.Runnable[map[string]any, *schema.Message]
}

var _ contractx.ModuleAgent = (*llmAgent)(nil)

func newLLMAgent(
	ctx context.Context,
	module contractx.ModuleType,
	chatModel einomodel.ToolCallingChatModel,
	systemPrompt string,
	tools []*schema.ToolInfo,
) (*llmAgent, error) {
	toolModel, err := chatModel.WithTools(tools)
	if err != nil {
		return nil, fmt.Errorf("%w: bind tools for module=%s: %v", contractx.ErrModelInvoke, module, err)
	}

	runner, err := compileDecisionGraph(ctx, toolModel, systemPrompt, fmt.Sprintf("%s.decision_graph", module))
	if err != nil {
		return nil, fmt.Errorf("%w: compile decision graph for module=%s: %v", contractx.ErrModelInvoke, module, err)
	}

	return &llmAgent{
		module: module,
		runner: runner,
	}, nil
}

func (a *llmAgent) Decide(ctx context.Context, req contractx.DecideRequest) (contractx.AgentStep, error) {
	mode := "act"
	if req.Finalize {
		mode = "finalize"
	}

	payload := map[string]any{
		"mode":         mode,
		"message":      req.MessageText,
		"history":      req.Context.History,
		"tool_results": req.ToolResults,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return contractx.AgentStep{}, fmt.Errorf("%w: marshal decide payload: %v", contractx.ErrValidation, err)
	}

	msg, err := a.runner.Invoke(ctx, map[string]any{
		"input": string(input),
	})
	if err != nil {
		return contractx.AgentStep{}, fmt.Errorf("%w: decide invoke for module=%s: %v", contractx.ErrModelInvoke, a.module, err)
	}
	if msg == nil {
		return contractx.AgentStep{}, fmt.Errorf("%w: empty model response", contractx.ErrSchemaViolation)
	}

	// The loop is strictly sequential: only the first tool call is honored;
	// the model is told so by the prompt. During finalize tool calls are
	// ignored entirely.
	if len(msg.ToolCalls) > 0 && !req.Finalize {
		return stepFromToolCall(msg.ToolCalls[0])
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return contractx.AgentStep{}, fmt.Errorf("%w: model returned neither text nor tool call", contractx.ErrSchemaViolation)
	}
	return contractx.AgentStep{
		Kind: contractx.StepRespond,
		Text: content,
	}, nil
}

func stepFromToolCall(call schema.ToolCall) (contractx.AgentStep, error) {
	name := strings.TrimSpace(call.Function.Name)
	if name == "" {
		return contractx.AgentStep{}, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return contractx.AgentStep{}, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, name, err)
		}
	}

	if name == toolx.EscalateTool {
		reason, _ := args["reason"].(string)
		return contractx.AgentStep{
			Kind:   contractx.StepEscalate,
			Reason: strings.TrimSpace(reason),
		}, nil
	}

	return contractx.AgentStep{
		Kind: contractx.StepInvokeTool,
		Tool: name,
		Args: args,
	}, nil
}

func compileDecisionGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	graphName string,
) (compose.Runnable[map[string]any, *schema.Message], error) {
	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{input}"),
	)

	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add decision prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add decision model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add decision edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add decision edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add decision edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(graphName))
	if err != nil {
		return nil, fmt.Errorf("compile decision graph: %w", err)
	}
	return runner, nil
}
