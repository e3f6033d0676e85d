package agents

import (
	"context"
	"fmt"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
	llmx "github.com/ohcarioca/health-agents-sub003/agent/llm"
	promptx "github.com/ohcarioca/health-agents-sub003/agent/prompt"
	toolx "github.com/ohcarioca/health-agents-sub003/agent/tool"
)

type registryImpl struct {
	agents map[contractx.ModuleType]contractx.ModuleAgent
}

var _ contractx.AgentRegistry = (*registryImpl)(nil)

func (r *registryImpl) Agent(module contractx.ModuleType) (contractx.ModuleAgent, bool) {
	agent, ok := r.agents[module]
	return agent, ok
}

// NewRegistry builds one LLM-backed agent per module. Adding a module means
// adding an entry here, not branching logic in the engine.
func NewRegistry(ctx context.Context, cfg llmx.Config, tools *toolx.Registry) (contractx.AgentRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prompts := promptx.LoadPromptSet()

	modules := []struct {
		module contractx.ModuleType
		prompt string
	}{
		{contractx.ModuleScheduling, prompts.Scheduling},
		{contractx.ModuleBilling, prompts.Billing},
	}

	agents := make(map[contractx.ModuleType]contractx.ModuleAgent, len(modules))
	for _, m := range modules {
		modelCfg := cfg.OpenRouterFor(m.module)
		chatModel, err := modelCfg.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: create chat model for module=%s: %v", contractx.ErrModelInvoke, m.module, err)
		}

		agent, err := newLLMAgent(ctx, m.module, chatModel, m.prompt, tools.Infos(m.module))
		if err != nil {
			return nil, err
		}
		agents[m.module] = agent
	}

	return &registryImpl{agents: agents}, nil
}
