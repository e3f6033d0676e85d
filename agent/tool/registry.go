// Package tool holds the process-wide tool registry: a pure namespace keyed
// by (module, tool name). Populated once at startup and immutable after.
package tool

import (
	"context"
	"sort"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
)

// EscalateTool is a reserved pseudo-tool exposed to every module's model.
// It is never executed: agents translate it into an escalation step.
const EscalateTool = "escalate_to_human"

// HandlerFunc adapts a function to contract.ToolHandler.
type HandlerFunc func(ctx context.Context, args map[string]any) contractx.ToolResult

func (f HandlerFunc) Invoke(ctx context.Context, args map[string]any) contractx.ToolResult {
	return f(ctx, args)
}

type entry struct {
	info    *schema.ToolInfo
	handler contractx.ToolHandler
}

// Registry maps (module, tool name) to a handler plus the schema handed to
// the module's chat model.
type Registry struct {
	modules map[contractx.ModuleType]map[string]entry
}

var _ contractx.ToolLookup = (*Registry)(nil)

// Deps carries the collaborators the tool handlers delegate to. The tools'
// business logic lives behind these interfaces, not in this package.
type Deps struct {
	Scheduling SchedulingBackend
	Billing    BillingBackend
	Gate       contractx.Gate
}

// BuildRegistry assembles the full registry for all modules.
func BuildRegistry(deps Deps) *Registry {
	r := &Registry{
		modules: make(map[contractx.ModuleType]map[string]entry),
	}
	registerSchedulingTools(r, deps)
	registerBillingTools(r, deps)
	return r
}

func (r *Registry) register(module contractx.ModuleType, info *schema.ToolInfo, handler contractx.ToolHandler) {
	tools, ok := r.modules[module]
	if !ok {
		tools = make(map[string]entry)
		r.modules[module] = tools
	}
	tools[info.Name] = entry{info: info, handler: handler}
}

func (r *Registry) Lookup(module contractx.ModuleType, tool string) (contractx.ToolHandler, bool) {
	e, ok := r.modules[module][tool]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Names returns the registered tool names for a module, sorted.
func (r *Registry) Names(module contractx.ModuleType) []string {
	tools := r.modules[module]
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns the schemas bound to a module's chat model, including the
// reserved escalation pseudo-tool.
func (r *Registry) Infos(module contractx.ModuleType) []*schema.ToolInfo {
	names := r.Names(module)
	infos := make([]*schema.ToolInfo, 0, len(names)+1)
	for _, name := range names {
		infos = append(infos, r.modules[module][name].info)
	}
	infos = append(infos, &schema.ToolInfo{
		Name: EscalateTool,
		Desc: "Hand this conversation over to a human team member when the request cannot be handled automatically.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"reason": {Type: schema.String, Desc: "Short reason for the hand-off", Required: true},
		}),
	})
	return infos
}
