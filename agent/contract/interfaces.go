package contract

import "context"

// ModuleAgent decides the next step for one conversation. It never executes
// tools itself; execution, counting and bounding belong to the engine.
type ModuleAgent interface {
	Decide(ctx context.Context, req DecideRequest) (AgentStep, error)
}

// AgentRegistry resolves the agent for a module. Populated once at startup.
type AgentRegistry interface {
	Agent(module ModuleType) (ModuleAgent, bool)
}

// ToolHandler executes one named tool. Failures are reported inside the
// ToolResult, not as Go errors.
type ToolHandler interface {
	Invoke(ctx context.Context, args map[string]any) ToolResult
}

// ToolLookup is the engine-facing view of the tool registry.
type ToolLookup interface {
	Lookup(module ModuleType, tool string) (ToolHandler, bool)
}

// Gate answers whether automated flows may act for a clinic. Fail-closed.
type Gate interface {
	IsProcessable(ctx context.Context, clinicID string) bool
	IsFeatureEnabled(ctx context.Context, clinicID string, module ModuleType, key string) bool
	ProcessableClinicIDs(ctx context.Context, candidates []string) map[string]struct{}
}

// DeliveryPolicy decides whether a produced reply is queued for later
// delivery instead of sent immediately. Supplied by the surrounding system.
type DeliveryPolicy interface {
	ShouldQueue(ctx context.Context, d DeliveryDecision) bool
}

// DeliveryPolicyFunc adapts a plain function to DeliveryPolicy.
type DeliveryPolicyFunc func(ctx context.Context, d DeliveryDecision) bool

func (f DeliveryPolicyFunc) ShouldQueue(ctx context.Context, d DeliveryDecision) bool {
	return f(ctx, d)
}

// Deliverer hands a reply to the outbound channel collaborator.
type Deliverer interface {
	Send(ctx context.Context, msg OutboundMessage) error
	Queue(ctx context.Context, msg OutboundMessage) error
}

// ModuleSelector picks the module for a conversation that does not exist
// yet. The module is sticky on the conversation row afterwards.
type ModuleSelector func(ctx context.Context, msg InboundMessage) ModuleType
