package contract

import "time"

type ModuleType string

const (
	ModuleScheduling ModuleType = "scheduling"
	ModuleBilling    ModuleType = "billing"
)

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelWebchat  Channel = "webchat"
)

// InboundMessage is the shape delivered by a messaging channel webhook.
// ExternalMessageID is optional; when present it is the idempotency key for
// the whole processing pass. Sender defaults to the patient; the cron
// orchestrator re-enters with system-originated messages.
type InboundMessage struct {
	ClinicID          string  `json:"clinic_id"`
	PatientID         string  `json:"patient_id"`
	Channel           Channel `json:"channel"`
	Text              string  `json:"text"`
	ExternalMessageID string  `json:"external_message_id,omitempty"`
	Sender            string  `json:"sender,omitempty"`
}

type HistoryEntry struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationContext is the slice of durable conversation state handed to a
// module agent for one engine pass.
type ConversationContext struct {
	ConversationID string         `json:"conversation_id"`
	ClinicID       string         `json:"clinic_id"`
	PatientID      string         `json:"patient_id"`
	Channel        Channel        `json:"channel"`
	Module         ModuleType     `json:"module"`
	History        []HistoryEntry `json:"history,omitempty"`
}

type StepKind string

const (
	StepRespond    StepKind = "respond"
	StepInvokeTool StepKind = "invoke_tool"
	StepEscalate   StepKind = "escalate"
)

// AgentStep is the tagged result of one ModuleAgent decision.
type AgentStep struct {
	Kind StepKind

	// StepRespond
	Text string

	// StepInvokeTool
	Tool string
	Args map[string]any

	// StepEscalate
	Reason string
}

// DecideRequest carries everything an agent may consult for its next step.
// ToolResults holds the outcomes of the calls already executed this pass, in
// call order. Finalize is set once the tool budget is spent: further
// StepInvokeTool answers will not be honored.
type DecideRequest struct {
	Context     ConversationContext
	MessageText string
	ToolResults []ToolResult
	Finalize    bool
}

type FailureKind string

const (
	FailureValidation FailureKind = "validation_failed"
	FailureConflict   FailureKind = "conflict"
	FailureUpstream   FailureKind = "upstream_unavailable"
)

// ToolResult is the outcome of a single tool invocation. A failed call is
// data for the agent, not an engine error.
type ToolResult struct {
	Tool    string         `json:"tool"`
	Data    map[string]any `json:"data,omitempty"`
	Failure FailureKind    `json:"failure,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (r ToolResult) Failed() bool {
	return r.Failure != "" || r.Error != ""
}

// ToolCall is one audit-trail entry owned by the engine pass that produced it.
type ToolCall struct {
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Summary string         `json:"summary"`
}

// EngineResult is the normalized outcome of one engine pass.
// Invariant: ToolCallCount == len(ToolCallNames), one entry per executed
// call in call order, failed calls included.
type EngineResult struct {
	ResponseText  string     `json:"response_text"`
	ToolCallCount int        `json:"tool_call_count"`
	ToolCallNames []string   `json:"tool_call_names"`
	Escalated     bool       `json:"escalated,omitempty"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
}

// ProcessResult is what the message processor returns for one inbound message.
type ProcessResult struct {
	EngineResult

	ConversationID string     `json:"conversation_id"`
	Module         ModuleType `json:"module"`
	Queued         bool       `json:"queued"`
}

type OutboundMessage struct {
	ConversationID string  `json:"conversation_id"`
	ClinicID       string  `json:"clinic_id"`
	PatientID      string  `json:"patient_id"`
	Channel        Channel `json:"channel"`
	Text           string  `json:"text"`
}

// DeliveryDecision is the input to the injectable queue-vs-send policy.
type DeliveryDecision struct {
	ClinicID  string
	Channel   Channel
	Module    ModuleType
	Escalated bool
	Now       time.Time
}

type FollowUpCandidate struct {
	ConversationID string
	ClinicID       string
	PatientID      string
	Channel        Channel
}

// BatchSummary reports one cron batch. Failed items never abort the batch.
type BatchSummary struct {
	Candidates int `json:"candidates"`
	Processed  int `json:"processed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}
