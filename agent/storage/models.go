package storage

import (
	"time"

	"github.com/uptrace/bun"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
)

const (
	SubscriptionTrialing = "trialing"
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

const (
	ConversationActive    = "active"
	ConversationEscalated = "escalated"
	ConversationResolved  = "resolved"
)

const (
	SenderPatient = "patient"
	SenderAgent   = "agent"
	SenderSystem  = "system"
)

type Clinic struct {
	bun.BaseModel `bun:"table:clinics,alias:cl"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

type Subscription struct {
	bun.BaseModel `bun:"table:subscriptions,alias:sub"`

	ID        string    `bun:"id,pk"`
	ClinicID  string    `bun:"clinic_id,notnull"`
	Status    string    `bun:"status,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// ModuleConfig carries an open settings bag per (clinic, module). Other
// components write it; this core only reads it and tolerates any shape.
type ModuleConfig struct {
	bun.BaseModel `bun:"table:module_configs,alias:mc"`

	ID       string               `bun:"id,pk"`
	ClinicID string               `bun:"clinic_id,notnull"`
	Module   contractx.ModuleType `bun:"module,notnull"`
	Settings map[string]any       `bun:"settings,type:jsonb"`
}

type Patient struct {
	bun.BaseModel `bun:"table:patients,alias:p"`

	ID        string    `bun:"id,pk"`
	ClinicID  string    `bun:"clinic_id,notnull"`
	Name      string    `bun:"name"`
	Phone     string    `bun:"phone"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// Conversation rows honor a partial unique index: at most one row with
// status=active per (clinic_id, patient_id, channel).
type Conversation struct {
	bun.BaseModel `bun:"table:conversations,alias:c"`

	ID        string               `bun:"id,pk"`
	ClinicID  string               `bun:"clinic_id,notnull"`
	PatientID string               `bun:"patient_id,notnull"`
	Channel   contractx.Channel    `bun:"channel,notnull"`
	Module    contractx.ModuleType `bun:"module,notnull"`
	Status    string               `bun:"status,notnull"`
	CreatedAt time.Time            `bun:"created_at,notnull"`
	UpdatedAt time.Time            `bun:"updated_at,notnull"`
}

// Message rows are append-only and never mutated after insert.
type Message struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID             string    `bun:"id,pk"`
	ConversationID string    `bun:"conversation_id,notnull"`
	Sender         string    `bun:"sender,notnull"`
	Text           string    `bun:"text,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

// InboundReceipt is the durable idempotency record for one processed inbound
// message, unique on (clinic_id, external_message_id). Replays return the
// stored result instead of producing a second outbound message.
type InboundReceipt struct {
	bun.BaseModel `bun:"table:inbound_receipts,alias:ir"`

	ID                string               `bun:"id,pk"`
	ClinicID          string               `bun:"clinic_id,notnull"`
	ExternalMessageID string               `bun:"external_message_id,notnull"`
	ConversationID    string               `bun:"conversation_id,notnull"`
	Module            contractx.ModuleType `bun:"module,notnull"`
	ResponseText      string               `bun:"response_text,notnull"`
	Queued            bool                 `bun:"queued,notnull"`
	ToolCallNames     []string             `bun:"tool_call_names,type:jsonb"`
	CreatedAt         time.Time            `bun:"created_at,notnull"`
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments,alias:a"`

	ID        string    `bun:"id,pk"`
	ClinicID  string    `bun:"clinic_id,notnull"`
	PatientID string    `bun:"patient_id,notnull"`
	StartsAt  time.Time `bun:"starts_at,notnull"`
	Status    string    `bun:"status,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

type Invoice struct {
	bun.BaseModel `bun:"table:invoices,alias:i"`

	ID          string    `bun:"id,pk"`
	ClinicID    string    `bun:"clinic_id,notnull"`
	PatientID   string    `bun:"patient_id,notnull"`
	AmountCents int64     `bun:"amount_cents,notnull"`
	Status      string    `bun:"status,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}
