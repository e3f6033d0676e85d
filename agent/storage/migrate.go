package storage

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// migrations run in order at startup. Statements are idempotent so repeated
// boots are safe; schema evolution beyond this core is owned elsewhere.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS clinics (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL REFERENCES clinics(id),
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_clinic ON subscriptions (clinic_id)`,
	`CREATE TABLE IF NOT EXISTS module_configs (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL REFERENCES clinics(id),
		module TEXT NOT NULL,
		settings JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_module_configs_clinic_module ON module_configs (clinic_id, module)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL REFERENCES clinics(id),
		name TEXT,
		phone TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		module TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// The uniqueness contract: at most one active conversation per tuple.
	// Concurrent creators race on this index and the loser re-resolves.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_conversations_active
		ON conversations (clinic_id, patient_id, channel)
		WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS ix_conversations_tuple
		ON conversations (clinic_id, patient_id, channel, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_messages_conversation ON messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS inbound_receipts (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		external_message_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		module TEXT NOT NULL,
		response_text TEXT NOT NULL,
		queued BOOLEAN NOT NULL DEFAULT false,
		tool_call_names JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_inbound_receipts_key
		ON inbound_receipts (clinic_id, external_message_id)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		starts_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_appointments_clinic_day ON appointments (clinic_id, starts_at)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_invoices_patient ON invoices (clinic_id, patient_id, created_at DESC)`,
}

// Migrate applies the schema. Call once at startup before serving traffic.
func Migrate(ctx context.Context, db *bun.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
