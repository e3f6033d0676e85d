package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
)

// ConversationStore owns conversation lifecycle and message history.
type ConversationStore interface {
	ResolveActiveConversation(ctx context.Context, clinicID, patientID string, channel contractx.Channel, module contractx.ModuleType) (*Conversation, error)
	AppendMessage(ctx context.Context, conversationID, sender, text string) error
	History(ctx context.Context, conversationID string, limit int) ([]contractx.HistoryEntry, error)
	MarkEscalated(ctx context.Context, conversationID string) error
}

// ReceiptStore persists per-inbound-message idempotency records.
type ReceiptStore interface {
	FindReceipt(ctx context.Context, clinicID, externalMessageID string) (*InboundReceipt, error)
	SaveReceipt(ctx context.Context, receipt *InboundReceipt) (*InboundReceipt, error)
}

// ClinicRepo is the gate-facing read surface for clinic configuration.
type ClinicRepo interface {
	SubscriptionStatus(ctx context.Context, clinicID string) (string, error)
	SubscriptionStatuses(ctx context.Context, clinicIDs []string) (map[string]string, error)
	ModuleSettings(ctx context.Context, clinicID string, module contractx.ModuleType) (map[string]any, error)
}

// FollowUpSource enumerates conversations due for a scheduled re-check.
type FollowUpSource interface {
	ListFollowUpCandidates(ctx context.Context, lastAgentMessageBefore time.Time, limit int) ([]contractx.FollowUpCandidate, error)
}

type Config struct {
	DSN string `envconfig:"DSN" split_words:"true" required:"true"`
}

// PostgresStore implements every storage interface over bun/Postgres.
type PostgresStore struct {
	db    *bun.DB
	now   func() time.Time
	newID func() string
}

var (
	_ ConversationStore = (*PostgresStore)(nil)
	_ ReceiptStore      = (*PostgresStore)(nil)
	_ ClinicRepo        = (*PostgresStore)(nil)
	_ FollowUpSource    = (*PostgresStore)(nil)
)

func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	return &PostgresStore{
		db:    db,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

func (s *PostgresStore) DB() *bun.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

// Migrate applies the schema owned by this core.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

/* --------------------------- conversations --------------------------- */

func (s *PostgresStore) ResolveActiveConversation(
	ctx context.Context,
	clinicID, patientID string,
	channel contractx.Channel,
	module contractx.ModuleType,
) (*Conversation, error) {
	key := conversationKey{ClinicID: clinicID, PatientID: patientID, Channel: channel}
	return resolveActive(ctx, s, key, module, s.now().UTC(), s.newID)
}

func (s *PostgresStore) findActive(ctx context.Context, key conversationKey) (*Conversation, error) {
	conv := new(Conversation)
	err := s.db.NewSelect().
		Model(conv).
		Where("clinic_id = ?", key.ClinicID).
		Where("patient_id = ?", key.PatientID).
		Where("channel = ?", key.Channel).
		Where("status = ?", ConversationActive).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return conv, nil
}

func (s *PostgresStore) insert(ctx context.Context, conv *Conversation) error {
	_, err := s.db.NewInsert().Model(conv).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return errConflict
		}
		return err
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID, sender, text string) error {
	msg := &Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		Sender:         sender,
		Text:           text,
		CreatedAt:      s.now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(msg).Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, conversationID string, limit int) ([]contractx.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	// Most recent messages win when the conversation exceeds the limit.
	var msgs []Message
	err := s.db.NewSelect().
		Model(&msgs).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	entries := make([]contractx.HistoryEntry, len(msgs))
	for i, m := range msgs {
		entries[len(msgs)-1-i] = contractx.HistoryEntry{
			Sender:    m.Sender,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		}
	}
	return entries, nil
}

func (s *PostgresStore) MarkEscalated(ctx context.Context, conversationID string) error {
	_, err := s.db.NewUpdate().
		Model((*Conversation)(nil)).
		Set("status = ?", ConversationEscalated).
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", conversationID).
		Where("status = ?", ConversationActive).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark escalated: %w", err)
	}
	return nil
}

/* ----------------------------- receipts ------------------------------ */

func (s *PostgresStore) FindReceipt(ctx context.Context, clinicID, externalMessageID string) (*InboundReceipt, error) {
	receipt := new(InboundReceipt)
	err := s.db.NewSelect().
		Model(receipt).
		Where("clinic_id = ?", clinicID).
		Where("external_message_id = ?", externalMessageID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return receipt, nil
}

// SaveReceipt inserts the receipt; when a concurrent pass for the same
// inbound message already committed one, the winner's receipt is returned.
func (s *PostgresStore) SaveReceipt(ctx context.Context, receipt *InboundReceipt) (*InboundReceipt, error) {
	if receipt.ID == "" {
		receipt.ID = s.newID()
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = s.now().UTC()
	}
	_, err := s.db.NewInsert().Model(receipt).Exec(ctx)
	if err == nil {
		return receipt, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("save receipt: %w", err)
	}
	return s.FindReceipt(ctx, receipt.ClinicID, receipt.ExternalMessageID)
}

/* ------------------------------ clinics ------------------------------ */

func (s *PostgresStore) SubscriptionStatus(ctx context.Context, clinicID string) (string, error) {
	sub := new(Subscription)
	err := s.db.NewSelect().
		Model(sub).
		Where("clinic_id = ?", clinicID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return sub.Status, nil
}

func (s *PostgresStore) SubscriptionStatuses(ctx context.Context, clinicIDs []string) (map[string]string, error) {
	statuses := make(map[string]string, len(clinicIDs))
	if len(clinicIDs) == 0 {
		return statuses, nil
	}

	var subs []Subscription
	err := s.db.NewSelect().
		Model(&subs).
		Where("clinic_id IN (?)", bun.In(clinicIDs)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscription statuses: %w", err)
	}
	for _, sub := range subs {
		statuses[sub.ClinicID] = sub.Status
	}
	return statuses, nil
}

func (s *PostgresStore) ModuleSettings(ctx context.Context, clinicID string, module contractx.ModuleType) (map[string]any, error) {
	mc := new(ModuleConfig)
	err := s.db.NewSelect().
		Model(mc).
		Where("clinic_id = ?", clinicID).
		Where("module = ?", module).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return mc.Settings, nil
}

/* ----------------------------- follow-ups ---------------------------- */

// ListFollowUpCandidates returns active conversations whose most recent
// message is an agent message older than the cutoff: the patient never
// answered and a scheduled re-check is due.
func (s *PostgresStore) ListFollowUpCandidates(
	ctx context.Context,
	lastAgentMessageBefore time.Time,
	limit int,
) ([]contractx.FollowUpCandidate, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []struct {
		ID        string            `bun:"id"`
		ClinicID  string            `bun:"clinic_id"`
		PatientID string            `bun:"patient_id"`
		Channel   contractx.Channel `bun:"channel"`
	}
	err := s.db.NewRaw(`
		SELECT c.id, c.clinic_id, c.patient_id, c.channel
		FROM conversations c
		JOIN LATERAL (
			SELECT m.sender, m.created_at
			FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC
			LIMIT 1
		) last ON true
		WHERE c.status = ?
		  AND last.sender = ?
		  AND last.created_at < ?
		ORDER BY last.created_at ASC
		LIMIT ?`,
		ConversationActive, SenderAgent, lastAgentMessageBefore.UTC(), limit,
	).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list follow-up candidates: %w", err)
	}

	candidates := make([]contractx.FollowUpCandidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, contractx.FollowUpCandidate{
			ConversationID: row.ID,
			ClinicID:       row.ClinicID,
			PatientID:      row.PatientID,
			Channel:        row.Channel,
		})
	}
	return candidates, nil
}

/* --------------------------- tool backends --------------------------- */

// BookedSlots returns appointment start times for a clinic within [from, to).
func (s *PostgresStore) BookedSlots(ctx context.Context, clinicID string, from, to time.Time) ([]time.Time, error) {
	var appts []Appointment
	err := s.db.NewSelect().
		Model(&appts).
		Where("clinic_id = ?", clinicID).
		Where("starts_at >= ?", from.UTC()).
		Where("starts_at < ?", to.UTC()).
		Where("status = ?", "booked").
		Order("starts_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load booked slots: %w", err)
	}
	slots := make([]time.Time, 0, len(appts))
	for _, a := range appts {
		slots = append(slots, a.StartsAt)
	}
	return slots, nil
}

func (s *PostgresStore) CreateAppointment(ctx context.Context, clinicID, patientID string, startsAt time.Time) (string, error) {
	appt := &Appointment{
		ID:        s.newID(),
		ClinicID:  clinicID,
		PatientID: patientID,
		StartsAt:  startsAt.UTC(),
		Status:    "booked",
		CreatedAt: s.now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(appt).Exec(ctx); err != nil {
		return "", fmt.Errorf("create appointment: %w", err)
	}
	return appt.ID, nil
}

func (s *PostgresStore) LatestInvoice(ctx context.Context, clinicID, patientID string) (*Invoice, error) {
	inv := new(Invoice)
	err := s.db.NewSelect().
		Model(inv).
		Where("clinic_id = ?", clinicID).
		Where("patient_id = ?", patientID).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inv, nil
}

func (s *PostgresStore) CreateInvoice(ctx context.Context, clinicID, patientID string, amountCents int64) (*Invoice, error) {
	inv := &Invoice{
		ID:          s.newID(),
		ClinicID:    clinicID,
		PatientID:   patientID,
		AmountCents: amountCents,
		Status:      "open",
		CreatedAt:   s.now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(inv).Exec(ctx); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return inv, nil
}

/* ------------------------------ helpers ------------------------------ */

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.IntegrityViolation()
	}
	return false
}
