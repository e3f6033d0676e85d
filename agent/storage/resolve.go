package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// errConflict marks a unique-index violation on conversation insert.
	errConflict = errors.New("active conversation already exists")
)

type conversationKey struct {
	ClinicID  string
	PatientID string
	Channel   contractx.Channel
}

// conversationResolver is the slice of the store the resolve algorithm
// needs. Kept narrow so the race behavior is testable without Postgres.
type conversationResolver interface {
	findActive(ctx context.Context, key conversationKey) (*Conversation, error)
	insert(ctx context.Context, conv *Conversation) error
}

// resolveActive finds the newest active conversation for the tuple or
// creates one. Losing the creation race is invisible to the caller: the
// loser re-resolves and adopts the winner's row. Two full attempts; a
// conflict that still cannot be re-resolved is a hard create failure.
func resolveActive(
	ctx context.Context,
	r conversationResolver,
	key conversationKey,
	module contractx.ModuleType,
	now time.Time,
	newID func() string,
) (*Conversation, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conv, err := r.findActive(ctx, key)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: find active conversation: %v", contractx.ErrConversationCreateFailed, err)
		}

		conv = &Conversation{
			ID:        newID(),
			ClinicID:  key.ClinicID,
			PatientID: key.PatientID,
			Channel:   key.Channel,
			Module:    module,
			Status:    ConversationActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = r.insert(ctx, conv)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, errConflict) {
			return nil, fmt.Errorf("%w: insert conversation: %v", contractx.ErrConversationCreateFailed, err)
		}
		// Lost the race. Loop once more and adopt the winner.
		lastErr = err
	}
	return nil, fmt.Errorf("%w: conflict persisted after retry: %v", contractx.ErrConversationCreateFailed, lastErr)
}
