// Package cron runs the scheduled follow-up batches: conversations where the
// patient never answered the agent's last message are re-entered through the
// message processor with a synthetic system message.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
	storagex "github.com/ohcarioca/health-agents-sub003/agent/storage"
)

const defaultFollowUpText = "The patient has not replied to your last message. " +
	"Send one brief, friendly follow-up to move their request forward, or wrap up politely if nothing is pending."

type Config struct {
	SilenceWindow time.Duration `envconfig:"SILENCE_WINDOW" split_words:"true" default:"24h"`
	BatchLimit    int           `envconfig:"BATCH_LIMIT" split_words:"true" default:"100"`
	Concurrency   int           `envconfig:"CONCURRENCY" split_words:"true" default:"4"`
}

// MessageProcessor is the slice of the processor the orchestrator needs.
type MessageProcessor interface {
	Process(ctx context.Context, msg contractx.InboundMessage) (contractx.ProcessResult, error)
}

type Orchestrator struct {
	source    storagex.FollowUpSource
	gate      contractx.Gate
	processor MessageProcessor

	silenceWindow time.Duration
	batchLimit    int
	concurrency   int
	now           func() time.Time
}

func New(source storagex.FollowUpSource, gate contractx.Gate, processor MessageProcessor, cfg Config) (*Orchestrator, error) {
	switch {
	case source == nil:
		return nil, errors.New("follow-up source is required")
	case gate == nil:
		return nil, errors.New("gate is required")
	case processor == nil:
		return nil, errors.New("message processor is required")
	}

	silence := cfg.SilenceWindow
	if silence <= 0 {
		silence = 24 * time.Hour
	}
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = 100
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Orchestrator{
		source:        source,
		gate:          gate,
		processor:     processor,
		silenceWindow: silence,
		batchLimit:    limit,
		concurrency:   concurrency,
		now:           time.Now,
	}, nil
}

// RunBatch processes one follow-up batch. Candidates whose clinic is not
// processable are skipped; a failing candidate is counted and logged but
// never aborts the rest of the batch. Each candidate carries a deterministic
// per-day external message id, so overlapping batch runs collapse on the
// processor's idempotency path.
func (o *Orchestrator) RunBatch(ctx context.Context) (contractx.BatchSummary, error) {
	var summary contractx.BatchSummary

	cutoff := o.now().UTC().Add(-o.silenceWindow)
	candidates, err := o.source.ListFollowUpCandidates(ctx, cutoff, o.batchLimit)
	if err != nil {
		return summary, fmt.Errorf("list follow-up candidates: %w", err)
	}
	summary.Candidates = len(candidates)
	if len(candidates) == 0 {
		return summary, nil
	}

	processable := o.gate.ProcessableClinicIDs(ctx, clinicIDs(candidates))
	day := o.now().UTC().Format("2006-01-02")

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, o.concurrency)
	)

	for _, candidate := range candidates {
		if _, ok := processable[candidate.ClinicID]; !ok {
			summary.Skipped++
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(c contractx.FollowUpCandidate) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := o.processor.Process(ctx, contractx.InboundMessage{
				ClinicID:          c.ClinicID,
				PatientID:         c.PatientID,
				Channel:           c.Channel,
				Text:              defaultFollowUpText,
				ExternalMessageID: fmt.Sprintf("followup:%s:%s", c.ConversationID, day),
				Sender:            storagex.SenderSystem,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				log.Error().Err(err).
					Str("conversation_id", c.ConversationID).
					Str("clinic_id", c.ClinicID).
					Msg("follow-up processing failed")
				return
			}
			summary.Processed++
		}(candidate)
	}
	wg.Wait()

	log.Info().
		Int("candidates", summary.Candidates).
		Int("processed", summary.Processed).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("follow-up batch finished")
	return summary, nil
}

func clinicIDs(candidates []contractx.FollowUpCandidate) []string {
	seen := make(map[string]struct{}, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.ClinicID]; ok {
			continue
		}
		seen[c.ClinicID] = struct{}{}
		ids = append(ids, c.ClinicID)
	}
	return ids
}
