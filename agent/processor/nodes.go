package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
	storagex "github.com/ohcarioca/health-agents-sub003/agent/storage"
)

// passState is the value threaded through the pipeline graph for one inbound
// message. Nodes fill it in left to right; no node reads a field an earlier
// node has not set.
type passState struct {
	Msg contractx.InboundMessage
	Now time.Time

	Conversation *storagex.Conversation
	History      []contractx.HistoryEntry

	Result contractx.EngineResult
	Queued bool

	// Replayed means a concurrent pass for the same inbound message won the
	// receipt race; this pass adopts the winner's result and produces no
	// outbound message of its own.
	Replayed bool
}

func (p *Processor) validateNode(_ context.Context, msg contractx.InboundMessage) (*passState, error) {
	msg.ClinicID = strings.TrimSpace(msg.ClinicID)
	msg.PatientID = strings.TrimSpace(msg.PatientID)
	msg.Channel = contractx.Channel(strings.TrimSpace(string(msg.Channel)))
	msg.Text = strings.TrimSpace(msg.Text)
	msg.ExternalMessageID = strings.TrimSpace(msg.ExternalMessageID)
	msg.Sender = strings.TrimSpace(msg.Sender)

	switch {
	case msg.ClinicID == "":
		return nil, fmt.Errorf("%w: clinic_id is required", contractx.ErrValidation)
	case msg.PatientID == "":
		return nil, fmt.Errorf("%w: patient_id is required", contractx.ErrValidation)
	case msg.Channel == "":
		return nil, fmt.Errorf("%w: channel is required", contractx.ErrValidation)
	case msg.Text == "":
		return nil, fmt.Errorf("%w: text is required", contractx.ErrValidation)
	}

	if msg.Sender == "" {
		msg.Sender = storagex.SenderPatient
	}

	return &passState{Msg: msg, Now: p.now().UTC()}, nil
}

func (p *Processor) gateNode(ctx context.Context, state *passState) (*passState, error) {
	if !p.gate.IsProcessable(ctx, state.Msg.ClinicID) {
		return nil, fmt.Errorf("%w: clinic_id=%s", contractx.ErrClinicNotProcessable, state.Msg.ClinicID)
	}
	return state, nil
}

func (p *Processor) resolveNode(ctx context.Context, state *passState) (*passState, error) {
	module := p.selectModule(ctx, state.Msg)

	conv, err := p.conversations.ResolveActiveConversation(
		ctx, state.Msg.ClinicID, state.Msg.PatientID, state.Msg.Channel, module,
	)
	if err != nil {
		return nil, err
	}
	state.Conversation = conv
	return state, nil
}

// prepareNode loads the history seen by the agent and then appends the new
// inbound message, so the agent receives the message exactly once: as the
// current message, not duplicated inside history.
func (p *Processor) prepareNode(ctx context.Context, state *passState) (*passState, error) {
	history, err := p.conversations.History(ctx, state.Conversation.ID, p.historyLimit)
	if err != nil {
		return nil, err
	}
	state.History = history

	if err := p.conversations.AppendMessage(ctx, state.Conversation.ID, state.Msg.Sender, state.Msg.Text); err != nil {
		return nil, err
	}
	return state, nil
}

func (p *Processor) engineNode(ctx context.Context, state *passState) (*passState, error) {
	result, err := p.engine.Run(ctx, contractx.ConversationContext{
		ConversationID: state.Conversation.ID,
		ClinicID:       state.Conversation.ClinicID,
		PatientID:      state.Conversation.PatientID,
		Channel:        state.Conversation.Channel,
		Module:         state.Conversation.Module,
		History:        state.History,
	}, state.Msg.Text)
	if err != nil {
		return nil, err
	}
	state.Result = result
	return state, nil
}

// recordNode claims the idempotency receipt, then persists and delivers the
// reply. The receipt is claimed before the outbound append so that when two
// passes race on the same inbound message, only the winner's outbound message
// is durably kept.
func (p *Processor) recordNode(ctx context.Context, state *passState) (*passState, error) {
	state.Queued = p.policy.ShouldQueue(ctx, contractx.DeliveryDecision{
		ClinicID:  state.Conversation.ClinicID,
		Channel:   state.Conversation.Channel,
		Module:    state.Conversation.Module,
		Escalated: state.Result.Escalated,
		Now:       state.Now,
	})

	if state.Msg.ExternalMessageID != "" {
		receipt := &storagex.InboundReceipt{
			ClinicID:          state.Msg.ClinicID,
			ExternalMessageID: state.Msg.ExternalMessageID,
			ConversationID:    state.Conversation.ID,
			Module:            state.Conversation.Module,
			ResponseText:      state.Result.ResponseText,
			Queued:            state.Queued,
			ToolCallNames:     state.Result.ToolCallNames,
		}
		claimed, err := p.receipts.SaveReceipt(ctx, receipt)
		if err != nil {
			return nil, err
		}
		// SaveReceipt hands back our own receipt on success and the winner's
		// stored row on conflict.
		if claimed != receipt {
			state.Replayed = true
			log.Info().
				Str("clinic_id", state.Msg.ClinicID).
				Str("external_message_id", state.Msg.ExternalMessageID).
				Msg("lost receipt race; adopting winner's result")
			state.Result = resultFromReceipt(claimed)
			state.Queued = claimed.Queued
			winner := *state.Conversation
			winner.ID = claimed.ConversationID
			winner.Module = claimed.Module
			state.Conversation = &winner
			return state, nil
		}
	}

	if state.Result.Escalated {
		if err := p.conversations.MarkEscalated(ctx, state.Conversation.ID); err != nil {
			return nil, err
		}
	}

	outbound := contractx.OutboundMessage{
		ConversationID: state.Conversation.ID,
		ClinicID:       state.Conversation.ClinicID,
		PatientID:      state.Conversation.PatientID,
		Channel:        state.Conversation.Channel,
		Text:           state.Result.ResponseText,
	}

	if state.Queued {
		if err := p.deliverer.Queue(ctx, outbound); err != nil {
			return nil, fmt.Errorf("queue outbound message: %w", err)
		}
		return state, nil
	}

	if err := p.conversations.AppendMessage(ctx, state.Conversation.ID, storagex.SenderAgent, state.Result.ResponseText); err != nil {
		return nil, err
	}
	if err := p.deliverer.Send(ctx, outbound); err != nil {
		// The reply is already part of the durable history; delivery retries
		// belong to the channel collaborator, not this pass.
		log.Error().Err(err).
			Str("conversation_id", state.Conversation.ID).
			Msg("immediate delivery failed")
	}
	return state, nil
}

func (p *Processor) finalizeNode(_ context.Context, state *passState) (contractx.ProcessResult, error) {
	return contractx.ProcessResult{
		EngineResult:   state.Result,
		ConversationID: state.Conversation.ID,
		Module:         state.Conversation.Module,
		Queued:         state.Queued,
	}, nil
}

// resultFromReceipt rebuilds a ProcessResult's engine part from a durable
// receipt. The per-call audit detail is not stored on the receipt; names and
// count are.
func resultFromReceipt(r *storagex.InboundReceipt) contractx.EngineResult {
	names := append([]string(nil), r.ToolCallNames...)
	return contractx.EngineResult{
		ResponseText:  r.ResponseText,
		ToolCallCount: len(names),
		ToolCallNames: names,
	}
}
