// Package processor turns one inbound patient message into one auditable
// outcome: gate check, durable conversation resolve, engine pass, delivery
// decision. The whole pass is idempotent on the channel's message id.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
	enginex "github.com/ohcarioca/health-agents-sub003/agent/engine"
	storagex "github.com/ohcarioca/health-agents-sub003/agent/storage"
)

type Config struct {
	HistoryLimit  int           `envconfig:"HISTORY_LIMIT" split_words:"true" default:"50"`
	DedupeTTL     time.Duration `envconfig:"DEDUPE_TTL" split_words:"true" default:"10m"`
	DedupeMaxSize int           `envconfig:"DEDUPE_MAX_SIZE" split_words:"true" default:"10000"`
}

type Processor struct {
	gate          contractx.Gate
	conversations storagex.ConversationStore
	receipts      storagex.ReceiptStore
	engine        *enginex.Engine
	policy        contractx.DeliveryPolicy
	deliverer     contractx.Deliverer
	selectModule  contractx.ModuleSelector

	seen         *dedupeCache
	historyLimit int
	now          func() time.Time

	runner compose.Runnable[contractx.InboundMessage, contractx.ProcessResult]
}

type Deps struct {
	Gate          contractx.Gate
	Conversations storagex.ConversationStore
	Receipts      storagex.ReceiptStore
	Engine        *enginex.Engine
	Policy        contractx.DeliveryPolicy
	Deliverer     contractx.Deliverer
	SelectModule  contractx.ModuleSelector
}

func New(ctx context.Context, deps Deps, cfg Config) (*Processor, error) {
	switch {
	case deps.Gate == nil:
		return nil, errors.New("gate is required")
	case deps.Conversations == nil:
		return nil, errors.New("conversation store is required")
	case deps.Receipts == nil:
		return nil, errors.New("receipt store is required")
	case deps.Engine == nil:
		return nil, errors.New("engine is required")
	case deps.Deliverer == nil:
		return nil, errors.New("deliverer is required")
	}

	policy := deps.Policy
	if policy == nil {
		// Send-now unless the surrounding system says otherwise.
		policy = contractx.DeliveryPolicyFunc(func(context.Context, contractx.DeliveryDecision) bool {
			return false
		})
	}

	selectModule := deps.SelectModule
	if selectModule == nil {
		selectModule = func(context.Context, contractx.InboundMessage) contractx.ModuleType {
			return contractx.ModuleScheduling
		}
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 50
	}

	p := &Processor{
		gate:          deps.Gate,
		conversations: deps.Conversations,
		receipts:      deps.Receipts,
		engine:        deps.Engine,
		policy:        policy,
		deliverer:     deps.Deliverer,
		selectModule:  selectModule,
		seen:          newDedupeCache(cfg.DedupeTTL, cfg.DedupeMaxSize),
		historyLimit:  historyLimit,
		now:           time.Now,
	}

	runner, err := p.compilePipeline(ctx)
	if err != nil {
		return nil, err
	}
	p.runner = runner
	return p, nil
}

// Process handles one inbound message end to end. A replay of an already
// processed external message id returns the stored result and never produces
// a second outbound message.
func (p *Processor) Process(ctx context.Context, msg contractx.InboundMessage) (contractx.ProcessResult, error) {
	msg.ClinicID = strings.TrimSpace(msg.ClinicID)
	msg.ExternalMessageID = strings.TrimSpace(msg.ExternalMessageID)
	key := dedupeKey(msg)

	if key != "" {
		if result, ok := p.replay(ctx, msg, p.seen.Check(key)); ok {
			return result, nil
		}
	}

	result, err := p.runner.Invoke(ctx, msg)
	if err != nil {
		return contractx.ProcessResult{}, err
	}

	if key != "" {
		p.seen.Mark(key)
	}
	return result, nil
}

// replay consults the durable receipt table for a previously processed
// message. cacheHit only changes logging; the table is always the authority,
// since another process may have handled the message first.
func (p *Processor) replay(ctx context.Context, msg contractx.InboundMessage, cacheHit bool) (contractx.ProcessResult, bool) {
	receipt, err := p.receipts.FindReceipt(ctx, msg.ClinicID, msg.ExternalMessageID)
	if err != nil {
		if !errors.Is(err, storagex.ErrNotFound) {
			log.Warn().Err(err).
				Str("clinic_id", msg.ClinicID).
				Str("external_message_id", msg.ExternalMessageID).
				Msg("receipt lookup failed; relying on insert-time conflict detection")
		}
		return contractx.ProcessResult{}, false
	}

	log.Info().
		Str("clinic_id", msg.ClinicID).
		Str("external_message_id", msg.ExternalMessageID).
		Bool("cache_hit", cacheHit).
		Msg("replayed inbound message; returning stored result")

	return contractx.ProcessResult{
		EngineResult:   resultFromReceipt(receipt),
		ConversationID: receipt.ConversationID,
		Module:         receipt.Module,
		Queued:         receipt.Queued,
	}, true
}

func (p *Processor) compilePipeline(ctx context.Context) (compose.Runnable[contractx.InboundMessage, contractx.ProcessResult], error) {
	graph := compose.NewGraph[contractx.InboundMessage, contractx.ProcessResult]()

	nodes := []struct {
		name string
		node *compose.Lambda
	}{
		{"validate", compose.InvokableLambda(p.validateNode)},
		{"gate", compose.InvokableLambda(p.gateNode)},
		{"resolve_conversation", compose.InvokableLambda(p.resolveNode)},
		{"prepare", compose.InvokableLambda(p.prepareNode)},
		{"run_engine", compose.InvokableLambda(p.engineNode)},
		{"record", compose.InvokableLambda(p.recordNode)},
		{"finalize", compose.InvokableLambda(p.finalizeNode)},
	}

	prev := compose.START
	for _, n := range nodes {
		if err := graph.AddLambdaNode(n.name, n.node); err != nil {
			return nil, fmt.Errorf("add pipeline node %s: %w", n.name, err)
		}
		if err := graph.AddEdge(prev, n.name); err != nil {
			return nil, fmt.Errorf("add pipeline edge %s->%s: %w", prev, n.name, err)
		}
		prev = n.name
	}
	if err := graph.AddEdge(prev, compose.END); err != nil {
		return nil, fmt.Errorf("add pipeline edge %s->end: %w", prev, err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("message_pipeline"))
	if err != nil {
		return nil, fmt.Errorf("compile message pipeline: %w", err)
	}
	return runner, nil
}

func dedupeKey(msg contractx.InboundMessage) string {
	id := strings.TrimSpace(msg.ExternalMessageID)
	if id == "" {
		return ""
	}
	return strings.TrimSpace(msg.ClinicID) + "|" + id
}
