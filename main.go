package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	agentsx "github.com/ohcarioca/health-agents-sub003/agent/agents"
	cronx "github.com/ohcarioca/health-agents-sub003/agent/cron"
	deliveryx "github.com/ohcarioca/health-agents-sub003/agent/delivery"
	enginex "github.com/ohcarioca/health-agents-sub003/agent/engine"
	gatex "github.com/ohcarioca/health-agents-sub003/agent/gate"
	llmx "github.com/ohcarioca/health-agents-sub003/agent/llm"
	processorx "github.com/ohcarioca/health-agents-sub003/agent/processor"
	storagex "github.com/ohcarioca/health-agents-sub003/agent/storage"
	toolx "github.com/ohcarioca/health-agents-sub003/agent/tool"
	configx "github.com/ohcarioca/health-agents-sub003/pkg/config"
	_ "github.com/ohcarioca/health-agents-sub003/pkg/logger/autoload"
	openrouterx "github.com/ohcarioca/health-agents-sub003/pkg/openrouter"
	qstashx "github.com/ohcarioca/health-agents-sub003/pkg/qstash"
)

func main() {
	ctx := context.Background()

	storageCfg := configx.MustNew[storagex.Config]("POSTGRES")
	store, err := storagex.NewPostgresStore(*storageCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize postgres store")
	}
	defer store.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		log.Fatal().Err(err).Msg("apply schema migrations")
	}

	gateCfg := configx.MustNew[gatex.Config]("GATE")
	clinicGate, err := gatex.New(store, *gateCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize clinic gate")
	}

	tools := toolx.BuildRegistry(toolx.Deps{
		Scheduling: store,
		Billing:    &billingBackend{store: store},
		Gate:       clinicGate,
	})

	llmCfg := configx.MustNew[llmx.Config]("LLM")
	sdkClient := openrouterx.NewClient(llmCfg.OpenRouterDefault())
	if sdkClient == nil {
		log.Fatal().Msg("initialize openrouter client")
	}
	verifyCtx, cancelVerify := context.WithTimeout(ctx, 10*time.Second)
	if err := openrouterx.VerifyCredentials(verifyCtx, sdkClient); err != nil {
		log.Warn().Err(err).Msg("openrouter credential check failed; model calls may be rejected")
	}
	cancelVerify()

	agents, err := agentsx.NewRegistry(ctx, *llmCfg, tools)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize module agents")
	}

	engineCfg := configx.MustNew[enginex.Config]("ENGINE")
	engine, err := enginex.New(agents, tools, *engineCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize engine")
	}

	qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
	qstashClient := qstashx.MustNew(*qstashCfg)

	deliveryCfg := configx.MustNew[deliveryx.Config]("DELIVERY")
	deliverer, err := deliveryx.New(qstashClient, *deliveryCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize deliverer")
	}

	processorCfg := configx.MustNew[processorx.Config]("PROCESSOR")
	proc, err := processorx.New(ctx, processorx.Deps{
		Gate:          clinicGate,
		Conversations: store,
		Receipts:      store,
		Engine:        engine,
		Deliverer:     deliverer,
	}, *processorCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize message processor")
	}

	cronCfg := configx.MustNew[cronx.Config]("CRON")
	orchestrator, err := cronx.New(store, clinicGate, proc, *cronCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize follow-up orchestrator")
	}

	log.Info().Msg("agent core ready")

	// Invoked as `agent followups` by the scheduler; the default invocation
	// only verifies the wiring.
	if len(os.Args) > 1 && os.Args[1] == "followups" {
		summary, err := orchestrator.RunBatch(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("follow-up batch failed")
		}
		log.Info().
			Int("candidates", summary.Candidates).
			Int("processed", summary.Processed).
			Int("skipped", summary.Skipped).
			Int("failed", summary.Failed).
			Msg("follow-up batch complete")
	}
}

// billingBackend projects stored invoice rows onto the billing tools' view.
type billingBackend struct {
	store *storagex.PostgresStore
}

var _ toolx.BillingBackend = (*billingBackend)(nil)

func (b *billingBackend) LatestInvoice(ctx context.Context, clinicID, patientID string) (toolx.InvoiceSummary, bool, error) {
	inv, err := b.store.LatestInvoice(ctx, clinicID, patientID)
	if err != nil {
		if errors.Is(err, storagex.ErrNotFound) {
			return toolx.InvoiceSummary{}, false, nil
		}
		return toolx.InvoiceSummary{}, false, err
	}
	return invoiceSummary(inv), true, nil
}

func (b *billingBackend) CreateInvoice(ctx context.Context, clinicID, patientID string, amountCents int64) (toolx.InvoiceSummary, error) {
	inv, err := b.store.CreateInvoice(ctx, clinicID, patientID, amountCents)
	if err != nil {
		return toolx.InvoiceSummary{}, err
	}
	return invoiceSummary(inv), nil
}

func invoiceSummary(inv *storagex.Invoice) toolx.InvoiceSummary {
	return toolx.InvoiceSummary{
		ID:          inv.ID,
		AmountCents: inv.AmountCents,
		Status:      inv.Status,
		CreatedAt:   inv.CreatedAt,
	}
}
