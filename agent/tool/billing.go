package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
)

// BillingBackend is the billing data slice the billing tools delegate to.
type BillingBackend interface {
	LatestInvoice(ctx context.Context, clinicID, patientID string) (InvoiceSummary, bool, error)
	CreateInvoice(ctx context.Context, clinicID, patientID string, amountCents int64) (InvoiceSummary, error)
}

// InvoiceSummary is the tool-facing projection of an invoice row.
type InvoiceSummary struct {
	ID          string    `json:"id"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func registerBillingTools(r *Registry, deps Deps) {
	r.register(contractx.ModuleBilling,
		&schema.ToolInfo{
			Name: "get_invoice",
			Desc: "Look up the patient's most recent invoice.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
		},
		HandlerFunc(func(ctx context.Context, args map[string]any) contractx.ToolResult {
			return getInvoice(ctx, deps.Billing, args)
		}),
	)

	r.register(contractx.ModuleBilling,
		&schema.ToolInfo{
			Name: "create_invoice",
			Desc: "Create an invoice for the patient. Requires auto-billing to be enabled for the clinic.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"amount_cents": {Type: schema.Integer, Desc: "Invoice amount in cents", Required: true},
			}),
		},
		HandlerFunc(func(ctx context.Context, args map[string]any) contractx.ToolResult {
			return createInvoice(ctx, deps.Billing, deps.Gate, args)
		}),
	)
}

func getInvoice(ctx context.Context, backend BillingBackend, args map[string]any) contractx.ToolResult {
	const name = "get_invoice"
	if backend == nil {
		return upstreamFailure(name, "billing backend is not configured")
	}

	inv, found, err := backend.LatestInvoice(ctx, stringArg(args, "clinic_id"), stringArg(args, "patient_id"))
	if err != nil {
		return upstreamFailure(name, err.Error())
	}
	if !found {
		return contractx.ToolResult{
			Tool: name,
			Data: map[string]any{"found": false},
		}
	}

	return contractx.ToolResult{
		Tool: name,
		Data: map[string]any{
			"found":        true,
			"invoice_id":   inv.ID,
			"amount_cents": inv.AmountCents,
			"status":       inv.Status,
			"created_at":   inv.CreatedAt.Format(time.RFC3339),
		},
	}
}

func createInvoice(ctx context.Context, backend BillingBackend, gate contractx.Gate, args map[string]any) contractx.ToolResult {
	const name = "create_invoice"
	if backend == nil {
		return upstreamFailure(name, "billing backend is not configured")
	}

	clinicID := stringArg(args, "clinic_id")
	if gate == nil || !gate.IsFeatureEnabled(ctx, clinicID, contractx.ModuleBilling, "auto_billing") {
		return validationFailure(name, "auto-billing is not enabled for this clinic")
	}

	amount, ok := intArg(args, "amount_cents")
	if !ok || amount <= 0 {
		return validationFailure(name, "amount_cents must be a positive integer")
	}

	inv, err := backend.CreateInvoice(ctx, clinicID, stringArg(args, "patient_id"), amount)
	if err != nil {
		return upstreamFailure(name, err.Error())
	}

	return contractx.ToolResult{
		Tool: name,
		Data: map[string]any{
			"invoice_id":   inv.ID,
			"amount_cents": inv.AmountCents,
			"status":       inv.Status,
		},
	}
}

// intArg tolerates the numeric shapes JSON decoding can produce.
func intArg(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
