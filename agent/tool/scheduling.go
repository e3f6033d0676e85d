package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
)

// SchedulingBackend is the narrow slice of clinic data the scheduling tools
// need. How availability is actually computed is not this core's concern.
type SchedulingBackend interface {
	BookedSlots(ctx context.Context, clinicID string, from, to time.Time) ([]time.Time, error)
	CreateAppointment(ctx context.Context, clinicID, patientID string, startsAt time.Time) (string, error)
}

const (
	slotOpenHour  = 9
	slotCloseHour = 17
)

func registerSchedulingTools(r *Registry, deps Deps) {
	r.register(contractx.ModuleScheduling,
		&schema.ToolInfo{
			Name: "check_availability",
			Desc: "List open appointment slots for a given day.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"date": {Type: schema.String, Desc: "Day to check, YYYY-MM-DD", Required: true},
			}),
		},
		HandlerFunc(func(ctx context.Context, args map[string]any) contractx.ToolResult {
			return checkAvailability(ctx, deps.Scheduling, args)
		}),
	)

	r.register(contractx.ModuleScheduling,
		&schema.ToolInfo{
			Name: "book_appointment",
			Desc: "Book an open slot for the patient.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"slot": {Type: schema.String, Desc: "Slot start time, RFC 3339", Required: true},
			}),
		},
		HandlerFunc(func(ctx context.Context, args map[string]any) contractx.ToolResult {
			return bookAppointment(ctx, deps.Scheduling, args)
		}),
	)
}

func checkAvailability(ctx context.Context, backend SchedulingBackend, args map[string]any) contractx.ToolResult {
	const name = "check_availability"
	if backend == nil {
		return upstreamFailure(name, "scheduling backend is not configured")
	}

	clinicID := stringArg(args, "clinic_id")
	day, err := time.Parse("2006-01-02", stringArg(args, "date"))
	if err != nil {
		return validationFailure(name, fmt.Sprintf("date must be YYYY-MM-DD: %v", err))
	}

	from := time.Date(day.Year(), day.Month(), day.Day(), slotOpenHour, 0, 0, 0, time.UTC)
	to := time.Date(day.Year(), day.Month(), day.Day(), slotCloseHour, 0, 0, 0, time.UTC)

	booked, err := backend.BookedSlots(ctx, clinicID, from, to)
	if err != nil {
		return upstreamFailure(name, err.Error())
	}

	taken := make(map[time.Time]struct{}, len(booked))
	for _, t := range booked {
		taken[t.UTC().Truncate(time.Hour)] = struct{}{}
	}

	open := make([]string, 0, slotCloseHour-slotOpenHour)
	for slot := from; slot.Before(to); slot = slot.Add(time.Hour) {
		if _, busy := taken[slot]; !busy {
			open = append(open, slot.Format(time.RFC3339))
		}
	}

	return contractx.ToolResult{
		Tool: name,
		Data: map[string]any{
			"date":       day.Format("2006-01-02"),
			"open_slots": open,
		},
	}
}

func bookAppointment(ctx context.Context, backend SchedulingBackend, args map[string]any) contractx.ToolResult {
	const name = "book_appointment"
	if backend == nil {
		return upstreamFailure(name, "scheduling backend is not configured")
	}

	clinicID := stringArg(args, "clinic_id")
	patientID := stringArg(args, "patient_id")
	slot, err := time.Parse(time.RFC3339, stringArg(args, "slot"))
	if err != nil {
		return validationFailure(name, fmt.Sprintf("slot must be RFC 3339: %v", err))
	}

	slot = slot.UTC().Truncate(time.Hour)
	booked, err := backend.BookedSlots(ctx, clinicID, slot, slot.Add(time.Hour))
	if err != nil {
		return upstreamFailure(name, err.Error())
	}
	if len(booked) > 0 {
		return contractx.ToolResult{
			Tool:    name,
			Failure: contractx.FailureConflict,
			Error:   "slot is no longer available",
		}
	}

	id, err := backend.CreateAppointment(ctx, clinicID, patientID, slot)
	if err != nil {
		return upstreamFailure(name, err.Error())
	}

	return contractx.ToolResult{
		Tool: name,
		Data: map[string]any{
			"appointment_id": id,
			"slot":           slot.Format(time.RFC3339),
		},
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func validationFailure(tool, msg string) contractx.ToolResult {
	return contractx.ToolResult{Tool: tool, Failure: contractx.FailureValidation, Error: msg}
}

func upstreamFailure(tool, msg string) contractx.ToolResult {
	return contractx.ToolResult{Tool: tool, Failure: contractx.FailureUpstream, Error: msg}
}
