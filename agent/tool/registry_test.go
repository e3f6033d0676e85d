package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
)

type fakeScheduling struct {
	booked    []time.Time
	bookedErr error
	createErr error
	created   []time.Time
}

func (f *fakeScheduling) BookedSlots(ctx context.Context, clinicID string, from, to time.Time) ([]time.Time, error) {
	if f.bookedErr != nil {
		return nil, f.bookedErr
	}
	var inRange []time.Time
	for _, t := range f.booked {
		if !t.Before(from) && t.Before(to) {
			inRange = append(inRange, t)
		}
	}
	return inRange, nil
}

func (f *fakeScheduling) CreateAppointment(ctx context.Context, clinicID, patientID string, startsAt time.Time) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, startsAt)
	return "appt-1", nil
}

type fakeBilling struct {
	invoice   InvoiceSummary
	found     bool
	latestErr error
	createErr error
}

func (f *fakeBilling) LatestInvoice(ctx context.Context, clinicID, patientID string) (InvoiceSummary, bool, error) {
	if f.latestErr != nil {
		return InvoiceSummary{}, false, f.latestErr
	}
	return f.invoice, f.found, nil
}

func (f *fakeBilling) CreateInvoice(ctx context.Context, clinicID, patientID string, amountCents int64) (InvoiceSummary, error) {
	if f.createErr != nil {
		return InvoiceSummary{}, f.createErr
	}
	return InvoiceSummary{ID: "inv-new", AmountCents: amountCents, Status: "open"}, nil
}

type allowAllGate struct {
	enabled bool
}

func (g allowAllGate) IsProcessable(ctx context.Context, clinicID string) bool { return true }

func (g allowAllGate) IsFeatureEnabled(ctx context.Context, clinicID string, module contractx.ModuleType, key string) bool {
	return g.enabled
}

func (g allowAllGate) ProcessableClinicIDs(ctx context.Context, candidates []string) map[string]struct{} {
	return nil
}

func scopedCall(args map[string]any) map[string]any {
	scoped := map[string]any{
		"clinic_id":       "clinic-1",
		"patient_id":      "patient-1",
		"conversation_id": "conv-1",
	}
	for k, v := range args {
		scoped[k] = v
	}
	return scoped
}

func TestRegistryNamespaces(t *testing.T) {
	t.Parallel()

	r := BuildRegistry(Deps{Scheduling: &fakeScheduling{}, Billing: &fakeBilling{}, Gate: allowAllGate{}})

	if _, ok := r.Lookup(contractx.ModuleScheduling, "check_availability"); !ok {
		t.Fatal("scheduling tool missing")
	}
	if _, ok := r.Lookup(contractx.ModuleBilling, "check_availability"); ok {
		t.Fatal("scheduling tool must not leak into billing namespace")
	}
	if _, ok := r.Lookup(contractx.ModuleScheduling, "get_invoice"); ok {
		t.Fatal("billing tool must not leak into scheduling namespace")
	}
}

func TestRegistryInfosIncludeEscalation(t *testing.T) {
	t.Parallel()

	r := BuildRegistry(Deps{Scheduling: &fakeScheduling{}, Billing: &fakeBilling{}, Gate: allowAllGate{}})

	for _, module := range []contractx.ModuleType{contractx.ModuleScheduling, contractx.ModuleBilling} {
		infos := r.Infos(module)
		found := false
		for _, info := range infos {
			if info.Name == EscalateTool {
				found = true
			}
		}
		if !found {
			t.Fatalf("module %s is missing the escalation pseudo-tool", module)
		}
		// The pseudo-tool is advertised to the model but never executable.
		if _, ok := r.Lookup(module, EscalateTool); ok {
			t.Fatalf("escalation pseudo-tool must not be invokable for %s", module)
		}
	}
}

func TestCheckAvailability(t *testing.T) {
	t.Parallel()

	backend := &fakeScheduling{booked: []time.Time{
		time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC),
	}}
	r := BuildRegistry(Deps{Scheduling: backend, Billing: &fakeBilling{}, Gate: allowAllGate{}})
	handler, _ := r.Lookup(contractx.ModuleScheduling, "check_availability")

	result := handler.Invoke(context.Background(), scopedCall(map[string]any{"date": "2026-09-01"}))
	if result.Failed() {
		t.Fatalf("unexpected failure: %+v", result)
	}
	open, _ := result.Data["open_slots"].([]string)
	if len(open) != 6 {
		t.Fatalf("expected 6 open slots (8 hours minus 2 booked), got %v", open)
	}
	for _, slot := range open {
		if slot == "2026-09-01T10:00:00Z" || slot == "2026-09-01T14:00:00Z" {
			t.Fatalf("booked slot %s listed as open", slot)
		}
	}
}

func TestCheckAvailabilityBadDate(t *testing.T) {
	t.Parallel()

	r := BuildRegistry(Deps{Scheduling: &fakeScheduling{}, Billing: &fakeBilling{}, Gate: allowAllGate{}})
	handler, _ := r.Lookup(contractx.ModuleScheduling, "check_availability")

	result := handler.Invoke(context.Background(), scopedCall(map[string]any{"date": "tomorrow"}))
	if result.Failure != contractx.FailureValidation {
		t.Fatalf("expected validation failure, got %+v", result)
	}
}

func TestBookAppointmentConflict(t *testing.T) {
	t.Parallel()

	backend := &fakeScheduling{booked: []time.Time{
		time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	}}
	r := BuildRegistry(Deps{Scheduling: backend, Billing: &fakeBilling{}, Gate: allowAllGate{}})
	handler, _ := r.Lookup(contractx.ModuleScheduling, "book_appointment")

	result := handler.Invoke(context.Background(), scopedCall(map[string]any{"slot": "2026-09-01T10:00:00Z"}))
	if result.Failure != contractx.FailureConflict {
		t.Fatalf("expected conflict, got %+v", result)
	}
	if len(backend.created) != 0 {
		t.Fatal("no appointment may be created on conflict")
	}
}

func TestBookAppointmentSuccess(t *testing.T) {
	t.Parallel()

	backend := &fakeScheduling{}
	r := BuildRegistry(Deps{Scheduling: backend, Billing: &fakeBilling{}, Gate: allowAllGate{}})
	handler, _ := r.Lookup(contractx.ModuleScheduling, "book_appointment")

	result := handler.Invoke(context.Background(), scopedCall(map[string]any{"slot": "2026-09-01T11:00:00Z"}))
	if result.Failed() {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if result.Data["appointment_id"] != "appt-1" {
		t.Fatalf("unexpected data: %+v", result.Data)
	}
}

func TestBookAppointmentUpstreamFailure(t *testing.T) {
	t.Parallel()

	backend := &fakeScheduling{bookedErr: errors.New("calendar service down")}
	r := BuildRegistry(Deps{Scheduling: backend, Billing: &fakeBilling{}, Gate: allowAllGate{}})
	handler, _ := r.Lookup(contractx.ModuleScheduling, "book_appointment")

	result := handler.Invoke(context.Background(), scopedCall(map[string]any{"slot": "2026-09-01T11:00:00Z"}))
	if result.Failure != contractx.FailureUpstream {
		t.Fatalf("expected upstream failure, got %+v", result)
	}
}

func TestGetInvoice(t *testing.T) {
	t.Parallel()

	backend := &fakeBilling{
		invoice: InvoiceSummary{ID: "inv-1", AmountCents: 12500, Status: "open"},
		found:   true,
	}
	r := BuildRegistry(Deps{Scheduling: &fakeScheduling{}, Billing: backend, Gate: allowAllGate{}})
	handler, _ := r.Lookup(contractx.ModuleBilling, "get_invoice")

	result := handler.Invoke(context.Background(), scopedCall(nil))
	if result.Failed() {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if result.Data["invoice_id"] != "inv-1" || result.Data["amount_cents"] != int64(12500) {
		t.Fatalf("unexpected data: %+v", result.Data)
	}
}

func TestGetInvoiceNotFound(t *testing.T) {
	t.Parallel()

	r := BuildRegistry(Deps{Scheduling: &fakeScheduling{}, Billing: &fakeBilling{found: false}, Gate: allowAllGate{}})
	handler, _ := r.Lookup(contractx.ModuleBilling, "get_invoice")

	result := handler.Invoke(context.Background(), scopedCall(nil))
	if result.Failed() {
		t.Fatalf("a missing invoice is data, not a failure: %+v", result)
	}
	if result.Data["found"] != false {
		t.Fatalf("unexpected data: %+v", result.Data)
	}
}

func TestCreateInvoiceRequiresFeature(t *testing.T) {
	t.Parallel()

	r := BuildRegistry(Deps{
		Scheduling: &fakeScheduling{},
		Billing:    &fakeBilling{},
		Gate:       allowAllGate{enabled: false},
	})
	handler, _ := r.Lookup(contractx.ModuleBilling, "create_invoice")

	result := handler.Invoke(context.Background(), scopedCall(map[string]any{"amount_cents": float64(5000)}))
	if result.Failure != contractx.FailureValidation {
		t.Fatalf("expected validation failure with auto-billing disabled, got %+v", result)
	}
}

func TestCreateInvoiceSuccess(t *testing.T) {
	t.Parallel()

	r := BuildRegistry(Deps{
		Scheduling: &fakeScheduling{},
		Billing:    &fakeBilling{},
		Gate:       allowAllGate{enabled: true},
	})
	handler, _ := r.Lookup(contractx.ModuleBilling, "create_invoice")

	// JSON decoding produces float64 for numbers; the handler must accept it.
	result := handler.Invoke(context.Background(), scopedCall(map[string]any{"amount_cents": float64(5000)}))
	if result.Failed() {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if result.Data["amount_cents"] != int64(5000) {
		t.Fatalf("unexpected data: %+v", result.Data)
	}
}

func TestCreateInvoiceRejectsBadAmount(t *testing.T) {
	t.Parallel()

	r := BuildRegistry(Deps{
		Scheduling: &fakeScheduling{},
		Billing:    &fakeBilling{},
		Gate:       allowAllGate{enabled: true},
	})
	handler, _ := r.Lookup(contractx.ModuleBilling, "create_invoice")

	for _, amount := range []any{float64(-1), "lots", nil} {
		result := handler.Invoke(context.Background(), scopedCall(map[string]any{"amount_cents": amount}))
		if result.Failure != contractx.FailureValidation {
			t.Fatalf("amount %v: expected validation failure, got %+v", amount, result)
		}
	}
}
