package scheduling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/events"
)

// -- Test doubles --

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func newTestService(opts ...Option) *Service {
	var n int
	var mu sync.Mutex
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	defaults := []Option{
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("appt-%d", n)
		}),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			base = base.Add(time.Second)
			return base
		}),
	}
	return NewService(NewMemoryStore(), append(defaults, opts...)...)
}

func createInput(doctor, date, clock string, duration int) CreateInput {
	return CreateInput{
		PatientID:       "P1",
		DoctorID:        doctor,
		Date:            date,
		Time:            clock,
		DurationMinutes: ptrInt(duration),
		Type:            TypeConsultation,
	}
}

func mustCreate(t *testing.T, svc *Service, in CreateInput) *Appointment {
	t.Helper()
	a, err := svc.Create(context.Background(), in, testTenant)
	if err != nil {
		t.Fatalf("create %s %s: %v", in.Date, in.Time, err)
	}
	return a
}

// -- Create --

func TestService_Create(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(WithPublisher(pub))

	a := mustCreate(t, svc, CreateInput{
		PatientID: "P1",
		DoctorID:  "D1",
		Date:      "2024-01-15",
		Time:      "09:00",
		Type:      TypeFollowUp,
		Notes:     ptrStr("bring results"),
	})
	if a.ID == "" {
		t.Error("expected id to be assigned")
	}
	if a.Status != StatusScheduled {
		t.Errorf("expected status scheduled, got %s", a.Status)
	}
	if a.DurationMinutes != DefaultDurationMinutes {
		t.Errorf("expected default duration %d, got %d", DefaultDurationMinutes, a.DurationMinutes)
	}
	if a.Tenant != testTenant {
		t.Errorf("expected tenant %v, got %v", testTenant, a.Tenant)
	}
	if a.CreatedAt.IsZero() || !a.CreatedAt.Equal(a.UpdatedAt) {
		t.Errorf("expected matching timestamps, got %v / %v", a.CreatedAt, a.UpdatedAt)
	}
	if got := pub.types(); len(got) != 1 || got[0] != events.AppointmentCreated {
		t.Errorf("expected created event, got %v", got)
	}
	if pub.events[0].Key != a.ID || pub.events[0].TenantID != "o1/h1" {
		t.Errorf("unexpected event %+v", pub.events[0])
	}
	if s := pub.events[0].Subjects; len(s) != 2 || s[0] != "doctor:D1" || s[1] != "patient:P1" {
		t.Errorf("expected doctor and patient subjects, got %v", s)
	}
}

func TestService_Create_Validation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	valid := createInput("D1", "2024-01-15", "09:00", 30)
	cases := map[string]func(in *CreateInput){
		"missing patient":   func(in *CreateInput) { in.PatientID = "" },
		"missing doctor":    func(in *CreateInput) { in.DoctorID = "" },
		"bad date":          func(in *CreateInput) { in.Date = "2024-02-30" },
		"bad time":          func(in *CreateInput) { in.Time = "9:00am" },
		"unpadded hour":     func(in *CreateInput) { in.Time = "9:00" },
		"out of range hour": func(in *CreateInput) { in.Time = "24:00" },
		"zero duration":     func(in *CreateInput) { in.DurationMinutes = ptrInt(0) },
		"negative duration": func(in *CreateInput) { in.DurationMinutes = ptrInt(-15) },
		"unknown type":      func(in *CreateInput) { in.Type = "checkup" },
	}
	for name, mutate := range cases {
		in := valid
		mutate(&in)
		_, err := svc.Create(ctx, in, testTenant)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %v", name, err)
		}
	}

	items, _, _ := svc.List(ctx, testTenant, Filter{}, 1, 10)
	if len(items) != 0 {
		t.Errorf("rejected creates must not be stored, found %d", len(items))
	}
}

func TestService_Create_InvalidTenant(t *testing.T) {
	svc := newTestService()
	_, err := svc.Create(context.Background(), createInput("D1", "2024-01-15", "09:00", 30), db.TenantID{})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "tenant" {
		t.Fatalf("expected tenant ValidationError, got %v", err)
	}
}

// -- Booking walkthrough --

func TestService_BookingScenario(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	// 1. A at 09:00-09:30
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	// 2. B at 09:15-09:45 overlaps A
	if _, err := svc.Create(ctx, createInput("D1", "2024-01-15", "09:15", 30), testTenant); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for B, got %v", err)
	}

	// 3. C at 09:30-10:00 touches A's end
	c := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:30", 30))

	// 4. cancel A, then D takes its slot
	if _, err := svc.Cancel(ctx, a.ID, testTenant); err != nil {
		t.Fatalf("cancel A: %v", err)
	}
	mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	// 5. C grows to 60 minutes; nothing after it
	updated, err := svc.Update(ctx, c.ID, UpdateInput{DurationMinutes: ptrInt(60)}, testTenant)
	if err != nil {
		t.Fatalf("extend C: %v", err)
	}
	if updated.DurationMinutes != 60 {
		t.Errorf("expected duration 60, got %d", updated.DurationMinutes)
	}

	// 6. C moves onto D
	if _, err := svc.Update(ctx, c.ID, UpdateInput{Time: ptrStr("09:00")}, testTenant); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict moving C, got %v", err)
	}
	got, _ := svc.Get(ctx, c.ID, testTenant)
	if got.Time != "09:30" || got.DurationMinutes != 60 {
		t.Errorf("rejected update must leave C unchanged, got %s/%d", got.Time, got.DurationMinutes)
	}
}

func TestService_NoShowFreesSlot(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))
	if _, err := svc.MarkNoShow(ctx, a.ID, testTenant); err != nil {
		t.Fatalf("no-show: %v", err)
	}
	mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))
}

func TestService_OtherDoctorSameSlot(t *testing.T) {
	svc := newTestService()
	mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))
	mustCreate(t, svc, createInput("D2", "2024-01-15", "09:00", 30))
}

func TestService_TenantsDoNotConflict(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	other := db.TenantID{HospitalID: "h2", OrganizationID: "o1"}

	mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))
	if _, err := svc.Create(ctx, createInput("D1", "2024-01-15", "09:00", 30), other); err != nil {
		t.Fatalf("expected independent calendars per tenant, got %v", err)
	}
}

// -- Update --

func TestService_Update_SelfExclusion(t *testing.T) {
	svc := newTestService()
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	// shifting within its own slot must not collide with itself
	got, err := svc.Update(context.Background(), a.ID, UpdateInput{Time: ptrStr("09:10")}, testTenant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Time != "09:10" {
		t.Errorf("expected time 09:10, got %s", got.Time)
	}
}

func TestService_Update_NonScheduleFieldsSkipCheck(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	got, err := svc.Update(ctx, a.ID, UpdateInput{
		Diagnosis:    ptrStr("flu"),
		Prescription: []string{"rx-1", "rx-2"},
		Time:         ptrStr("09:00"),
	}, testTenant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Diagnosis == nil || *got.Diagnosis != "flu" || len(got.Prescription) != 2 {
		t.Errorf("unexpected fields %+v", got)
	}
	if !got.UpdatedAt.After(a.UpdatedAt) {
		t.Errorf("expected updatedAt to advance, %v !> %v", got.UpdatedAt, a.UpdatedAt)
	}
	if !got.CreatedAt.Equal(a.CreatedAt) {
		t.Error("createdAt must not change")
	}
}

func TestService_Update_ChangeDoctorChecksNewCalendar(t *testing.T) {
	svc := newTestService()
	mustCreate(t, svc, createInput("D2", "2024-01-15", "09:00", 30))
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	_, err := svc.Update(context.Background(), a.ID, UpdateInput{DoctorID: ptrStr("D2")}, testTenant)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestService_Update_Status(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	st := StatusConfirmed
	got, err := svc.Update(ctx, a.ID, UpdateInput{Status: &st}, testTenant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("expected confirmed, got %s", got.Status)
	}

	back := StatusScheduled
	if _, err := svc.Update(ctx, a.ID, UpdateInput{Status: &back}, testTenant); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// restating the current status is a no-op
	if _, err := svc.Update(ctx, a.ID, UpdateInput{Status: &st}, testTenant); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestService_Update_Validation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	bad := []UpdateInput{
		{DurationMinutes: ptrInt(0)},
		{Date: ptrStr("2024/01/15")},
		{Time: ptrStr("24:30")},
		{Time: ptrStr("9:00")},
		{Time: ptrStr("09:5")},
		{DoctorID: ptrStr("")},
	}
	for i, in := range bad {
		var ve *ValidationError
		if _, err := svc.Update(ctx, a.ID, in, testTenant); !errors.As(err, &ve) {
			t.Errorf("case %d: expected ValidationError, got %v", i, err)
		}
	}
}

func TestService_Update_NotFound(t *testing.T) {
	svc := newTestService()
	_, err := svc.Update(context.Background(), "missing", UpdateInput{Notes: ptrStr("x")}, testTenant)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Update_TerminalPermissiveByDefault(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))
	if _, err := svc.Cancel(ctx, a.ID, testTenant); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Update(ctx, a.ID, UpdateInput{Notes: ptrStr("late note")}, testTenant); err != nil {
		t.Fatalf("expected edit of cancelled appointment to succeed, got %v", err)
	}
}

func TestService_Update_TerminalLock(t *testing.T) {
	svc := newTestService(WithTerminalLock(true))
	ctx := context.Background()
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))
	if _, err := svc.Start(ctx, a.ID, testTenant); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Complete(ctx, a.ID, testTenant); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err := svc.Update(ctx, a.ID, UpdateInput{Time: ptrStr("11:00")}, testTenant)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

// -- Transitions --

func TestService_ConfirmTwice(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	got, err := svc.Confirm(ctx, a.ID, testTenant)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("expected confirmed, got %s", got.Status)
	}
	if _, err := svc.Confirm(ctx, a.ID, testTenant); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestService_FullLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(WithPublisher(pub))
	ctx := context.Background()
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	steps := []func(context.Context, string, db.TenantID) (*Appointment, error){
		svc.Confirm, svc.Start, svc.Complete,
	}
	for _, step := range steps {
		if _, err := step(ctx, a.ID, testTenant); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	got, _ := svc.Get(ctx, a.ID, testTenant)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if _, err := svc.Cancel(ctx, a.ID, testTenant); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected completed appointment to refuse cancel, got %v", err)
	}

	want := []string{
		events.AppointmentCreated, events.AppointmentConfirmed,
		events.AppointmentStarted, events.AppointmentCompleted,
	}
	if got := pub.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected events %v, got %v", want, got)
	}
}

func TestService_CancelFromAnyNonTerminal(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))
	b := mustCreate(t, svc, createInput("D1", "2024-01-15", "10:00", 30))
	c := mustCreate(t, svc, createInput("D1", "2024-01-15", "11:00", 30))
	svc.Confirm(ctx, b.ID, testTenant)
	svc.Start(ctx, c.ID, testTenant)

	for _, id := range []string{a.ID, b.ID, c.ID} {
		got, err := svc.Cancel(ctx, id, testTenant)
		if err != nil {
			t.Fatalf("cancel %s: %v", id, err)
		}
		if got.Status != StatusCancelled {
			t.Errorf("expected cancelled, got %s", got.Status)
		}
	}
	if _, err := svc.Cancel(ctx, a.ID, testTenant); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected second cancel to fail, got %v", err)
	}
}

func TestService_TransitionNotFound(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Confirm(context.Background(), "missing", testTenant); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// -- Reads and delete --

func TestService_TenantIsolation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	other := db.TenantID{HospitalID: "h1", OrganizationID: "o2"}
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	if _, err := svc.Get(ctx, a.ID, other); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Update(ctx, a.ID, UpdateInput{Notes: ptrStr("x")}, other); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Cancel(ctx, a.ID, other); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Delete(ctx, a.ID, other); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete: expected ErrNotFound, got %v", err)
	}
	items, total, _ := svc.List(ctx, other, Filter{}, 1, 10)
	if len(items) != 0 || total != 0 {
		t.Errorf("List: expected nothing, got %d/%d", len(items), total)
	}
}

func TestService_ListSortedAndPaged(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	mustCreate(t, svc, createInput("D1", "2024-01-16", "08:00", 30))
	mustCreate(t, svc, createInput("D1", "2024-01-15", "14:00", 30))
	mustCreate(t, svc, createInput("D2", "2024-01-15", "09:00", 30))
	mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

	items, total, err := svc.List(ctx, testTenant, Filter{}, 1, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 4 || len(items) != 3 {
		t.Fatalf("expected 3 of 4, got %d of %d", len(items), total)
	}
	// ties on start keep creation order
	if items[0].DoctorID != "D2" || items[1].DoctorID != "D1" || items[2].Time != "14:00" {
		t.Errorf("unexpected order: %s %s, %s %s, %s %s",
			items[0].DoctorID, items[0].Time, items[1].DoctorID, items[1].Time, items[2].DoctorID, items[2].Time)
	}

	page2, _, _ := svc.List(ctx, testTenant, Filter{}, 2, 3)
	if len(page2) != 1 || page2[0].Date != "2024-01-16" {
		t.Errorf("unexpected second page %v", page2)
	}
	page9, total, _ := svc.List(ctx, testTenant, Filter{}, 9, 3)
	if len(page9) != 0 || total != 4 {
		t.Errorf("expected empty page past the end, got %d (total %d)", len(page9), total)
	}

	filtered, total, _ := svc.List(ctx, testTenant, Filter{DoctorID: "D1", Date: "2024-01-15"}, 1, 10)
	if total != 2 || filtered[0].Time != "09:00" {
		t.Errorf("unexpected filtered list %v", filtered)
	}
}

func TestService_ListByDoctorAndPatient(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	mustCreate(t, svc, createInput("D1", "2024-01-15", "10:00", 30))
	mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))
	mustCreate(t, svc, createInput("D1", "2024-01-16", "09:00", 30))
	in := createInput("D2", "2024-01-15", "09:00", 30)
	in.PatientID = "P2"
	mustCreate(t, svc, in)

	byDoctor, err := svc.ListByDoctor(ctx, testTenant, "D1", "2024-01-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byDoctor) != 2 || byDoctor[0].Time != "09:00" {
		t.Errorf("unexpected doctor day view %v", byDoctor)
	}
	allDays, _ := svc.ListByDoctor(ctx, testTenant, "D1", "")
	if len(allDays) != 3 {
		t.Errorf("expected 3 appointments for D1, got %d", len(allDays))
	}

	byPatient, _ := svc.ListByPatient(ctx, testTenant, "P2")
	if len(byPatient) != 1 || byPatient[0].DoctorID != "D2" {
		t.Errorf("unexpected patient view %v", byPatient)
	}
}

func TestService_DeleteAnyState(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(WithPublisher(pub))
	ctx := context.Background()
	a := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))
	svc.Start(ctx, a.ID, testTenant)
	svc.Complete(ctx, a.ID, testTenant)

	deleted, err := svc.Delete(ctx, a.ID, testTenant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted.ID != a.ID {
		t.Errorf("expected deleted %s, got %s", a.ID, deleted.ID)
	}
	if _, err := svc.Get(ctx, a.ID, testTenant); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	types := pub.types()
	if types[len(types)-1] != events.AppointmentDeleted {
		t.Errorf("expected deleted event last, got %v", types)
	}
}

// -- Side effects and concurrency --

func TestService_PublishFailureDoesNotRollBack(t *testing.T) {
	var buf bytes.Buffer
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(WithPublisher(pub), WithLogger(zerolog.New(&buf)))

	a, err := svc.Create(context.Background(), createInput("D1", "2024-01-15", "09:00", 30), testTenant)
	if err != nil {
		t.Fatalf("publish failure must not fail the create: %v", err)
	}
	if _, err := svc.Get(context.Background(), a.ID, testTenant); err != nil {
		t.Errorf("expected appointment to be stored: %v", err)
	}
	if !strings.Contains(buf.String(), "broker down") {
		t.Errorf("expected publish failure to be logged, got %q", buf.String())
	}
}

func TestService_ConcurrentCreatesAdmitOne(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every request overlaps every other on 09:00-09:30
			clock := fmt.Sprintf("09:%02d", i%15)
			_, err := svc.Create(ctx, createInput("D1", "2024-01-15", clock, 30), testTenant)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 || conflicts != workers-1 {
		t.Fatalf("expected exactly one booking, got %d ok / %d conflicts", ok, conflicts)
	}
}

func TestService_Create_RejectsUnpaddedTime(t *testing.T) {
	svc := newTestService()
	_, err := svc.Create(context.Background(), createInput("D1", "2024-01-15", "9:00", 30), testTenant)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "time" || ve.Reason != "must match HH:MM" {
		t.Errorf("expected time HH:MM failure, got %s: %s", ve.Field, ve.Reason)
	}
}

func TestService_ConcurrentUpdateAndCreateAdmitOne(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		svc := NewService(NewMemoryStore())
		moving := mustCreate(t, svc, createInput("D1", "2024-01-15", "09:00", 30))

		var wg sync.WaitGroup
		var updateErr, createErr error
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, updateErr = svc.Update(ctx, moving.ID, UpdateInput{Time: ptrStr("10:00")}, testTenant)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, createErr = svc.Create(ctx, createInput("D1", "2024-01-15", "10:15", 30), testTenant)
		}()
		close(start)
		wg.Wait()

		if (updateErr == nil) == (createErr == nil) {
			t.Fatalf("round %d: expected exactly one admitted, got update=%v create=%v", round, updateErr, createErr)
		}
		for _, err := range []error{updateErr, createErr} {
			if err != nil && !errors.Is(err, ErrConflict) {
				t.Fatalf("round %d: expected ErrConflict, got %v", round, err)
			}
		}

		items, err := svc.ListByDoctor(ctx, testTenant, "D1", "2024-01-15")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if overlapping(t, items) {
			t.Fatalf("round %d: expected no overlapping bookings, got %+v", round, items)
		}
	}
}

func overlapping(t *testing.T, items []*Appointment) bool {
	t.Helper()
	for i := range items {
		for j := i + 1; j < len(items); j++ {
			as, ae, err := items[i].Interval()
			if err != nil {
				t.Fatalf("interval: %v", err)
			}
			bs, be, err := items[j].Interval()
			if err != nil {
				t.Fatalf("interval: %v", err)
			}
			if Overlaps(as, ae, bs, be) {
				return true
			}
		}
	}
	return false
}

// lockingStore records the schedule locks a service takes around its writes.
type lockingStore struct {
	AppointmentStore
	mu    sync.Mutex
	locks []string
	stale bool
}

type lockingTxKey struct{}

func (s *lockingStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, lockingTxKey{}, true))
}

func (s *lockingStore) LockSchedule(ctx context.Context, tenant db.TenantID, doctorID, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Value(lockingTxKey{}) == nil {
		return errors.New("lock outside transaction")
	}
	s.locks = append(s.locks, doctorID+"/"+date)
	return nil
}

// Update simulates a write by another process landing between the
// service's read and its commit.
func (s *lockingStore) Update(ctx context.Context, id string, tenant db.TenantID, mutate func(*Appointment) error) (*Appointment, error) {
	if s.stale {
		return s.AppointmentStore.Update(ctx, id, tenant, func(a *Appointment) error {
			a.UpdatedAt = a.UpdatedAt.Add(time.Second)
			return mutate(a)
		})
	}
	return s.AppointmentStore.Update(ctx, id, tenant, mutate)
}

func TestService_SharedStoreLocksSchedule(t *testing.T) {
	store := &lockingStore{AppointmentStore: NewMemoryStore()}
	svc := NewService(store)
	ctx := context.Background()

	a, err := svc.Create(ctx, createInput("D1", "2024-01-15", "09:00", 30), testTenant)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Update(ctx, a.ID, UpdateInput{Date: ptrStr("2024-01-16")}, testTenant); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	// a notes-only edit does not touch any calendar
	if _, err := svc.Update(ctx, a.ID, UpdateInput{Notes: ptrStr("x")}, testTenant); err != nil {
		t.Fatalf("update notes: %v", err)
	}

	want := []string{"D1/2024-01-15", "D1/2024-01-16"}
	if len(store.locks) != len(want) {
		t.Fatalf("expected locks %v, got %v", want, store.locks)
	}
	for i := range want {
		if store.locks[i] != want[i] {
			t.Errorf("expected lock %d to be %s, got %s", i, want[i], store.locks[i])
		}
	}
}

func TestService_Update_ConcurrentModificationConflicts(t *testing.T) {
	store := &lockingStore{AppointmentStore: NewMemoryStore()}
	svc := NewService(store)
	ctx := context.Background()
	a, err := svc.Create(ctx, createInput("D1", "2024-01-15", "09:00", 30), testTenant)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	store.stale = true
	if _, err := svc.Update(ctx, a.ID, UpdateInput{Time: ptrStr("11:00")}, testTenant); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _ := svc.Get(ctx, a.ID, testTenant)
	if got.Time != "09:00" {
		t.Errorf("expected time 09:00, got %s", got.Time)
	}
}
