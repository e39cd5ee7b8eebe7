package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/events"
)

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the sink for post-commit domain events.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTerminalLock rejects field edits on completed, cancelled and no-show
// appointments.
func WithTerminalLock(enabled bool) Option {
	return func(s *Service) { s.lockTerminal = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// Service owns the appointment lifecycle. Every mutation runs under mu
// together with the conflict check that precedes it, so two writers can
// never both pass the check for the same slot. When the store implements
// ScheduleLocker the check and the write also share one store transaction
// holding the doctor's calendar, which extends the guarantee to other
// processes using the same store. Reads do not take mu.
type Service struct {
	mu sync.Mutex

	store        AppointmentStore
	detector     *Detector
	publisher    events.Publisher
	logger       zerolog.Logger
	lockTerminal bool
	now          func() time.Time
	newID        func() string
}

func NewService(store AppointmentStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		detector:  NewDetector(store),
		publisher: events.Nop{},
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkTenant(tenant db.TenantID) error {
	if err := tenant.Validate(); err != nil {
		return &ValidationError{Field: "tenant", Reason: err.Error()}
	}
	return nil
}

// Create validates the input, rejects it if the doctor is already booked for
// any part of the requested slot and stores it as scheduled.
func (s *Service) Create(ctx context.Context, in CreateInput, tenant db.TenantID) (*Appointment, error) {
	if err := checkTenant(tenant); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}
	duration := DefaultDurationMinutes
	if in.DurationMinutes != nil {
		duration = *in.DurationMinutes
	}
	if duration <= 0 {
		return nil, &ValidationError{Field: "duration", Reason: "must be greater than 0"}
	}

	a, err := s.insert(ctx, in, duration, tenant)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.AppointmentCreated, a)
	return a, nil
}

func (s *Service) insert(ctx context.Context, in CreateInput, duration int, tenant db.TenantID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a *Appointment
	err := s.atomically(ctx, func(ctx context.Context) error {
		if err := s.lockSchedule(ctx, tenant, in.DoctorID, in.Date); err != nil {
			return err
		}
		conflict, err := s.detector.HasConflict(ctx, tenant, in.DoctorID, in.Date, in.Time, duration, "")
		if err != nil {
			return err
		}
		if conflict {
			return ErrConflict
		}

		now := s.now()
		a = &Appointment{
			ID:              s.newID(),
			PatientID:       in.PatientID,
			DoctorID:        in.DoctorID,
			Date:            in.Date,
			Time:            in.Time,
			DurationMinutes: duration,
			Type:            in.Type,
			Status:          StatusScheduled,
			Notes:           cloneStr(in.Notes),
			Symptoms:        cloneStr(in.Symptoms),
			Tenant:          tenant,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return s.store.Insert(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// atomically runs fn in one store transaction when the store is shared with
// other processes. s.mu covers writers within this process either way.
func (s *Service) atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if l, ok := s.store.(ScheduleLocker); ok {
		return l.InTx(ctx, fn)
	}
	return fn(ctx)
}

func (s *Service) lockSchedule(ctx context.Context, tenant db.TenantID, doctorID, date string) error {
	if l, ok := s.store.(ScheduleLocker); ok {
		return l.LockSchedule(ctx, tenant, doctorID, date)
	}
	return nil
}

// List returns one page of the tenant's appointments ordered by start time,
// along with the total number of matches. page is 1-based.
func (s *Service) List(ctx context.Context, tenant db.TenantID, f Filter, page, limit int) ([]*Appointment, int, error) {
	items, err := s.store.Query(ctx, tenant, f)
	if err != nil {
		return nil, 0, err
	}
	sortByStart(items)

	total := len(items)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		return []*Appointment{}, total, nil
	}
	offset := (page - 1) * limit
	if offset >= total {
		return []*Appointment{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

// ListByDoctor returns a doctor's appointments, optionally limited to one date.
func (s *Service) ListByDoctor(ctx context.Context, tenant db.TenantID, doctorID, date string) ([]*Appointment, error) {
	items, err := s.store.Query(ctx, tenant, Filter{DoctorID: doctorID, Date: date})
	if err != nil {
		return nil, err
	}
	sortByStart(items)
	return items, nil
}

func (s *Service) ListByPatient(ctx context.Context, tenant db.TenantID, patientID string) ([]*Appointment, error) {
	items, err := s.store.Query(ctx, tenant, Filter{PatientID: patientID})
	if err != nil {
		return nil, err
	}
	sortByStart(items)
	return items, nil
}

func (s *Service) Get(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	return s.store.Get(ctx, id, tenant)
}

// Delete removes the appointment permanently, whatever its status.
func (s *Service) Delete(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	a, err := s.remove(ctx, id, tenant)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.AppointmentDeleted, a)
	return a, nil
}

func (s *Service) remove(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, id, tenant)
}

// Update merges the input over the stored appointment. When the doctor or
// the slot changes, the new slot is checked against the doctor's calendar
// excluding the appointment itself. A status in the input must be a legal
// transition from the current one.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput, tenant db.TenantID) (*Appointment, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.DurationMinutes != nil && *in.DurationMinutes <= 0 {
		return nil, &ValidationError{Field: "duration", Reason: "must be greater than 0"}
	}

	updated, err := s.update(ctx, id, in, tenant)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.AppointmentUpdated, updated)
	return updated, nil
}

func (s *Service) update(ctx context.Context, id string, in UpdateInput, tenant db.TenantID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *Appointment
	err := s.atomically(ctx, func(ctx context.Context) error {
		cur, err := s.store.Get(ctx, id, tenant)
		if err != nil {
			return err
		}

		next := cur.Clone()
		in.merge(next)

		if in.Status != nil && *in.Status != cur.Status {
			if err := checkTransition(cur.Status, *in.Status); err != nil {
				return err
			}
			next.Status = *in.Status
		}
		if s.lockTerminal && IsTerminal(cur.Status) && in.touchesFields() {
			return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, cur.Status)
		}

		if in.touchesSchedule(cur) && next.OccupiesCalendar() {
			if err := s.lockSchedule(ctx, tenant, next.DoctorID, next.Date); err != nil {
				return err
			}
			conflict, err := s.detector.HasConflict(ctx, tenant, next.DoctorID, next.Date, next.Time, next.DurationMinutes, cur.ID)
			if err != nil {
				return err
			}
			if conflict {
				return ErrConflict
			}
		}

		now := s.now()
		updated, err = s.store.Update(ctx, id, tenant, func(a *Appointment) error {
			// another process changed the record after it was checked
			if !a.UpdatedAt.Equal(cur.UpdatedAt) {
				return fmt.Errorf("%w: appointment was modified concurrently", ErrConflict)
			}
			in.merge(a)
			a.Status = next.Status
			a.UpdatedAt = now
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Confirm moves a scheduled appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	return s.transition(ctx, id, tenant, StatusConfirmed, events.AppointmentConfirmed)
}

// Cancel frees the appointment's slot. Only non-terminal appointments can be
// cancelled.
func (s *Service) Cancel(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	return s.transition(ctx, id, tenant, StatusCancelled, events.AppointmentCancelled)
}

func (s *Service) Start(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	return s.transition(ctx, id, tenant, StatusInProgress, events.AppointmentStarted)
}

func (s *Service) Complete(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	return s.transition(ctx, id, tenant, StatusCompleted, events.AppointmentCompleted)
}

func (s *Service) MarkNoShow(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	return s.transition(ctx, id, tenant, StatusNoShow, events.AppointmentMarkedNoShow)
}

func (s *Service) transition(ctx context.Context, id string, tenant db.TenantID, to Status, eventType string) (*Appointment, error) {
	a, err := s.setStatus(ctx, id, tenant, to)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, eventType, a)
	return a, nil
}

func (s *Service) setStatus(ctx context.Context, id string, tenant db.TenantID, to Status) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return s.store.Update(ctx, id, tenant, func(a *Appointment) error {
		if err := checkTransition(a.Status, to); err != nil {
			return err
		}
		a.Status = to
		a.UpdatedAt = now
		return nil
	})
}

func (s *Service) publish(ctx context.Context, eventType string, a *Appointment) {
	ev := events.Event{
		Type:       eventType,
		Key:        a.ID,
		TenantID:   a.Tenant.String(),
		Subjects:   []string{"doctor:" + a.DoctorID, "patient:" + a.PatientID},
		OccurredAt: s.now(),
		Data:       a,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", a.ID).
			Msg("failed to publish appointment event")
	}
}

// sortByStart orders appointments by date then time. Ties keep creation
// order so pages are stable.
func sortByStart(items []*Appointment) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
