package scheduling

import (
	"context"

	"github.com/hms/hms/internal/platform/db"
)

// AppointmentStore is the single source of truth for appointments. Every
// lookup is scoped by tenant; a record owned by another tenant is reported
// as ErrNotFound.
type AppointmentStore interface {
	Insert(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error)
	// Update loads the record, hands a copy to mutate and persists the copy
	// only when mutate returns nil.
	Update(ctx context.Context, id string, tenant db.TenantID, mutate func(*Appointment) error) (*Appointment, error)
	Delete(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error)
	// Query returns matching records in no particular order.
	Query(ctx context.Context, tenant db.TenantID, f Filter) ([]*Appointment, error)
}

// ScheduleLocker is implemented by stores shared between processes. The
// service uses it to hold a doctor's calendar for one date across its
// conflict check and the write that follows.
type ScheduleLocker interface {
	// InTx runs fn in one store transaction. Store calls made with the
	// context passed to fn join that transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// LockSchedule blocks until the caller holds the doctor's calendar for
	// date. It must be called inside InTx and is released when InTx returns.
	LockSchedule(ctx context.Context, tenant db.TenantID, doctorID, date string) error
}
