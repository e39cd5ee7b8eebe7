package scheduling

import (
	"context"
	"time"

	"github.com/hms/hms/internal/platform/db"
)

// Detector answers whether a proposed slot collides with a doctor's existing
// bookings. It only reads the store; callers that need check-then-write
// atomicity must serialise around it (see Service).
type Detector struct {
	store AppointmentStore
}

func NewDetector(store AppointmentStore) *Detector {
	return &Detector{store: store}
}

// HasConflict reports whether [date clock, +duration) overlaps any calendar
// occupying appointment of doctorID on the same date within tenant.
// excludeID, when non-empty, is ignored so an appointment never collides
// with itself on reschedule.
func (d *Detector) HasConflict(ctx context.Context, tenant db.TenantID, doctorID, date, clock string, duration int, excludeID string) (bool, error) {
	candStart, candEnd, err := interval(date, clock, duration)
	if err != nil {
		return false, &ValidationError{Field: "time", Reason: err.Error()}
	}

	existing, err := d.store.Query(ctx, tenant, Filter{DoctorID: doctorID, Date: date})
	if err != nil {
		return false, err
	}

	for _, a := range existing {
		if a.ID == excludeID || !a.OccupiesCalendar() {
			continue
		}
		start, end, err := a.Interval()
		if err != nil {
			// a stored record with an unparsable slot cannot occupy time
			continue
		}
		if Overlaps(candStart, candEnd, start, end) {
			return true, nil
		}
	}
	return false, nil
}

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect. Touching endpoints do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
