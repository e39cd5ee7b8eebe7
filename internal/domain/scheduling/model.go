package scheduling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hms/hms/internal/platform/db"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	// DefaultDurationMinutes applies when a create request omits the duration.
	DefaultDurationMinutes = 30
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// Type classifies the visit.
type Type string

const (
	TypeConsultation Type = "consultation"
	TypeFollowUp     Type = "follow_up"
	TypeEmergency    Type = "emergency"
	TypeSurgery      Type = "surgery"
	TypeExamination  Type = "examination"
)

// Appointment is a booking of a doctor's time for a patient.
type Appointment struct {
	ID              string      `json:"id"`
	PatientID       string      `json:"patientId"`
	DoctorID        string      `json:"doctorId"`
	Date            string      `json:"date"`
	Time            string      `json:"time"`
	DurationMinutes int         `json:"duration"`
	Type            Type        `json:"type"`
	Status          Status      `json:"status"`
	Notes           *string     `json:"notes,omitempty"`
	Symptoms        *string     `json:"symptoms,omitempty"`
	Diagnosis       *string     `json:"diagnosis,omitempty"`
	Prescription    []string    `json:"prescription,omitempty"`
	Tenant          db.TenantID `json:"-"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// MarshalJSON flattens the tenant into hospitalId/organizationId.
func (a Appointment) MarshalJSON() ([]byte, error) {
	type plain Appointment
	return json.Marshal(struct {
		plain
		HospitalID     string `json:"hospitalId"`
		OrganizationID string `json:"organizationId"`
	}{plain(a), a.Tenant.HospitalID, a.Tenant.OrganizationID})
}

// Start returns the absolute start instant built from Date and Time.
func (a *Appointment) Start() (time.Time, error) {
	return parseStart(a.Date, a.Time)
}

// Interval returns the half-open [start, end) occupied by the appointment.
func (a *Appointment) Interval() (time.Time, time.Time, error) {
	return interval(a.Date, a.Time, a.DurationMinutes)
}

// OccupiesCalendar reports whether the appointment blocks its doctor's time.
// Cancelled and no-show appointments free their slot.
func (a *Appointment) OccupiesCalendar() bool {
	return a.Status != StatusCancelled && a.Status != StatusNoShow
}

// Clone returns a deep copy so store internals never leak to callers.
func (a *Appointment) Clone() *Appointment {
	cp := *a
	cp.Notes = cloneStr(a.Notes)
	cp.Symptoms = cloneStr(a.Symptoms)
	cp.Diagnosis = cloneStr(a.Diagnosis)
	if a.Prescription != nil {
		cp.Prescription = append([]string(nil), a.Prescription...)
	}
	return &cp
}

// CreateInput is the validated payload for a new appointment.
type CreateInput struct {
	PatientID       string  `json:"patientId" mapstructure:"patientId" validate:"required"`
	DoctorID        string  `json:"doctorId" mapstructure:"doctorId" validate:"required"`
	Date            string  `json:"date" mapstructure:"date" validate:"required,datetime=2006-01-02"`
	Time            string  `json:"time" mapstructure:"time" validate:"required,clock"`
	DurationMinutes *int    `json:"duration" mapstructure:"duration" validate:"omitempty,gt=0"`
	Type            Type    `json:"type" mapstructure:"type" validate:"required,oneof=consultation follow_up emergency surgery examination"`
	Notes           *string `json:"notes" mapstructure:"notes"`
	Symptoms        *string `json:"symptoms" mapstructure:"symptoms"`
}

// UpdateInput carries a partial update; nil fields are left untouched.
type UpdateInput struct {
	PatientID       *string  `json:"patientId" mapstructure:"patientId" validate:"omitempty,min=1"`
	DoctorID        *string  `json:"doctorId" mapstructure:"doctorId" validate:"omitempty,min=1"`
	Date            *string  `json:"date" mapstructure:"date" validate:"omitempty,datetime=2006-01-02"`
	Time            *string  `json:"time" mapstructure:"time" validate:"omitempty,clock"`
	DurationMinutes *int     `json:"duration" mapstructure:"duration" validate:"omitempty,gt=0"`
	Type            *Type    `json:"type" mapstructure:"type" validate:"omitempty,oneof=consultation follow_up emergency surgery examination"`
	Status          *Status  `json:"status" mapstructure:"status" validate:"omitempty,oneof=scheduled confirmed in_progress completed cancelled no_show"`
	Notes           *string  `json:"notes" mapstructure:"notes"`
	Symptoms        *string  `json:"symptoms" mapstructure:"symptoms"`
	Diagnosis       *string  `json:"diagnosis" mapstructure:"diagnosis"`
	Prescription    []string `json:"prescription" mapstructure:"prescription"`
}

// touchesSchedule reports whether applying the input would move the
// appointment on any doctor's calendar.
func (in UpdateInput) touchesSchedule(cur *Appointment) bool {
	return (in.DoctorID != nil && *in.DoctorID != cur.DoctorID) ||
		(in.Date != nil && *in.Date != cur.Date) ||
		(in.Time != nil && *in.Time != cur.Time) ||
		(in.DurationMinutes != nil && *in.DurationMinutes != cur.DurationMinutes)
}

// touchesFields reports whether the input edits anything besides status.
func (in UpdateInput) touchesFields() bool {
	return in.PatientID != nil || in.DoctorID != nil || in.Date != nil || in.Time != nil ||
		in.DurationMinutes != nil || in.Type != nil || in.Notes != nil || in.Symptoms != nil ||
		in.Diagnosis != nil || in.Prescription != nil
}

// merge applies the non-status fields of the input onto a.
func (in UpdateInput) merge(a *Appointment) {
	if in.PatientID != nil {
		a.PatientID = *in.PatientID
	}
	if in.DoctorID != nil {
		a.DoctorID = *in.DoctorID
	}
	if in.Date != nil {
		a.Date = *in.Date
	}
	if in.Time != nil {
		a.Time = *in.Time
	}
	if in.DurationMinutes != nil {
		a.DurationMinutes = *in.DurationMinutes
	}
	if in.Type != nil {
		a.Type = *in.Type
	}
	if in.Notes != nil {
		a.Notes = cloneStr(in.Notes)
	}
	if in.Symptoms != nil {
		a.Symptoms = cloneStr(in.Symptoms)
	}
	if in.Diagnosis != nil {
		a.Diagnosis = cloneStr(in.Diagnosis)
	}
	if in.Prescription != nil {
		a.Prescription = append([]string(nil), in.Prescription...)
	}
}

// Filter narrows a store query. Empty fields match everything.
type Filter struct {
	Date      string `query:"date"`
	DoctorID  string `query:"doctorId"`
	PatientID string `query:"patientId"`
	Status    Status `query:"status"`
}

// Matches reports whether a satisfies every set field of the filter.
func (f Filter) Matches(a *Appointment) bool {
	if f.Date != "" && a.Date != f.Date {
		return false
	}
	if f.DoctorID != "" && a.DoctorID != f.DoctorID {
		return false
	}
	if f.PatientID != "" && a.PatientID != f.PatientID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

func parseStart(date, clock string) (time.Time, error) {
	t, err := time.Parse(DateLayout+"T"+TimeLayout, date+"T"+clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse start %sT%s: %w", date, clock, err)
	}
	return t, nil
}

func interval(date, clock string, minutes int) (time.Time, time.Time, error) {
	start, err := parseStart(date, clock)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.Add(time.Duration(minutes) * time.Minute), nil
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
