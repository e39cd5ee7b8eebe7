package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txCtxKey struct{}

type appointmentRepoPG struct{ pool *pgxpool.Pool }

// NewAppointmentRepoPG returns an AppointmentStore backed by the appointment
// table (see migrations/001_appointment.sql). The store also implements
// ScheduleLocker using transaction-scoped advisory locks, so services in
// separate processes sharing the table serialise their bookings.
func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentStore {
	return &appointmentRepoPG{pool: pool}
}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(pgx.Tx)
	return tx, ok
}

// conn returns the transaction carried by ctx, or the pool.
func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return r.pool
}

// begin starts a transaction, or a savepoint when ctx already carries one.
func (r *appointmentRepoPG) begin(ctx context.Context) (pgx.Tx, error) {
	var b beginner = r.pool
	if tx, ok := txFrom(ctx); ok {
		b = tx
	}
	return b.Begin(ctx)
}

func (r *appointmentRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txCtxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// scheduleLockKey names one doctor's calendar for one date within a tenant.
func scheduleLockKey(tenant db.TenantID, doctorID, date string) string {
	return "appointment:" + tenant.OrganizationID + "/" + tenant.HospitalID + "/" + doctorID + "/" + date
}

func (r *appointmentRepoPG) LockSchedule(ctx context.Context, tenant db.TenantID, doctorID, date string) error {
	tx, ok := txFrom(ctx)
	if !ok {
		return errors.New("lock schedule: no transaction in context")
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		scheduleLockKey(tenant, doctorID, date)); err != nil {
		return fmt.Errorf("lock schedule: %w", err)
	}
	return nil
}

const apptCols = `id, hospital_id, organization_id, patient_id, doctor_id,
	appt_date, appt_time, duration_minutes, type, status,
	notes, symptoms, diagnosis, prescription, created_at, updated_at`

func scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.Tenant.HospitalID, &a.Tenant.OrganizationID, &a.PatientID, &a.DoctorID,
		&a.Date, &a.Time, &a.DurationMinutes, &a.Type, &a.Status,
		&a.Notes, &a.Symptoms, &a.Diagnosis, &a.Prescription, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Insert(ctx context.Context, a *Appointment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment (`+apptCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		a.ID, a.Tenant.HospitalID, a.Tenant.OrganizationID, a.PatientID, a.DoctorID,
		a.Date, a.Time, a.DurationMinutes, a.Type, a.Status,
		a.Notes, a.Symptoms, a.Diagnosis, a.Prescription, a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) get(ctx context.Context, q queryable, id string, tenant db.TenantID, lock bool) (*Appointment, error) {
	sql := `SELECT ` + apptCols + ` FROM appointment
		WHERE id = $1 AND hospital_id = $2 AND organization_id = $3`
	if lock {
		sql += ` FOR UPDATE`
	}
	return scanAppt(q.QueryRow(ctx, sql, id, tenant.HospitalID, tenant.OrganizationID))
}

func (r *appointmentRepoPG) Get(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	return r.get(ctx, r.conn(ctx), id, tenant, false)
}

func (r *appointmentRepoPG) Update(ctx context.Context, id string, tenant db.TenantID, mutate func(*Appointment) error) (*Appointment, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := r.get(ctx, tx, id, tenant, true)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE appointment SET patient_id=$4, doctor_id=$5, appt_date=$6, appt_time=$7,
			duration_minutes=$8, type=$9, status=$10, notes=$11, symptoms=$12,
			diagnosis=$13, prescription=$14, updated_at=$15
		WHERE id = $1 AND hospital_id = $2 AND organization_id = $3`,
		cur.ID, cur.Tenant.HospitalID, cur.Tenant.OrganizationID,
		next.PatientID, next.DoctorID, next.Date, next.Time,
		next.DurationMinutes, next.Type, next.Status, next.Notes, next.Symptoms,
		next.Diagnosis, next.Prescription, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit appointment update: %w", err)
	}

	next.ID, next.Tenant, next.CreatedAt = cur.ID, cur.Tenant, cur.CreatedAt
	return next, nil
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error) {
	return scanAppt(r.conn(ctx).QueryRow(ctx, `
		DELETE FROM appointment
		WHERE id = $1 AND hospital_id = $2 AND organization_id = $3
		RETURNING `+apptCols, id, tenant.HospitalID, tenant.OrganizationID))
}

func (r *appointmentRepoPG) Query(ctx context.Context, tenant db.TenantID, f Filter) ([]*Appointment, error) {
	query := `SELECT ` + apptCols + ` FROM appointment WHERE hospital_id = $1 AND organization_id = $2`
	args := []interface{}{tenant.HospitalID, tenant.OrganizationID}
	idx := 3

	add := func(col, val string) {
		if val == "" {
			return
		}
		query += fmt.Sprintf(` AND %s = $%d`, col, idx)
		args = append(args, val)
		idx++
	}
	add("appt_date", f.Date)
	add("doctor_id", f.DoctorID)
	add("patient_id", f.PatientID)
	add("status", string(f.Status))

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
