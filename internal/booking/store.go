package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned for appointment lookups with no match.
var ErrNotFound = errors.New("booking: not found")

// DB is the pool surface the transactor needs; Begin opens the booking
// transaction.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is satisfied by both the pool and a pgx.Tx, so the row
// helpers work inside and outside the booking transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Patient is the local mirror of a PMS patient.
type Patient struct {
	ID        string
	ClinicID  string
	FirstName string
	LastName  string
	Phone     string // normalized
}

// Appointment is the local mirror of a booked PMS appointment.
type Appointment struct {
	ID             string // PMS appointment id
	ClinicID       string
	PatientID      string
	PatientPhone   string
	PatientName    string
	PractitionerID string
	BusinessID     string
	ServiceID      string
	StartsAt       time.Time
	EndsAt         time.Time
	Status         string // booked | cancelled
	Notes          string
}

// findPatientByPhone looks a patient up in clinic scope.
func findPatientByPhone(ctx context.Context, q Querier, clinicID, phone string) (*Patient, error) {
	query := `
		SELECT patient_id, clinic_id, first_name, last_name, phone
		FROM patients
		WHERE clinic_id = $1 AND phone = $2
	`
	var p Patient
	if err := q.QueryRow(ctx, query, clinicID, phone).Scan(&p.ID, &p.ClinicID, &p.FirstName, &p.LastName, &p.Phone); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("booking: find patient: %w", err)
	}
	return &p, nil
}

// upsertPatient mirrors a PMS patient locally.
func upsertPatient(ctx context.Context, q Querier, p Patient) error {
	query := `
		INSERT INTO patients (patient_id, clinic_id, first_name, last_name, phone)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id)
		DO UPDATE SET first_name = $3, last_name = $4, phone = $5
	`
	if _, err := q.Exec(ctx, query, p.ID, p.ClinicID, p.FirstName, p.LastName, p.Phone); err != nil {
		return fmt.Errorf("booking: upsert patient: %w", err)
	}
	return nil
}

// insertAppointment writes the local mirror row for a booking.
func insertAppointment(ctx context.Context, q Querier, a Appointment) error {
	query := `
		INSERT INTO appointments
			(appointment_id, clinic_id, patient_id, patient_phone, patient_name,
			 practitioner_id, business_id, appointment_type_id, starts_at, ends_at, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (appointment_id)
		DO UPDATE SET starts_at = $9, ends_at = $10, status = $11, notes = $12
	`
	if _, err := q.Exec(ctx, query,
		a.ID, a.ClinicID, a.PatientID, a.PatientPhone, a.PatientName,
		a.PractitionerID, a.BusinessID, a.ServiceID, a.StartsAt.UTC(), a.EndsAt.UTC(), a.Status, a.Notes,
	); err != nil {
		return fmt.Errorf("booking: insert appointment: %w", err)
	}
	return nil
}

// appointmentByID fetches one local appointment.
func appointmentByID(ctx context.Context, q Querier, appointmentID string) (*Appointment, error) {
	query := appointmentSelect + ` WHERE appointment_id = $1`
	var a Appointment
	if err := scanAppointment(q.QueryRow(ctx, query, appointmentID), &a); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("booking: appointment by id: %w", err)
	}
	return &a, nil
}

// futureBookedByPhone lists the caller's upcoming booked appointments,
// soonest first. The fuzzy cancellation path picks among these.
func futureBookedByPhone(ctx context.Context, q Querier, clinicID, phone string) ([]Appointment, error) {
	query := appointmentSelect + `
		WHERE clinic_id = $1 AND patient_phone = $2 AND status = 'booked' AND starts_at > NOW()
		ORDER BY starts_at
	`
	rows, err := q.Query(ctx, query, clinicID, phone)
	if err != nil {
		return nil, fmt.Errorf("booking: future appointments: %w", err)
	}
	defer rows.Close()

	var appts []Appointment
	for rows.Next() {
		var a Appointment
		if err := scanAppointment(rows, &a); err != nil {
			return nil, fmt.Errorf("booking: scan appointment: %w", err)
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

// markCancelled flips the local status.
func markCancelled(ctx context.Context, q Querier, appointmentID string) error {
	query := `UPDATE appointments SET status = 'cancelled' WHERE appointment_id = $1`
	if _, err := q.Exec(ctx, query, appointmentID); err != nil {
		return fmt.Errorf("booking: mark cancelled: %w", err)
	}
	return nil
}

const appointmentSelect = `
	SELECT appointment_id, clinic_id, patient_id, patient_phone, patient_name,
	       practitioner_id, business_id, appointment_type_id, starts_at, ends_at, status, COALESCE(notes, '')
	FROM appointments
`

func scanAppointment(row pgx.Row, a *Appointment) error {
	return row.Scan(
		&a.ID, &a.ClinicID, &a.PatientID, &a.PatientPhone, &a.PatientName,
		&a.PractitionerID, &a.BusinessID, &a.ServiceID, &a.StartsAt, &a.EndsAt, &a.Status, &a.Notes,
	)
}
