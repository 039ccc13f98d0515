package booking

import (
	"context"
	"fmt"
)

// Audit actions and statuses for voice_bookings rows.
const (
	ActionBook       = "book"
	ActionReschedule = "reschedule"
	ActionCancel     = "cancel"
	ActionCheck      = "check"

	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// AuditEntry is one row of the voice-booking audit trail. Phone
// numbers are stored masked; the full number lives only on the patient
// row.
type AuditEntry struct {
	ClinicID       string
	SessionID      string
	Action         string
	Status         string
	MaskedPhone    string
	PractitionerID string
	BusinessID     string
	AppointmentID  string
	Details        string
}

// logAction appends an audit row; q may be the pool or the booking
// transaction.
func logAction(ctx context.Context, q Querier, e AuditEntry) error {
	query := `
		INSERT INTO voice_bookings
			(clinic_id, session_id, action, status, masked_phone,
			 practitioner_id, business_id, appointment_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, NOW())
	`
	if _, err := q.Exec(ctx, query,
		e.ClinicID, e.SessionID, e.Action, e.Status, e.MaskedPhone,
		e.PractitionerID, e.BusinessID, e.AppointmentID, e.Details,
	); err != nil {
		return fmt.Errorf("booking: log action: %w", err)
	}
	return nil
}

// addReconciliationTask records manual-fixup work, currently only the
// reschedule whose cancel leg failed: the caller holds two
// appointments until staff cancel the old one.
func addReconciliationTask(ctx context.Context, q Querier, clinicID, kind, appointmentID, details string) error {
	query := `
		INSERT INTO reconciliation_tasks (clinic_id, kind, appointment_id, details, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := q.Exec(ctx, query, clinicID, kind, appointmentID, details); err != nil {
		return fmt.Errorf("booking: add reconciliation task: %w", err)
	}
	return nil
}
