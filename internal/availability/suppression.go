package availability

import (
	"context"
	"fmt"
	"time"
)

// FailedAttempts records booking conflicts so the offending time-of-day
// is not re-offered while the upstream calendar catches up. The booking
// transactor writes; the search path reads.
type FailedAttempts struct {
	db     DB
	window time.Duration
}

// NewFailedAttempts builds the store with the given suppression window.
func NewFailedAttempts(db DB, window time.Duration) *FailedAttempts {
	if db == nil {
		panic("availability: db required")
	}
	if window <= 0 {
		window = 2 * time.Hour
	}
	return &FailedAttempts{db: db, window: window}
}

// Record writes one conflict. timeOfDay is clinic-local "HH:MM".
func (f *FailedAttempts) Record(ctx context.Context, clinicID, practitionerID, businessID string, date time.Time, timeOfDay, reason string) error {
	query := `
		INSERT INTO failed_booking_attempts
			(clinic_id, practitioner_id, business_id, date, time_of_day, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	if _, err := f.db.Exec(ctx, query, clinicID, practitionerID, businessID, dateOnly(date), timeOfDay, reason); err != nil {
		return fmt.Errorf("availability: record failed attempt: %w", err)
	}
	return nil
}

// SuppressedTimes returns the clinic-local times-of-day still inside
// the suppression window for a key.
func (f *FailedAttempts) SuppressedTimes(ctx context.Context, practitionerID, businessID string, date time.Time) (map[string]bool, error) {
	query := `
		SELECT DISTINCT time_of_day
		FROM failed_booking_attempts
		WHERE practitioner_id = $1
		  AND business_id = $2
		  AND date = $3
		  AND created_at > NOW() - $4
	`
	rows, err := f.db.Query(ctx, query, practitionerID, businessID, dateOnly(date), f.window)
	if err != nil {
		return nil, fmt.Errorf("availability: suppressed times: %w", err)
	}
	defer rows.Close()

	suppressed := make(map[string]bool)
	for rows.Next() {
		var tod string
		if err := rows.Scan(&tod); err != nil {
			return nil, fmt.Errorf("availability: scan suppressed time: %w", err)
		}
		suppressed[tod] = true
	}
	return suppressed, rows.Err()
}

// Prune drops rows past the suppression window; called by the same
// sweep ticker that reclaims expired cache entries.
func (f *FailedAttempts) Prune(ctx context.Context) (int64, error) {
	query := `DELETE FROM failed_booking_attempts WHERE created_at < NOW() - $1`
	ct, err := f.db.Exec(ctx, query, f.window)
	if err != nil {
		return 0, fmt.Errorf("availability: prune failed attempts: %w", err)
	}
	return ct.RowsAffected(), nil
}
