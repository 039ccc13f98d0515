package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the oracle needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entry is one observed working pattern: a practitioner is seen taking
// appointments at a business on this weekday within the effective
// interval. Derived empirically from availability scans, so absence of
// an entry is a hint, never proof the practitioner is off that day.
type Entry struct {
	PractitionerID string
	BusinessID     string
	DayOfWeek      int // 0=Sunday .. 6=Saturday
	EarliestTime   string
	LatestTime     string
	EffectiveFrom  time.Time
	EffectiveUntil time.Time
}

// Oracle answers "which of these dates is this practitioner plausibly
// working at this location". It is used to prune fan-out tasks only.
type Oracle struct {
	db DB
}

// NewOracle builds a schedule oracle.
func NewOracle(db DB) *Oracle {
	if db == nil {
		panic("schedule: db required")
	}
	return &Oracle{db: db}
}

// ScheduledDays filters candidate dates down to those matching a known
// working pattern. When no pattern exists for the pair at all, every
// date passes through: probing an unknown schedule is cheaper than
// wrongly telling a caller there is nothing.
func (o *Oracle) ScheduledDays(ctx context.Context, practitionerID, businessID string, dates []time.Time) ([]time.Time, error) {
	query := `
		SELECT day_of_week, effective_from, effective_until
		FROM practitioner_schedules
		WHERE practitioner_id = $1 AND business_id = $2
	`
	rows, err := o.db.Query(ctx, query, practitionerID, businessID)
	if err != nil {
		return nil, fmt.Errorf("schedule: query patterns: %w", err)
	}
	defer rows.Close()

	type window struct{ from, until time.Time }
	patterns := make(map[int][]window)
	for rows.Next() {
		var dow int
		var from, until time.Time
		if err := rows.Scan(&dow, &from, &until); err != nil {
			return nil, fmt.Errorf("schedule: scan pattern: %w", err)
		}
		patterns[dow] = append(patterns[dow], window{from: from, until: until})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule: iterate patterns: %w", err)
	}

	if len(patterns) == 0 {
		return dates, nil
	}

	var scheduled []time.Time
	for _, d := range dates {
		for _, w := range patterns[int(d.Weekday())] {
			if !d.Before(w.from) && !d.After(w.until) {
				scheduled = append(scheduled, d)
				break
			}
		}
	}
	return scheduled, nil
}

// Upsert records or refreshes one observed pattern.
func (o *Oracle) Upsert(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO practitioner_schedules
			(practitioner_id, business_id, day_of_week, earliest_time, latest_time, effective_from, effective_until, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (practitioner_id, business_id, day_of_week)
		DO UPDATE SET
			earliest_time = LEAST(practitioner_schedules.earliest_time, EXCLUDED.earliest_time),
			latest_time = GREATEST(practitioner_schedules.latest_time, EXCLUDED.latest_time),
			effective_from = LEAST(practitioner_schedules.effective_from, EXCLUDED.effective_from),
			effective_until = GREATEST(practitioner_schedules.effective_until, EXCLUDED.effective_until),
			last_seen_at = NOW()
	`
	if _, err := o.db.Exec(ctx, query,
		e.PractitionerID, e.BusinessID, e.DayOfWeek,
		e.EarliestTime, e.LatestTime, e.EffectiveFrom, e.EffectiveUntil,
	); err != nil {
		return fmt.Errorf("schedule: upsert pattern: %w", err)
	}
	return nil
}
