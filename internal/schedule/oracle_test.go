package schedule

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestScheduledDaysFiltersByWeekdayAndInterval(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	// Tuesdays only, effective through September 2026.
	rows := pgxmock.NewRows([]string{"day_of_week", "effective_from", "effective_until"}).
		AddRow(2, day(2026, 1, 1), day(2026, 9, 30))
	mock.ExpectQuery("SELECT day_of_week").WithArgs("p1", "b1").WillReturnRows(rows)

	oracle := NewOracle(mock)
	dates := []time.Time{
		day(2026, 9, 1),  // Tuesday, in range
		day(2026, 9, 2),  // Wednesday
		day(2026, 9, 8),  // Tuesday, in range
		day(2026, 10, 6), // Tuesday, past effective_until
	}
	got, err := oracle.ScheduledDays(context.Background(), "p1", "b1", dates)
	if err != nil {
		t.Fatalf("scheduled days failed: %v", err)
	}
	if len(got) != 2 || !got[0].Equal(day(2026, 9, 1)) || !got[1].Equal(day(2026, 9, 8)) {
		t.Fatalf("unexpected pruned dates: %v", got)
	}
}

func TestScheduledDaysUnknownPairPassesEverything(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT day_of_week").WithArgs("p-new", "b1").
		WillReturnRows(pgxmock.NewRows([]string{"day_of_week", "effective_from", "effective_until"}))

	oracle := NewOracle(mock)
	dates := []time.Time{day(2026, 9, 1), day(2026, 9, 2)}
	got, err := oracle.ScheduledDays(context.Background(), "p-new", "b1", dates)
	if err != nil {
		t.Fatalf("scheduled days failed: %v", err)
	}
	// No observations means no pruning: the oracle is a hint, not an
	// authority on days off.
	if len(got) != len(dates) {
		t.Fatalf("expected all dates to pass, got %v", got)
	}
}

func TestUpsertPattern(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO practitioner_schedules").
		WithArgs("p1", "b1", 2, "09:00", "17:00", day(2026, 1, 6), day(2026, 12, 22)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	oracle := NewOracle(mock)
	err = oracle.Upsert(context.Background(), Entry{
		PractitionerID: "p1",
		BusinessID:     "b1",
		DayOfWeek:      2,
		EarliestTime:   "09:00",
		LatestTime:     "17:00",
		EffectiveFrom:  day(2026, 1, 6),
		EffectiveUntil: day(2026, 12, 22),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
