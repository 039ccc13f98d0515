package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestCacheGetHit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	payload := []byte(`[{"appointment_start":"2026-09-01T04:00:00Z"}]`)
	rows := pgxmock.NewRows([]string{"available_slots"}).AddRow(payload)
	mock.ExpectQuery("SELECT available_slots").
		WithArgs("p1", "b1", date).
		WillReturnRows(rows)

	cache := NewCache(mock, 15*time.Minute, nil)
	slots, err := cache.Get(context.Background(), "p1", "b1", date)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	want := time.Date(2026, 9, 1, 4, 0, 0, 0, time.UTC)
	if !slots[0].AppointmentStart.Equal(want) {
		t.Fatalf("slot = %s, want %s", slots[0].AppointmentStart, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCacheGetMiss(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT available_slots").
		WithArgs("p1", "b1", date).
		WillReturnRows(pgxmock.NewRows([]string{"available_slots"}))

	cache := NewCache(mock, 15*time.Minute, nil)
	if _, err := cache.Get(context.Background(), "p1", "b1", date); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestCachePutUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO availability_cache").
		WithArgs("c1", "p1", "b1", date, pgxmock.AnyArg(), 15*time.Minute).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	cache := NewCache(mock, 15*time.Minute, nil)
	slots := []Slot{{AppointmentStart: time.Date(2026, 9, 1, 4, 0, 0, 0, time.UTC)}}
	if err := cache.Put(context.Background(), "c1", "p1", "b1", date, slots); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCacheInvalidateSetsStaleFlag(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE availability_cache").
		WithArgs("p1", "b1", date).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	cache := NewCache(mock, 15*time.Minute, nil)
	if err := cache.Invalidate(context.Background(), "p1", "b1", date); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
}

func TestCacheSweep(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("DELETE FROM availability_cache").
		WithArgs(time.Hour).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	cache := NewCache(mock, 15*time.Minute, nil)
	n, err := cache.Sweep(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12 reclaimed rows, got %d", n)
	}
}

func TestWatermarkEmptyClinic(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"coalesce"}).AddRow(time.Unix(0, 0).UTC())
	mock.ExpectQuery("SELECT COALESCE").WithArgs("c1").WillReturnRows(rows)

	cache := NewCache(mock, 15*time.Minute, nil)
	wm, err := cache.Watermark(context.Background(), "c1")
	if err != nil {
		t.Fatalf("watermark failed: %v", err)
	}
	if !wm.IsZero() {
		t.Fatalf("expected zero watermark for empty clinic, got %s", wm)
	}
}
