package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("p1", "s1", "b1")
	b := Fingerprint("p1", "s1", "b1")
	if a != b {
		t.Fatal("fingerprint must be deterministic")
	}
	if a == Fingerprint("p2", "s1", "b1") {
		t.Fatal("different criteria must fingerprint differently")
	}
}

func TestGetUnknownSessionReturnsEmptyState(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT session_id").WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"session_id", "clinic_id", "rejected_slots", "last_offered", "criteria_fingerprint",
			"preferred_location_id", "preferred_location_name", "updated_at",
		}))

	store := NewStore(mock, nil, time.Hour, nil)
	st, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if st.SessionID != "sess-1" || len(st.RejectedSlots) != 0 || st.Fingerprint != "" {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestBeginSearchSameFingerprintRejectsLastOffer(t *testing.T) {
	mock := newMock(t)
	fp := Fingerprint("p1", "s1", "b1")
	rows := pgxmock.NewRows([]string{
		"session_id", "clinic_id", "rejected_slots", "last_offered", "criteria_fingerprint",
		"preferred_location_id", "preferred_location_name", "updated_at",
	}).AddRow(
		"sess-1", "c1",
		[]byte(`["2026-09-01T04:00:00Z"]`),
		[]byte(`["2026-09-01T05:00:00Z","2026-09-01T06:00:00Z"]`),
		fp, "", "", time.Now(),
	)
	mock.ExpectQuery("SELECT session_id").WithArgs("sess-1").WillReturnRows(rows)

	store := NewStore(mock, nil, time.Hour, nil)
	st, err := store.BeginSearch(context.Background(), "sess-1", "c1", fp)
	if err != nil {
		t.Fatalf("begin search failed: %v", err)
	}
	if len(st.RejectedSlots) != 3 {
		t.Fatalf("expected last offer folded into rejected set, got %v", st.RejectedSlots)
	}
	if !st.Rejected(time.Date(2026, 9, 1, 5, 0, 0, 0, time.UTC)) {
		t.Fatal("previously offered instant must now be rejected")
	}
	if len(st.LastOffered) != 0 {
		t.Fatal("last offered must be cleared at search start")
	}
}

func TestBeginSearchNewFingerprintClearsRejectedSet(t *testing.T) {
	mock := newMock(t)
	oldFP := Fingerprint("p1", "s1", "b1")
	rows := pgxmock.NewRows([]string{
		"session_id", "clinic_id", "rejected_slots", "last_offered", "criteria_fingerprint",
		"preferred_location_id", "preferred_location_name", "updated_at",
	}).AddRow(
		"sess-1", "c1",
		[]byte(`["2026-09-01T04:00:00Z"]`),
		[]byte(`["2026-09-01T05:00:00Z"]`),
		oldFP, "", "", time.Now(),
	)
	mock.ExpectQuery("SELECT session_id").WithArgs("sess-1").WillReturnRows(rows)

	store := NewStore(mock, nil, time.Hour, nil)
	st, err := store.BeginSearch(context.Background(), "sess-1", "c1", Fingerprint("p2", "s1", "b1"))
	if err != nil {
		t.Fatalf("begin search failed: %v", err)
	}
	if len(st.RejectedSlots) != 0 {
		t.Fatalf("fingerprint change must clear rejected set, got %v", st.RejectedSlots)
	}
}

func TestUpsertWritesThroughToRedis(t *testing.T) {
	mock := newMock(t)
	rdb := newRedis(t)
	mock.ExpectExec("INSERT INTO session_state").
		WithArgs("sess-1", "c1", pgxmock.AnyArg(), pgxmock.AnyArg(), "fp", "b1", "City Clinic").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock, rdb, time.Hour, nil)
	st := &State{
		SessionID:             "sess-1",
		ClinicID:              "c1",
		Fingerprint:           "fp",
		PreferredLocationID:   "b1",
		PreferredLocationName: "City Clinic",
	}
	if err := store.Upsert(context.Background(), st); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// Subsequent reads are served from redis without touching postgres.
	got, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.PreferredLocationName != "City Clinic" {
		t.Fatalf("unexpected state from redis: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPurge(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("DELETE FROM session_state").WithArgs(24 * time.Hour).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	store := NewStore(mock, nil, 24*time.Hour, nil)
	n, err := store.Purge(context.Background())
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 purged sessions, got %d", n)
	}
}
