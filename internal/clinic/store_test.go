package clinic

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func clinicRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"clinic_id", "clinic_name", "dialed_number", "cliniko_api_key", "cliniko_shard",
		"timezone", "country_code", "contact_email", "created_at",
	})
}

func TestByDialedNumber(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	rows := clinicRows().AddRow(
		"clinic-1", "City Clinic", "+61290001111", "key", "au1",
		"Australia/Sydney", "61", "front@cityclinic.example", now,
	)
	mock.ExpectQuery("SELECT clinic_id").WithArgs("+61290001111").WillReturnRows(rows)

	store := NewStore(mock)
	c, err := store.ByDialedNumber(context.Background(), "+61290001111")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if c.Name != "City Clinic" || c.Shard != "au1" {
		t.Fatalf("unexpected clinic: %+v", c)
	}
	if c.Location().String() != "Australia/Sydney" {
		t.Fatalf("unexpected tz: %s", c.Location())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestByDialedNumberNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT clinic_id").WithArgs("+6100000000").WillReturnRows(clinicRows())

	store := NewStore(mock)
	if _, err := store.ByDialedNumber(context.Background(), "+6100000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	c := &Clinic{Timezone: "Not/AZone"}
	if c.Location() != time.UTC {
		t.Fatal("expected UTC fallback for bad timezone")
	}
}
