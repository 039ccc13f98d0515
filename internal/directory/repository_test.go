package directory

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
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

func TestPractitionerWorksAt(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT EXISTS").WithArgs("p1", "b1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	repo := NewRepository(mock)
	ok, err := repo.PractitionerWorksAt(context.Background(), "p1", "b1")
	if err != nil {
		t.Fatalf("works-at failed: %v", err)
	}
	if !ok {
		t.Fatal("expected practitioner to work at location")
	}
}

func TestPractitionerServicesScopedToPractitioner(t *testing.T) {
	mock := newMock(t)
	rows := pgxmock.NewRows([]string{"appointment_type_id", "clinic_id", "name", "duration_minutes", "active"}).
		AddRow("s1", "c1", "Consultation", 60, true).
		AddRow("s2", "c1", "Follow Up", 30, true)
	mock.ExpectQuery("SELECT s.appointment_type_id").WithArgs("p1").WillReturnRows(rows)

	repo := NewRepository(mock)
	services, err := repo.PractitionerServices(context.Background(), "p1")
	if err != nil {
		t.Fatalf("practitioner services failed: %v", err)
	}
	if len(services) != 2 || services[0].Name != "Consultation" || services[1].DurationMinutes != 30 {
		t.Fatalf("unexpected services: %+v", services)
	}
}

func TestServiceByIDNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT appointment_type_id").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"appointment_type_id", "clinic_id", "name", "duration_minutes", "active"}))

	repo := NewRepository(mock)
	if _, err := repo.ServiceByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertPractitioner(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("INSERT INTO practitioners").
		WithArgs("p1", "c1", "Jane", "Smith", "Dr", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewRepository(mock)
	err := repo.UpsertPractitioner(context.Background(), Practitioner{
		ID: "p1", ClinicID: "c1", FirstName: "Jane", LastName: "Smith", Title: "Dr", Active: true,
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFullName(t *testing.T) {
	p := Practitioner{FirstName: "Jane", LastName: "Smith", Title: "Dr"}
	if p.FullName() != "Dr Jane Smith" {
		t.Fatalf("unexpected full name: %s", p.FullName())
	}
	p.Title = ""
	if p.FullName() != "Jane Smith" {
		t.Fatalf("unexpected full name: %s", p.FullName())
	}
}
