package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned for lookups with no matching row.
var ErrNotFound = errors.New("directory: not found")

// Practitioner is the local mirror of an upstream practitioner.
type Practitioner struct {
	ID        string `json:"practitionerId"`
	ClinicID  string `json:"-"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Title     string `json:"title,omitempty"`
	Active    bool   `json:"active"`
}

// FullName renders "Title First Last" for voice responses.
func (p *Practitioner) FullName() string {
	name := p.FirstName + " " + p.LastName
	if p.Title != "" {
		return p.Title + " " + name
	}
	return name
}

// Business is the local mirror of an upstream location.
type Business struct {
	ID        string `json:"locationId"`
	ClinicID  string `json:"-"`
	Name      string `json:"name"`
	IsPrimary bool   `json:"isPrimary"`
}

// Service is the local mirror of an upstream appointment type.
type Service struct {
	ID              string `json:"serviceId"`
	ClinicID        string `json:"-"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"durationMinutes"`
	Active          bool   `json:"active"`
}

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads and refreshes the denormalized upstream mirror:
// practitioners, businesses, services and their join tables. The sync
// pipeline is the only writer.
type Repository struct {
	db DB
}

// NewRepository initializes a directory repository.
func NewRepository(db DB) *Repository {
	if db == nil {
		panic("directory: db required")
	}
	return &Repository{db: db}
}

// --- reads ---

// ActivePractitioners lists a clinic's bookable practitioners.
func (r *Repository) ActivePractitioners(ctx context.Context, clinicID string) ([]Practitioner, error) {
	query := `
		SELECT practitioner_id, clinic_id, first_name, last_name, COALESCE(title, ''), active
		FROM practitioners
		WHERE clinic_id = $1 AND active
		ORDER BY last_name, first_name
	`
	return r.queryPractitioners(ctx, query, clinicID)
}

// PractitionerByID fetches one practitioner, active or not.
func (r *Repository) PractitionerByID(ctx context.Context, practitionerID string) (*Practitioner, error) {
	query := `
		SELECT practitioner_id, clinic_id, first_name, last_name, COALESCE(title, ''), active
		FROM practitioners
		WHERE practitioner_id = $1
	`
	var p Practitioner
	if err := r.db.QueryRow(ctx, query, practitionerID).Scan(
		&p.ID, &p.ClinicID, &p.FirstName, &p.LastName, &p.Title, &p.Active,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directory: practitioner by id: %w", err)
	}
	return &p, nil
}

// Businesses lists a clinic's locations, primary first.
func (r *Repository) Businesses(ctx context.Context, clinicID string) ([]Business, error) {
	query := `
		SELECT business_id, clinic_id, business_name, is_primary
		FROM businesses
		WHERE clinic_id = $1
		ORDER BY is_primary DESC, business_name
	`
	rows, err := r.db.Query(ctx, query, clinicID)
	if err != nil {
		return nil, fmt.Errorf("directory: businesses: %w", err)
	}
	defer rows.Close()
	return scanBusinesses(rows)
}

// BusinessByID fetches one location.
func (r *Repository) BusinessByID(ctx context.Context, businessID string) (*Business, error) {
	query := `
		SELECT business_id, clinic_id, business_name, is_primary
		FROM businesses
		WHERE business_id = $1
	`
	var b Business
	if err := r.db.QueryRow(ctx, query, businessID).Scan(&b.ID, &b.ClinicID, &b.Name, &b.IsPrimary); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directory: business by id: %w", err)
	}
	return &b, nil
}

// PractitionerWorksAt checks the practitioner-location join.
func (r *Repository) PractitionerWorksAt(ctx context.Context, practitionerID, businessID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM practitioner_businesses
			WHERE practitioner_id = $1 AND business_id = $2
		)
	`
	var ok bool
	if err := r.db.QueryRow(ctx, query, practitionerID, businessID).Scan(&ok); err != nil {
		return false, fmt.Errorf("directory: works-at check: %w", err)
	}
	return ok, nil
}

// PractitionerBusinesses lists the locations a practitioner works at,
// used to phrase the location-mismatch message.
func (r *Repository) PractitionerBusinesses(ctx context.Context, practitionerID string) ([]Business, error) {
	query := `
		SELECT b.business_id, b.clinic_id, b.business_name, b.is_primary
		FROM businesses b
		JOIN practitioner_businesses pb ON pb.business_id = b.business_id
		WHERE pb.practitioner_id = $1
		ORDER BY b.is_primary DESC, b.business_name
	`
	rows, err := r.db.Query(ctx, query, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("directory: practitioner businesses: %w", err)
	}
	defer rows.Close()
	return scanBusinesses(rows)
}

// BusinessPractitioners lists the active practitioners at a location.
func (r *Repository) BusinessPractitioners(ctx context.Context, businessID string) ([]Practitioner, error) {
	query := `
		SELECT p.practitioner_id, p.clinic_id, p.first_name, p.last_name, COALESCE(p.title, ''), p.active
		FROM practitioners p
		JOIN practitioner_businesses pb ON pb.practitioner_id = p.practitioner_id
		WHERE pb.business_id = $1 AND p.active
		ORDER BY p.last_name, p.first_name
	`
	return r.queryPractitioners(ctx, query, businessID)
}

// PractitionerServices lists the active services one practitioner
// offers. Service matching never crosses this boundary.
func (r *Repository) PractitionerServices(ctx context.Context, practitionerID string) ([]Service, error) {
	query := `
		SELECT s.appointment_type_id, s.clinic_id, s.name, s.duration_minutes, s.active
		FROM appointment_types s
		JOIN practitioner_appointment_types pat ON pat.appointment_type_id = s.appointment_type_id
		WHERE pat.practitioner_id = $1 AND s.active
		ORDER BY s.name
	`
	rows, err := r.db.Query(ctx, query, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("directory: practitioner services: %w", err)
	}
	defer rows.Close()

	var services []Service
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.ClinicID, &s.Name, &s.DurationMinutes, &s.Active); err != nil {
			return nil, fmt.Errorf("directory: scan service: %w", err)
		}
		services = append(services, s)
	}
	return services, rows.Err()
}

// ServiceByID fetches one service.
func (r *Repository) ServiceByID(ctx context.Context, serviceID string) (*Service, error) {
	query := `
		SELECT appointment_type_id, clinic_id, name, duration_minutes, active
		FROM appointment_types
		WHERE appointment_type_id = $1
	`
	var s Service
	if err := r.db.QueryRow(ctx, query, serviceID).Scan(&s.ID, &s.ClinicID, &s.Name, &s.DurationMinutes, &s.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directory: service by id: %w", err)
	}
	return &s, nil
}

// --- writes (sync pipeline only) ---

// UpsertPractitioner mirrors one upstream practitioner.
func (r *Repository) UpsertPractitioner(ctx context.Context, p Practitioner) error {
	query := `
		INSERT INTO practitioners (practitioner_id, clinic_id, first_name, last_name, title, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (practitioner_id)
		DO UPDATE SET first_name = $3, last_name = $4, title = $5, active = $6
	`
	if _, err := r.db.Exec(ctx, query, p.ID, p.ClinicID, p.FirstName, p.LastName, p.Title, p.Active); err != nil {
		return fmt.Errorf("directory: upsert practitioner: %w", err)
	}
	return nil
}

// UpsertBusiness mirrors one upstream location.
func (r *Repository) UpsertBusiness(ctx context.Context, b Business) error {
	query := `
		INSERT INTO businesses (business_id, clinic_id, business_name, is_primary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (business_id)
		DO UPDATE SET business_name = $3, is_primary = $4
	`
	if _, err := r.db.Exec(ctx, query, b.ID, b.ClinicID, b.Name, b.IsPrimary); err != nil {
		return fmt.Errorf("directory: upsert business: %w", err)
	}
	return nil
}

// UpsertService mirrors one upstream appointment type.
func (r *Repository) UpsertService(ctx context.Context, s Service) error {
	query := `
		INSERT INTO appointment_types (appointment_type_id, clinic_id, name, duration_minutes, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (appointment_type_id)
		DO UPDATE SET name = $3, duration_minutes = $4, active = $5
	`
	if _, err := r.db.Exec(ctx, query, s.ID, s.ClinicID, s.Name, s.DurationMinutes, s.Active); err != nil {
		return fmt.Errorf("directory: upsert service: %w", err)
	}
	return nil
}

// LinkPractitionerBusiness records the works-at join.
func (r *Repository) LinkPractitionerBusiness(ctx context.Context, practitionerID, businessID string) error {
	query := `
		INSERT INTO practitioner_businesses (practitioner_id, business_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, practitionerID, businessID); err != nil {
		return fmt.Errorf("directory: link practitioner business: %w", err)
	}
	return nil
}

// LinkPractitionerService records the offers join.
func (r *Repository) LinkPractitionerService(ctx context.Context, practitionerID, serviceID string) error {
	query := `
		INSERT INTO practitioner_appointment_types (practitioner_id, appointment_type_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, practitionerID, serviceID); err != nil {
		return fmt.Errorf("directory: link practitioner service: %w", err)
	}
	return nil
}

func (r *Repository) queryPractitioners(ctx context.Context, query string, args ...any) ([]Practitioner, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("directory: practitioners: %w", err)
	}
	defer rows.Close()

	var practitioners []Practitioner
	for rows.Next() {
		var p Practitioner
		if err := rows.Scan(&p.ID, &p.ClinicID, &p.FirstName, &p.LastName, &p.Title, &p.Active); err != nil {
			return nil, fmt.Errorf("directory: scan practitioner: %w", err)
		}
		practitioners = append(practitioners, p)
	}
	return practitioners, rows.Err()
}

func scanBusinesses(rows pgx.Rows) ([]Business, error) {
	var businesses []Business
	for rows.Next() {
		var b Business
		if err := rows.Scan(&b.ID, &b.ClinicID, &b.Name, &b.IsPrimary); err != nil {
			return nil, fmt.Errorf("directory: scan business: %w", err)
		}
		businesses = append(businesses, b)
	}
	return businesses, rows.Err()
}
