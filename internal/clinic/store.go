package clinic

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when no clinic matches the dialed number.
var ErrNotFound = errors.New("clinic: not found")

// DB is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store loads clinic records from the relational database.
type Store struct {
	db DB
}

// NewStore initializes a clinic store.
func NewStore(db DB) *Store {
	if db == nil {
		panic("clinic: db required")
	}
	return &Store{db: db}
}

// ByDialedNumber resolves the clinic a call landed on.
func (s *Store) ByDialedNumber(ctx context.Context, dialedNumber string) (*Clinic, error) {
	query := `
		SELECT clinic_id, clinic_name, dialed_number, cliniko_api_key, cliniko_shard,
		       timezone, country_code, contact_email, created_at
		FROM clinics
		WHERE dialed_number = $1
	`
	var c Clinic
	if err := s.db.QueryRow(ctx, query, dialedNumber).Scan(
		&c.ID,
		&c.Name,
		&c.DialedNumber,
		&c.APIKey,
		&c.Shard,
		&c.Timezone,
		&c.CountryCode,
		&c.ContactEmail,
		&c.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clinic: select by dialed number: %w", err)
	}
	return &c, nil
}

// ByID fetches a clinic by primary key.
func (s *Store) ByID(ctx context.Context, clinicID string) (*Clinic, error) {
	query := `
		SELECT clinic_id, clinic_name, dialed_number, cliniko_api_key, cliniko_shard,
		       timezone, country_code, contact_email, created_at
		FROM clinics
		WHERE clinic_id = $1
	`
	var c Clinic
	if err := s.db.QueryRow(ctx, query, clinicID).Scan(
		&c.ID,
		&c.Name,
		&c.DialedNumber,
		&c.APIKey,
		&c.Shard,
		&c.Timezone,
		&c.CountryCode,
		&c.ContactEmail,
		&c.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clinic: select by id: %w", err)
	}
	return &c, nil
}

// List returns every clinic, used by the background sync loop.
func (s *Store) List(ctx context.Context) ([]*Clinic, error) {
	query := `
		SELECT clinic_id, clinic_name, dialed_number, cliniko_api_key, cliniko_shard,
		       timezone, country_code, contact_email, created_at
		FROM clinics
		ORDER BY clinic_name
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("clinic: list: %w", err)
	}
	defer rows.Close()

	var clinics []*Clinic
	for rows.Next() {
		var c Clinic
		if err := rows.Scan(
			&c.ID,
			&c.Name,
			&c.DialedNumber,
			&c.APIKey,
			&c.Shard,
			&c.Timezone,
			&c.CountryCode,
			&c.ContactEmail,
			&c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("clinic: scan: %w", err)
		}
		clinics = append(clinics, &c)
	}
	return clinics, rows.Err()
}
