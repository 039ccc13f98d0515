package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/covecare/voicebook/internal/directory"
)

// Confidence tiers shared by the resolvers.
const (
	tierHigh   = 0.8
	tierMedium = 0.5
)

// DB is the subset of pgxpool.Pool the resolvers need.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LocationMatch is one scored candidate.
type LocationMatch struct {
	Business   directory.Business
	Score      float64
	VisitCount int
}

// LocationResult is the tiered outcome of a location resolution.
type LocationResult struct {
	Resolved           bool
	NeedsClarification bool
	Location           *directory.Business
	Confidence         float64
	Options            []LocationMatch
}

// LocationResolver scores a spoken location against a clinic's
// businesses and aliases. Similarity lives in SQL; only the boosts and
// tiering live here.
type LocationResolver struct {
	db DB
}

// NewLocationResolver builds a location resolver.
func NewLocationResolver(db DB) *LocationResolver {
	if db == nil {
		panic("resolve: db required")
	}
	return &LocationResolver{db: db}
}

var primaryKeywords = []string{"main", "primary", "usual"}

// Resolve matches a spoken location. callerPhone (normalized) feeds the
// visit-count tie-break; preferredID is the session's remembered
// location and earns a boost.
func (r *LocationResolver) Resolve(ctx context.Context, clinicID, spoken, callerPhone, preferredID string) (*LocationResult, error) {
	q := Normalize(spoken)

	matches, err := r.candidates(ctx, clinicID, q, callerPhone)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &LocationResult{}, nil
	}

	// Single-location clinics have nothing to disambiguate.
	if len(matches) == 1 {
		return &LocationResult{
			Resolved:   true,
			Location:   &matches[0].Business,
			Confidence: 1.0,
		}, nil
	}

	hasKeyword := false
	for _, kw := range primaryKeywords {
		if strings.Contains(q, kw) {
			hasKeyword = true
			break
		}
	}
	for i := range matches {
		m := &matches[i]
		if hasKeyword && m.Business.IsPrimary {
			m.Score = max(m.Score, 0.85)
		}
		if preferredID != "" && m.Business.ID == preferredID {
			m.Score = min(m.Score+0.3, 0.9)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.VisitCount != b.VisitCount {
			return a.VisitCount > b.VisitCount
		}
		return a.Business.IsPrimary && !b.Business.IsPrimary
	})

	top := matches[0]
	switch {
	case top.Score >= tierHigh:
		return &LocationResult{Resolved: true, Location: &top.Business, Confidence: top.Score}, nil
	case top.Score >= tierMedium:
		return &LocationResult{
			NeedsClarification: true,
			Location:           &top.Business,
			Confidence:         top.Score,
			Options:            matches[:1],
		}, nil
	default:
		options := matches
		if len(options) > 3 {
			options = options[:3]
		}
		return &LocationResult{
			NeedsClarification: true,
			Confidence:         top.Score,
			Options:            options,
		}, nil
	}
}

// candidates runs the single scoring query: trigram similarity over
// business names and aliases, exact-alias detection, and the caller's
// booked-visit count per location.
func (r *LocationResolver) candidates(ctx context.Context, clinicID, q, callerPhone string) ([]LocationMatch, error) {
	query := `
		SELECT b.business_id, b.clinic_id, b.business_name, b.is_primary,
		       GREATEST(similarity(lower(b.business_name), $2),
		                COALESCE(MAX(similarity(lower(a.alias), $2)), 0)) AS score,
		       COALESCE(BOOL_OR(lower(a.alias) = $2), false) AS alias_exact,
		       (SELECT COUNT(*) FROM appointments ap
		        WHERE ap.business_id = b.business_id
		          AND ap.patient_phone = $3
		          AND ap.status = 'booked') AS visit_count
		FROM businesses b
		LEFT JOIN location_aliases a ON a.business_id = b.business_id
		WHERE b.clinic_id = $1
		GROUP BY b.business_id, b.clinic_id, b.business_name, b.is_primary
		ORDER BY score DESC
	`
	rows, err := r.db.Query(ctx, query, clinicID, q, callerPhone)
	if err != nil {
		return nil, fmt.Errorf("resolve: location candidates: %w", err)
	}
	defer rows.Close()

	var matches []LocationMatch
	for rows.Next() {
		var m LocationMatch
		var aliasExact bool
		if err := rows.Scan(&m.Business.ID, &m.Business.ClinicID, &m.Business.Name, &m.Business.IsPrimary,
			&m.Score, &aliasExact, &m.VisitCount); err != nil {
			return nil, fmt.Errorf("resolve: scan location candidate: %w", err)
		}
		if aliasExact || Normalize(m.Business.Name) == q {
			m.Score = 1.0
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ConfirmLocation interprets a yes/no/name reply against the options
// previously offered.
func ConfirmLocation(userResponse string, options []LocationMatch) *directory.Business {
	reply := Normalize(userResponse)
	if len(options) == 0 {
		return nil
	}
	switch reply {
	case "yes", "yeah", "yep", "correct", "that's right", "thats right", "sure", "ok", "okay":
		return &options[0].Business
	case "no", "nope", "neither", "none":
		return nil
	}
	for i := range options {
		name := Normalize(options[i].Business.Name)
		if reply == name || strings.Contains(reply, name) || strings.Contains(name, reply) {
			return &options[i].Business
		}
	}
	return nil
}
