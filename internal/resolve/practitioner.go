package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/covecare/voicebook/internal/directory"
)

// practitionerThreshold is the floor below which a name match is not
// offered at all.
const practitionerThreshold = 0.6

// ParsedName is a spoken practitioner name split into parts.
type ParsedName struct {
	Prefix string // Dr, Mr, Ms, Mrs, Prof; period stripped
	Given  string
	Family string
}

var namePrefixes = map[string]string{
	"dr": "Dr", "doctor": "Dr",
	"mr": "Mr", "mister": "Mr",
	"ms": "Ms", "miss": "Ms",
	"mrs": "Mrs",
	"prof": "Prof", "professor": "Prof",
}

// ParseName splits a spoken name into prefix, given and family parts.
// A single bare word could be either name; it lands in Given and the
// matcher tries both.
func ParseName(spoken string) ParsedName {
	fields := strings.Fields(Normalize(spoken))
	var p ParsedName
	if len(fields) == 0 {
		return p
	}
	if canonical, ok := namePrefixes[strings.TrimSuffix(fields[0], ".")]; ok {
		p.Prefix = canonical
		fields = fields[1:]
	}
	switch len(fields) {
	case 0:
	case 1:
		if p.Prefix != "" {
			// "Dr Smith" is a family name.
			p.Family = fields[0]
		} else {
			p.Given = fields[0]
		}
	default:
		p.Given = fields[0]
		p.Family = strings.Join(fields[1:], " ")
	}
	return p
}

// PractitionerMatch is one scored candidate.
type PractitionerMatch struct {
	Practitioner directory.Practitioner
	Score        float64
}

// PractitionerResult is the tiered outcome of a name resolution.
type PractitionerResult struct {
	Resolved           bool
	NeedsClarification bool
	Practitioner       *directory.Practitioner
	Confidence         float64
	Options            []PractitionerMatch
}

// PractitionerResolver matches spoken names against the clinic's
// active practitioners. The trigram query narrows the field; the
// structured name rules settle the score.
type PractitionerResolver struct {
	db DB
}

// NewPractitionerResolver builds a practitioner resolver.
func NewPractitionerResolver(db DB) *PractitionerResolver {
	if db == nil {
		panic("resolve: db required")
	}
	return &PractitionerResolver{db: db}
}

// Resolve matches a spoken practitioner name. businessID, when set,
// restricts candidates to that location.
func (r *PractitionerResolver) Resolve(ctx context.Context, clinicID, spoken, businessID string) (*PractitionerResult, error) {
	parsed := ParseName(spoken)
	if parsed.Given == "" && parsed.Family == "" {
		return &PractitionerResult{}, nil
	}

	candidates, err := r.candidates(ctx, clinicID, Normalize(spoken), businessID)
	if err != nil {
		return nil, err
	}

	var matches []PractitionerMatch
	for _, c := range candidates {
		score := scoreName(parsed, c.Practitioner, c.Score)
		if score >= practitionerThreshold {
			matches = append(matches, PractitionerMatch{Practitioner: c.Practitioner, Score: score})
		}
	}
	if len(matches) == 0 {
		return &PractitionerResult{}, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Practitioner.ID < matches[j].Practitioner.ID
	})

	top := matches[0]
	if len(matches) == 1 || top.Score-matches[1].Score >= 0.1 {
		if top.Score >= tierHigh {
			return &PractitionerResult{Resolved: true, Practitioner: &top.Practitioner, Confidence: top.Score}, nil
		}
		return &PractitionerResult{
			NeedsClarification: true,
			Practitioner:       &top.Practitioner,
			Confidence:         top.Score,
			Options:            matches[:1],
		}, nil
	}

	options := matches
	if len(options) > 3 {
		options = options[:3]
	}
	return &PractitionerResult{NeedsClarification: true, Confidence: top.Score, Options: options}, nil
}

// AmbiguousGivenName reports whether more than one active practitioner
// at a location shares a given name, which forces full names in voice
// messages.
func (r *PractitionerResolver) AmbiguousGivenName(ctx context.Context, businessID, givenName string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM practitioners p
		JOIN practitioner_businesses pb ON pb.practitioner_id = p.practitioner_id
		WHERE pb.business_id = $1 AND p.active AND lower(p.first_name) = $2
	`
	var n int
	if err := r.db.QueryRow(ctx, query, businessID, Normalize(givenName)).Scan(&n); err != nil {
		return false, fmt.Errorf("resolve: given-name ambiguity: %w", err)
	}
	return n > 1, nil
}

func (r *PractitionerResolver) candidates(ctx context.Context, clinicID, q, businessID string) ([]PractitionerMatch, error) {
	query := `
		SELECT p.practitioner_id, p.clinic_id, p.first_name, p.last_name, COALESCE(p.title, ''), p.active,
		       GREATEST(similarity(lower(p.first_name || ' ' || p.last_name), $2),
		                similarity(lower(p.last_name), $2),
		                similarity(lower(p.first_name), $2)) AS score
		FROM practitioners p
		WHERE p.clinic_id = $1 AND p.active
		  AND ($3 = '' OR EXISTS (
		        SELECT 1 FROM practitioner_businesses pb
		        WHERE pb.practitioner_id = p.practitioner_id AND pb.business_id = $3))
		ORDER BY score DESC
	`
	rows, err := r.db.Query(ctx, query, clinicID, q, businessID)
	if err != nil {
		return nil, fmt.Errorf("resolve: practitioner candidates: %w", err)
	}
	defer rows.Close()

	var matches []PractitionerMatch
	for rows.Next() {
		var m PractitionerMatch
		if err := rows.Scan(&m.Practitioner.ID, &m.Practitioner.ClinicID,
			&m.Practitioner.FirstName, &m.Practitioner.LastName,
			&m.Practitioner.Title, &m.Practitioner.Active, &m.Score); err != nil {
			return nil, fmt.Errorf("resolve: scan practitioner candidate: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// scoreName applies the structured rules on top of the trigram floor.
func scoreName(parsed ParsedName, p directory.Practitioner, trigram float64) float64 {
	first := Normalize(p.FirstName)
	last := Normalize(p.LastName)
	full := first + " " + last

	given, family := parsed.Given, parsed.Family
	spoken := strings.TrimSpace(given + " " + family)

	score := trigram
	switch {
	case spoken == full:
		score = 1.0
	case parsed.Prefix != "" && family != "" && family == last:
		score = 0.95
	case given != "" && family == "" && given == first:
		score = 0.95
	case family != "" && family == last, given != "" && given == last:
		// A bare word can be a family name too.
		score = max(score, 0.9)
	case spoken != "" && strings.Contains(full, spoken):
		score = max(score, 0.8)
	}
	return score
}
