package resolve

import (
	"context"
	"strings"

	"github.com/covecare/voicebook/internal/directory"
)

// ServiceDirectory lists a practitioner's offerings.
type ServiceDirectory interface {
	PractitionerServices(ctx context.Context, practitionerID string) ([]directory.Service, error)
}

// MatchService finds the practitioner's service matching the spoken
// name. Matching is deliberately strict: exact normalized equality or
// substring either way, never fuzzy, and never another practitioner's
// catalogue. Returns nil when nothing matches; offered carries the
// full list for the error message.
func MatchService(ctx context.Context, dir ServiceDirectory, practitionerID, spoken string) (match *directory.Service, offered []directory.Service, err error) {
	services, err := dir.PractitionerServices(ctx, practitionerID)
	if err != nil {
		return nil, nil, err
	}
	q := Normalize(spoken)
	if q == "" {
		return nil, services, nil
	}
	for i := range services {
		if Normalize(services[i].Name) == q {
			return &services[i], services, nil
		}
	}
	for i := range services {
		name := Normalize(services[i].Name)
		if strings.Contains(name, q) || strings.Contains(q, name) {
			return &services[i], services, nil
		}
	}
	return nil, services, nil
}
