package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/covecare/voicebook/internal/cliniko"
	"github.com/covecare/voicebook/pkg/logging"
)

// availabilityLister is the one client capability the prober needs.
type availabilityLister interface {
	GetAvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID, fromDate, toDate string) ([]cliniko.Slot, error)
}

// Pair names one (practitioner, business) combination plus a service
// usable for probing that practitioner's calendar.
type Pair struct {
	PractitionerID    string
	BusinessID        string
	AppointmentTypeID string
}

// Prober scans upstream availability far ahead and distills it into
// per-weekday working patterns. Run offline (cmd/sync) or on clinic
// initialization; every upstream call goes through the shared limiter
// inside the client.
type Prober struct {
	oracle  *Oracle
	logger  *logging.Logger
	horizon time.Duration
	chunk   int // days per availability request
	tz      *time.Location
}

// NewProber builds a prober with an 11.5-month horizon.
func NewProber(oracle *Oracle, logger *logging.Logger, tz *time.Location) *Prober {
	if logger == nil {
		logger = logging.Default()
	}
	if tz == nil {
		tz = time.UTC
	}
	return &Prober{
		oracle:  oracle,
		logger:  logger,
		horizon: time.Duration(345) * 24 * time.Hour,
		chunk:   7,
		tz:      tz,
	}
}

// Probe scans one pair's calendar and upserts the observed patterns.
// Returns the number of weekday patterns recorded.
func (p *Prober) Probe(ctx context.Context, client availabilityLister, pair Pair) (int, error) {
	type observed struct {
		earliest, latest string
		first, last      time.Time
	}
	byWeekday := make(map[int]*observed)

	start := time.Now().In(p.tz)
	end := start.Add(p.horizon)
	for from := start; from.Before(end); from = from.AddDate(0, 0, p.chunk) {
		to := from.AddDate(0, 0, p.chunk-1)
		if to.After(end) {
			to = end
		}
		slots, err := client.GetAvailableTimes(ctx, pair.BusinessID, pair.PractitionerID, pair.AppointmentTypeID,
			from.Format("2006-01-02"), to.Format("2006-01-02"))
		if err != nil {
			// A failed chunk leaves a gap in the map, not a failed probe.
			p.logger.Warn("schedule probe chunk failed",
				"practitioner_id", pair.PractitionerID,
				"business_id", pair.BusinessID,
				"from", from.Format("2006-01-02"),
				"error", err,
			)
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		for _, s := range slots {
			local := s.AppointmentStart.In(p.tz)
			dow := int(local.Weekday())
			hm := local.Format("15:04")
			day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
			o := byWeekday[dow]
			if o == nil {
				o = &observed{earliest: hm, latest: hm, first: day, last: day}
				byWeekday[dow] = o
			}
			if hm < o.earliest {
				o.earliest = hm
			}
			if hm > o.latest {
				o.latest = hm
			}
			if day.Before(o.first) {
				o.first = day
			}
			if day.After(o.last) {
				o.last = day
			}
		}
	}

	for dow, o := range byWeekday {
		entry := Entry{
			PractitionerID: pair.PractitionerID,
			BusinessID:     pair.BusinessID,
			DayOfWeek:      dow,
			EarliestTime:   o.earliest,
			LatestTime:     o.latest,
			EffectiveFrom:  o.first,
			EffectiveUntil: o.last,
		}
		if err := p.oracle.Upsert(ctx, entry); err != nil {
			return 0, fmt.Errorf("schedule: record pattern: %w", err)
		}
	}
	return len(byWeekday), nil
}
