package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/covecare/voicebook/internal/api/respond"
	"github.com/covecare/voicebook/internal/clinic"
	"github.com/covecare/voicebook/internal/cliniko"
	"github.com/covecare/voicebook/internal/directory"
	"github.com/covecare/voicebook/internal/fanout"
	"github.com/covecare/voicebook/internal/session"
	"github.com/covecare/voicebook/pkg/logging"
)

// SlotClient is the one upstream capability the search needs.
type SlotClient interface {
	GetAvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID, fromDate, toDate string) ([]cliniko.Slot, error)
}

// ClientFunc yields the upstream client for a clinic.
type ClientFunc func(c *clinic.Clinic) (SlotClient, error)

// DirectoryReader is the slice of the directory the search consumes.
type DirectoryReader interface {
	ActivePractitioners(ctx context.Context, clinicID string) ([]directory.Practitioner, error)
	PractitionerByID(ctx context.Context, practitionerID string) (*directory.Practitioner, error)
	Businesses(ctx context.Context, clinicID string) ([]directory.Business, error)
	BusinessByID(ctx context.Context, businessID string) (*directory.Business, error)
	PractitionerWorksAt(ctx context.Context, practitionerID, businessID string) (bool, error)
	PractitionerBusinesses(ctx context.Context, practitionerID string) ([]directory.Business, error)
	PractitionerServices(ctx context.Context, practitionerID string) ([]directory.Service, error)
	ServiceByID(ctx context.Context, serviceID string) (*directory.Service, error)
}

// SessionTracker applies the rejected-slot contract across turns.
type SessionTracker interface {
	BeginSearch(ctx context.Context, sessionID, clinicID, fingerprint string) (*session.State, error)
	RecordOffer(ctx context.Context, st *session.State, offered []time.Time) error
}

// SlotCache is the cache surface the search uses.
type SlotCache interface {
	Get(ctx context.Context, practitionerID, businessID string, date time.Time) ([]Slot, error)
	Put(ctx context.Context, clinicID, practitionerID, businessID string, date time.Time, slots []Slot) error
}

// SuppressionReader filters out recently conflicted times-of-day.
type SuppressionReader interface {
	SuppressedTimes(ctx context.Context, practitionerID, businessID string, date time.Time) (map[string]bool, error)
}

// ScheduleFilter prunes candidate dates to plausible working days.
type ScheduleFilter interface {
	ScheduledDays(ctx context.Context, practitionerID, businessID string, dates []time.Time) ([]time.Time, error)
}

// Criteria is the caller's normalized search constraint set. Empty
// slices mean "any".
type Criteria struct {
	PractitionerIDs []string
	BusinessIDs     []string
	ServiceID       string
}

// Fingerprint produces the stable criteria hash that gates the
// session's rejected set.
func (c Criteria) Fingerprint() string {
	p := append([]string(nil), c.PractitionerIDs...)
	b := append([]string(nil), c.BusinessIDs...)
	sort.Strings(p)
	sort.Strings(b)
	return session.Fingerprint(strings.Join(p, ","), c.ServiceID, strings.Join(b, ","))
}

// CriteriaError is a structured rejection of a criteria set, carrying a
// speakable message and remediation options.
type CriteriaError struct {
	Code        string
	Message     string
	Suggestions []string
}

func (e *CriteriaError) Error() string { return e.Code + ": " + e.Message }

// Offer is one slot surfaced to the caller.
type Offer struct {
	Instant          time.Time `json:"instant"`
	LocalTime        string    `json:"localTime"`
	Date             string    `json:"date"`
	PractitionerID   string    `json:"practitionerId"`
	PractitionerName string    `json:"practitionerName"`
	BusinessID       string    `json:"locationId"`
	BusinessName     string    `json:"locationName"`
	ServiceID        string    `json:"serviceId"`
	ServiceName      string    `json:"serviceName"`
}

// SearchResult aggregates a fan-out round.
type SearchResult struct {
	Offers     []Offer
	DaysProbed int
	Message    string
}

// triple is one (practitioner, business, service) combination validated
// against the join tables.
type triple struct {
	practitioner directory.Practitioner
	business     directory.Business
	service      directory.Service
}

// dayProbe is the unit of fan-out work: one triple on one date.
type dayProbe struct {
	t    triple
	date time.Time
	day  int // days ahead of today
}

type daySlots struct {
	probe dayProbe
	slots []Slot
}

// Search drives the cache-then-upstream availability path: build the
// criteria cross product, prune it through the schedule oracle, fan the
// remaining day probes out under the global call budget, and fold the
// answers into the earliest offers the caller has not already declined.
type Search struct {
	cache    SlotCache
	attempts SuppressionReader
	dir      DirectoryReader
	oracle   ScheduleFilter
	engine   *fanout.Engine
	clients  ClientFunc
	sessions SessionTracker
	logger   *logging.Logger

	horizonDefault int
	timeoutNear    time.Duration
	timeoutFar     time.Duration
	batchDeadline  time.Duration
}

// SearchConfig wires a Search.
type SearchConfig struct {
	Cache          SlotCache
	Attempts       SuppressionReader
	Directory      DirectoryReader
	Oracle         ScheduleFilter
	Engine         *fanout.Engine
	Clients        ClientFunc
	Sessions       SessionTracker
	Logger         *logging.Logger
	DefaultHorizon int
	TimeoutNear    time.Duration
	TimeoutFar     time.Duration
	BatchDeadline  time.Duration
}

// NewSearch builds the search service.
func NewSearch(cfg SearchConfig) *Search {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.DefaultHorizon <= 0 {
		cfg.DefaultHorizon = 14
	}
	if cfg.TimeoutNear <= 0 {
		cfg.TimeoutNear = 8 * time.Second
	}
	if cfg.TimeoutFar <= 0 {
		cfg.TimeoutFar = 20 * time.Second
	}
	if cfg.BatchDeadline <= 0 {
		cfg.BatchDeadline = 75 * time.Second
	}
	return &Search{
		cache:          cfg.Cache,
		attempts:       cfg.Attempts,
		dir:            cfg.Directory,
		oracle:         cfg.Oracle,
		engine:         cfg.Engine,
		clients:        cfg.Clients,
		sessions:       cfg.Sessions,
		logger:         cfg.Logger,
		horizonDefault: cfg.DefaultHorizon,
		timeoutNear:    cfg.TimeoutNear,
		timeoutFar:     cfg.TimeoutFar,
		batchDeadline:  cfg.BatchDeadline,
	}
}

// DefaultHorizon is the scan window used when the caller does not name
// one.
func (s *Search) DefaultHorizon() int { return s.horizonDefault }

// FindNextAvailable returns the two earliest undeclined slots matching
// the criteria within horizonDays of today. A zero or negative horizon
// has no days to scan: it answers no-availability without building
// tasks or touching the upstream.
func (s *Search) FindNextAvailable(ctx context.Context, cl *clinic.Clinic, criteria Criteria, horizonDays int, sessionID string) (*SearchResult, error) {
	if horizonDays <= 0 {
		return &SearchResult{Message: "There are no open appointments in that window."}, nil
	}

	st, err := s.sessions.BeginSearch(ctx, sessionID, cl.ID, criteria.Fingerprint())
	if err != nil {
		return nil, err
	}

	triples, err := s.buildTriples(ctx, cl, criteria)
	if err != nil {
		return nil, err
	}

	tz := cl.Location()
	today := time.Now().In(tz)
	var dates []time.Time
	for i := 0; i < horizonDays; i++ {
		d := today.AddDate(0, 0, i)
		dates = append(dates, time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC))
	}

	probes, err := s.pruneProbes(ctx, triples, dates)
	if err != nil {
		return nil, err
	}
	if len(probes) == 0 {
		return &SearchResult{
			Message: fmt.Sprintf("I couldn't find any appointments in the next %d days.", horizonDays),
		}, nil
	}

	results := s.probeDays(ctx, cl, probes)

	offers, err := s.collectOffers(ctx, cl, st, results, 2)
	if err != nil {
		return nil, err
	}

	res := &SearchResult{Offers: offers, DaysProbed: len(probes)}
	if len(offers) == 0 {
		res.Message = fmt.Sprintf("I couldn't find any appointments in the next %d days.", horizonDays)
		return res, nil
	}

	var instants []time.Time
	for _, o := range offers {
		instants = append(instants, o.Instant)
	}
	if err := s.sessions.RecordOffer(ctx, st, instants); err != nil {
		return nil, err
	}
	res.Message = offerMessage(offers)
	return res, nil
}

// CheckDay lists every open slot for one triple on one date, reusing
// the same cache-then-upstream path and session filters.
func (s *Search) CheckDay(ctx context.Context, cl *clinic.Clinic, criteria Criteria, date time.Time, sessionID string) (*SearchResult, error) {
	st, err := s.sessions.BeginSearch(ctx, sessionID, cl.ID, criteria.Fingerprint())
	if err != nil {
		return nil, err
	}
	triples, err := s.buildTriples(ctx, cl, criteria)
	if err != nil {
		return nil, err
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	var probes []dayProbe
	for _, t := range triples {
		probes = append(probes, dayProbe{t: t, date: day})
	}
	results := s.probeDays(ctx, cl, probes)

	offers, err := s.collectOffers(ctx, cl, st, results, 0)
	if err != nil {
		return nil, err
	}
	res := &SearchResult{Offers: offers, DaysProbed: len(probes)}
	if len(offers) == 0 {
		res.Message = "There are no open times on that day."
	} else {
		res.Message = fmt.Sprintf("There are %d open times on %s.", len(offers), offers[0].Date)
	}
	return res, nil
}

// buildTriples expands criteria into validated (practitioner, business,
// service) combinations. An empty expansion is a structured error with
// a suggestion the agent can speak.
func (s *Search) buildTriples(ctx context.Context, cl *clinic.Clinic, criteria Criteria) ([]triple, error) {
	var practitioners []directory.Practitioner
	if len(criteria.PractitionerIDs) > 0 {
		for _, id := range criteria.PractitionerIDs {
			p, err := s.dir.PractitionerByID(ctx, id)
			if err != nil {
				if errors.Is(err, directory.ErrNotFound) {
					return nil, &CriteriaError{Code: respond.ErrPractitionerNotFound, Message: "I couldn't find that practitioner."}
				}
				return nil, err
			}
			if !p.Active {
				return nil, &CriteriaError{Code: respond.ErrPractitionerInactive, Message: fmt.Sprintf("%s isn't currently taking appointments.", p.FullName())}
			}
			practitioners = append(practitioners, *p)
		}
	} else {
		all, err := s.dir.ActivePractitioners(ctx, cl.ID)
		if err != nil {
			return nil, err
		}
		practitioners = all
	}
	if len(practitioners) == 0 {
		return nil, &CriteriaError{Code: respond.ErrPractitionerNotFound, Message: "There are no practitioners taking appointments."}
	}

	var businesses []directory.Business
	if len(criteria.BusinessIDs) > 0 {
		for _, id := range criteria.BusinessIDs {
			b, err := s.dir.BusinessByID(ctx, id)
			if err != nil {
				if errors.Is(err, directory.ErrNotFound) {
					return nil, &CriteriaError{Code: respond.ErrLocationNotFound, Message: "I couldn't find that location."}
				}
				return nil, err
			}
			businesses = append(businesses, *b)
		}
	} else {
		all, err := s.dir.Businesses(ctx, cl.ID)
		if err != nil {
			return nil, err
		}
		businesses = all
	}

	var triples []triple
	for _, p := range practitioners {
		services, err := s.practitionerProbeServices(ctx, p, criteria.ServiceID)
		if err != nil {
			var ce *CriteriaError
			// A named service one practitioner doesn't offer only kills
			// the search when no practitioner offers it.
			if errors.As(err, &ce) && len(criteria.PractitionerIDs) != 1 {
				continue
			}
			return nil, err
		}
		for _, b := range businesses {
			worksAt, err := s.dir.PractitionerWorksAt(ctx, p.ID, b.ID)
			if err != nil {
				return nil, err
			}
			if !worksAt {
				continue
			}
			for _, svc := range services {
				triples = append(triples, triple{practitioner: p, business: b, service: svc})
			}
		}
	}

	if len(triples) == 0 {
		if len(criteria.PractitionerIDs) == 1 && len(criteria.BusinessIDs) > 0 {
			// Most common dead end: right practitioner, wrong location.
			actual, err := s.dir.PractitionerBusinesses(ctx, criteria.PractitionerIDs[0])
			if err == nil && len(actual) > 0 {
				var locs []string
				for _, b := range actual {
					locs = append(locs, b.Name)
				}
				return nil, &CriteriaError{
					Code:        respond.ErrPractitionerLocationMismatch,
					Message:     "That practitioner doesn't work at that location. They're available at " + strings.Join(locs, ", ") + ".",
					Suggestions: locs,
				}
			}
		}
		return nil, &CriteriaError{Code: respond.ErrNoAvailability, Message: "I couldn't match that combination of practitioner, service, and location."}
	}
	return triples, nil
}

// practitionerProbeServices picks the services to probe a calendar
// with: the named one when given (and offered), otherwise the
// practitioner's first active service.
func (s *Search) practitionerProbeServices(ctx context.Context, p directory.Practitioner, serviceID string) ([]directory.Service, error) {
	services, err := s.dir.PractitionerServices(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if serviceID == "" {
		if len(services) == 0 {
			return nil, &CriteriaError{Code: respond.ErrServiceNotFound, Message: fmt.Sprintf("%s has no bookable services.", p.FullName())}
		}
		return services[:1], nil
	}
	for _, svc := range services {
		if svc.ID == serviceID {
			return []directory.Service{svc}, nil
		}
	}
	var names []string
	for _, svc := range services {
		names = append(names, svc.Name)
	}
	return nil, &CriteriaError{
		Code:        respond.ErrServiceNotFound,
		Message:     fmt.Sprintf("%s doesn't offer that service. They offer %s.", p.FullName(), strings.Join(names, ", ")),
		Suggestions: names,
	}
}

// pruneProbes drops (triple, date) pairs the schedule oracle says are
// off-pattern. Unknown patterns pass through untouched.
func (s *Search) pruneProbes(ctx context.Context, triples []triple, dates []time.Time) ([]dayProbe, error) {
	var probes []dayProbe
	for _, t := range triples {
		scheduled, err := s.oracle.ScheduledDays(ctx, t.practitioner.ID, t.business.ID, dates)
		if err != nil {
			return nil, err
		}
		for _, d := range scheduled {
			days := 0
			if len(dates) > 0 {
				days = int(d.Sub(dates[0]).Hours() / 24)
			}
			probes = append(probes, dayProbe{t: t, date: d, day: days})
		}
	}
	return probes, nil
}

// probeDays fans the probes out: cache first, upstream on miss with a
// write-back. Individual probe failures degrade the answer rather than
// failing the search.
func (s *Search) probeDays(ctx context.Context, cl *clinic.Clinic, probes []dayProbe) []fanout.Result[daySlots] {
	ctx, cancel := context.WithTimeout(ctx, s.batchDeadline)
	defer cancel()

	tasks := make([]fanout.Task[daySlots], len(probes))
	for i, probe := range probes {
		probe := probe
		tasks[i] = fanout.Task[daySlots]{
			Name:    fmt.Sprintf("check:%s:%s:%s", probe.t.practitioner.ID, probe.t.business.ID, probe.date.Format("2006-01-02")),
			Timeout: fanout.ProgressiveTimeout(probe.day, s.timeoutNear, s.timeoutFar),
			Run: func(ctx context.Context) (daySlots, error) {
				slots, err := s.checkOneDay(ctx, cl, probe)
				return daySlots{probe: probe, slots: slots}, err
			},
		}
	}
	return fanout.Execute(ctx, s.engine, tasks)
}

func (s *Search) checkOneDay(ctx context.Context, cl *clinic.Clinic, probe dayProbe) ([]Slot, error) {
	slots, err := s.cache.Get(ctx, probe.t.practitioner.ID, probe.t.business.ID, probe.date)
	if err == nil {
		return slots, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return nil, err
	}

	client, err := s.clients(cl)
	if err != nil {
		return nil, err
	}
	day := probe.date.Format("2006-01-02")
	fresh, err := client.GetAvailableTimes(ctx, probe.t.business.ID, probe.t.practitioner.ID, probe.t.service.ID, day, day)
	if err != nil {
		return nil, err
	}
	converted := make([]Slot, 0, len(fresh))
	for _, f := range fresh {
		converted = append(converted, Slot{AppointmentStart: f.AppointmentStart.UTC()})
	}
	if putErr := s.cache.Put(ctx, cl.ID, probe.t.practitioner.ID, probe.t.business.ID, probe.date, converted); putErr != nil {
		s.logger.Warn("cache write-back failed",
			"practitioner_id", probe.t.practitioner.ID,
			"business_id", probe.t.business.ID,
			"date", day,
			"error", putErr,
		)
	}
	return converted, nil
}

// collectOffers folds fan-out results into the earliest offers, after
// the session's rejected set and the conflict suppression filter.
// limit 0 means all.
func (s *Search) collectOffers(ctx context.Context, cl *clinic.Clinic, st *session.State, results []fanout.Result[daySlots], limit int) ([]Offer, error) {
	tz := cl.Location()
	now := time.Now()

	type key struct {
		instant        int64
		practitionerID string
		businessID     string
	}
	seen := make(map[key]bool)
	var offers []Offer

	for _, r := range results {
		if !r.OK() {
			if r.Err != nil && r.Class != cliniko.ClassCancelled {
				s.logger.Warn("day probe failed", "task", r.Name, "class", string(r.Class), "error", r.Err)
			}
			continue
		}
		ds := r.Value
		suppressed, err := s.attempts.SuppressedTimes(ctx, ds.probe.t.practitioner.ID, ds.probe.t.business.ID, ds.probe.date)
		if err != nil {
			return nil, err
		}
		for _, slot := range ds.slots {
			instant := slot.AppointmentStart.UTC()
			if !instant.After(now) {
				continue
			}
			if st.Rejected(instant) {
				continue
			}
			if suppressed[instant.In(tz).Format("15:04")] {
				continue
			}
			k := key{instant: instant.Unix(), practitionerID: ds.probe.t.practitioner.ID, businessID: ds.probe.t.business.ID}
			if seen[k] {
				continue
			}
			seen[k] = true
			local := instant.In(tz)
			offers = append(offers, Offer{
				Instant:          instant,
				LocalTime:        local.Format("Monday 3:04 PM"),
				Date:             local.Format("2006-01-02"),
				PractitionerID:   ds.probe.t.practitioner.ID,
				PractitionerName: ds.probe.t.practitioner.FullName(),
				BusinessID:       ds.probe.t.business.ID,
				BusinessName:     ds.probe.t.business.Name,
				ServiceID:        ds.probe.t.service.ID,
				ServiceName:      ds.probe.t.service.Name,
			})
		}
	}

	sort.Slice(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if !a.Instant.Equal(b.Instant) {
			return a.Instant.Before(b.Instant)
		}
		// Equal instants: preferred location, then primary, then the
		// lowest practitioner id for determinism.
		ap := a.BusinessID == st.PreferredLocationID
		bp := b.BusinessID == st.PreferredLocationID
		if ap != bp {
			return ap
		}
		aPrim, bPrim := s.isPrimary(ctx, a.BusinessID), s.isPrimary(ctx, b.BusinessID)
		if aPrim != bPrim {
			return aPrim
		}
		return a.PractitionerID < b.PractitionerID
	})

	if limit > 0 && len(offers) > limit {
		offers = offers[:limit]
	}
	return offers, nil
}

func (s *Search) isPrimary(ctx context.Context, businessID string) bool {
	b, err := s.dir.BusinessByID(ctx, businessID)
	return err == nil && b.IsPrimary
}

func offerMessage(offers []Offer) string {
	first := offers[0]
	msg := fmt.Sprintf("The earliest appointment is %s with %s at %s.",
		first.LocalTime, first.PractitionerName, first.BusinessName)
	if len(offers) > 1 {
		second := offers[1]
		msg += fmt.Sprintf(" After that, %s with %s.", second.LocalTime, second.PractitionerName)
	}
	return msg
}
