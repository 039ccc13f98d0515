package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/covecare/voicebook/internal/api/respond"
	"github.com/covecare/voicebook/internal/clinic"
	"github.com/covecare/voicebook/internal/directory"
	"github.com/covecare/voicebook/internal/resolve"
	"github.com/covecare/voicebook/internal/timeparse"
	"github.com/covecare/voicebook/pkg/logging"
)

// ClinicStore resolves the dialed number to a clinic.
type ClinicStore interface {
	ByDialedNumber(ctx context.Context, dialedNumber string) (*clinic.Clinic, error)
}

// NameResolver matches a spoken practitioner name.
type NameResolver interface {
	Resolve(ctx context.Context, clinicID, spoken, businessID string) (*resolve.PractitionerResult, error)
}

// HandlerDirectory is the directory slice the handlers need to turn
// spoken criteria into IDs.
type HandlerDirectory interface {
	ActivePractitioners(ctx context.Context, clinicID string) ([]directory.Practitioner, error)
	PractitionerServices(ctx context.Context, practitionerID string) ([]directory.Service, error)
}

// Handler serves the availability voice tools.
type Handler struct {
	clinics       ClinicStore
	search        *Search
	practitioners NameResolver
	dir           HandlerDirectory
	timeout       time.Duration
	logger        *logging.Logger
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Clinics       ClinicStore
	Search        *Search
	Practitioners NameResolver
	Directory     HandlerDirectory
	Timeout       time.Duration
	Logger        *logging.Logger
}

// NewHandler creates an availability handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		// The day fan-out runs under its own 75s budget; leave headroom.
		cfg.Timeout = 90 * time.Second
	}
	return &Handler{
		clinics:       cfg.Clinics,
		search:        cfg.Search,
		practitioners: cfg.Practitioners,
		dir:           cfg.Directory,
		timeout:       cfg.Timeout,
		logger:        cfg.Logger,
	}
}

type checkRequest struct {
	SessionID       string `json:"sessionId"`
	DialedNumber    string `json:"dialedNumber"`
	Practitioner    string `json:"practitioner,omitempty"`
	AppointmentType string `json:"appointmentType,omitempty"`
	Date            string `json:"date"`
	LocationID      string `json:"locationId,omitempty"`
}

type findNextRequest struct {
	SessionID       string `json:"sessionId"`
	DialedNumber    string `json:"dialedNumber"`
	Practitioner    string `json:"practitioner,omitempty"`
	AppointmentType string `json:"appointmentType,omitempty"`
	LocationID      string `json:"locationId,omitempty"`
	MaxDays         int    `json:"maxDays,omitempty"`
}

type availabilityResponse struct {
	respond.Envelope
	Available     bool    `json:"available"`
	Date          string  `json:"date,omitempty"`
	Slots         []Offer `json:"slots,omitempty"`
	NextAvailable []Offer `json:"nextAvailable,omitempty"`
}

// criteriaErrorResponse carries remediation options alongside the
// envelope so the agent can offer them without another round trip.
type criteriaErrorResponse struct {
	respond.Envelope
	Options []string `json:"options,omitempty"`
}

// CheckAvailability handles POST /availability-checker: every open
// slot on one requested day, with an earliest-next fallback when the
// day is full.
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cl, ok := h.clinic(ctx, w, req.SessionID, req.DialedNumber)
	if !ok {
		return
	}

	date, err := timeparse.Date(req.Date, time.Now(), cl.Location())
	if err != nil {
		respond.Error(w, req.SessionID, respond.ErrInvalidDate, "I didn't understand that date. Could you say it differently?")
		return
	}

	criteria, ok := h.buildCriteria(ctx, w, cl, req.SessionID, req.Practitioner, req.AppointmentType, req.LocationID)
	if !ok {
		return
	}

	res, err := h.search.CheckDay(ctx, cl, criteria, date, req.SessionID)
	if err != nil {
		h.writeSearchError(w, req.SessionID, err)
		return
	}

	day := date.Format("Monday January 2")
	if len(res.Offers) > 0 {
		respond.JSON(w, http.StatusOK, availabilityResponse{
			Envelope:  respond.OK(req.SessionID, fmt.Sprintf("On %s there are %d open times: %s.", day, len(res.Offers), offerTimes(res.Offers))),
			Available: true,
			Date:      date.Format("2006-01-02"),
			Slots:     res.Offers,
		})
		return
	}

	// Day is full: answer with the earliest open slot instead of a
	// dead end.
	next, err := h.search.FindNextAvailable(ctx, cl, criteria, h.search.DefaultHorizon(), req.SessionID)
	if err != nil {
		h.writeSearchError(w, req.SessionID, err)
		return
	}
	msg := fmt.Sprintf("There's nothing open on %s.", day)
	if len(next.Offers) > 0 {
		msg += " " + next.Message
	}
	respond.JSON(w, http.StatusOK, availabilityResponse{
		Envelope:      respond.OK(req.SessionID, msg),
		Available:     false,
		Date:          date.Format("2006-01-02"),
		NextAvailable: next.Offers,
	})
}

// FindNextAvailable handles POST /find-next-available: the two
// earliest undeclined slots matching the spoken criteria.
func (h *Handler) FindNextAvailable(w http.ResponseWriter, r *http.Request) {
	var req findNextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cl, ok := h.clinic(ctx, w, req.SessionID, req.DialedNumber)
	if !ok {
		return
	}

	criteria, ok := h.buildCriteria(ctx, w, cl, req.SessionID, req.Practitioner, req.AppointmentType, req.LocationID)
	if !ok {
		return
	}

	horizon := req.MaxDays
	if horizon <= 0 {
		horizon = h.search.DefaultHorizon()
	}
	res, err := h.search.FindNextAvailable(ctx, cl, criteria, horizon, req.SessionID)
	if err != nil {
		h.writeSearchError(w, req.SessionID, err)
		return
	}

	respond.JSON(w, http.StatusOK, availabilityResponse{
		Envelope:  respond.OK(req.SessionID, res.Message),
		Available: len(res.Offers) > 0,
		Slots:     res.Offers,
	})
}

// buildCriteria turns spoken practitioner and service names into IDs.
// Resolution failures are written to the response directly.
func (h *Handler) buildCriteria(ctx context.Context, w http.ResponseWriter, cl *clinic.Clinic, sessionID, practitioner, appointmentType, locationID string) (Criteria, bool) {
	var criteria Criteria
	if locationID != "" {
		criteria.BusinessIDs = []string{locationID}
	}

	var resolvedID string
	if strings.TrimSpace(practitioner) != "" {
		res, err := h.practitioners.Resolve(ctx, cl.ID, practitioner, locationID)
		if err != nil {
			h.logger.Error("practitioner resolution failed", "session_id", sessionID, "error", err)
			respond.Error(w, sessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
			return criteria, false
		}
		switch {
		case res.Resolved:
			resolvedID = res.Practitioner.ID
			criteria.PractitionerIDs = []string{resolvedID}
		case res.NeedsClarification:
			var names []string
			for _, o := range res.Options {
				names = append(names, o.Practitioner.FullName())
			}
			respond.JSON(w, http.StatusOK, criteriaErrorResponse{
				Envelope: respond.Err(sessionID, respond.ErrPractitionerNotFound, "Did you mean "+strings.Join(names, " or ")+"?"),
				Options:  names,
			})
			return criteria, false
		default:
			respond.Error(w, sessionID, respond.ErrPractitionerNotFound, "I couldn't find a practitioner by that name.")
			return criteria, false
		}
	}

	if strings.TrimSpace(appointmentType) != "" {
		serviceID, ok := h.matchService(ctx, w, cl, sessionID, resolvedID, appointmentType)
		if !ok {
			return criteria, false
		}
		criteria.ServiceID = serviceID
	}
	return criteria, true
}

// matchService resolves a spoken service name. Matching stays scoped
// to one practitioner's catalogue; with no practitioner named, the
// first active practitioner offering the service anchors the ID.
func (h *Handler) matchService(ctx context.Context, w http.ResponseWriter, cl *clinic.Clinic, sessionID, practitionerID, spoken string) (string, bool) {
	if practitionerID != "" {
		match, offered, err := resolve.MatchService(ctx, h.dir, practitionerID, spoken)
		if err != nil {
			h.logger.Error("service match failed", "session_id", sessionID, "error", err)
			respond.Error(w, sessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
			return "", false
		}
		if match == nil {
			names := serviceNames(offered)
			respond.JSON(w, http.StatusOK, criteriaErrorResponse{
				Envelope: respond.Err(sessionID, respond.ErrServiceNotFound, "They don't offer that service. They offer "+strings.Join(names, ", ")+"."),
				Options:  names,
			})
			return "", false
		}
		return match.ID, true
	}

	practitioners, err := h.dir.ActivePractitioners(ctx, cl.ID)
	if err != nil {
		h.logger.Error("failed to list practitioners", "session_id", sessionID, "error", err)
		respond.Error(w, sessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
		return "", false
	}
	seen := make(map[string]bool)
	var allOffered []string
	for _, p := range practitioners {
		match, offered, err := resolve.MatchService(ctx, h.dir, p.ID, spoken)
		if err != nil {
			h.logger.Error("service match failed", "session_id", sessionID, "error", err)
			respond.Error(w, sessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
			return "", false
		}
		if match != nil {
			return match.ID, true
		}
		for _, name := range serviceNames(offered) {
			if !seen[name] {
				seen[name] = true
				allOffered = append(allOffered, name)
			}
		}
	}
	respond.JSON(w, http.StatusOK, criteriaErrorResponse{
		Envelope: respond.Err(sessionID, respond.ErrServiceNotFound, "I couldn't find that service. We offer "+strings.Join(allOffered, ", ")+"."),
		Options:  allOffered,
	})
	return "", false
}

func (h *Handler) writeSearchError(w http.ResponseWriter, sessionID string, err error) {
	var ce *CriteriaError
	if errors.As(err, &ce) {
		respond.JSON(w, http.StatusOK, criteriaErrorResponse{
			Envelope: respond.Err(sessionID, ce.Code, ce.Message),
			Options:  ce.Suggestions,
		})
		return
	}
	h.logger.Error("availability search failed", "session_id", sessionID, "error", err)
	respond.Error(w, sessionID, respond.ErrInternalError, "Sorry, something went wrong checking the calendar.")
}

func (h *Handler) clinic(ctx context.Context, w http.ResponseWriter, sessionID, dialedNumber string) (*clinic.Clinic, bool) {
	cl, err := h.clinics.ByDialedNumber(ctx, dialedNumber)
	if err != nil {
		respond.Error(w, sessionID, respond.ErrClinicNotFound, "Sorry, I couldn't find this clinic's details.")
		return nil, false
	}
	return cl, true
}

// offerTimes drops the weekday from "Monday 3:04 PM" style labels;
// the day is already in the sentence.
func offerTimes(offers []Offer) string {
	var times []string
	for _, o := range offers {
		if _, t, ok := strings.Cut(o.LocalTime, " "); ok {
			times = append(times, t)
		} else {
			times = append(times, o.LocalTime)
		}
	}
	return strings.Join(times, ", ")
}

func serviceNames(services []directory.Service) []string {
	var names []string
	for _, s := range services {
		names = append(names, s.Name)
	}
	return names
}
