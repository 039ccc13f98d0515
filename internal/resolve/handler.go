package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/covecare/voicebook/internal/api/respond"
	"github.com/covecare/voicebook/internal/clinic"
	"github.com/covecare/voicebook/internal/directory"
	"github.com/covecare/voicebook/internal/session"
	"github.com/covecare/voicebook/pkg/logging"
)

// ClinicStore resolves the dialed number to a clinic.
type ClinicStore interface {
	ByDialedNumber(ctx context.Context, dialedNumber string) (*clinic.Clinic, error)
}

// PreferenceStore reads and writes the session's preferred location.
type PreferenceStore interface {
	Get(ctx context.Context, sessionID string) (*session.State, error)
	SetPreferredLocation(ctx context.Context, sessionID, clinicID, locationID, locationName string) error
}

// Directory is the read surface the resolver handlers need.
type Directory interface {
	ServiceDirectory
	ActivePractitioners(ctx context.Context, clinicID string) ([]directory.Practitioner, error)
	PractitionerBusinesses(ctx context.Context, practitionerID string) ([]directory.Business, error)
	BusinessPractitioners(ctx context.Context, businessID string) ([]directory.Practitioner, error)
}

// Handler serves the resolution voice tools.
type Handler struct {
	clinics       ClinicStore
	locations     *LocationResolver
	practitioners *PractitionerResolver
	dir           Directory
	sessions      PreferenceStore
	logger        *logging.Logger
}

// NewHandler creates a resolver handler.
func NewHandler(clinics ClinicStore, locations *LocationResolver, practitioners *PractitionerResolver, dir Directory, sessions PreferenceStore, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		clinics:       clinics,
		locations:     locations,
		practitioners: practitioners,
		dir:           dir,
		sessions:      sessions,
		logger:        logger,
	}
}

// locationOption is the wire shape for clarification choices; the
// agent echoes it back to /confirm-location.
type locationOption struct {
	LocationID string `json:"locationId"`
	Name       string `json:"name"`
	IsPrimary  bool   `json:"isPrimary,omitempty"`
}

type locationResolverRequest struct {
	SessionID     string `json:"sessionId"`
	DialedNumber  string `json:"dialedNumber"`
	LocationQuery string `json:"locationQuery"`
	CallerPhone   string `json:"callerPhone,omitempty"`
}

type locationResolverResponse struct {
	respond.Envelope
	Resolved           bool             `json:"resolved"`
	NeedsClarification bool             `json:"needsClarification"`
	Location           *locationOption  `json:"location,omitempty"`
	Options            []locationOption `json:"options,omitempty"`
	Confidence         float64          `json:"confidence"`
}

// ResolveLocation handles POST /location-resolver.
func (h *Handler) ResolveLocation(w http.ResponseWriter, r *http.Request) {
	var req locationResolverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	cl, ok := h.clinic(r.Context(), w, req.SessionID, req.DialedNumber)
	if !ok {
		return
	}

	var callerPhone, preferredID string
	if req.CallerPhone != "" {
		callerPhone = clinic.NormalizePhone(req.CallerPhone, cl.CountryCode)
	}
	if st, err := h.sessions.Get(r.Context(), req.SessionID); err == nil {
		preferredID = st.PreferredLocationID
	}

	res, err := h.locations.Resolve(r.Context(), cl.ID, req.LocationQuery, callerPhone, preferredID)
	if err != nil {
		h.logger.Error("location resolution failed", "session_id", req.SessionID, "error", err)
		respond.Error(w, req.SessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
		return
	}

	resp := locationResolverResponse{
		Resolved:           res.Resolved,
		NeedsClarification: res.NeedsClarification,
		Confidence:         res.Confidence,
	}
	switch {
	case res.Resolved:
		resp.Envelope = respond.OK(req.SessionID, fmt.Sprintf("Got it, %s.", res.Location.Name))
		resp.Location = toOption(res.Location)
		if err := h.sessions.SetPreferredLocation(r.Context(), req.SessionID, cl.ID, res.Location.ID, res.Location.Name); err != nil {
			h.logger.Warn("failed to save preferred location", "session_id", req.SessionID, "error", err)
		}
	case res.NeedsClarification && res.Location != nil:
		resp.Envelope = respond.OK(req.SessionID, fmt.Sprintf("Did you mean %s?", res.Location.Name))
		resp.Location = toOption(res.Location)
		resp.Options = toOptions(res.Options)
	case res.NeedsClarification:
		resp.Envelope = respond.OK(req.SessionID, "Which location would you like? "+optionNames(res.Options))
		resp.Options = toOptions(res.Options)
	default:
		resp.Envelope = respond.Err(req.SessionID, respond.ErrLocationNotFound, "I couldn't find a location by that name.")
	}
	respond.JSON(w, http.StatusOK, resp)
}

type confirmLocationRequest struct {
	SessionID    string           `json:"sessionId"`
	DialedNumber string           `json:"dialedNumber"`
	UserResponse string           `json:"userResponse"`
	Options      []locationOption `json:"options"`
}

// ConfirmLocation handles POST /confirm-location.
func (h *Handler) ConfirmLocation(w http.ResponseWriter, r *http.Request) {
	var req confirmLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	cl, ok := h.clinic(r.Context(), w, req.SessionID, req.DialedNumber)
	if !ok {
		return
	}

	options := make([]LocationMatch, len(req.Options))
	for i, o := range req.Options {
		options[i] = LocationMatch{Business: directory.Business{ID: o.LocationID, Name: o.Name, IsPrimary: o.IsPrimary}}
	}

	chosen := ConfirmLocation(req.UserResponse, options)
	if chosen == nil {
		respond.JSON(w, http.StatusOK, locationResolverResponse{
			Envelope:           respond.OK(req.SessionID, "No problem. Which location would you like? "+optionNames(options)),
			NeedsClarification: true,
			Options:            req.Options,
		})
		return
	}

	if err := h.sessions.SetPreferredLocation(r.Context(), req.SessionID, cl.ID, chosen.ID, chosen.Name); err != nil {
		h.logger.Warn("failed to save preferred location", "session_id", req.SessionID, "error", err)
	}
	respond.JSON(w, http.StatusOK, locationResolverResponse{
		Envelope:   respond.OK(req.SessionID, fmt.Sprintf("Got it, %s.", chosen.Name)),
		Resolved:   true,
		Location:   toOption(chosen),
		Confidence: 1.0,
	})
}

type practitionerRequest struct {
	SessionID    string `json:"sessionId"`
	DialedNumber string `json:"dialedNumber"`
	Practitioner string `json:"practitioner"`
	LocationID   string `json:"locationId,omitempty"`
}

type practitionerServicesResponse struct {
	respond.Envelope
	Practitioner *directory.Practitioner `json:"practitioner,omitempty"`
	Services     []directory.Service     `json:"services,omitempty"`
}

// PractitionerServices handles POST /get-practitioner-services.
func (h *Handler) PractitionerServices(w http.ResponseWriter, r *http.Request) {
	var req practitionerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	cl, ok := h.clinic(r.Context(), w, req.SessionID, req.DialedNumber)
	if !ok {
		return
	}

	p, ok := h.resolvePractitioner(r.Context(), w, cl, req.SessionID, req.Practitioner, req.LocationID)
	if !ok {
		return
	}

	services, err := h.dir.PractitionerServices(r.Context(), p.ID)
	if err != nil {
		h.logger.Error("failed to list services", "practitioner_id", p.ID, "error", err)
		respond.Error(w, req.SessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
		return
	}
	if len(services) == 0 {
		respond.JSON(w, http.StatusOK, practitionerServicesResponse{
			Envelope:     respond.Err(req.SessionID, respond.ErrServiceNotFound, fmt.Sprintf("%s has no bookable services.", p.FullName())),
			Practitioner: p,
		})
		return
	}

	var names []string
	for _, s := range services {
		names = append(names, fmt.Sprintf("%s (%d minutes)", s.Name, s.DurationMinutes))
	}
	respond.JSON(w, http.StatusOK, practitionerServicesResponse{
		Envelope:     respond.OK(req.SessionID, fmt.Sprintf("%s offers %s.", p.FullName(), strings.Join(names, ", "))),
		Practitioner: p,
		Services:     services,
	})
}

type practitionerInfoResponse struct {
	respond.Envelope
	Practitioner *directory.Practitioner `json:"practitioner,omitempty"`
	Locations    []directory.Business    `json:"locations,omitempty"`
	Services     []directory.Service     `json:"services,omitempty"`
}

// PractitionerInfo handles POST /get-practitioner-info.
func (h *Handler) PractitionerInfo(w http.ResponseWriter, r *http.Request) {
	var req practitionerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	cl, ok := h.clinic(r.Context(), w, req.SessionID, req.DialedNumber)
	if !ok {
		return
	}

	p, ok := h.resolvePractitioner(r.Context(), w, cl, req.SessionID, req.Practitioner, req.LocationID)
	if !ok {
		return
	}

	locations, err := h.dir.PractitionerBusinesses(r.Context(), p.ID)
	if err != nil {
		h.logger.Error("failed to list locations", "practitioner_id", p.ID, "error", err)
		respond.Error(w, req.SessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
		return
	}
	services, err := h.dir.PractitionerServices(r.Context(), p.ID)
	if err != nil {
		h.logger.Error("failed to list services", "practitioner_id", p.ID, "error", err)
		respond.Error(w, req.SessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
		return
	}

	var locNames []string
	for _, b := range locations {
		locNames = append(locNames, b.Name)
	}
	msg := p.FullName()
	if len(locNames) > 0 {
		msg += " works at " + strings.Join(locNames, " and ") + "."
	}
	respond.JSON(w, http.StatusOK, practitionerInfoResponse{
		Envelope:     respond.OK(req.SessionID, msg),
		Practitioner: p,
		Locations:    locations,
		Services:     services,
	})
}

type locationPractitionersRequest struct {
	SessionID    string `json:"sessionId"`
	DialedNumber string `json:"dialedNumber"`
	LocationID   string `json:"locationId"`
}

type practitionersResponse struct {
	respond.Envelope
	Practitioners []directory.Practitioner `json:"practitioners,omitempty"`
}

// LocationPractitioners handles POST /get-location-practitioners.
func (h *Handler) LocationPractitioners(w http.ResponseWriter, r *http.Request) {
	var req locationPractitionersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	if _, ok := h.clinic(r.Context(), w, req.SessionID, req.DialedNumber); !ok {
		return
	}

	practitioners, err := h.dir.BusinessPractitioners(r.Context(), req.LocationID)
	if err != nil {
		h.logger.Error("failed to list practitioners", "location_id", req.LocationID, "error", err)
		respond.Error(w, req.SessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
		return
	}
	h.respondPractitioners(w, req.SessionID, practitioners)
}

// AvailablePractitioners handles POST /get-available-practitioners:
// every active practitioner at the clinic.
func (h *Handler) AvailablePractitioners(w http.ResponseWriter, r *http.Request) {
	var req locationPractitionersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	cl, ok := h.clinic(r.Context(), w, req.SessionID, req.DialedNumber)
	if !ok {
		return
	}

	var practitioners []directory.Practitioner
	var err error
	if req.LocationID != "" {
		practitioners, err = h.dir.BusinessPractitioners(r.Context(), req.LocationID)
	} else {
		practitioners, err = h.dir.ActivePractitioners(r.Context(), cl.ID)
	}
	if err != nil {
		h.logger.Error("failed to list practitioners", "clinic_id", cl.ID, "error", err)
		respond.Error(w, req.SessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
		return
	}
	h.respondPractitioners(w, req.SessionID, practitioners)
}

func (h *Handler) respondPractitioners(w http.ResponseWriter, sessionID string, practitioners []directory.Practitioner) {
	if len(practitioners) == 0 {
		respond.JSON(w, http.StatusOK, practitionersResponse{
			Envelope: respond.Err(sessionID, respond.ErrPractitionerNotFound, "There are no practitioners taking appointments there."),
		})
		return
	}
	var names []string
	for _, p := range practitioners {
		names = append(names, p.FullName())
	}
	respond.JSON(w, http.StatusOK, practitionersResponse{
		Envelope:      respond.OK(sessionID, "We have "+strings.Join(names, ", ")+"."),
		Practitioners: practitioners,
	})
}

// resolvePractitioner runs the name resolver and writes the error or
// clarification response itself when resolution does not land.
func (h *Handler) resolvePractitioner(ctx context.Context, w http.ResponseWriter, cl *clinic.Clinic, sessionID, spoken, locationID string) (*directory.Practitioner, bool) {
	res, err := h.practitioners.Resolve(ctx, cl.ID, spoken, locationID)
	if err != nil {
		h.logger.Error("practitioner resolution failed", "session_id", sessionID, "error", err)
		respond.Error(w, sessionID, respond.ErrDatabaseError, "Sorry, something went wrong looking that up.")
		return nil, false
	}
	if res.Resolved {
		return res.Practitioner, true
	}
	if res.NeedsClarification {
		var names []string
		for _, o := range res.Options {
			names = append(names, o.Practitioner.FullName())
		}
		respond.Error(w, sessionID, respond.ErrPractitionerNotFound, "Did you mean "+strings.Join(names, " or ")+"?")
		return nil, false
	}
	respond.Error(w, sessionID, respond.ErrPractitionerNotFound, "I couldn't find a practitioner by that name.")
	return nil, false
}

func (h *Handler) clinic(ctx context.Context, w http.ResponseWriter, sessionID, dialedNumber string) (*clinic.Clinic, bool) {
	cl, err := h.clinics.ByDialedNumber(ctx, dialedNumber)
	if err != nil {
		respond.Error(w, sessionID, respond.ErrClinicNotFound, "Sorry, I couldn't find this clinic's details.")
		return nil, false
	}
	return cl, true
}

func toOption(b *directory.Business) *locationOption {
	return &locationOption{LocationID: b.ID, Name: b.Name, IsPrimary: b.IsPrimary}
}

func toOptions(matches []LocationMatch) []locationOption {
	out := make([]locationOption, len(matches))
	for i, m := range matches {
		out[i] = *toOption(&m.Business)
	}
	return out
}

func optionNames(matches []LocationMatch) string {
	var names []string
	for _, m := range matches {
		names = append(names, m.Business.Name)
	}
	return strings.Join(names, ", ")
}
