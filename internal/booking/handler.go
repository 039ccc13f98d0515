package booking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/covecare/voicebook/internal/api/respond"
	"github.com/covecare/voicebook/internal/clinic"
	"github.com/covecare/voicebook/pkg/logging"
)

// ClinicStore resolves the dialed number to a clinic.
type ClinicStore interface {
	ByDialedNumber(ctx context.Context, dialedNumber string) (*clinic.Clinic, error)
}

// Handler serves the booking voice tools.
type Handler struct {
	clinics ClinicStore
	tr      *Transactor
	timeout time.Duration
	logger  *logging.Logger
}

// NewHandler creates a booking handler. timeout caps the whole booking
// flow including upstream calls.
func NewHandler(clinics ClinicStore, tr *Transactor, timeout time.Duration, logger *logging.Logger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{clinics: clinics, tr: tr, timeout: timeout, logger: logger}
}

type appointmentRequest struct {
	SessionID       string `json:"sessionId"`
	DialedNumber    string `json:"dialedNumber"`
	Action          string `json:"action"`
	PatientName     string `json:"patientName"`
	PatientPhone    string `json:"patientPhone"`
	CallerPhone     string `json:"callerPhone"`
	Practitioner    string `json:"practitioner"`
	AppointmentType string `json:"appointmentType"`
	AppointmentDate string `json:"appointmentDate"`
	AppointmentTime string `json:"appointmentTime"`
	BusinessID      string `json:"business_id"`
	Notes           string `json:"notes,omitempty"`
	AppointmentID   string `json:"appointmentId,omitempty"`
	Details         string `json:"appointmentDetails,omitempty"`
	NewDate         string `json:"newDate,omitempty"`
	NewTime         string `json:"newTime,omitempty"`
}

type bookingResponse struct {
	respond.Envelope
	ConfirmationNumber string   `json:"confirmationNumber,omitempty"`
	AppointmentID      string   `json:"appointmentId,omitempty"`
	Practitioner       string   `json:"practitioner,omitempty"`
	Service            string   `json:"service,omitempty"`
	LocalTime          string   `json:"localTime,omitempty"`
	Alternatives       []string `json:"alternatives,omitempty"`
}

// HandleAppointment handles POST /appointment-handler, dispatching on
// the action field.
func (h *Handler) HandleAppointment(w http.ResponseWriter, r *http.Request) {
	var req appointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cl, err := h.clinics.ByDialedNumber(ctx, req.DialedNumber)
	if err != nil {
		respond.Error(w, req.SessionID, respond.ErrClinicNotFound, "Sorry, I couldn't find this clinic's details.")
		return
	}

	switch req.Action {
	case "book", "":
		h.book(ctx, w, cl, req)
	case "reschedule", "modify":
		h.reschedule(ctx, w, cl, req)
	case "cancel":
		h.cancel(ctx, w, cl, req)
	default:
		respond.Error(w, req.SessionID, respond.ErrInternalError, "I'm not sure what you'd like to do with the appointment.")
	}
}

// CancelAppointment handles POST /cancel-appointment.
func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	var req appointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "I didn't catch that, could you say it again?")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cl, err := h.clinics.ByDialedNumber(ctx, req.DialedNumber)
	if err != nil {
		respond.Error(w, req.SessionID, respond.ErrClinicNotFound, "Sorry, I couldn't find this clinic's details.")
		return
	}
	h.cancel(ctx, w, cl, req)
}

func (h *Handler) book(ctx context.Context, w http.ResponseWriter, cl *clinic.Clinic, req appointmentRequest) {
	phone := req.PatientPhone
	if phone == "" {
		phone = req.CallerPhone
	}
	res, err := h.tr.Book(ctx, cl, BookRequest{
		SessionID:    req.SessionID,
		PatientName:  req.PatientName,
		PatientPhone: phone,
		Practitioner: req.Practitioner,
		Service:      req.AppointmentType,
		DateText:     req.AppointmentDate,
		TimeText:     req.AppointmentTime,
		BusinessID:   req.BusinessID,
		Notes:        req.Notes,
	})
	if err != nil {
		h.writeError(w, cl, req.SessionID, ActionBook, err)
		return
	}
	respond.JSON(w, http.StatusOK, bookingResponse{
		Envelope:           respond.OK(req.SessionID, res.Message),
		ConfirmationNumber: res.ConfirmationNumber,
		AppointmentID:      res.AppointmentID,
		Practitioner:       res.PractitionerName,
		Service:            res.ServiceName,
		LocalTime:          res.LocalTime,
	})
}

func (h *Handler) reschedule(ctx context.Context, w http.ResponseWriter, cl *clinic.Clinic, req appointmentRequest) {
	newDate, newTime := req.NewDate, req.NewTime
	if newDate == "" {
		newDate = req.AppointmentDate
	}
	if newTime == "" {
		newTime = req.AppointmentTime
	}
	res, err := h.tr.Reschedule(ctx, cl, RescheduleRequest{
		SessionID:     req.SessionID,
		AppointmentID: req.AppointmentID,
		Description:   req.Details,
		CallerPhone:   firstNonEmpty(req.CallerPhone, req.PatientPhone),
		NewDate:       newDate,
		NewTime:       newTime,
	})
	if err != nil {
		h.writeError(w, cl, req.SessionID, ActionReschedule, err)
		return
	}
	respond.JSON(w, http.StatusOK, bookingResponse{
		Envelope:           respond.OK(req.SessionID, res.Message),
		ConfirmationNumber: res.ConfirmationNumber,
		AppointmentID:      res.AppointmentID,
		Practitioner:       res.PractitionerName,
		Service:            res.ServiceName,
		LocalTime:          res.LocalTime,
	})
}

func (h *Handler) cancel(ctx context.Context, w http.ResponseWriter, cl *clinic.Clinic, req appointmentRequest) {
	res, err := h.tr.Cancel(ctx, cl, CancelRequest{
		SessionID:     req.SessionID,
		AppointmentID: req.AppointmentID,
		Description:   req.Details,
		CallerPhone:   firstNonEmpty(req.CallerPhone, req.PatientPhone),
	})
	if err != nil {
		h.writeError(w, cl, req.SessionID, ActionCancel, err)
		return
	}
	respond.JSON(w, http.StatusOK, bookingResponse{
		Envelope:      respond.OK(req.SessionID, res.Message),
		AppointmentID: res.AppointmentID,
		LocalTime:     res.LocalTime,
	})
}

// writeError maps booking errors to the voice envelope and records the
// failed attempt in the audit trail.
func (h *Handler) writeError(w http.ResponseWriter, cl *clinic.Clinic, sessionID, action string, err error) {
	var be *Error
	if errors.As(err, &be) {
		respond.JSON(w, http.StatusOK, bookingResponse{
			Envelope:     respond.Err(sessionID, be.Code, be.Message),
			Alternatives: be.Alternatives,
		})
		h.audit(cl, sessionID, action, be.Code)
		return
	}
	h.logger.Error("booking failed", "session_id", sessionID, "action", action, "error", err)
	respond.Error(w, sessionID, respond.ErrInternalError, "Sorry, something went wrong on our side.")
	h.audit(cl, sessionID, action, respond.ErrInternalError)
}

func (h *Handler) audit(cl *clinic.Clinic, sessionID, action, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := logAction(ctx, h.tr.db, AuditEntry{
		ClinicID:  cl.ID,
		SessionID: sessionID,
		Action:    action,
		Status:    StatusFailed,
		Details:   code,
	}); err != nil {
		h.logger.Warn("failed to write audit row", "session_id", sessionID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
