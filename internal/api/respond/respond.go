package respond

import (
	"encoding/json"
	"net/http"
)

// Error codes surfaced to the voice agent. The agent reads `message`
// aloud; `error` is for branching in the conversation flow.
const (
	ErrClinicNotFound               = "clinic_not_found"
	ErrInvalidPhoneNumber           = "invalid_phone_number"
	ErrInvalidDate                  = "invalid_date"
	ErrInvalidTime                  = "invalid_time"
	ErrLocationNotFound             = "location_not_found"
	ErrPractitionerNotFound         = "practitioner_not_found"
	ErrPractitionerInactive         = "practitioner_inactive"
	ErrPractitionerLocationMismatch = "practitioner_location_mismatch"
	ErrServiceNotFound              = "service_not_found"
	ErrNoAvailability               = "no_availability"
	ErrTimeNotAvailable             = "time_not_available"
	ErrTimeJustTaken                = "time_just_taken"
	ErrDuplicateBooking             = "duplicate_booking"
	ErrAppointmentNotFound          = "appointment_not_found"
	ErrCancellationFailed           = "cancellation_failed"
	ErrUpstreamUnauthorized         = "upstream_unauthorized"
	ErrUpstreamUnavailable          = "upstream_unavailable"
	ErrDatabaseError                = "database_error"
	ErrInternalError                = "internal_error"
)

// Envelope carries the fields every voice-tool response must include.
// Handlers embed it in their response structs.
type Envelope struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// OK builds a success envelope.
func OK(sessionID, message string) Envelope {
	return Envelope{SessionID: sessionID, Success: true, Message: message}
}

// Err builds an error envelope. The message should be short and
// speakable; it goes straight to TTS.
func Err(sessionID, code, message string) Envelope {
	return Envelope{SessionID: sessionID, Success: false, Error: code, Message: message}
}

// JSON writes v as application/json with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes an error envelope. Voice-tool errors are returned with
// 200 so the agent platform delivers the body instead of retrying.
func Error(w http.ResponseWriter, sessionID, code, message string) {
	JSON(w, http.StatusOK, Err(sessionID, code, message))
}
