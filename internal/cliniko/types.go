package cliniko

import (
	"encoding/json"
	"strings"
	"time"
)

// Patient mirrors the upstream patient record.
type Patient struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	Phones    []string
}

// Slot is a bookable start instant returned by the available-times API.
// Instants are UTC on the wire.
type Slot struct {
	AppointmentStart time.Time `json:"appointment_start"`
}

// Appointment mirrors an upstream individual appointment.
type Appointment struct {
	ID                string
	StartsAt          time.Time
	EndsAt            time.Time
	CancelledAt       *time.Time
	PatientID         string
	PractitionerID    string
	AppointmentTypeID string
	BusinessID        string
	Notes             string
	UpdatedAt         time.Time
}

// Cancelled reports whether the appointment no longer occupies a slot.
func (a *Appointment) Cancelled() bool {
	return a.CancelledAt != nil
}

// Practitioner mirrors an upstream practitioner record.
type Practitioner struct {
	ID        string
	FirstName string
	LastName  string
	Title     string
	Active    bool
}

// Business mirrors an upstream business (location) record.
type Business struct {
	ID   string
	Name string
}

// AppointmentType mirrors an upstream appointment type (service).
type AppointmentType struct {
	ID              string
	Name            string
	DurationMinutes int
	Active          bool
}

// CreateAppointmentRequest carries the fields for a new booking.
type CreateAppointmentRequest struct {
	PatientID         string
	PractitionerID    string
	AppointmentTypeID string
	BusinessID        string
	StartUTC          time.Time
	EndUTC            time.Time
	Notes             string
}

// --- wire shapes ---

type wireLinks struct {
	Next string `json:"next"`
}

type wirePhone struct {
	Number string `json:"number"`
}

type wirePatient struct {
	ID           json.Number `json:"id"`
	FirstName    string      `json:"first_name"`
	LastName     string      `json:"last_name"`
	Email        string      `json:"email"`
	PhoneNumbers []wirePhone `json:"patient_phone_numbers"`
}

func (w wirePatient) toPatient() Patient {
	p := Patient{
		ID:        w.ID.String(),
		FirstName: w.FirstName,
		LastName:  w.LastName,
		Email:     w.Email,
	}
	for _, ph := range w.PhoneNumbers {
		p.Phones = append(p.Phones, ph.Number)
	}
	return p
}

type wireRef struct {
	Links struct {
		Self string `json:"self"`
	} `json:"links"`
}

// refID extracts the trailing path segment of a linked resource URL.
func (r wireRef) refID() string {
	self := strings.TrimSuffix(r.Links.Self, "/")
	if i := strings.LastIndex(self, "/"); i >= 0 {
		return self[i+1:]
	}
	return ""
}

type wireAppointment struct {
	ID              json.Number `json:"id"`
	StartsAt        time.Time   `json:"starts_at"`
	EndsAt          time.Time   `json:"ends_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	CancelledAt     *time.Time  `json:"cancelled_at"`
	Notes           string      `json:"notes"`
	Patient         wireRef     `json:"patient"`
	Practitioner    wireRef     `json:"practitioner"`
	AppointmentType wireRef     `json:"appointment_type"`
	Business        wireRef     `json:"business"`
}

func (w wireAppointment) toAppointment() Appointment {
	return Appointment{
		ID:                w.ID.String(),
		StartsAt:          w.StartsAt,
		EndsAt:            w.EndsAt,
		UpdatedAt:         w.UpdatedAt,
		CancelledAt:       w.CancelledAt,
		Notes:             w.Notes,
		PatientID:         w.Patient.refID(),
		PractitionerID:    w.Practitioner.refID(),
		AppointmentTypeID: w.AppointmentType.refID(),
		BusinessID:        w.Business.refID(),
	}
}

type wirePractitioner struct {
	ID        json.Number `json:"id"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Title     string      `json:"title"`
	Active    bool        `json:"active"`
}

type wireBusiness struct {
	ID           json.Number `json:"id"`
	BusinessName string      `json:"business_name"`
}

type wireAppointmentType struct {
	ID              json.Number `json:"id"`
	Name            string      `json:"name"`
	DurationMinutes int         `json:"duration_in_minutes"`
	Active          bool        `json:"active"`
}
