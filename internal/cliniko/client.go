package cliniko

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Metrics receives per-call observations; nil methods are safe to skip.
type Metrics interface {
	ObserveUpstreamCall(op string, class string, seconds float64)
}

// Client is a typed facade over the Cliniko REST API for one clinic.
// Every request passes through the shared rate limiter before it hits
// the wire. Retries are the fan-out engine's job, not the client's.
type Client struct {
	baseURL    string
	authHeader string
	userAgent  string
	limiter    *RateLimiter
	httpClient *http.Client
	metrics    Metrics
	tracer     trace.Tracer
}

// Config holds configuration for a Cliniko client.
type Config struct {
	APIKey    string
	Shard     string // e.g. "au1"
	UserAgent string
	BaseURL   string // overrides the shard-derived URL, for tests
	Timeout   time.Duration
	Limiter   *RateLimiter
	Metrics   Metrics
}

// New creates a Cliniko client. Auth is HTTP Basic with the API key as
// username and an empty password.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cliniko: APIKey is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("cliniko: Limiter is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Shard == "" {
			return nil, fmt.Errorf("cliniko: Shard is required")
		}
		baseURL = fmt.Sprintf("https://api.%s.cliniko.com/v1", cfg.Shard)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "VoiceBook/1.0"
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.APIKey+":")),
		userAgent:  userAgent,
		limiter:    cfg.Limiter,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("voicebook/cliniko"),
	}, nil
}

// FindPatientByPhone returns the patient whose phone number exactly
// matches the normalized query, or nil. The upstream search is a
// substring match, so partial hits are filtered out here.
func (c *Client) FindPatientByPhone(ctx context.Context, normalizedPhone string) (*Patient, error) {
	if normalizedPhone == "" {
		return nil, nil
	}
	// Search on the last nine digits; leading digits vary with how the
	// number was keyed in upstream.
	needle := normalizedPhone
	if len(needle) > 9 {
		needle = needle[len(needle)-9:]
	}
	q := url.Values{}
	q.Add("q[]", "patient_phone_numbers.number:~"+needle)

	var match *Patient
	err := c.paginate(ctx, "find_patient_by_phone", "/patients", q, func(page []byte) error {
		var body struct {
			Patients []wirePatient `json:"patients"`
		}
		if err := json.Unmarshal(page, &body); err != nil {
			return fmt.Errorf("cliniko: decode patients: %w", err)
		}
		for _, wp := range body.Patients {
			p := wp.toPatient()
			for _, phone := range p.Phones {
				if digitsOnly(phone) == normalizedPhone ||
					strings.HasSuffix(normalizedPhone, digitsOnly(phone)) && len(digitsOnly(phone)) >= 9 {
					cp := p
					match = &cp
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return match, nil
}

// CreatePatient registers a new patient upstream.
func (c *Client) CreatePatient(ctx context.Context, firstName, lastName, phone string) (*Patient, error) {
	payload := map[string]any{
		"first_name": firstName,
		"last_name":  lastName,
		"patient_phone_numbers": []map[string]string{
			{"phone_type": "Mobile", "number": phone},
		},
	}
	var wp wirePatient
	if err := c.do(ctx, "create_patient", http.MethodPost, "/patients", nil, payload, &wp); err != nil {
		return nil, err
	}
	p := wp.toPatient()
	return &p, nil
}

// GetAvailableTimes lists open slots for a (business, practitioner,
// appointment type) over an inclusive clinic-local date range.
func (c *Client) GetAvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID, fromDate, toDate string) ([]Slot, error) {
	path := fmt.Sprintf("/businesses/%s/practitioners/%s/appointment_types/%s/available_times",
		businessID, practitionerID, appointmentTypeID)
	q := url.Values{}
	q.Set("from", fromDate)
	q.Set("to", toDate)

	var slots []Slot
	err := c.paginate(ctx, "get_available_times", path, q, func(page []byte) error {
		var body struct {
			AvailableTimes []Slot `json:"available_times"`
		}
		if err := json.Unmarshal(page, &body); err != nil {
			return fmt.Errorf("cliniko: decode available times: %w", err)
		}
		slots = append(slots, body.AvailableTimes...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slots, nil
}

// CreateAppointment books a slot. A slot race surfaces as ClassConflict.
func (c *Client) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*Appointment, error) {
	payload := map[string]any{
		"patient_id":          req.PatientID,
		"practitioner_id":     req.PractitionerID,
		"appointment_type_id": req.AppointmentTypeID,
		"business_id":         req.BusinessID,
		"starts_at":           req.StartUTC.UTC().Format(time.RFC3339),
		"ends_at":             req.EndUTC.UTC().Format(time.RFC3339),
	}
	if req.Notes != "" {
		payload["notes"] = req.Notes
	}
	var wa wireAppointment
	if err := c.do(ctx, "create_appointment", http.MethodPost, "/individual_appointments", nil, payload, &wa); err != nil {
		return nil, err
	}
	appt := wa.toAppointment()
	return &appt, nil
}

// CancelAppointment cancels an upstream appointment by id.
func (c *Client) CancelAppointment(ctx context.Context, appointmentID string) error {
	path := fmt.Sprintf("/individual_appointments/%s/cancel", appointmentID)
	payload := map[string]any{"cancellation_reason": 50} // "other"
	return c.do(ctx, "cancel_appointment", http.MethodPatch, path, nil, payload, nil)
}

// ListChangedAppointments returns appointments updated since the given
// instant, oldest first. Cancelled appointments are included.
func (c *Client) ListChangedAppointments(ctx context.Context, since time.Time) ([]Appointment, error) {
	q := url.Values{}
	q.Add("q[]", "updated_at:>"+since.UTC().Format(time.RFC3339))
	q.Set("sort", "updated_at")

	var appts []Appointment
	err := c.paginate(ctx, "list_changed_appointments", "/individual_appointments", q, func(page []byte) error {
		var body struct {
			IndividualAppointments []wireAppointment `json:"individual_appointments"`
		}
		if err := json.Unmarshal(page, &body); err != nil {
			return fmt.Errorf("cliniko: decode appointments: %w", err)
		}
		for _, wa := range body.IndividualAppointments {
			appts = append(appts, wa.toAppointment())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appts, nil
}

// ListPractitioners returns every practitioner, active or not.
func (c *Client) ListPractitioners(ctx context.Context) ([]Practitioner, error) {
	var out []Practitioner
	err := c.paginate(ctx, "list_practitioners", "/practitioners", nil, func(page []byte) error {
		var body struct {
			Practitioners []wirePractitioner `json:"practitioners"`
		}
		if err := json.Unmarshal(page, &body); err != nil {
			return fmt.Errorf("cliniko: decode practitioners: %w", err)
		}
		for _, wp := range body.Practitioners {
			out = append(out, Practitioner{
				ID:        wp.ID.String(),
				FirstName: wp.FirstName,
				LastName:  wp.LastName,
				Title:     wp.Title,
				Active:    wp.Active,
			})
		}
		return nil
	})
	return out, err
}

// ListBusinesses returns the clinic's locations.
func (c *Client) ListBusinesses(ctx context.Context) ([]Business, error) {
	var out []Business
	err := c.paginate(ctx, "list_businesses", "/businesses", nil, func(page []byte) error {
		var body struct {
			Businesses []wireBusiness `json:"businesses"`
		}
		if err := json.Unmarshal(page, &body); err != nil {
			return fmt.Errorf("cliniko: decode businesses: %w", err)
		}
		for _, wb := range body.Businesses {
			out = append(out, Business{ID: wb.ID.String(), Name: wb.BusinessName})
		}
		return nil
	})
	return out, err
}

// ListAppointmentTypes returns the clinic's services.
func (c *Client) ListAppointmentTypes(ctx context.Context) ([]AppointmentType, error) {
	return c.listAppointmentTypes(ctx, "list_appointment_types", "/appointment_types")
}

// ListPractitionerAppointmentTypes returns the services one
// practitioner offers.
func (c *Client) ListPractitionerAppointmentTypes(ctx context.Context, practitionerID string) ([]AppointmentType, error) {
	path := fmt.Sprintf("/practitioners/%s/appointment_types", practitionerID)
	return c.listAppointmentTypes(ctx, "list_practitioner_appointment_types", path)
}

// ListBusinessPractitioners returns the practitioners attached to one
// business, used to build the practitioner-location join.
func (c *Client) ListBusinessPractitioners(ctx context.Context, businessID string) ([]Practitioner, error) {
	path := fmt.Sprintf("/businesses/%s/practitioners", businessID)
	var out []Practitioner
	err := c.paginate(ctx, "list_business_practitioners", path, nil, func(page []byte) error {
		var body struct {
			Practitioners []wirePractitioner `json:"practitioners"`
		}
		if err := json.Unmarshal(page, &body); err != nil {
			return fmt.Errorf("cliniko: decode practitioners: %w", err)
		}
		for _, wp := range body.Practitioners {
			out = append(out, Practitioner{
				ID:        wp.ID.String(),
				FirstName: wp.FirstName,
				LastName:  wp.LastName,
				Title:     wp.Title,
				Active:    wp.Active,
			})
		}
		return nil
	})
	return out, err
}

func (c *Client) listAppointmentTypes(ctx context.Context, op, path string) ([]AppointmentType, error) {
	var out []AppointmentType
	err := c.paginate(ctx, op, path, nil, func(page []byte) error {
		var body struct {
			AppointmentTypes []wireAppointmentType `json:"appointment_types"`
		}
		if err := json.Unmarshal(page, &body); err != nil {
			return fmt.Errorf("cliniko: decode appointment types: %w", err)
		}
		for _, wt := range body.AppointmentTypes {
			out = append(out, AppointmentType{
				ID:              wt.ID.String(),
				Name:            wt.Name,
				DurationMinutes: wt.DurationMinutes,
				Active:          wt.Active,
			})
		}
		return nil
	})
	return out, err
}

// paginate walks a collection endpoint following links.next until
// exhausted, handing each raw page to decode.
func (c *Client) paginate(ctx context.Context, op, path string, query url.Values, decode func(page []byte) error) error {
	next := c.baseURL + path
	if len(query) > 0 {
		next += "?" + query.Encode()
	}
	for next != "" {
		page, links, err := c.getRaw(ctx, op, next)
		if err != nil {
			return err
		}
		if err := decode(page); err != nil {
			return err
		}
		next = links.Next
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, op, fullURL string) ([]byte, wireLinks, error) {
	var links wireLinks
	body, err := c.roundTrip(ctx, op, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, links, err
	}
	var envelope struct {
		Links wireLinks `json:"links"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		links = envelope.Links
	}
	return body, links, nil
}

// do issues a single request against a path and decodes into out.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload any, out any) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	body, err := c.roundTrip(ctx, op, method, fullURL, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("cliniko: %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, fullURL string, payload any) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("cliniko: %s: rate limiter: %w", op, err)
	}

	ctx, span := c.tracer.Start(ctx, "cliniko."+op,
		trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("cliniko: %s: marshal request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("cliniko: %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, string(Classify(err)), start)
		return nil, fmt.Errorf("cliniko: %s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.observe(op, string(ClassTransient), start)
		return nil, fmt.Errorf("cliniko: %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := classifyStatus(resp.StatusCode, string(data))
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		c.observe(op, string(class), start)
		return nil, &APIError{Status: resp.StatusCode, Class: class, Op: op, Body: truncate(string(data), 500)}
	}
	c.observe(op, "ok", start)
	return data, nil
}

func (c *Client) observe(op, class string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveUpstreamCall(op, class, time.Since(start).Seconds())
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Registry builds and caches one client per clinic. All clients share
// the same limiter so the global budget holds across tenants on the
// same upstream account tier.
type Registry struct {
	mu        sync.Mutex
	limiter   *RateLimiter
	userAgent string
	timeout   time.Duration
	metrics   Metrics
	baseURL   string // test override
	clients   map[string]*Client
}

// NewRegistry creates a client registry around a shared limiter.
func NewRegistry(limiter *RateLimiter, userAgent string, timeout time.Duration, metrics Metrics) *Registry {
	return &Registry{
		limiter:   limiter,
		userAgent: userAgent,
		timeout:   timeout,
		metrics:   metrics,
		clients:   make(map[string]*Client),
	}
}

// WithBaseURL points every client at a fixed base URL. Test hook.
func (r *Registry) WithBaseURL(baseURL string) *Registry {
	r.baseURL = baseURL
	return r
}

// ForClinic returns the cached client for a clinic, creating it on
// first use.
func (r *Registry) ForClinic(clinicID, apiKey, shard string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clinicID]; ok {
		return c, nil
	}
	c, err := New(Config{
		APIKey:    apiKey,
		Shard:     shard,
		UserAgent: r.userAgent,
		BaseURL:   r.baseURL,
		Timeout:   r.timeout,
		Limiter:   r.limiter,
		Metrics:   r.metrics,
	})
	if err != nil {
		return nil, err
	}
	r.clients[clinicID] = c
	return c, nil
}
