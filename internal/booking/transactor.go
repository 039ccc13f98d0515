package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/covecare/voicebook/internal/api/respond"
	"github.com/covecare/voicebook/internal/availability"
	"github.com/covecare/voicebook/internal/clinic"
	"github.com/covecare/voicebook/internal/cliniko"
	"github.com/covecare/voicebook/internal/directory"
	"github.com/covecare/voicebook/internal/resolve"
	"github.com/covecare/voicebook/internal/timeparse"
	"github.com/covecare/voicebook/pkg/logging"
)

// PMSClient is the upstream surface the transactor needs.
type PMSClient interface {
	FindPatientByPhone(ctx context.Context, normalizedPhone string) (*cliniko.Patient, error)
	CreatePatient(ctx context.Context, firstName, lastName, phone string) (*cliniko.Patient, error)
	GetAvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID, fromDate, toDate string) ([]cliniko.Slot, error)
	CreateAppointment(ctx context.Context, req cliniko.CreateAppointmentRequest) (*cliniko.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID string) error
}

// ClientFunc yields the upstream client for a clinic.
type ClientFunc func(c *clinic.Clinic) (PMSClient, error)

// Cache is the availability-cache surface the transactor needs.
type Cache interface {
	Get(ctx context.Context, practitionerID, businessID string, date time.Time) ([]availability.Slot, error)
	Put(ctx context.Context, clinicID, practitionerID, businessID string, date time.Time, slots []availability.Slot) error
	Invalidate(ctx context.Context, practitionerID, businessID string, date time.Time) error
}

// Suppressor records conflicts for the search path's suppression
// filter.
type Suppressor interface {
	Record(ctx context.Context, clinicID, practitionerID, businessID string, date time.Time, timeOfDay, reason string) error
}

// Metrics counts booking actions by outcome.
type Metrics interface {
	ObserveBooking(action string, outcome string)
}

// Error is a structured booking rejection with a speakable message.
type Error struct {
	Code         string
	Message      string
	Alternatives []string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// BookRequest carries the voice fields for a new booking. Practitioner
// and Service are free text; resolution happens inside the
// transaction.
type BookRequest struct {
	SessionID    string
	PatientName  string
	PatientPhone string
	Practitioner string
	Service      string
	DateText     string
	TimeText     string
	BusinessID   string
	Notes        string
}

// BookResult is a confirmed booking.
type BookResult struct {
	ConfirmationNumber string
	AppointmentID      string
	PractitionerName   string
	ServiceName        string
	BusinessID         string
	StartsAt           time.Time
	LocalTime          string
	Message            string
}

// Transactor books, reschedules and cancels appointments against the
// PMS with a local mirror, all-or-nothing per request.
type Transactor struct {
	db          DB
	cache       Cache
	attempts    Suppressor
	clients     ClientFunc
	logger      *logging.Logger
	metrics     Metrics
	maxRetries  int
	backoffBase time.Duration
}

// Config wires a Transactor.
type Config struct {
	DB          DB
	Cache       Cache
	Attempts    Suppressor
	Clients     ClientFunc
	Logger      *logging.Logger
	Metrics     Metrics
	MaxRetries  int
	BackoffBase time.Duration
}

// NewTransactor builds the booking transactor.
func NewTransactor(cfg Config) *Transactor {
	if cfg.DB == nil {
		panic("booking: db required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	return &Transactor{
		db:          cfg.DB,
		cache:       cfg.Cache,
		attempts:    cfg.Attempts,
		clients:     cfg.Clients,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
	}
}

func (t *Transactor) observe(action, outcome string) {
	if t.metrics != nil {
		t.metrics.ObserveBooking(action, outcome)
	}
}

// Book runs the single-shot booking flow.
func (t *Transactor) Book(ctx context.Context, cl *clinic.Clinic, req BookRequest) (*BookResult, error) {
	tz := cl.Location()

	date, err := timeparse.Date(req.DateText, time.Now(), tz)
	if err != nil {
		return nil, &Error{Code: respond.ErrInvalidDate, Message: "What date would you like? For example, tomorrow or next Monday."}
	}
	hour, minute, err := timeparse.TimeOfDay(req.TimeText)
	if err != nil {
		return nil, &Error{Code: respond.ErrInvalidTime, Message: "What time would you like? For example, 2 PM."}
	}
	startLocal := timeparse.At(date, hour, minute, tz)
	startUTC := startLocal.UTC()
	dateKey := dayKey(date)

	phone := clinic.NormalizePhone(req.PatientPhone, cl.CountryCode)
	if phone == "" {
		return nil, &Error{Code: respond.ErrInvalidPhoneNumber, Message: "I couldn't read that phone number, could you repeat it?"}
	}

	client, err := t.clients(cl)
	if err != nil {
		return nil, fmt.Errorf("booking: client for clinic %s: %w", cl.ID, err)
	}

	tx, err := t.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("booking: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	practitioner, err := t.resolvePractitioner(ctx, tx, cl, req.Practitioner, req.BusinessID)
	if err != nil {
		return nil, err
	}

	dir := directory.NewRepository(tx)
	if err := t.checkWorksAt(ctx, dir, practitioner, req.BusinessID); err != nil {
		return nil, err
	}

	service, err := t.matchService(ctx, dir, practitioner, req.Service)
	if err != nil {
		return nil, err
	}

	patient, err := t.ensurePatient(ctx, tx, client, cl, req.PatientName, phone)
	if err != nil {
		return nil, err
	}

	if err := t.probeSlot(ctx, client, cl, practitioner.ID, req.BusinessID, service.ID, dateKey, startUTC, tz); err != nil {
		return nil, err
	}

	created, err := t.createWithRetry(ctx, client, cliniko.CreateAppointmentRequest{
		PatientID:         patient.ID,
		PractitionerID:    practitioner.ID,
		AppointmentTypeID: service.ID,
		BusinessID:        req.BusinessID,
		StartUTC:          startUTC,
		EndUTC:            startUTC.Add(time.Duration(service.DurationMinutes) * time.Minute),
		Notes:             req.Notes,
	})
	if err != nil {
		return nil, t.handleCreateError(ctx, err, cl, ActionBook, practitioner.ID, req.BusinessID, dateKey, startLocal)
	}

	local := Appointment{
		ID:             created.ID,
		ClinicID:       cl.ID,
		PatientID:      patient.ID,
		PatientPhone:   phone,
		PatientName:    req.PatientName,
		PractitionerID: practitioner.ID,
		BusinessID:     req.BusinessID,
		ServiceID:      service.ID,
		StartsAt:       created.StartsAt,
		EndsAt:         created.EndsAt,
		Status:         "booked",
		Notes:          req.Notes,
	}
	if local.StartsAt.IsZero() {
		local.StartsAt = startUTC
		local.EndsAt = startUTC.Add(time.Duration(service.DurationMinutes) * time.Minute)
	}
	if err := insertAppointment(ctx, tx, local); err != nil {
		return nil, err
	}
	if err := logAction(ctx, tx, AuditEntry{
		ClinicID:       cl.ID,
		SessionID:      req.SessionID,
		Action:         ActionBook,
		Status:         StatusCompleted,
		MaskedPhone:    clinic.MaskPhone(phone),
		PractitionerID: practitioner.ID,
		BusinessID:     req.BusinessID,
		AppointmentID:  created.ID,
	}); err != nil {
		return nil, err
	}

	if err := t.cache.Invalidate(ctx, practitioner.ID, req.BusinessID, dateKey); err != nil {
		t.logger.Warn("post-booking invalidate failed", "appointment_id", created.ID, "error", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("booking: commit: %w", err)
	}

	res := &BookResult{
		ConfirmationNumber: confirmationNumber(created.ID),
		AppointmentID:      created.ID,
		PractitionerName:   practitioner.FullName(),
		ServiceName:        service.Name,
		BusinessID:         req.BusinessID,
		StartsAt:           local.StartsAt,
		LocalTime:          startLocal.Format("Monday January 2 at 3:04 PM"),
	}
	res.Message = fmt.Sprintf("You're booked with %s for %s on %s. Your confirmation number is %s.",
		res.PractitionerName, res.ServiceName, res.LocalTime, res.ConfirmationNumber)
	t.observe(ActionBook, StatusCompleted)
	return res, nil
}

// RescheduleRequest moves an existing appointment to a new time.
type RescheduleRequest struct {
	SessionID     string
	AppointmentID string
	Description   string
	CallerPhone   string
	NewDate       string
	NewTime       string
}

// Reschedule creates the new appointment first and cancels the old one
// only after the new one exists. A failed cancel leg leaves both
// appointments standing and queues a reconciliation task; the caller is
// never left without an appointment.
func (t *Transactor) Reschedule(ctx context.Context, cl *clinic.Clinic, req RescheduleRequest) (*BookResult, error) {
	tz := cl.Location()
	phone := clinic.NormalizePhone(req.CallerPhone, cl.CountryCode)

	old, err := t.locate(ctx, cl, req.AppointmentID, phone, req.Description)
	if err != nil {
		return nil, err
	}

	date, err := timeparse.Date(req.NewDate, time.Now(), tz)
	if err != nil {
		return nil, &Error{Code: respond.ErrInvalidDate, Message: "What date would you like to move it to?"}
	}
	hour, minute, err := timeparse.TimeOfDay(req.NewTime)
	if err != nil {
		return nil, &Error{Code: respond.ErrInvalidTime, Message: "What time would you like to move it to?"}
	}
	startLocal := timeparse.At(date, hour, minute, tz)
	startUTC := startLocal.UTC()
	dateKey := dayKey(date)

	client, err := t.clients(cl)
	if err != nil {
		return nil, fmt.Errorf("booking: client for clinic %s: %w", cl.ID, err)
	}

	tx, err := t.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("booking: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	dir := directory.NewRepository(tx)
	practitioner, err := dir.PractitionerByID(ctx, old.PractitionerID)
	if err != nil {
		return nil, fmt.Errorf("booking: load practitioner: %w", err)
	}
	service, err := dir.ServiceByID(ctx, old.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("booking: load service: %w", err)
	}

	if err := t.probeSlot(ctx, client, cl, old.PractitionerID, old.BusinessID, old.ServiceID, dateKey, startUTC, tz); err != nil {
		return nil, err
	}

	created, err := t.createWithRetry(ctx, client, cliniko.CreateAppointmentRequest{
		PatientID:         old.PatientID,
		PractitionerID:    old.PractitionerID,
		AppointmentTypeID: old.ServiceID,
		BusinessID:        old.BusinessID,
		StartUTC:          startUTC,
		EndUTC:            startUTC.Add(time.Duration(service.DurationMinutes) * time.Minute),
		Notes:             old.Notes,
	})
	if err != nil {
		return nil, t.handleCreateError(ctx, err, cl, ActionReschedule, old.PractitionerID, old.BusinessID, dateKey, startLocal)
	}

	newRow := *old
	newRow.ID = created.ID
	newRow.StartsAt = startUTC
	newRow.EndsAt = startUTC.Add(time.Duration(service.DurationMinutes) * time.Minute)
	newRow.Status = "booked"
	if err := insertAppointment(ctx, tx, newRow); err != nil {
		return nil, err
	}

	// Cancel leg, after the new appointment exists.
	cancelFailed := false
	if err := client.CancelAppointment(ctx, old.ID); err != nil {
		cancelFailed = true
		t.logger.Error("reschedule cancel leg failed",
			"old_appointment_id", old.ID, "new_appointment_id", created.ID, "error", err)
		if rerr := addReconciliationTask(ctx, tx, cl.ID, "reschedule_cancel_failed", old.ID,
			fmt.Sprintf("new appointment %s created; old appointment could not be cancelled", created.ID)); rerr != nil {
			return nil, rerr
		}
	} else {
		if err := markCancelled(ctx, tx, old.ID); err != nil {
			return nil, err
		}
	}

	if err := logAction(ctx, tx, AuditEntry{
		ClinicID:       cl.ID,
		SessionID:      req.SessionID,
		Action:         ActionReschedule,
		Status:         StatusCompleted,
		MaskedPhone:    clinic.MaskPhone(phone),
		PractitionerID: old.PractitionerID,
		BusinessID:     old.BusinessID,
		AppointmentID:  created.ID,
	}); err != nil {
		return nil, err
	}

	for _, key := range []time.Time{dateKey, dayKey(old.StartsAt.In(tz))} {
		if err := t.cache.Invalidate(ctx, old.PractitionerID, old.BusinessID, key); err != nil {
			t.logger.Warn("post-reschedule invalidate failed", "date", key.Format("2006-01-02"), "error", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("booking: commit: %w", err)
	}

	res := &BookResult{
		ConfirmationNumber: confirmationNumber(created.ID),
		AppointmentID:      created.ID,
		PractitionerName:   practitioner.FullName(),
		ServiceName:        service.Name,
		BusinessID:         old.BusinessID,
		StartsAt:           startUTC,
		LocalTime:          startLocal.Format("Monday January 2 at 3:04 PM"),
	}
	res.Message = fmt.Sprintf("Done, you're now booked for %s. Your confirmation number is %s.",
		res.LocalTime, res.ConfirmationNumber)
	if cancelFailed {
		res.Message += " I couldn't cancel the old time automatically; the clinic will tidy that up."
	}
	t.observe(ActionReschedule, StatusCompleted)
	return res, nil
}

// CancelRequest cancels an existing appointment.
type CancelRequest struct {
	SessionID     string
	AppointmentID string
	Description   string
	CallerPhone   string
}

// CancelResult reports a cancellation.
type CancelResult struct {
	AppointmentID string
	LocalTime     string
	Message       string
}

// Cancel locates and cancels an appointment.
func (t *Transactor) Cancel(ctx context.Context, cl *clinic.Clinic, req CancelRequest) (*CancelResult, error) {
	tz := cl.Location()
	phone := clinic.NormalizePhone(req.CallerPhone, cl.CountryCode)

	appt, err := t.locate(ctx, cl, req.AppointmentID, phone, req.Description)
	if err != nil {
		return nil, err
	}

	client, err := t.clients(cl)
	if err != nil {
		return nil, fmt.Errorf("booking: client for clinic %s: %w", cl.ID, err)
	}
	if err := client.CancelAppointment(ctx, appt.ID); err != nil {
		class := cliniko.Classify(err)
		if class == cliniko.ClassNotFound {
			// Already gone upstream; reconcile the mirror.
			if err := markCancelled(ctx, t.db, appt.ID); err != nil {
				return nil, err
			}
		} else {
			t.logger.Error("cancellation failed", "appointment_id", appt.ID, "class", string(class), "error", err)
			return nil, &Error{Code: respond.ErrCancellationFailed, Message: "I couldn't cancel that appointment just now, please try again shortly."}
		}
	} else if err := markCancelled(ctx, t.db, appt.ID); err != nil {
		return nil, err
	}

	if err := logAction(ctx, t.db, AuditEntry{
		ClinicID:       cl.ID,
		SessionID:      req.SessionID,
		Action:         ActionCancel,
		Status:         StatusCompleted,
		MaskedPhone:    clinic.MaskPhone(phone),
		PractitionerID: appt.PractitionerID,
		BusinessID:     appt.BusinessID,
		AppointmentID:  appt.ID,
	}); err != nil {
		return nil, err
	}

	dateKey := dayKey(appt.StartsAt.In(tz))
	if err := t.cache.Invalidate(ctx, appt.PractitionerID, appt.BusinessID, dateKey); err != nil {
		t.logger.Warn("post-cancel invalidate failed", "appointment_id", appt.ID, "error", err)
	}

	local := appt.StartsAt.In(tz).Format("Monday January 2 at 3:04 PM")
	t.observe(ActionCancel, StatusCompleted)
	return &CancelResult{
		AppointmentID: appt.ID,
		LocalTime:     local,
		Message:       fmt.Sprintf("Your appointment on %s has been cancelled.", local),
	}, nil
}

// --- internals ---

func (t *Transactor) resolvePractitioner(ctx context.Context, q Querier, cl *clinic.Clinic, spoken, businessID string) (*directory.Practitioner, error) {
	res, err := resolve.NewPractitionerResolver(q).Resolve(ctx, cl.ID, spoken, businessID)
	if err != nil {
		return nil, err
	}
	if res.Resolved {
		if !res.Practitioner.Active {
			return nil, &Error{Code: respond.ErrPractitionerInactive, Message: fmt.Sprintf("%s isn't currently taking appointments.", res.Practitioner.FullName())}
		}
		return res.Practitioner, nil
	}
	if res.NeedsClarification {
		var names []string
		for _, o := range res.Options {
			names = append(names, o.Practitioner.FullName())
		}
		return nil, &Error{
			Code:         respond.ErrPractitionerNotFound,
			Message:      "Did you mean " + strings.Join(names, " or ") + "?",
			Alternatives: names,
		}
	}
	return nil, &Error{Code: respond.ErrPractitionerNotFound, Message: "I couldn't find a practitioner by that name."}
}

func (t *Transactor) checkWorksAt(ctx context.Context, dir *directory.Repository, p *directory.Practitioner, businessID string) error {
	ok, err := dir.PractitionerWorksAt(ctx, p.ID, businessID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	actual, err := dir.PractitionerBusinesses(ctx, p.ID)
	if err != nil {
		return err
	}
	var names []string
	for _, b := range actual {
		names = append(names, b.Name)
	}
	msg := fmt.Sprintf("%s doesn't work at that location.", p.FullName())
	if len(names) > 0 {
		msg = fmt.Sprintf("%s doesn't work at that location. They're available at %s.", p.FullName(), strings.Join(names, ", "))
	}
	return &Error{Code: respond.ErrPractitionerLocationMismatch, Message: msg, Alternatives: names}
}

func (t *Transactor) matchService(ctx context.Context, dir *directory.Repository, p *directory.Practitioner, spoken string) (*directory.Service, error) {
	service, offered, err := resolve.MatchService(ctx, dir, p.ID, spoken)
	if err != nil {
		return nil, err
	}
	if service != nil {
		return service, nil
	}
	var names []string
	for _, s := range offered {
		names = append(names, s.Name)
	}
	msg := fmt.Sprintf("%s doesn't offer that service.", p.FullName())
	if len(names) > 0 {
		msg += " They offer " + strings.Join(names, ", ") + "."
	}
	return nil, &Error{Code: respond.ErrServiceNotFound, Message: msg, Alternatives: names}
}

// ensurePatient finds or creates the patient: local mirror first, then
// the PMS, minting a PMS patient when the caller is new. The local row
// always carries the PMS id.
func (t *Transactor) ensurePatient(ctx context.Context, q Querier, client PMSClient, cl *clinic.Clinic, name, phone string) (*Patient, error) {
	p, err := findPatientByPhone(ctx, q, cl.ID, phone)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	first, last := splitName(name)
	remote, err := client.FindPatientByPhone(ctx, phone)
	if err != nil && cliniko.Classify(err) != cliniko.ClassNotFound {
		return nil, fmt.Errorf("booking: find patient upstream: %w", err)
	}
	if remote == nil {
		remote, err = client.CreatePatient(ctx, first, last, phone)
		if err != nil {
			return nil, fmt.Errorf("booking: create patient upstream: %w", err)
		}
	}

	local := Patient{ID: remote.ID, ClinicID: cl.ID, FirstName: first, LastName: last, Phone: phone}
	if remote.FirstName != "" {
		local.FirstName, local.LastName = remote.FirstName, remote.LastName
	}
	if err := upsertPatient(ctx, q, local); err != nil {
		return nil, err
	}
	return &local, nil
}

// probeSlot verifies the requested instant is actually open. A fresh
// cache answers directly; a stale or missing entry triggers one fetch
// and a retry.
func (t *Transactor) probeSlot(ctx context.Context, client PMSClient, cl *clinic.Clinic, practitionerID, businessID, serviceID string, dateKey time.Time, startUTC time.Time, tz *time.Location) error {
	slots, err := t.cache.Get(ctx, practitionerID, businessID, dateKey)
	if errors.Is(err, availability.ErrCacheMiss) {
		day := dateKey.Format("2006-01-02")
		fresh, ferr := client.GetAvailableTimes(ctx, businessID, practitionerID, serviceID, day, day)
		if ferr != nil {
			return fmt.Errorf("booking: fetch slots: %w", ferr)
		}
		slots = make([]availability.Slot, 0, len(fresh))
		for _, s := range fresh {
			slots = append(slots, availability.Slot{AppointmentStart: s.AppointmentStart.UTC()})
		}
		if perr := t.cache.Put(ctx, cl.ID, practitionerID, businessID, dateKey, slots); perr != nil {
			t.logger.Warn("cache write-back failed during booking", "error", perr)
		}
	} else if err != nil {
		return err
	}

	var alternatives []string
	for _, s := range slots {
		if s.AppointmentStart.Equal(startUTC) {
			return nil
		}
		if s.AppointmentStart.After(time.Now()) {
			alternatives = append(alternatives, s.AppointmentStart.In(tz).Format("3:04 PM"))
		}
	}
	sort.Strings(alternatives)
	if len(alternatives) > 3 {
		alternatives = alternatives[:3]
	}
	msg := "That time isn't available."
	if len(alternatives) > 0 {
		msg += " The same day has " + strings.Join(alternatives, ", ") + "."
	}
	return &Error{Code: respond.ErrTimeNotAvailable, Message: msg, Alternatives: alternatives}
}

// createWithRetry retries transient and rate-limited failures only.
func (t *Transactor) createWithRetry(ctx context.Context, client PMSClient, req cliniko.CreateAppointmentRequest) (*cliniko.Appointment, error) {
	for attempt := 0; ; attempt++ {
		created, err := client.CreateAppointment(ctx, req)
		if err == nil {
			return created, nil
		}
		if !cliniko.Classify(err).Retryable() || attempt >= t.maxRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.backoffBase * (1 << attempt)):
		}
	}
}

// handleCreateError maps a create failure to the caller-facing error;
// conflicts also feed the suppression filter and stale the cache.
func (t *Transactor) handleCreateError(ctx context.Context, err error, cl *clinic.Clinic, action, practitionerID, businessID string, dateKey time.Time, startLocal time.Time) error {
	switch cliniko.Classify(err) {
	case cliniko.ClassConflict:
		t.observe(action, "conflict")
		tod := startLocal.Format("15:04")
		if rerr := t.attempts.Record(ctx, cl.ID, practitionerID, businessID, dateKey, tod, "conflict"); rerr != nil {
			t.logger.Error("failed to record booking conflict", "error", rerr)
		}
		if ierr := t.cache.Invalidate(ctx, practitionerID, businessID, dateKey); ierr != nil {
			t.logger.Error("failed to invalidate after conflict", "error", ierr)
		}
		return &Error{Code: respond.ErrTimeJustTaken, Message: "Sorry, that time was just taken. Would you like me to find the next available time?"}
	case cliniko.ClassAuth:
		return &Error{Code: respond.ErrUpstreamUnauthorized, Message: "I'm having trouble reaching the booking system right now."}
	default:
		t.logger.Error("appointment creation failed", "clinic_id", cl.ID, "error", err)
		return &Error{Code: respond.ErrUpstreamUnavailable, Message: "I couldn't complete the booking just now, please try again in a moment."}
	}
}

// locate finds the appointment to modify: by id when given, otherwise
// by fuzzy description over the caller's future booked appointments.
func (t *Transactor) locate(ctx context.Context, cl *clinic.Clinic, appointmentID, phone, description string) (*Appointment, error) {
	if appointmentID != "" {
		appt, err := appointmentByID(ctx, t.db, appointmentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, &Error{Code: respond.ErrAppointmentNotFound, Message: "I couldn't find that appointment."}
			}
			return nil, err
		}
		if appt.ClinicID != cl.ID {
			return nil, &Error{Code: respond.ErrAppointmentNotFound, Message: "I couldn't find that appointment."}
		}
		return appt, nil
	}

	if phone == "" {
		return nil, &Error{Code: respond.ErrInvalidPhoneNumber, Message: "I couldn't read your phone number, could you repeat it?"}
	}
	candidates, err := futureBookedByPhone(ctx, t.db, cl.ID, phone)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &Error{Code: respond.ErrAppointmentNotFound, Message: "I couldn't find any upcoming appointments for this number."}
	}
	if len(candidates) == 1 {
		return &candidates[0], nil
	}

	matched := t.matchDescription(ctx, cl, candidates, description)
	if matched != nil {
		return matched, nil
	}

	tz := cl.Location()
	var times []string
	for _, c := range candidates {
		times = append(times, c.StartsAt.In(tz).Format("Monday January 2 at 3:04 PM"))
	}
	return nil, &Error{
		Code:         respond.ErrAppointmentNotFound,
		Message:      "You have a few appointments coming up: " + strings.Join(times, "; ") + ". Which one did you mean?",
		Alternatives: times,
	}
}

// matchDescription scores candidates against the free-text description:
// practitioner name beats service name beats weekday.
func (t *Transactor) matchDescription(ctx context.Context, cl *clinic.Clinic, candidates []Appointment, description string) *Appointment {
	desc := resolve.Normalize(description)
	if desc == "" {
		return nil
	}
	dir := directory.NewRepository(t.db)
	tz := cl.Location()

	best := -1
	bestScore := 0
	tied := false
	for i, c := range candidates {
		score := 0
		if p, err := dir.PractitionerByID(ctx, c.PractitionerID); err == nil {
			if strings.Contains(desc, resolve.Normalize(p.LastName)) || strings.Contains(desc, resolve.Normalize(p.FirstName)) {
				score += 4
			}
		}
		if s, err := dir.ServiceByID(ctx, c.ServiceID); err == nil {
			if strings.Contains(desc, resolve.Normalize(s.Name)) {
				score += 2
			}
		}
		if strings.Contains(desc, strings.ToLower(c.StartsAt.In(tz).Weekday().String())) {
			score++
		}
		switch {
		case score > bestScore:
			best, bestScore, tied = i, score, false
		case score == bestScore && score > 0:
			tied = true
		}
	}
	if best >= 0 && !tied {
		return &candidates[best]
	}
	return nil
}

func splitName(full string) (first, last string) {
	fields := strings.Fields(strings.TrimSpace(full))
	switch len(fields) {
	case 0:
		return "Voice", "Caller"
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

func confirmationNumber(pmsID string) string {
	if len(pmsID) <= 6 {
		return pmsID
	}
	return pmsID[len(pmsID)-6:]
}

// dayKey normalizes a local calendar day to the cache's UTC-midnight
// key convention.
func dayKey(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
