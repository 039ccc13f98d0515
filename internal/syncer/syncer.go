package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/covecare/voicebook/internal/availability"
	"github.com/covecare/voicebook/internal/clinic"
	"github.com/covecare/voicebook/internal/cliniko"
	"github.com/covecare/voicebook/internal/directory"
	"github.com/covecare/voicebook/pkg/logging"
)

// DB is the subset of pgxpool.Pool the syncer needs for its log rows.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Cache is the availability-cache surface the syncer drives.
type Cache interface {
	Watermark(ctx context.Context, clinicID string) (time.Time, error)
	Put(ctx context.Context, clinicID, practitionerID, businessID string, date time.Time, slots []availability.Slot) error
	Invalidate(ctx context.Context, practitionerID, businessID string, date time.Time) error
	MarkAllStale(ctx context.Context, clinicID string, from *time.Time) (int64, error)
}

// PMSClient is the upstream surface the syncer needs.
type PMSClient interface {
	ListChangedAppointments(ctx context.Context, since time.Time) ([]cliniko.Appointment, error)
	GetAvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID, fromDate, toDate string) ([]cliniko.Slot, error)
	ListPractitioners(ctx context.Context) ([]cliniko.Practitioner, error)
	ListBusinesses(ctx context.Context) ([]cliniko.Business, error)
	ListAppointmentTypes(ctx context.Context) ([]cliniko.AppointmentType, error)
	ListPractitionerAppointmentTypes(ctx context.Context, practitionerID string) ([]cliniko.AppointmentType, error)
	ListBusinessPractitioners(ctx context.Context, businessID string) ([]cliniko.Practitioner, error)
}

// ClientFunc yields the upstream client for a clinic.
type ClientFunc func(c *clinic.Clinic) (PMSClient, error)

// Directory is the write surface for the local mirror refresh plus the
// read needed to refetch slots for a changed appointment.
type Directory interface {
	PractitionerServices(ctx context.Context, practitionerID string) ([]directory.Service, error)
	UpsertPractitioner(ctx context.Context, p directory.Practitioner) error
	UpsertBusiness(ctx context.Context, b directory.Business) error
	UpsertService(ctx context.Context, s directory.Service) error
	LinkPractitionerBusiness(ctx context.Context, practitionerID, businessID string) error
	LinkPractitionerService(ctx context.Context, practitionerID, serviceID string) error
}

// Metrics is the sync observation hook; nil-safe on the caller side.
type Metrics interface {
	ObserveSyncRun(syncType string, seconds float64)
}

// Sync type labels reported to callers and metrics.
const (
	TypeIncremental = "incremental"
	TypeFull        = "full"
	TypeSkipped     = "skipped"
)

// Report summarizes one sync run.
type Report struct {
	SyncType       string        `json:"syncType"`
	Updated        int           `json:"updated"`
	Invalidated    int           `json:"invalidated"`
	Errors         int           `json:"errors"`
	Duration       time.Duration `json:"-"`
	LastSyncTime   time.Time     `json:"lastSyncTime"`
	SyncInProgress bool          `json:"syncInProgress,omitempty"`
}

// Syncer keeps the availability cache in step with upstream changes:
// an incremental pass at the start of every call, a full pass on
// demand.
type Syncer struct {
	db      DB
	cache   Cache
	dir     Directory
	clients ClientFunc
	lock    *clinicLock
	logger  *logging.Logger
	metrics Metrics

	lookback    time.Duration // full-sync window
	overlap     time.Duration // watermark skew allowance
	maxDuration time.Duration
}

// Config wires a Syncer.
type Config struct {
	DB          DB
	Cache       Cache
	Directory   Directory
	Clients     ClientFunc
	Redis       *redis.Client
	Logger      *logging.Logger
	Metrics     Metrics
	Lookback    time.Duration
	Overlap     time.Duration
	MaxDuration time.Duration
	LockWait    time.Duration
}

// New builds a Syncer.
func New(cfg Config) *Syncer {
	if cfg.DB == nil {
		panic("syncer: db required")
	}
	if cfg.Redis == nil {
		panic("syncer: redis required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = 5 * time.Minute
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 5 * time.Minute
	}
	return &Syncer{
		db:          cfg.DB,
		cache:       cfg.Cache,
		dir:         cfg.Directory,
		clients:     cfg.Clients,
		lock:        newClinicLock(cfg.Redis, cfg.LockWait),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		lookback:    cfg.Lookback,
		overlap:     cfg.Overlap,
		maxDuration: cfg.MaxDuration,
	}
}

// Run performs one sync pass for a clinic. A concurrent run for the
// same clinic is reported as skipped, not an error.
func (s *Syncer) Run(ctx context.Context, cl *clinic.Clinic, forceFull bool) (*Report, error) {
	token, err := s.lock.acquire(ctx, cl.ID)
	if err != nil {
		return nil, fmt.Errorf("syncer: acquire lock: %w", err)
	}
	if token == "" {
		return &Report{SyncType: TypeSkipped, SyncInProgress: true, LastSyncTime: time.Now().UTC()}, nil
	}
	defer s.lock.release(ctx, cl.ID, token)

	ctx, cancel := context.WithTimeout(ctx, s.maxDuration)
	defer cancel()

	start := time.Now()
	report, err := s.run(ctx, cl, forceFull)
	if report == nil {
		report = &Report{SyncType: TypeIncremental}
	}
	report.Duration = time.Since(start)
	report.LastSyncTime = time.Now().UTC()

	status := "completed"
	if err != nil {
		status = "failed"
		s.logger.Error("sync failed", "clinic_id", cl.ID, "sync_type", report.SyncType, "error", err)
	}
	if s.metrics != nil {
		s.metrics.ObserveSyncRun(report.SyncType, report.Duration.Seconds())
	}
	if logErr := s.writeLog(context.WithoutCancel(ctx), cl.ID, report, status); logErr != nil {
		s.logger.Error("failed to write sync log", "clinic_id", cl.ID, "error", logErr)
	}
	return report, err
}

func (s *Syncer) run(ctx context.Context, cl *clinic.Clinic, forceFull bool) (*Report, error) {
	client, err := s.clients(cl)
	if err != nil {
		return nil, fmt.Errorf("syncer: client for clinic %s: %w", cl.ID, err)
	}

	report := &Report{SyncType: TypeIncremental}

	watermark, err := s.cache.Watermark(ctx, cl.ID)
	if err != nil {
		return report, err
	}
	if forceFull || watermark.IsZero() {
		report.SyncType = TypeFull
		watermark = time.Now().Add(-s.lookback)
		if forceFull {
			if _, err := s.cache.MarkAllStale(ctx, cl.ID, nil); err != nil {
				return report, err
			}
		}
	}

	since := watermark.Add(-s.overlap)
	changed, err := client.ListChangedAppointments(ctx, since)
	if err != nil {
		return report, fmt.Errorf("syncer: list changed appointments: %w", err)
	}

	tz := cl.Location()
	// One refetch per (practitioner, business, date) even when several
	// appointments moved on the same day.
	refreshed := make(map[string]bool)
	for _, appt := range changed {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		day := appt.StartsAt.In(tz)
		dateKey := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		key := appt.PractitionerID + "|" + appt.BusinessID + "|" + dateKey.Format("2006-01-02")

		if appt.Cancelled() {
			if err := s.cache.Invalidate(ctx, appt.PractitionerID, appt.BusinessID, dateKey); err != nil {
				report.Errors++
				s.logger.Warn("invalidate failed", "appointment_id", appt.ID, "error", err)
				continue
			}
			report.Invalidated++
			continue
		}

		if refreshed[key] {
			continue
		}
		if err := s.refetchDay(ctx, client, cl, appt, dateKey); err != nil {
			report.Errors++
			s.logger.Warn("slot refetch failed", "appointment_id", appt.ID, "error", err)
			continue
		}
		refreshed[key] = true
		report.Updated++
	}
	return report, nil
}

// refetchDay pulls fresh slots for a changed appointment's day. The
// available-times API needs an appointment type, so the practitioner's
// first active service stands in; with no services the entry is just
// invalidated.
func (s *Syncer) refetchDay(ctx context.Context, client PMSClient, cl *clinic.Clinic, appt cliniko.Appointment, dateKey time.Time) error {
	serviceID := appt.AppointmentTypeID
	if serviceID == "" {
		services, err := s.dir.PractitionerServices(ctx, appt.PractitionerID)
		if err != nil {
			return err
		}
		if len(services) == 0 {
			return s.cache.Invalidate(ctx, appt.PractitionerID, appt.BusinessID, dateKey)
		}
		serviceID = services[0].ID
	}

	day := dateKey.Format("2006-01-02")
	fresh, err := client.GetAvailableTimes(ctx, appt.BusinessID, appt.PractitionerID, serviceID, day, day)
	if err != nil {
		return err
	}
	slots := make([]availability.Slot, 0, len(fresh))
	for _, f := range fresh {
		slots = append(slots, availability.Slot{AppointmentStart: f.AppointmentStart.UTC()})
	}
	return s.cache.Put(ctx, cl.ID, appt.PractitionerID, appt.BusinessID, dateKey, slots)
}

// RefreshDirectory mirrors the upstream practitioner, location and
// service catalogue, including the join tables. Called on clinic
// initialization and from the warm command.
func (s *Syncer) RefreshDirectory(ctx context.Context, cl *clinic.Clinic) error {
	client, err := s.clients(cl)
	if err != nil {
		return fmt.Errorf("syncer: client for clinic %s: %w", cl.ID, err)
	}

	businesses, err := client.ListBusinesses(ctx)
	if err != nil {
		return fmt.Errorf("syncer: list businesses: %w", err)
	}
	for i, b := range businesses {
		if err := s.dir.UpsertBusiness(ctx, directory.Business{
			ID:       b.ID,
			ClinicID: cl.ID,
			Name:     b.Name,
			// Cliniko has no primary flag; the first listed business is
			// the oldest and serves as primary.
			IsPrimary: i == 0,
		}); err != nil {
			return err
		}
	}

	practitioners, err := client.ListPractitioners(ctx)
	if err != nil {
		return fmt.Errorf("syncer: list practitioners: %w", err)
	}
	for _, p := range practitioners {
		if err := s.dir.UpsertPractitioner(ctx, directory.Practitioner{
			ID:        p.ID,
			ClinicID:  cl.ID,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Title:     p.Title,
			Active:    p.Active,
		}); err != nil {
			return err
		}
	}

	services, err := client.ListAppointmentTypes(ctx)
	if err != nil {
		return fmt.Errorf("syncer: list appointment types: %w", err)
	}
	for _, at := range services {
		if err := s.dir.UpsertService(ctx, directory.Service{
			ID:              at.ID,
			ClinicID:        cl.ID,
			Name:            at.Name,
			DurationMinutes: at.DurationMinutes,
			Active:          at.Active,
		}); err != nil {
			return err
		}
	}

	for _, b := range businesses {
		at, err := client.ListBusinessPractitioners(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("syncer: list business practitioners: %w", err)
		}
		for _, p := range at {
			if err := s.dir.LinkPractitionerBusiness(ctx, p.ID, b.ID); err != nil {
				return err
			}
		}
	}
	for _, p := range practitioners {
		offered, err := client.ListPractitionerAppointmentTypes(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("syncer: list practitioner appointment types: %w", err)
		}
		for _, at := range offered {
			if err := s.dir.LinkPractitionerService(ctx, p.ID, at.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Syncer) writeLog(ctx context.Context, clinicID string, r *Report, status string) error {
	query := `
		INSERT INTO sync_log (clinic_id, sync_type, status, updated, invalidated, errors, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	if _, err := s.db.Exec(ctx, query,
		clinicID, r.SyncType, status, r.Updated, r.Invalidated, r.Errors, r.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("syncer: write log: %w", err)
	}
	return nil
}

// LastSync reads the most recent completed sync time for a clinic.
func (s *Syncer) LastSync(ctx context.Context, clinicID string) (time.Time, error) {
	query := `
		SELECT COALESCE(MAX(created_at), 'epoch'::timestamptz)
		FROM sync_log
		WHERE clinic_id = $1 AND status = 'completed'
	`
	var ts time.Time
	if err := s.db.QueryRow(ctx, query, clinicID).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("syncer: last sync: %w", err)
	}
	if !ts.After(time.Unix(0, 0)) {
		return time.Time{}, nil
	}
	return ts, nil
}
