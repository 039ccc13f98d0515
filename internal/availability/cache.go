package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Slot is a bookable start instant, stored and compared in UTC.
type Slot struct {
	AppointmentStart time.Time `json:"appointment_start"`
}

// ErrCacheMiss is returned when no usable entry exists for the key.
var ErrCacheMiss = errors.New("availability: cache miss")

// DB is the subset of pgxpool.Pool the cache needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CacheMetrics receives hit/miss observations.
type CacheMetrics interface {
	ObserveCacheLookup(outcome string)
}

// Cache stores per-(practitioner, business, date) slot sets with a TTL
// and an is_stale flag. An entry is usable iff it is not stale and not
// expired; everything else is a miss. Writes are last-writer-wins on
// the unique key.
type Cache struct {
	db      DB
	ttl     time.Duration
	metrics CacheMetrics
}

// NewCache builds a cache with the given TTL for fresh entries.
func NewCache(db DB, ttl time.Duration, metrics CacheMetrics) *Cache {
	if db == nil {
		panic("availability: db required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{db: db, ttl: ttl, metrics: metrics}
}

// Get returns the cached slots for a key, or ErrCacheMiss when the
// entry is absent, stale, or expired.
func (c *Cache) Get(ctx context.Context, practitionerID, businessID string, date time.Time) ([]Slot, error) {
	query := `
		SELECT available_slots
		FROM availability_cache
		WHERE practitioner_id = $1
		  AND business_id = $2
		  AND date = $3
		  AND NOT is_stale
		  AND expires_at > NOW()
	`
	var raw []byte
	err := c.db.QueryRow(ctx, query, practitionerID, businessID, dateOnly(date)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.observe("miss")
			return nil, ErrCacheMiss
		}
		c.observe("error")
		return nil, fmt.Errorf("availability: cache get: %w", err)
	}
	var slots []Slot
	if err := json.Unmarshal(raw, &slots); err != nil {
		c.observe("error")
		return nil, fmt.Errorf("availability: decode cached slots: %w", err)
	}
	c.observe("hit")
	return slots, nil
}

// Put upserts the slot set for a key and restores freshness. The cache
// is the only writer of cached_at/expires_at.
func (c *Cache) Put(ctx context.Context, clinicID, practitionerID, businessID string, date time.Time, slots []Slot) error {
	if slots == nil {
		slots = []Slot{}
	}
	for i := range slots {
		slots[i].AppointmentStart = slots[i].AppointmentStart.UTC()
	}
	payload, err := json.Marshal(slots)
	if err != nil {
		return fmt.Errorf("availability: encode slots: %w", err)
	}
	query := `
		INSERT INTO availability_cache
			(clinic_id, practitioner_id, business_id, date, available_slots, cached_at, expires_at, is_stale)
		VALUES ($1, $2, $3, $4, $5::jsonb, NOW(), NOW() + $6, false)
		ON CONFLICT (practitioner_id, business_id, date)
		DO UPDATE SET
			available_slots = EXCLUDED.available_slots,
			cached_at = NOW(),
			expires_at = NOW() + $6,
			is_stale = false
	`
	if _, err := c.db.Exec(ctx, query, clinicID, practitionerID, businessID, dateOnly(date), payload, c.ttl); err != nil {
		return fmt.Errorf("availability: cache put: %w", err)
	}
	return nil
}

// Invalidate flags an entry stale without deleting it, preserving the
// key for the next last-writer-wins Put.
func (c *Cache) Invalidate(ctx context.Context, practitionerID, businessID string, date time.Time) error {
	query := `
		UPDATE availability_cache
		SET is_stale = true
		WHERE practitioner_id = $1 AND business_id = $2 AND date = $3
	`
	if _, err := c.db.Exec(ctx, query, practitionerID, businessID, dateOnly(date)); err != nil {
		return fmt.Errorf("availability: cache invalidate: %w", err)
	}
	return nil
}

// MarkAllStale flags every entry for a clinic, optionally from a date
// forward. Used when a full resync is forced.
func (c *Cache) MarkAllStale(ctx context.Context, clinicID string, from *time.Time) (int64, error) {
	query := `UPDATE availability_cache SET is_stale = true WHERE clinic_id = $1`
	args := []any{clinicID}
	if from != nil {
		query += ` AND date >= $2`
		args = append(args, dateOnly(*from))
	}
	ct, err := c.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("availability: mark all stale: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Sweep deletes entries expired longer than grace ago and returns the
// number reclaimed.
func (c *Cache) Sweep(ctx context.Context, grace time.Duration) (int64, error) {
	query := `DELETE FROM availability_cache WHERE expires_at < NOW() - $1`
	ct, err := c.db.Exec(ctx, query, grace)
	if err != nil {
		return 0, fmt.Errorf("availability: cache sweep: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Watermark returns the newest cached_at for a clinic, or zero time
// when the clinic has no entries. The incremental sync keys off this.
func (c *Cache) Watermark(ctx context.Context, clinicID string) (time.Time, error) {
	query := `SELECT COALESCE(MAX(cached_at), 'epoch'::timestamptz) FROM availability_cache WHERE clinic_id = $1`
	var wm time.Time
	if err := c.db.QueryRow(ctx, query, clinicID).Scan(&wm); err != nil {
		return time.Time{}, fmt.Errorf("availability: watermark: %w", err)
	}
	if wm.Unix() <= 0 {
		return time.Time{}, nil
	}
	return wm, nil
}

// Stats summarizes cache health for diagnostics.
type Stats struct {
	Entries int64      `json:"entries"`
	Fresh   int64      `json:"fresh"`
	Stale   int64      `json:"stale"`
	Expired int64      `json:"expired"`
	Newest  *time.Time `json:"newestCachedAt,omitempty"`
}

// CacheStats counts entries by state for one clinic.
func (c *Cache) CacheStats(ctx context.Context, clinicID string) (*Stats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT is_stale AND expires_at > NOW()),
		       COUNT(*) FILTER (WHERE is_stale),
		       COUNT(*) FILTER (WHERE expires_at <= NOW()),
		       MAX(cached_at)
		FROM availability_cache
		WHERE clinic_id = $1
	`
	var s Stats
	if err := c.db.QueryRow(ctx, query, clinicID).Scan(&s.Entries, &s.Fresh, &s.Stale, &s.Expired, &s.Newest); err != nil {
		return nil, fmt.Errorf("availability: cache stats: %w", err)
	}
	return &s, nil
}

func (c *Cache) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.ObserveCacheLookup(outcome)
	}
}

// dateOnly truncates to a calendar date in the instant's location.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
