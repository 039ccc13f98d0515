package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/covecare/voicebook/pkg/logging"
)

// State is the per-call scratchpad: which slots the caller has turned
// down, the criteria they were searching with, and the location they
// usually book at. Keyed by the agent platform's session id.
type State struct {
	SessionID             string      `json:"sessionId"`
	ClinicID              string      `json:"clinicId"`
	RejectedSlots         []time.Time `json:"rejectedSlots"`
	LastOffered           []time.Time `json:"lastOffered"`
	Fingerprint           string      `json:"fingerprint"`
	PreferredLocationID   string      `json:"preferredLocationId,omitempty"`
	PreferredLocationName string      `json:"preferredLocationName,omitempty"`
	UpdatedAt             time.Time   `json:"updatedAt"`
}

// Rejected reports whether an instant is in the rejected set.
func (s *State) Rejected(instant time.Time) bool {
	for _, r := range s.RejectedSlots {
		if r.Equal(instant) {
			return true
		}
	}
	return false
}

// Fingerprint hashes the normalized search constraints. Any change
// resets the rejected set: new criteria, clean slate.
func Fingerprint(practitionerID, serviceID, locationID string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{practitionerID, serviceID, locationID}, "|")))
	return hex.EncodeToString(h[:16])
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists session state in Postgres with a Redis write-through
// for the per-turn hot path. Postgres is authoritative; Redis entries
// expire on their own.
type Store struct {
	db     DB
	rdb    *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewStore builds a session store. rdb may be nil in tests.
func NewStore(db DB, rdb *redis.Client, ttl time.Duration, logger *logging.Logger) *Store {
	if db == nil {
		panic("session: db required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, rdb: rdb, ttl: ttl, logger: logger}
}

// Get loads a session's state; a session never seen before comes back
// as an empty state, not an error.
func (s *Store) Get(ctx context.Context, sessionID string) (*State, error) {
	if st := s.fromRedis(ctx, sessionID); st != nil {
		return st, nil
	}

	query := `
		SELECT session_id, clinic_id, rejected_slots, last_offered, criteria_fingerprint,
		       COALESCE(preferred_location_id, ''), COALESCE(preferred_location_name, ''), updated_at
		FROM session_state
		WHERE session_id = $1
	`
	var st State
	var rejected, offered []byte
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&st.SessionID, &st.ClinicID, &rejected, &offered, &st.Fingerprint,
		&st.PreferredLocationID, &st.PreferredLocationName, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &State{SessionID: sessionID}, nil
		}
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if err := json.Unmarshal(rejected, &st.RejectedSlots); err != nil {
		return nil, fmt.Errorf("session: decode rejected slots: %w", err)
	}
	if err := json.Unmarshal(offered, &st.LastOffered); err != nil {
		return nil, fmt.Errorf("session: decode last offered: %w", err)
	}
	return &st, nil
}

// Upsert writes the full state, single-writer per session by
// convention.
func (s *Store) Upsert(ctx context.Context, st *State) error {
	rejected, err := json.Marshal(orEmpty(st.RejectedSlots))
	if err != nil {
		return fmt.Errorf("session: encode rejected slots: %w", err)
	}
	offered, err := json.Marshal(orEmpty(st.LastOffered))
	if err != nil {
		return fmt.Errorf("session: encode last offered: %w", err)
	}
	query := `
		INSERT INTO session_state
			(session_id, clinic_id, rejected_slots, last_offered, criteria_fingerprint,
			 preferred_location_id, preferred_location_name, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, NULLIF($6, ''), NULLIF($7, ''), NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET
			clinic_id = $2,
			rejected_slots = $3::jsonb,
			last_offered = $4::jsonb,
			criteria_fingerprint = $5,
			preferred_location_id = NULLIF($6, ''),
			preferred_location_name = NULLIF($7, ''),
			updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query,
		st.SessionID, st.ClinicID, rejected, offered, st.Fingerprint,
		st.PreferredLocationID, st.PreferredLocationName,
	); err != nil {
		return fmt.Errorf("session: upsert: %w", err)
	}
	st.UpdatedAt = time.Now().UTC()
	s.toRedis(ctx, st)
	return nil
}

// BeginSearch applies the fingerprint contract for one search turn:
// same fingerprint means the previous offer was implicitly declined,
// so it joins the rejected set; a new fingerprint clears everything.
// Returns the state the search should filter against.
func (s *Store) BeginSearch(ctx context.Context, sessionID, clinicID, fingerprint string) (*State, error) {
	st, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.ClinicID = clinicID
	if st.Fingerprint == fingerprint {
		for _, o := range st.LastOffered {
			if !st.Rejected(o) {
				st.RejectedSlots = append(st.RejectedSlots, o)
			}
		}
	} else {
		st.Fingerprint = fingerprint
		st.RejectedSlots = nil
	}
	st.LastOffered = nil
	return st, nil
}

// RecordOffer saves the instants just offered so the next search turn
// can treat them as declined.
func (s *Store) RecordOffer(ctx context.Context, st *State, offered []time.Time) error {
	st.LastOffered = offered
	return s.Upsert(ctx, st)
}

// SetPreferredLocation remembers the caller's location for resolver
// boosts in later turns.
func (s *Store) SetPreferredLocation(ctx context.Context, sessionID, clinicID, locationID, locationName string) error {
	st, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	st.SessionID = sessionID
	st.ClinicID = clinicID
	st.PreferredLocationID = locationID
	st.PreferredLocationName = locationName
	return s.Upsert(ctx, st)
}

// Purge removes sessions idle longer than the TTL.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	query := `DELETE FROM session_state WHERE updated_at < NOW() - $1`
	ct, err := s.db.Exec(ctx, query, s.ttl)
	if err != nil {
		return 0, fmt.Errorf("session: purge: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *Store) fromRedis(ctx context.Context, sessionID string) *State {
	if s.rdb == nil {
		return nil
	}
	data, err := s.rdb.Get(ctx, redisKey(sessionID)).Bytes()
	if err != nil {
		return nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	return &st
}

func (s *Store) toRedis(ctx context.Context, st *State) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, redisKey(st.SessionID), data, s.ttl).Err(); err != nil {
		s.logger.Warn("session redis write failed", "session_id", st.SessionID, "error", err)
	}
}

func redisKey(sessionID string) string {
	return "session:" + sessionID
}

func orEmpty(ts []time.Time) []time.Time {
	if ts == nil {
		return []time.Time{}
	}
	return ts
}
