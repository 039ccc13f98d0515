package syncer

import (
	"context"
	"encoding/json"
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

// Handler serves POST /sync-cache.
type Handler struct {
	clinics ClinicStore
	syncer  *Syncer
	logger  *logging.Logger
}

// NewHandler creates a sync handler.
func NewHandler(clinics ClinicStore, s *Syncer, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{clinics: clinics, syncer: s, logger: logger}
}

type syncRequest struct {
	SessionID     string `json:"sessionId"`
	DialedNumber  string `json:"dialedNumber"`
	ForceFullSync bool   `json:"forceFullSync,omitempty"`
}

type syncStats struct {
	Updated     int `json:"updated"`
	Invalidated int `json:"invalidated"`
	Errors      int `json:"errors"`
}

type syncResponse struct {
	respond.Envelope
	SyncType       string    `json:"syncType"`
	SyncStats      syncStats `json:"syncStats"`
	DurationMs     int64     `json:"durationMs"`
	LastSyncTime   time.Time `json:"lastSyncTime"`
	SyncInProgress bool      `json:"syncInProgress,omitempty"`
}

// SyncCache handles POST /sync-cache.
func (h *Handler) SyncCache(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, "", respond.ErrInternalError, "invalid request")
		return
	}

	cl, err := h.clinics.ByDialedNumber(r.Context(), req.DialedNumber)
	if err != nil {
		respond.Error(w, req.SessionID, respond.ErrClinicNotFound, "unknown clinic")
		return
	}

	report, err := h.syncer.Run(r.Context(), cl, req.ForceFullSync)
	if err != nil && report == nil {
		h.logger.Error("sync failed", "clinic_id", cl.ID, "error", err)
		respond.Error(w, req.SessionID, respond.ErrUpstreamUnavailable, "sync failed")
		return
	}

	resp := syncResponse{
		Envelope: respond.OK(req.SessionID, ""),
		SyncType: report.SyncType,
		SyncStats: syncStats{
			Updated:     report.Updated,
			Invalidated: report.Invalidated,
			Errors:      report.Errors,
		},
		DurationMs:     report.Duration.Milliseconds(),
		LastSyncTime:   report.LastSyncTime,
		SyncInProgress: report.SyncInProgress,
	}
	if err != nil {
		// Partial sync: report what happened, the next call retries.
		resp.Success = false
		resp.Error = respond.ErrUpstreamUnavailable
	}
	respond.JSON(w, http.StatusOK, resp)
}
