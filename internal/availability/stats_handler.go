package availability

import (
	"context"
	"net/http"

	"github.com/covecare/voicebook/internal/api/respond"
	"github.com/covecare/voicebook/pkg/logging"
)

// StatsReader reports cache health for one clinic.
type StatsReader interface {
	CacheStats(ctx context.Context, clinicID string) (*Stats, error)
}

// StatsHandler serves GET /cache-stats for operational diagnostics.
type StatsHandler struct {
	clinics ClinicStore
	cache   StatsReader
	logger  *logging.Logger
}

// NewStatsHandler creates a cache diagnostics handler.
func NewStatsHandler(clinics ClinicStore, cache StatsReader, logger *logging.Logger) *StatsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &StatsHandler{clinics: clinics, cache: cache, logger: logger}
}

type statsResponse struct {
	respond.Envelope
	ClinicID string `json:"clinicId"`
	Stats    *Stats `json:"cacheStats"`
}

// CacheStats handles GET /cache-stats?dialedNumber=...
func (h *StatsHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	dialed := r.URL.Query().Get("dialedNumber")
	cl, err := h.clinics.ByDialedNumber(r.Context(), dialed)
	if err != nil {
		respond.Error(w, "", respond.ErrClinicNotFound, "unknown clinic")
		return
	}
	stats, err := h.cache.CacheStats(r.Context(), cl.ID)
	if err != nil {
		h.logger.Error("cache stats failed", "clinic_id", cl.ID, "error", err)
		respond.Error(w, "", respond.ErrDatabaseError, "stats unavailable")
		return
	}
	respond.JSON(w, http.StatusOK, statsResponse{
		Envelope: respond.OK("", ""),
		ClinicID: cl.ID,
		Stats:    stats,
	})
}
