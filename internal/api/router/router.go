package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/covecare/voicebook/internal/availability"
	"github.com/covecare/voicebook/internal/booking"
	httpmiddleware "github.com/covecare/voicebook/internal/http/middleware"
	"github.com/covecare/voicebook/internal/resolve"
	"github.com/covecare/voicebook/internal/syncer"
	"github.com/covecare/voicebook/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger              *logging.Logger
	SyncHandler         *syncer.Handler
	ResolveHandler      *resolve.Handler
	AvailabilityHandler *availability.Handler
	BookingHandler      *booking.Handler
	StatsHandler        *availability.StatsHandler
	MetricsHandler      http.Handler

	// Shared secret for the voice-tool endpoints; empty disables auth.
	APIKey string

	// Per-IP rate limit; zero disables limiting.
	RateLimit      float64
	RateLimitBurst int

	CORSAllowedOrigins []string
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: health and metrics.
	r.Group(func(public chi.Router) {
		public.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Voice-tool endpoints. The agent platform calls these as webhooks,
	// so they all answer 200 with a structured envelope.
	r.Group(func(tools chi.Router) {
		tools.Use(httpmiddleware.APIKey(cfg.APIKey))
		if cfg.RateLimit > 0 {
			tools.Use(httpmiddleware.RateLimit(cfg.RateLimit, cfg.RateLimitBurst))
		}

		if cfg.SyncHandler != nil {
			tools.Post("/sync-cache", cfg.SyncHandler.SyncCache)
		}
		if cfg.ResolveHandler != nil {
			tools.Post("/location-resolver", cfg.ResolveHandler.ResolveLocation)
			tools.Post("/confirm-location", cfg.ResolveHandler.ConfirmLocation)
			tools.Post("/get-practitioner-services", cfg.ResolveHandler.PractitionerServices)
			tools.Post("/get-practitioner-info", cfg.ResolveHandler.PractitionerInfo)
			tools.Post("/get-location-practitioners", cfg.ResolveHandler.LocationPractitioners)
			tools.Post("/get-available-practitioners", cfg.ResolveHandler.AvailablePractitioners)
		}
		if cfg.AvailabilityHandler != nil {
			tools.Post("/availability-checker", cfg.AvailabilityHandler.CheckAvailability)
			tools.Post("/find-next-available", cfg.AvailabilityHandler.FindNextAvailable)
		}
		if cfg.BookingHandler != nil {
			tools.Post("/appointment-handler", cfg.BookingHandler.HandleAppointment)
			tools.Post("/cancel-appointment", cfg.BookingHandler.CancelAppointment)
		}
		if cfg.StatsHandler != nil {
			tools.Get("/cache-stats", cfg.StatsHandler.CacheStats)
		}
	})

	return r
}
