package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vasapolrittideah/session-manager/services/session-service/internal/config"
	"github.com/vasapolrittideah/session-manager/services/session-service/internal/metrics"
	"github.com/vasapolrittideah/session-manager/shared/middleware"
)

// RouterConfig groups the dependencies of NewRouter and NewInternalRouter.
type RouterConfig struct {
	Handler                 *SessionHTTPHandler
	SessionMiddleware       *middleware.SessionMiddleware
	DeviceSessionMiddleware *middleware.SessionMiddleware
	Metrics                 *metrics.Metrics
	Gatherer                prometheus.Gatherer
	RateLimit               config.RateLimitConfig
	// AdminGrant guards the user-level routes of the internal router.
	AdminGrant string
	Logger     *zerolog.Logger
}

// NewRouter creates the client-facing HTTP router. Every route either presents
// credentials or exchanges them.
func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handler
	limitCredentials := httprate.LimitByIP(cfg.RateLimit.Requests, cfg.RateLimit.Window)

	r := newBaseRouter(cfg)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(cfg.SessionMiddleware.CheckAuthentication)
		r.Get("/me", h.CurrentSession)
		r.Delete("/me", h.RevokeCurrentSession)
	})

	r.Route("/v1/devices", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.With(limitCredentials).Post("/", h.CreateDeviceSession)
			r.With(limitCredentials).Post("/refresh", h.RefreshDeviceSession)
			r.Delete("/", h.DeleteDeviceSession)
			r.With(cfg.DeviceSessionMiddleware.CheckAuthentication).Get("/me", h.CurrentDeviceSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(cfg.DeviceSessionMiddleware.CheckAuthentication)
			r.Put("/push/apn", h.RegisterAPNToken)
			r.Put("/push/gcm", h.RegisterGCMToken)
		})
	})

	return r
}

// NewInternalRouter creates the router of the internal listener: session issuance by
// the login service, metrics, and user-level management for callers holding
// cfg.AdminGrant.
func NewInternalRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handler

	r := newBaseRouter(cfg)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Post("/v1/sessions", h.IssueSession)

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Use(cfg.SessionMiddleware.CheckPermission(cfg.AdminGrant))
		r.Get("/sessions", h.ListUserSessions)
		r.Put("/grants", h.UpdateUserGrants)
	})

	return r
}

func newBaseRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cfg.Metrics.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func requestLogger(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
