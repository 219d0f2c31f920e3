package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lockerctl/lockerctl/pkg/metrics"
	securityheaders "github.com/lockerctl/lockerctl/pkg/middleware"
)

// NewRouter builds the chi router: request ID, real-IP extraction,
// structured request logging, panic recovery, and a request timeout, then
// the versioned kiosk/command/ws routes plus the metrics and health probes.
func NewRouter(h *Handler, registry *metrics.MetricsRegistry, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(securityheaders.SecurityHeaders(securityheaders.DefaultSecurityHeadersConfig()))

	r.Get("/healthz", h.Healthz)
	if registry != nil {
		if metricsHandler, err := metrics.NewMetricsEndpointHandler(metrics.DefaultEndpointConfig(), registry); err != nil {
			logger.Error("metrics endpoint disabled: failed to construct handler", "error", err)
		} else {
			r.Handle("/metrics", metricsHandler)
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/kiosks/{kioskID}", func(r chi.Router) {
			r.Post("/heartbeat", h.Heartbeat)
			r.Get("/commands", h.PollCommands)

			r.Route("/lockers/{lockerID}", func(r chi.Router) {
				r.Post("/assign", h.AssignLocker)
				r.Post("/release", h.ReleaseLocker)
				r.Post("/block", h.BlockLocker)
				r.Post("/unblock", h.UnblockLocker)
				r.Post("/force", h.ForceTransition)
				r.Post("/rename", h.RenameLocker)
			})
		})

		r.Post("/commands/{commandID}/ack", h.AckCommand)

		r.Get("/ws/lockers", h.LockerFeed)
	})

	return r
}

// requestLogger logs one structured line per completed request, following
// this codebase's slog-based logging convention rather than the stdlib
// log package or a third-party HTTP-specific logging middleware.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
