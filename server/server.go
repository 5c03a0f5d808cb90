// Package server exposes the HTTP API: the EventSub webhook, job status, admin triggers and
// schedule management, OAuth flows, health probes and metrics. Every request carries a correlation
// id and, when tracing is enabled, a span named after the matched route.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/live-tender/telemetry"
)

// NewRouter returns the HTTP handler with all routes. ctx bounds the rate limiter sweep.
//
// Admin routes share one per-client budget; routes that start work (capture, repair, follow
// sync) are additionally charged to a smaller trigger budget.
func NewRouter(ctx context.Context, h *Handlers) http.Handler {
	creds := newAdminCredentials(h.cfg)
	limiter := newRateLimiter(h.cfg)
	go limiter.run(ctx)
	trigger := limiter.limit(rateBudget{name: "trigger", limit: h.cfg.RateLimitTrigger})

	r := mux.NewRouter()
	r.Use(correlationMiddleware)

	if h.webhook != nil {
		r.Handle("/webhooks/twitch", h.webhook).Methods(http.MethodPost)
	}
	r.HandleFunc("/jobs/{id}", h.HandleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/videos", h.HandleVideosList).Methods(http.MethodGet)

	r.HandleFunc("/auth/twitch/start", h.HandleTwitchOAuthStart).Methods(http.MethodGet)
	r.HandleFunc("/auth/twitch/callback", h.HandleTwitchOAuthCallback).Methods(http.MethodGet)
	r.HandleFunc("/auth/youtube/start", h.HandleYouTubeOAuthStart).Methods(http.MethodGet)
	r.HandleFunc("/auth/youtube/callback", h.HandleYouTubeOAuthCallback).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.HandleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.HandleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(limiter.limit(rateBudget{name: "admin", limit: h.cfg.RateLimitAdmin}), creds.middleware)
	admin.Handle("/broadcasters/{id}/capture", trigger(http.HandlerFunc(h.HandleAdminCapture))).Methods(http.MethodPost)
	admin.Handle("/videos/{filename}/repair", trigger(http.HandlerFunc(h.HandleAdminRepair))).Methods(http.MethodPost)
	admin.Handle("/follows/sync", trigger(http.HandlerFunc(h.HandleAdminFollowSync))).Methods(http.MethodPost)
	admin.HandleFunc("/broadcasters/{id}/schedules", h.HandleSchedulesList).Methods(http.MethodGet)
	admin.HandleFunc("/broadcasters/{id}/schedules", h.HandleScheduleUpsert).Methods(http.MethodPut)
	admin.HandleFunc("/schedules/{sid}", h.HandleScheduleDelete).Methods(http.MethodDelete)

	return withCORS(r, h.cfg.CORSOrigins)
}

// correlationMiddleware reuses or generates X-Correlation-ID and wraps the request in a span.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+route,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(route),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("route", route), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
