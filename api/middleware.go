package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ethsync/stagesync/common"
	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/metrics"
)

// MetricsMiddleware is a middleware that measures the start and end of each request,
// as well as other useful request information.
func MetricsMiddleware(m *metrics.RequestMetrics, logger *log.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.New()
			logger.Debug("starting request",
				"endpoint", r.URL.Path,
				"request_id", requestID,
			)

			t := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(
				context.WithValue(r.Context(), common.RequestIDContextKey, requestID),
			))

			// Route patterns are only known after routing.
			endpoint := "unknown"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				endpoint = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			latency := time.Since(t)
			logger.Info("ending request",
				"endpoint", r.URL.Path,
				"request_id", requestID,
				"latency", latency,
				"status_code", status,
			)

			statusTxt := "success"
			if status >= 400 {
				statusTxt = "failure"
			}
			m.RequestCounter(endpoint, statusTxt, strconv.Itoa(status)).Inc()
			m.RequestLatencies.WithLabelValues(endpoint).Observe(latency.Seconds())
		})
	}
}
