package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/soulseekd/soulseekd/internal/logger"
	"github.com/soulseekd/soulseekd/pkg/metrics"
	"github.com/soulseekd/soulseekd/pkg/transfers"
)

// UploadController is the slice of the upload service the API needs.
type UploadController interface {
	// TryCancel requests cancellation of an in-flight or queued upload.
	// Returns false when no live upload with that id exists.
	TryCancel(id string) bool
}

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET /healthz - liveness probe
//   - GET /metrics - Prometheus exposition (only when metrics are enabled)
//   - GET /api/v0/transfers/uploads - list upload records
//   - GET /api/v0/transfers/uploads/{id} - single upload record
//   - DELETE /api/v0/transfers/uploads/{id} - cancel a live upload
func NewRouter(store *transfers.Store, uploads UploadController) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, OKResponse(nil))
	})

	if metrics.IsEnabled() {
		r.Handle("/metrics", metrics.Handler())
	}

	h := &transfersHandler{store: store, uploads: uploads}
	r.Route("/api/v0/transfers/uploads", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Cancel)
	})

	return r
}

// requestLogger logs each request through the internal logger instead of
// chi's default stdlib logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", logger.Duration(start),
		)
	})
}
