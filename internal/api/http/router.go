package http

import (
	"net/http"

	"github.com/srebi/intake/internal/observability"
	"github.com/srebi/intake/internal/storage"
)

// Services holds everything the router mounts. Nil optional fields leave
// their routes unregistered.
type Services struct {
	Uploads   Uploads
	Incidents Incidents
	Reports   Reports
	Sweeper   Sweeper
	Metrics   *observability.Metrics

	// LocalStorage serves presigned URLs of the local object store.
	LocalStorage http.Handler

	// AdminSecret gates the admin routes.
	AdminSecret string

	// Middleware is applied outside the default chain, e.g. shutdown tracking.
	Middleware []func(http.Handler) http.Handler
}

// NewRouter builds the HTTP handler for the intake API.
func NewRouter(svc Services) http.Handler {
	mux := http.NewServeMux()
	chain := make([]func(http.Handler) http.Handler, 0, len(svc.Middleware)+1)
	chain = append(chain, svc.Middleware...)
	base := ChainMiddleware(append(chain, DefaultMiddleware())...)
	admin := AdminMiddleware(svc.AdminSecret)

	handle := func(pattern string, h http.Handler) {
		mux.Handle(pattern, base(MetricsMiddleware(svc.Metrics, pattern)(h)))
	}

	if svc.Uploads != nil {
		uploads := NewUploadHandler(svc.Uploads)
		handle("POST /api/uploads/multipart/init", http.HandlerFunc(uploads.Init))
		handle("POST /api/uploads/multipart/part-url", http.HandlerFunc(uploads.PartURL))
		handle("POST /api/uploads/multipart/complete", http.HandlerFunc(uploads.Complete))
		handle("POST /api/uploads/multipart/abort", http.HandlerFunc(uploads.Abort))
	}

	if svc.Incidents != nil {
		incidents := NewIncidentHandler(svc.Incidents)
		handle("POST /api/incidents", http.HandlerFunc(incidents.Create))
		handle("GET /api/incidents/{id}", http.HandlerFunc(incidents.Get))
	}

	if svc.Reports != nil {
		reports := NewReportHandler(svc.Reports)
		handle("POST /api/admin/reports/upload", admin(http.HandlerFunc(reports.Upload)))
		handle("GET /api/reports/presign", http.HandlerFunc(reports.Presign))
	}

	if svc.Sweeper != nil {
		handle("POST /api/admin/sweep", admin(sweepHandler(svc.Sweeper)))
	}

	if svc.LocalStorage != nil {
		mux.Handle(storage.LocalRoutePrefix, svc.LocalStorage)
	}

	mux.Handle("GET /metrics", svc.Metrics.Handler())
	mux.HandleFunc("GET /health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
