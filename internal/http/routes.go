package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/merrymaker/internal/core"
	domainauth "github.com/target/merrymaker/internal/domain/auth"
	"github.com/target/merrymaker/internal/service"
)

// RouterServices holds everything the router wires together. A nil Sessions
// disables the auth gates for local development.
type RouterServices struct {
	Events   *service.EventPipeline
	Scans    *service.ScanService
	Jobs     *service.JobService
	Sessions *service.SessionService
	Sites    core.SiteRepository
	Sources  core.SourceRepository

	Auth   AuthHandlers
	Logger *slog.Logger
}

// NewRouter builds the API handler. Role tiers: transport for the event
// ingest (scanner workers), user for reads, admin for anything that creates
// or destroys work.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sessions SessionResolver
	if services.Sessions != nil {
		sessions = services.Sessions
	}
	transport := RequireRole(sessions, domainauth.RoleTransport)
	user := RequireRole(sessions, domainauth.RoleUser)
	admin := RequireRole(sessions, domainauth.RoleAdmin)

	eventHandlers := &EventHandlers{Pipeline: services.Events, Logger: logger}
	scanHandlers := &ScanHandlers{Scans: services.Scans, Sites: services.Sites, Sources: services.Sources}
	jobHandlers := &JobHandlers{Jobs: services.Jobs}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	mux.Handle("POST /api/events", transport(http.HandlerFunc(eventHandlers.BulkInsert)))

	mux.Handle("GET /api/jobs/{type}/reserve_next", transport(http.HandlerFunc(jobHandlers.ReserveNext)))
	mux.Handle("POST /api/jobs/{id}/heartbeat", transport(http.HandlerFunc(jobHandlers.Heartbeat)))
	mux.Handle("POST /api/jobs/{id}/complete", transport(http.HandlerFunc(jobHandlers.Complete)))
	mux.Handle("POST /api/jobs/{id}/fail", transport(http.HandlerFunc(jobHandlers.Fail)))

	mux.Handle("POST /api/scans", admin(http.HandlerFunc(scanHandlers.Start)))
	mux.Handle("GET /api/scans/{id}", user(http.HandlerFunc(scanHandlers.Get)))
	mux.Handle("GET /api/scans/{id}/logs", user(http.HandlerFunc(scanHandlers.Logs)))

	mux.Handle("GET /api/jobs/{id}", user(http.HandlerFunc(jobHandlers.Get)))
	mux.Handle("GET /api/jobs/{id}/result", user(http.HandlerFunc(jobHandlers.Result)))
	mux.Handle("GET /api/jobs/{type}/stats", user(http.HandlerFunc(jobHandlers.Stats)))
	mux.Handle("DELETE /api/jobs/{id}", admin(http.HandlerFunc(jobHandlers.Cancel)))

	if services.Sessions != nil {
		auth := services.Auth
		auth.Sessions = services.Sessions
		if auth.Logger == nil {
			auth.Logger = logger
		}
		mux.HandleFunc("GET /auth/login", auth.Login)
		mux.HandleFunc("GET /auth/callback", auth.Callback)
		mux.HandleFunc("POST /auth/logout", auth.Logout)
		mux.HandleFunc("GET /auth/status", auth.Status)
	}

	return Logging(logger)(Recover(logger)(mux))
}
