// Package httpapi is the HTTP surface: routing, authentication middleware
// and the JSON request/response plumbing around the auth and report
// services.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carelog.org/internal/auth"
	"carelog.org/internal/obs"
	"carelog.org/internal/report"
)

const serviceName = "carelog-api"

// ReadyProbe checks the dependencies a ready instance needs (DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Limits bounds request intake.
type Limits struct {
	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = 1 << 20
	}
	if l.RateBurst <= 0 {
		l.RateBurst = 20
	}
	if l.RatePerSec <= 0 {
		l.RatePerSec = 10
	}
	return l
}

// API is the HTTP layer.
type API struct {
	auth       *auth.Service
	reports    *report.Service
	readyProbe ReadyProbe
	version    string
	limits     Limits
}

// New constructs the API.
func New(authSvc *auth.Service, reportSvc *report.Service, rp ReadyProbe, version string, limits Limits) *API {
	return &API{
		auth:       authSvc,
		reports:    reportSvc,
		readyProbe: rp,
		version:    version,
		limits:     limits.withDefaults(),
	}
}

// Handler builds the router with the full middleware stack.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Post("/logout", a.handleLogout)
			r.Post("/password", a.handleChangePassword)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)

		r.Get("/v1/me", a.handleMe)

		r.Route("/v1/reports", func(r chi.Router) {
			r.Post("/", a.handleCreateText)
			r.Post("/voice", a.handleCreateVoice)
			r.Get("/", a.handleList)
			r.Get("/stats", a.handleStats)
			r.Get("/{id}", a.handleGet)
			r.Put("/{id}", a.handleUpdate)
			r.Post("/{id}/retry", a.handleRetry)
			r.Post("/{id}/cancel", a.handleCancel)
			r.Post("/{id}/finalize", a.handleFinalize)
			r.Post("/{id}/archive", a.handleArchive)
			r.Post("/{id}/review", a.handleReview)
		})

		r.Post("/v1/admin/principals/{id}/deactivate", a.handleDeactivate)
	})

	var h http.Handler = r
	h = MaxBodyBytes(h, a.limits.MaxBodyBytes)
	h = RateLimit(h, a.limits.RateBurst, a.limits.RatePerSec)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
