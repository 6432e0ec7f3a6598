package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"tradeguard.io/internal/audit"
	"tradeguard.io/internal/auth"
	"tradeguard.io/internal/obs"
)

const serviceName = "tradeguard-api"

// ReadyProbe: проверка готовности зависимостей (БД, Redis).
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// UserDirectory manages accounts in the identity store.
type UserDirectory interface {
	CreateUser(ctx context.Context, email, password, role string, permissions []string) (string, error)
	SetStatus(ctx context.Context, userID, status string) error
}

// Deps wires the API to its collaborators. Tokens, Engine and Audit are required.
type Deps struct {
	Tokens  *auth.Manager
	Engine  *auth.Engine
	Audit   *audit.Pipeline
	Alerts  *audit.AlertStream
	Users   UserDirectory
	Ready   ReadyProbe
	Limiter *RateLimiter
	Version string

	CORSAllowedOrigins []string
	MaxBodyBytes       int64
}

// API: HTTP слой.
type API struct {
	router  chi.Router
	tokens  *auth.Manager
	engine  *auth.Engine
	audit   *audit.Pipeline
	alerts  *audit.AlertStream
	users   UserDirectory
	ready   ReadyProbe
	limiter *RateLimiter
	version string
}

func New(d Deps) (*API, error) {
	if d.Tokens == nil || d.Engine == nil || d.Audit == nil {
		return nil, errors.New("httpapi: tokens, engine and audit are required")
	}
	if d.Limiter == nil {
		d.Limiter = NewRateLimiter(50, 100)
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	a := &API{
		tokens:  d.Tokens,
		engine:  d.Engine,
		audit:   d.Audit,
		alerts:  d.Alerts,
		users:   d.Users,
		ready:   d.Ready,
		limiter: d.Limiter,
		version: d.Version,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recover(codeInternal))
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerRequestID, audit.HeaderCorrelationID},
		ExposedHeaders:   []string{headerRequestID, audit.HeaderCorrelationID, "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(a.Audit)
	r.Use(a.limiter.Middleware)
	r.Use(MaxBodyBytes(d.MaxBodyBytes))
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/api/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", a.handleLogin)
			r.Post("/refresh", a.handleRefresh)
			r.With(a.Authenticate).Post("/logout", a.handleLogout)
			r.With(a.Authenticate).Get("/me", a.handleMe)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.Authenticate)

			r.With(a.Authorize(auth.Policy{Permission: "read:market"})).
				Get("/market/quotes", a.handleQuotes)
			r.With(a.Authorize(auth.Policy{RequiredRole: auth.RoleUser, Permission: "read:portfolio", ResourceType: "portfolio"})).
				Get("/portfolio/{userId}", a.handlePortfolio)
			r.With(a.Authorize(auth.Policy{RequiredRole: auth.RoleTrader, Permission: "create:trade", ResourceType: "trade"})).
				Post("/trade", a.handleTrade)
			r.With(a.Authorize(auth.Policy{RequiredRole: auth.RoleUser, Permission: "read:analytics", ResourceType: "analytics"})).
				Get("/analytics/{userId}", a.handleAnalytics)
			r.With(a.Authorize(auth.Policy{RequiredRole: auth.RoleUser, ResourceType: "compliance"})).
				Get("/compliance/reports/{userId}", a.handleComplianceReport)

			r.With(a.Authorize(auth.Policy{RequiredRole: auth.RoleAdmin, Permission: "create:users"})).
				Post("/admin/users", a.handleCreateUser)
			r.With(a.Authorize(auth.Policy{RequiredRole: auth.RoleAdmin, Permission: "delete:users"})).
				Delete("/admin/users/{id}", a.handleDisableUser)

			r.Route("/audit", func(r chi.Router) {
				r.Use(a.Authorize(auth.Policy{RequiredRole: auth.RoleAdmin, Permission: "read:audit"}))
				r.Get("/logs", a.handleAuditLogs)
				r.Get("/alerts", a.handleAuditAlerts)
				r.Get("/alerts/stream", a.Stream)
			})
		})
	})

	a.router = r
	return a, nil
}

// Handler возвращает http.Handler для сервера.
func (a *API) Handler() http.Handler {
	// оборачиваем весь router метриками
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
