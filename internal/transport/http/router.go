// Package httptransport is the thin HTTP layer. Handlers delegate to the
// domain services without embedding business logic so transport concerns
// remain isolated.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	consentservice "custodia/internal/consent/service"
	dsrservice "custodia/internal/dsr/service"
	"custodia/internal/keys"
	"custodia/internal/platform/clock"
	"custodia/internal/platform/config"
	"custodia/internal/ratelimit"
	retentionengine "custodia/internal/retention/engine"
	retentionstore "custodia/internal/retention/store"
	audit "custodia/pkg/platform/audit"
	authmw "custodia/pkg/platform/middleware/auth"
	"custodia/pkg/platform/middleware/device"
	"custodia/pkg/platform/middleware/metadata"
	requestmw "custodia/pkg/platform/middleware/request"
	"custodia/pkg/platform/validation"
)

// Staff roles accepted on the administrative routes.
const (
	RoleAdmin = "admin"
	RoleDPO   = "dpo"
)

// Deps collects everything the router needs. Limiter may be nil, in which
// case submissions are not rate limited. All other fields are required.
type Deps struct {
	Consent  *consentservice.Service
	Requests *dsrservice.Service
	Keys     *keys.Manager
	Ledger   *audit.Ledger
	Engine   *retentionengine.Engine
	Policies retentionstore.Store
	Clock    clock.Clock
	Config   config.Server
	Auth     authmw.Validator
	Limiter  *ratelimit.Middleware
	Logger   *slog.Logger
}

// NewRouter wires all endpoints with the middleware stack.
func NewRouter(deps Deps) http.Handler {
	h := &Handler{
		consent:  deps.Consent,
		requests: deps.Requests,
		keys:     deps.Keys,
		ledger:   deps.Ledger,
		engine:   deps.Engine,
		policies: deps.Policies,
		clock:    deps.Clock,
		config:   deps.Config,
		logger:   deps.Logger,
	}

	clientMeta := metadata.NewMiddleware(&metadata.Config{TrustedProxies: deps.Config.TrustedProxies})

	r := chi.NewRouter()
	r.Use(requestmw.Recovery(deps.Logger))
	r.Use(requestmw.RequestID)
	r.Use(clientMeta.Handler)
	r.Use(device.ClientSignature)
	r.Use(requestmw.Logger(deps.Logger))
	r.Use(requestmw.Timeout(deps.Config.RequestTimeout))
	r.Use(requestmw.ContentTypeJSON)
	r.Use(requestmw.BodyLimit(validation.MaxBodySize))

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public submission endpoints, rate limited per client address.
		r.Group(func(r chi.Router) {
			if deps.Limiter != nil {
				r.Use(deps.Limiter.Handler)
			}
			r.Post("/consent", h.handleConsentSubmit)
			r.Post("/requests", h.handleRequestSubmit)
		})

		// Public token redemption and status reads.
		r.Get("/consent/verify", h.handleConsentVerify)
		r.Get("/requests/{requestID}/verify", h.handleRequestVerify)
		r.Get("/requests/{requestID}/status", h.handleRequestStatus)
		r.Post("/subjects/{subjectID}/preferences", h.handleSetPreferences)

		// Staff routes.
		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireAuth(deps.Auth, deps.Logger))
			r.Use(authmw.RequireRole(RoleAdmin, RoleDPO))

			r.Get("/consent/records", h.handleListConsents)
			r.Get("/consent/{consentID}", h.handleGetConsent)
			r.Post("/consent/{consentID}/revoke", h.handleConsentRevoke)
			r.Get("/subjects/{subjectID}/preferences", h.handleListPreferences)
			r.Get("/subjects/{subjectID}/export", h.handleDataExport)

			r.Get("/requests", h.handleListRequests)
			r.Get("/requests/overdue", h.handleListOverdue)
			r.Post("/requests/{requestID}/assign", h.handleRequestAssign)
			r.Post("/requests/{requestID}/process", h.handleRequestProcess)
			r.Post("/requests/{requestID}/complete", h.handleRequestComplete)
			r.Post("/requests/{requestID}/reject", h.handleRequestReject)

			r.Get("/admin/audit/verify", h.handleAuditVerify)
			r.Get("/admin/keys", h.handleListKeys)
			r.Post("/admin/keys/rotate", h.handleRotateKey)

			r.Get("/admin/retention/policies", h.handleListPolicies)
			r.Post("/admin/retention/policies", h.handleSavePolicy)
			r.Post("/admin/retention/policies/{policyID}/active", h.handleSetPolicyActive)
			r.Post("/admin/retention/sweep", h.handleSweep)
		})
	})

	return r
}

// Handler holds the service handles behind the routes.
type Handler struct {
	consent  *consentservice.Service
	requests *dsrservice.Service
	keys     *keys.Manager
	ledger   *audit.Ledger
	engine   *retentionengine.Engine
	policies retentionstore.Store
	clock    clock.Clock
	config   config.Server
	logger   *slog.Logger
}
