package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/crosslogic/credits/internal/billing"
	"github.com/crosslogic/credits/internal/config"
	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/internal/provider"
	"github.com/crosslogic/credits/pkg/breaker"
	"github.com/crosslogic/credits/pkg/cache"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// HealthChecker is a dependency probed by /ready.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config holds the HTTP surface settings.
type Config struct {
	ServiceToken      string
	AdminToken        string
	MetricsPath       string
	AllowedOrigins    []string
	RequestTimeout    time.Duration
	CheckoutRateLimit int64
	Security          SecurityConfig
}

// Deps are the components the gateway routes to. Billing, Webhooks and
// Reconciler may be nil when the payment provider is not configured.
type Deps struct {
	Gate       *credits.Gate
	Ledger     *credits.Ledger
	Refresh    *credits.RefreshService
	Billing    *billing.Service
	Webhooks   *billing.WebhookHandler
	Reconciler *billing.Reconciler
	Cache      *cache.Cache
	Health     map[string]HealthChecker
}

// Gateway handles API requests
type Gateway struct {
	cfg         Config
	deps        Deps
	rateLimiter *RateLimiter
	router      *chi.Mux
	logger      *zap.Logger
}

// NewGateway creates the billing HTTP surface.
func NewGateway(cfg Config, deps Deps, logger *zap.Logger) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "https://*.crosslogic.ai"}
	}
	g := &Gateway{
		cfg:         cfg,
		deps:        deps,
		rateLimiter: NewRateLimiter(deps.Cache, cfg.CheckoutRateLimit, logger),
		router:      chi.NewRouter(),
		logger:      logger,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(SecurityMiddleware(g.cfg.Security))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   g.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Service-Token", "X-Admin-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	g.registerMetrics(g.cfg.MetricsPath)

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Signature verified by the handler.
	if g.deps.Webhooks != nil {
		g.router.Post("/api/webhooks/stripe", g.deps.Webhooks.HandleWebhook)
	}

	g.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(g.cfg.RequestTimeout))
		r.Use(g.serviceAuthMiddleware)

		r.Post("/v1/billing/preflight", g.handlePreflight)
		r.Post("/v1/billing/settle", g.handleSettle)

		r.Get("/v1/billing/accounts/{id}/balance", g.handleBalance)
		r.Get("/v1/billing/accounts/{id}/ledger", g.handleLedger)
		r.Post("/v1/billing/accounts/{id}/refresh", g.handleRefresh)

		r.Post("/v1/billing/checkout/credits", g.handleCreditCheckout)
		r.Post("/v1/billing/checkout/subscription", g.handleSubscriptionCheckout)
		r.Post("/v1/billing/subscription/cancel", g.handleCancelSubscription)
		r.Post("/v1/billing/portal", g.handlePortal)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/admin/accounts/{id}/adjust", g.handleAdjust)
		r.Post("/admin/reconcile", g.handleReconcile)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics starts a background goroutine to update dependency health metrics
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	for name, check := range g.deps.Health {
		status := 0.0
		if err := check.Health(ctx); err == nil {
			status = 1.0
		}
		dependencyUp.WithLabelValues(name).Set(status)
	}
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) serviceAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Service-Token")
		if token == "" {
			g.writeError(w, http.StatusUnauthorized, "missing service token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.ServiceToken)) != 1 {
			g.logger.Warn("invalid service token",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.cfg.AdminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		// Audit log for admin actions
		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

// allowCheckout applies the per-account limit to routes that reach the
// payment provider. Redis failures let the request through.
func (g *Gateway) allowCheckout(w http.ResponseWriter, r *http.Request, accountID string) bool {
	ok, info, err := g.rateLimiter.Allow(r.Context(), accountID)
	if err != nil {
		g.logger.Warn("rate limit check failed", zap.String("account_id", accountID), zap.Error(err))
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt, 10))
	if !ok {
		rateLimited.WithLabelValues(routePattern(r)).Inc()
		w.Header().Set("Retry-After", strconv.FormatInt(info.RetryAfter, 10))
		g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(g.deps.Health))
	for name := range g.deps.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := g.deps.Health[name].Health(r.Context()); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, name+" not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Debug("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	errType := "invalid_request_error"
	if statusCode >= 500 {
		errType = "api_error"
	}
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}

// writeDomainError maps credit and billing errors onto status codes.
// Unrecognised errors are logged and reported without detail.
func (g *Gateway) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var openErr *breaker.OpenError
	switch {
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(openErr.RetryAfter.Seconds())+1))
		g.writeError(w, http.StatusServiceUnavailable, "payment provider temporarily unavailable")
	case errors.Is(err, breaker.ErrOpen):
		g.writeError(w, http.StatusServiceUnavailable, "payment provider temporarily unavailable")
	case errors.Is(err, credits.ErrAccountNotFound):
		g.writeError(w, http.StatusNotFound, "credit account not found")
	case errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, provider.ErrInvalidPurchase),
		errors.Is(err, billing.ErrTierNotForSale),
		errors.Is(err, config.ErrTierNotFound):
		g.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrPurchaseNotAllowed),
		errors.Is(err, credits.ErrModelNotPermitted):
		g.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, credits.ErrInsufficientCredits):
		g.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, billing.ErrNoSubscription),
		errors.Is(err, credits.ErrSetupInProgress):
		g.writeError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
