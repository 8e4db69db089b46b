package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/crosslogic/credit-engine/internal/billing"
	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// InternalTokenHeader carries the shared secret of internal callers
const InternalTokenHeader = "X-Internal-Token"

// Checker is a dependency that can report its health
type Checker interface {
	Health(ctx context.Context) error
}

// Dependency is a named Checker probed by /ready and the health metrics
type Dependency struct {
	Name    string
	Checker Checker
}

// StorageRunner runs a storage billing period on demand
type StorageRunner interface {
	RunStorageBillingLocked(ctx context.Context) (billing.StorageSummary, bool, error)
}

// Options wires the gateway to the rest of the engine
type Options struct {
	Ledger  *ledger.Store
	Charger billing.Charger
	Storage StorageRunner
	// Realtime serves the balance websocket
	Realtime http.HandlerFunc
	// Webhooks is nil when payments are disabled
	Webhooks       http.HandlerFunc
	Dependencies   []Dependency
	InternalToken  string
	MetricsPath    string
	AllowedOrigins []string
}

// Gateway handles API requests
type Gateway struct {
	ledger        *ledger.Store
	charger       billing.Charger
	storage       StorageRunner
	realtime      http.HandlerFunc
	webhooks      http.HandlerFunc
	dependencies  []Dependency
	internalToken string
	metricsPath   string
	origins       []string
	logger        *zap.Logger
	router        *chi.Mux
}

// NewGateway creates a new API gateway
func NewGateway(opts Options, logger *zap.Logger) *Gateway {
	metricsPath := opts.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	g := &Gateway{
		ledger:        opts.Ledger,
		charger:       opts.Charger,
		storage:       opts.Storage,
		realtime:      opts.Realtime,
		webhooks:      opts.Webhooks,
		dependencies:  opts.Dependencies,
		internalToken: opts.InternalToken,
		metricsPath:   metricsPath,
		origins:       opts.AllowedOrigins,
		logger:        logger,
		router:        chi.NewRouter(),
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
	g.router.Use(SecurityMiddleware(DefaultSecurityConfig()))

	if len(g.origins) > 0 {
		g.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   g.origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	g.registerMetrics()

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Long-lived, so it sits outside the timeout group
	if g.realtime != nil {
		g.router.Get("/ws", g.realtime)
	}

	g.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Stripe webhook endpoint (no auth - uses signature verification)
		if g.webhooks != nil {
			r.Post("/api/webhooks/stripe", g.webhooks)
		}

		r.Route("/internal", func(r chi.Router) {
			r.Use(g.internalAuthMiddleware)
			r.Use(requireJSON)

			r.Post("/credits/charge", g.handleCharge)
			r.Post("/billing/storage/run", g.handleStorageRun)
			r.Get("/accounts/{user_id}/balance", g.handleBalance)
		})
	})
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
	for _, dep := range g.dependencies {
		status := 0.0
		if err := dep.Checker.Health(ctx); err == nil {
			status = 1.0
		}
		dependencyUp.WithLabelValues(dep.Name).Set(status)
	}
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

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

func (g *Gateway) internalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(InternalTokenHeader)
		if token == "" {
			g.writeError(w, http.StatusUnauthorized, "missing internal token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.internalToken)) != 1 {
			g.logger.Warn("invalid internal token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid internal token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(g.dependencies))
	ready := true
	for _, dep := range g.dependencies {
		if err := dep.Checker.Health(ctx); err != nil {
			g.logger.Warn("readiness check failed", zap.String("dependency", dep.Name), zap.Error(err))
			checks[dep.Name] = "unavailable"
			ready = false
			continue
		}
		checks[dep.Name] = "ok"
	}

	if !ready {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready",
			"checks": checks,
		})
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": checks,
	})
}

// chargeRequest is the body of POST /internal/credits/charge
type chargeRequest struct {
	UserID         string                 `json:"user_id"`
	Credits        int64                  `json:"credits"`
	AppID          string                 `json:"app_id"`
	SkillID        string                 `json:"skill_id"`
	UsageType      string                 `json:"usage_type"`
	ChatID         string                 `json:"chat_id"`
	MessageID      string                 `json:"message_id"`
	IsIncognito    bool                   `json:"is_incognito"`
	ModelUsed      string                 `json:"model_used"`
	InputTokens    int64                  `json:"input_tokens"`
	OutputTokens   int64                  `json:"output_tokens"`
	APIKeyHash     string                 `json:"api_key_hash"`
	DeviceHash     string                 `json:"device_hash"`
	ServerProvider string                 `json:"server_provider"`
	ServerRegion   string                 `json:"server_region"`
	UserIDHash     string                 `json:"user_id_hash"`
	Details        map[string]interface{} `json:"details"`
}

func (c chargeRequest) chargeContext() billing.ChargeContext {
	return billing.ChargeContext{
		AppID:          c.AppID,
		SkillID:        c.SkillID,
		UsageType:      c.UsageType,
		ChatID:         c.ChatID,
		MessageID:      c.MessageID,
		IsIncognito:    c.IsIncognito,
		ModelUsed:      c.ModelUsed,
		InputTokens:    c.InputTokens,
		OutputTokens:   c.OutputTokens,
		APIKeyHash:     c.APIKeyHash,
		DeviceHash:     c.DeviceHash,
		ServerProvider: c.ServerProvider,
		ServerRegion:   c.ServerRegion,
		UserIDHash:     c.UserIDHash,
		Details:        c.Details,
	}
}

type chargeResponse struct {
	Outcome string `json:"outcome"`
	billing.ChargeResult
	Error string `json:"error,omitempty"`
}

func (g *Gateway) handleCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		g.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	outcome := g.charger.ChargeCredits(r.Context(), req.UserID, req.Credits, req.chargeContext())
	resp := chargeResponse{Outcome: outcome.Kind.String(), ChargeResult: outcome.Result}

	switch outcome.Kind {
	case billing.OutcomeOK:
		g.writeJSON(w, http.StatusOK, resp)
	case billing.OutcomePersistedLate:
		resp.Error = outcome.Reason.Error()
		g.writeJSON(w, http.StatusAccepted, resp)
	default:
		g.writeRejected(w, req.UserID, outcome.Reason)
	}
}

func (g *Gateway) writeRejected(w http.ResponseWriter, userID string, reason error) {
	switch {
	case errors.Is(reason, billing.ErrInvalidAmount), errors.Is(reason, billing.ErrInvalidContext):
		g.writeError(w, http.StatusBadRequest, reason.Error())
	case errors.Is(reason, ledger.ErrAccountNotFound):
		g.writeError(w, http.StatusNotFound, "account not found")
	default:
		g.logger.Error("charge rejected", zap.String("user_id", userID), zap.Error(reason))
		g.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
	}
}

func (g *Gateway) handleStorageRun(w http.ResponseWriter, r *http.Request) {
	// The run outlives the request timeout; it is bounded by the job itself
	ctx := context.WithoutCancel(r.Context())

	summary, ran, err := g.storage.RunStorageBillingLocked(ctx)
	if err != nil {
		g.logger.Error("manual storage billing run failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "storage billing failed")
		return
	}
	if !ran {
		g.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"ran":    false,
			"reason": "storage billing already ran this period",
		})
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ran":     true,
		"summary": summary,
	})
}

func (g *Gateway) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	acct, err := g.ledger.GetAccount(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			g.writeError(w, http.StatusNotFound, "account not found")
			return
		}
		g.logger.Error("failed to load balance", zap.String("user_id", userID), zap.Error(err))
		g.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":            acct.UserID,
		"credits":            acct.Credits,
		"auto_topup_enabled": acct.AutoTopUpEnabled,
		"storage_used_bytes": acct.StorageUsedBytes,
	})
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
