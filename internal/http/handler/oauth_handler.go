package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/VeriTeknik/pluggedin-oauth/internal/config"
	domainoauth "github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
	"github.com/VeriTeknik/pluggedin-oauth/internal/http/middleware"
	"github.com/VeriTeknik/pluggedin-oauth/internal/scheduler"
	"github.com/VeriTeknik/pluggedin-oauth/internal/service/pkce"
	"github.com/VeriTeknik/pluggedin-oauth/internal/service/token"
)

// RateWindow admits or rejects cron trigger requests. Backed by Redis when
// configured so the limit holds across replicas, by a local bucket otherwise.
type RateWindow interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// OAuthHandler exposes the delegated-authorization flow and the cron gateway.
type OAuthHandler struct {
	pkce       *pkce.Manager
	tokens     *token.Service
	scheduler  *scheduler.RefreshScheduler
	rateWindow RateWindow
	cfg        config.Config
	logger     *zap.Logger

	// timingSafeEqual is only ever called on equal-length inputs; the length
	// gate happens first so unequal lengths reject without touching it.
	timingSafeEqual func(a, b []byte) bool
}

// NewOAuthHandler wires the HTTP handlers.
func NewOAuthHandler(
	pkceManager *pkce.Manager,
	tokens *token.Service,
	sched *scheduler.RefreshScheduler,
	rateWindow RateWindow,
	cfg config.Config,
	logger *zap.Logger,
) *OAuthHandler {
	return &OAuthHandler{
		pkce:       pkceManager,
		tokens:     tokens,
		scheduler:  sched,
		rateWindow: rateWindow,
		cfg:        cfg,
		logger:     logger,
		timingSafeEqual: func(a, b []byte) bool {
			return subtle.ConstantTimeCompare(a, b) == 1
		},
	}
}

// Start begins the authorization flow for a server integration.
func (h *OAuthHandler) Start(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}

	out, err := h.pkce.StartFlow(c.Request.Context(), c.Param("serverID"), userID, strings.TrimSpace(req.RedirectURI))
	if err != nil {
		h.respondFlowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorization_url": out.AuthorizationURL,
		"state":             out.State,
	})
}

// Callback completes the flow after the user authenticated at the provider.
func (h *OAuthHandler) Callback(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	code := strings.TrimSpace(c.Query("code"))
	stateToken := strings.TrimSpace(c.Query("state"))
	if code == "" || stateToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Missing code or state."})
		return
	}

	state, err := h.pkce.ValidateState(c.Request.Context(), stateToken, userID)
	if err != nil {
		h.respondFlowError(c, err)
		return
	}

	if err := h.tokens.CompleteAuthorization(c.Request.Context(), state, code); err != nil {
		if errors.Is(err, domainoauth.ErrTokenEndpoint) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "token_exchange_failed"})
			return
		}
		h.logger.Error("callback failed", zap.String("server_id", state.ServerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "server_id": state.ServerID})
}

// Status reports read-only token state for an owned server.
func (h *OAuthHandler) Status(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	status, err := h.tokens.TokenStatus(c.Request.Context(), c.Param("serverID"), userID)
	if err != nil {
		h.respondFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Refresh triggers an on-demand refresh for an owned server.
func (h *OAuthHandler) Refresh(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	refreshed, err := h.tokens.Refresh(c.Request.Context(), c.Param("serverID"), userID)
	if err != nil {
		h.respondFlowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed})
}

// DeleteServer revokes stored tokens and PKCE states when an integration is
// removed, so no orphaned rows survive the server.
func (h *OAuthHandler) DeleteServer(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	serverID := c.Param("serverID")
	status, err := h.tokens.TokenStatus(c.Request.Context(), serverID, userID)
	if err != nil {
		h.respondFlowError(c, err)
		return
	}

	if status.HasToken {
		if err := h.tokens.Revoke(c.Request.Context(), serverID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
	}
	if _, err := h.pkce.CleanupForServer(c.Request.Context(), serverID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

const (
	cronRateKey    = "refresh-tokens"
	cronRateWindow = time.Minute
)

// CronRefresh is the authenticated entry point for an external scheduler to
// trigger a refresh pass.
func (h *OAuthHandler) CronRefresh(c *gin.Context) {
	if h.cfg.CronSecret == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Service not configured"})
		return
	}

	if !h.authorizeCron(c.GetHeader("Authorization")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	allowed, err := h.rateWindow.Allow(c.Request.Context(), cronRateKey, h.cfg.RateLimitRPM, cronRateWindow)
	if err != nil {
		h.logger.Error("cron rate window unavailable", zap.Error(err))
		allowed = false
	}
	if !allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	pass, err := h.runPass(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":   false,
			"error":     "Internal server error",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"refreshed": pass.Refreshed,
		"failed":    pass.Failed,
		"errors":    pass.Errors,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// authorizeCron validates the bearer secret. The length gate rejects unequal
// lengths outright, which both avoids a length oracle and keeps malformed
// input away from the constant-time comparator.
func (h *OAuthHandler) authorizeCron(header string) bool {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return false
	}
	presented := parts[1]
	if len(presented) != len(h.cfg.CronSecret) {
		return false
	}
	return h.timingSafeEqual([]byte(presented), []byte(h.cfg.CronSecret))
}

func (h *OAuthHandler) runPass(ctx context.Context) (pass domainoauth.RefreshPass, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("refresh pass panicked", zap.Any("panic", r))
			err = errors.New("refresh pass panicked")
		}
	}()
	return h.scheduler.RunOnce(ctx), nil
}

func (h *OAuthHandler) respondFlowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domainoauth.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, domainoauth.ErrOwnershipViolation), errors.Is(err, domainoauth.ErrUserMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, domainoauth.ErrStateNotFound), errors.Is(err, domainoauth.ErrStateExpired), errors.Is(err, domainoauth.ErrIntegrityMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
	case errors.Is(err, domainoauth.ErrRefreshTokenReuse):
		c.JSON(http.StatusConflict, gin.H{"error": "reauthorization_required"})
	case errors.Is(err, domainoauth.ErrTokenNotFound), errors.Is(err, domainoauth.ErrServerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, domainoauth.ErrTokenEndpoint):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
