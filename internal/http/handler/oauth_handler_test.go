package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VeriTeknik/pluggedin-oauth/internal/config"
	"github.com/VeriTeknik/pluggedin-oauth/internal/crypto"
	"github.com/VeriTeknik/pluggedin-oauth/internal/domain"
	domainoauth "github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
	"github.com/VeriTeknik/pluggedin-oauth/internal/http/middleware"
	"github.com/VeriTeknik/pluggedin-oauth/internal/metrics"
	"github.com/VeriTeknik/pluggedin-oauth/internal/repository"
	"github.com/VeriTeknik/pluggedin-oauth/internal/scheduler"
	"github.com/VeriTeknik/pluggedin-oauth/internal/service/pkce"
	"github.com/VeriTeknik/pluggedin-oauth/internal/service/token"
)

const (
	testServerID = "srv-1"
	testUserID   = "user-1"
	cronSecret   = "cron-secret-value"
)

func TestCronRefresh_MethodNotAllowed(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	w := h.do(httptest.NewRequest(http.MethodGet, "/oauth/refresh-tokens", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCronRefresh_Unconfigured(t *testing.T) {
	h := newHandlerTestHarness(t, "")
	req := httptest.NewRequest(http.MethodPost, "/oauth/refresh-tokens", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := h.do(req)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"error": "Service not configured"}`, w.Body.String())
}

func TestCronRefresh_Unauthorized(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	for _, header := range []string{
		"",
		"Basic " + cronSecret,
		"Bearer",
		"Bearer wrong-secret-of-len",
	} {
		req := httptest.NewRequest(http.MethodPost, "/oauth/refresh-tokens", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := h.do(req)
		require.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
		require.JSONEq(t, `{"error": "Unauthorized"}`, w.Body.String())
	}
}

func TestCronRefresh_LengthGateSkipsComparator(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	var compared atomic.Int32
	h.handler.timingSafeEqual = func(a, b []byte) bool {
		compared.Add(1)
		return false
	}

	req := httptest.NewRequest(http.MethodPost, "/oauth/refresh-tokens", nil)
	req.Header.Set("Authorization", "Bearer short")
	w := h.do(req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, int32(0), compared.Load())

	// Equal length goes through the comparator.
	wrong := strings.Repeat("x", len(cronSecret))
	req = httptest.NewRequest(http.MethodPost, "/oauth/refresh-tokens", nil)
	req.Header.Set("Authorization", "Bearer "+wrong)
	w = h.do(req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, int32(1), compared.Load())
}

func TestCronRefresh_RateLimited(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	h.rateWindow.allow = false

	w := h.do(h.cronRequest())
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.JSONEq(t, `{"error": "Rate limit exceeded"}`, w.Body.String())
}

func TestCronRefresh_RateWindowErrorRejects(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	h.rateWindow.err = fmt.Errorf("redis down")

	w := h.do(h.cronRequest())
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCronRefresh_RunsPass(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	h.seedExpiringToken(t)
	h.provider.resp = &domainoauth.TokenResponse{
		AccessToken:  "rotated",
		RefreshToken: "rotated-refresh",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}

	w := h.do(h.cronRequest())
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success   bool     `json:"success"`
		Refreshed int      `json:"refreshed"`
		Failed    int      `json:"failed"`
		Errors    []string `json:"errors"`
		Timestamp string   `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, 1, body.Refreshed)
	require.Zero(t, body.Failed)
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	require.NoError(t, err)
}

func TestCronRefresh_ReportsPartialFailure(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	h.seedExpiringToken(t)
	h.provider.err = fmt.Errorf("%w: status=503", domainoauth.ErrTokenEndpoint)

	w := h.do(h.cronRequest())
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success   bool     `json:"success"`
		Refreshed int      `json:"refreshed"`
		Failed    int      `json:"failed"`
		Errors    []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Zero(t, body.Refreshed)
	require.Equal(t, 1, body.Failed)
	require.NotEmpty(t, body.Errors)
}

func TestStart_RequiresIdentity(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	req := httptest.NewRequest(http.MethodPost, "/oauth/servers/"+testServerID+"/start", strings.NewReader(`{"redirect_uri":"https://app/cb"}`))
	req.Header.Set("Content-Type", "application/json")
	w := h.do(req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFlow_StartThenCallback(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	h.provider.resp = &domainoauth.TokenResponse{
		AccessToken:  "granted",
		RefreshToken: "granted-refresh",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}

	req := httptest.NewRequest(http.MethodPost, "/oauth/servers/"+testServerID+"/start",
		strings.NewReader(`{"redirect_uri":"https://app.plugged.in/oauth/callback"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.UserIDHeader, testUserID)
	w := h.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	var started struct {
		AuthorizationURL string `json:"authorization_url"`
		State            string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	require.NotEmpty(t, started.State)

	cb := "/oauth/callback?code=auth-code&state=" + url.QueryEscape(started.State)
	req = httptest.NewRequest(http.MethodGet, cb, nil)
	req.Header.Set(middleware.UserIDHeader, testUserID)
	w = h.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	// States are single use: replaying the callback fails.
	req = httptest.NewRequest(http.MethodGet, cb, nil)
	req.Header.Set(middleware.UserIDHeader, testUserID)
	w = h.do(req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_state")
}

func TestCallback_WrongUserForbidden(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)

	state, _, err := h.pkceManager.CreateState(context.Background(), testServerID, testUserID, "https://app/cb")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+url.QueryEscape(state.State), nil)
	req.Header.Set(middleware.UserIDHeader, "attacker")
	w := h.do(req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestStatus_UnknownServerNotFound(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	req := httptest.NewRequest(http.MethodGet, "/oauth/servers/no-such/status", nil)
	req.Header.Set(middleware.UserIDHeader, testUserID)
	w := h.do(req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefresh_ReuseConflict(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	h.seedExpiringToken(t)
	require.NoError(t, h.tokens.MarkRefreshTokenUsed(context.Background(), testServerID, time.Now().Add(-2*time.Second)))

	req := httptest.NewRequest(http.MethodPost, "/oauth/servers/"+testServerID+"/refresh", nil)
	req.Header.Set(middleware.UserIDHeader, testUserID)
	w := h.do(req)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "reauthorization_required")
}

func TestDeleteServer_RevokesAndCleans(t *testing.T) {
	h := newHandlerTestHarness(t, cronSecret)
	h.seedExpiringToken(t)
	_, _, err := h.pkceManager.CreateState(context.Background(), testServerID, testUserID, "https://app/cb")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/oauth/servers/"+testServerID, nil)
	req.Header.Set(middleware.UserIDHeader, testUserID)
	w := h.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	_, err = h.tokens.GetByServer(context.Background(), testServerID)
	require.ErrorIs(t, err, domainoauth.ErrTokenNotFound)
}

// ---- Test harness and fakes ----

type handlerTestHarness struct {
	engine      *gin.Engine
	handler     *OAuthHandler
	pkceManager *pkce.Manager
	tokenSvc    *token.Service
	tokens      *repository.MemoryTokenRepo
	provider    *fakeProvider
	rateWindow  *fakeRateWindow
}

func newHandlerTestHarness(t *testing.T, secret string) *handlerTestHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := crypto.NewAEADCipher(key)
	require.NoError(t, err)

	m := metrics.New()
	logger := zap.NewNop()
	states := repository.NewMemoryPkceStateRepo()
	tokens := repository.NewMemoryTokenRepo()
	servers := repository.NewMemoryServerRepo()
	servers.AddServer(domain.Server{
		ID:               testServerID,
		Name:             "Upstream",
		AuthorizationURL: "https://provider.example.com/oauth/authorize",
		TokenEndpoint:    "https://provider.example.com/oauth/token",
		ClientID:         "client-1",
		Scopes:           []string{"read"},
	}, testUserID)

	verifier := crypto.NewIntegrityVerifier([]byte("state-binding-secret"))
	pkceManager := pkce.NewManager(states, servers, verifier, m, logger)
	provider := &fakeProvider{}
	tokenSvc := token.NewService(tokens, servers, provider, cipher, m, logger)
	sched := scheduler.NewRefreshScheduler(tokens, servers, tokenSvc, m, logger, time.Minute, 15*time.Minute, 50, 5)

	cfg := config.Config{CronSecret: secret, RateLimitRPM: 60}
	rateWindow := &fakeRateWindow{allow: true}
	oauthHandler := NewOAuthHandler(pkceManager, tokenSvc, sched, rateWindow, cfg, logger)

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	group := engine.Group("/oauth")
	flow := group.Group("")
	flow.Use(middleware.RequireIdentity)
	flow.POST("/servers/:serverID/start", oauthHandler.Start)
	flow.POST("/servers/:serverID/refresh", oauthHandler.Refresh)
	flow.GET("/servers/:serverID/status", oauthHandler.Status)
	flow.DELETE("/servers/:serverID", oauthHandler.DeleteServer)
	flow.GET("/callback", oauthHandler.Callback)
	group.POST("/refresh-tokens", oauthHandler.CronRefresh)

	return &handlerTestHarness{
		engine:      engine,
		handler:     oauthHandler,
		pkceManager: pkceManager,
		tokenSvc:    tokenSvc,
		tokens:      tokens,
		provider:    provider,
		rateWindow:  rateWindow,
	}
}

func (h *handlerTestHarness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *handlerTestHarness) cronRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/oauth/refresh-tokens", nil)
	req.Header.Set("Authorization", "Bearer "+cronSecret)
	return req
}

func (h *handlerTestHarness) seedExpiringToken(t *testing.T) {
	t.Helper()
	_, err := h.tokenSvc.StoreTokens(context.Background(), testServerID, "access-1", "refresh-1", "Bearer", 120)
	require.NoError(t, err)
}

type fakeProvider struct {
	resp *domainoauth.TokenResponse
	err  error
}

func (f *fakeProvider) ExchangeCode(context.Context, string, string, string, string, string) (*domainoauth.TokenResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return nil, fmt.Errorf("token response not configured")
	}
	out := *f.resp
	return &out, nil
}

func (f *fakeProvider) RefreshToken(context.Context, string, string, string) (*domainoauth.TokenResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return nil, fmt.Errorf("token response not configured")
	}
	out := *f.resp
	return &out, nil
}

type fakeRateWindow struct {
	allow bool
	err   error
}

func (f *fakeRateWindow) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return f.allow, f.err
}
