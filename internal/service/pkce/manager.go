package pkce

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/VeriTeknik/pluggedin-oauth/internal/crypto"
	domainoauth "github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
	"github.com/VeriTeknik/pluggedin-oauth/internal/metrics"
	"github.com/VeriTeknik/pluggedin-oauth/internal/repository"
)

// StateTTL is the lifetime of an authorization attempt, per OAuth 2.1 guidance.
const StateTTL = 5 * time.Minute

// StartFlowOutput carries what the caller needs to redirect the user.
type StartFlowOutput struct {
	AuthorizationURL string
	State            string
}

// Manager creates and one-time-validates ephemeral authorization requests.
type Manager struct {
	states   repository.PkceStateRepository
	servers  repository.ServerRepository
	verifier *crypto.IntegrityVerifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager wires the PKCE state manager.
func NewManager(
	states repository.PkceStateRepository,
	servers repository.ServerRepository,
	verifier *crypto.IntegrityVerifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		states:   states,
		servers:  servers,
		verifier: verifier,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// StartFlow verifies ownership, persists a fresh PKCE state, and builds the
// authorization URL the user is redirected to.
func (m *Manager) StartFlow(ctx context.Context, serverID, userID, redirectURI string) (*StartFlowOutput, error) {
	if strings.TrimSpace(serverID) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(redirectURI) == "" {
		return nil, domainoauth.ErrInvalidRequest
	}

	owner, err := m.servers.GetOwner(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("resolve owner: %w", err)
	}
	if owner != userID {
		m.logger.Warn("oauth start rejected: server not owned by caller",
			zap.String("server_id", serverID),
			zap.String("user_id", userID),
			zap.String("security", "ownership_violation"),
		)
		return nil, domainoauth.ErrOwnershipViolation
	}

	srv, err := m.servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("load server: %w", err)
	}

	state, codeChallenge, err := m.CreateState(ctx, serverID, userID, redirectURI)
	if err != nil {
		return nil, err
	}

	authURL, err := url.Parse(srv.AuthorizationURL)
	if err != nil {
		return nil, fmt.Errorf("parse authorization url: %w", err)
	}
	params := authURL.Query()
	params.Set("client_id", srv.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", redirectURI)
	if len(srv.Scopes) > 0 {
		params.Set("scope", strings.Join(srv.Scopes, " "))
	}
	params.Set("state", state.State)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	authURL.RawQuery = params.Encode()

	m.metrics.FlowStarted.Inc()

	return &StartFlowOutput{AuthorizationURL: authURL.String(), State: state.State}, nil
}

// CreateState persists one in-flight authorization attempt and returns it
// together with the derived code challenge. The verifier itself is stored;
// the challenge is not.
func (m *Manager) CreateState(ctx context.Context, serverID, userID, redirectURI string) (*domainoauth.PkceState, string, error) {
	codeVerifier, err := secureRandomString(64)
	if err != nil {
		return nil, "", fmt.Errorf("generate pkce verifier: %w", err)
	}
	stateToken, err := secureRandomString(32)
	if err != nil {
		return nil, "", fmt.Errorf("generate state: %w", err)
	}

	now := m.now().UTC()
	state := domainoauth.PkceState{
		State:         stateToken,
		ServerID:      serverID,
		UserID:        userID,
		CodeVerifier:  codeVerifier,
		RedirectURI:   redirectURI,
		IntegrityHash: m.verifier.Bind(stateToken, serverID, userID),
		CreatedAt:     now,
		ExpiresAt:     now.Add(StateTTL),
	}
	if err := m.states.Create(ctx, state); err != nil {
		return nil, "", fmt.Errorf("persist pkce state: %w", err)
	}

	m.metrics.StateCreated.Inc()
	m.metrics.ActivePkceStates.Inc()
	m.logger.Debug("pkce state created",
		zap.String("server_id", serverID),
		zap.String("user_id", userID),
	)

	return &state, codeChallenge(codeVerifier), nil
}

// ValidateState loads, checks, and consumes a state row. The row is deleted
// only on success; failed validations leave it for the legitimate owner.
func (m *Manager) ValidateState(ctx context.Context, stateToken, userID string) (*domainoauth.PkceState, error) {
	state, err := m.states.Get(ctx, stateToken)
	if err != nil {
		if errors.Is(err, domainoauth.ErrStateNotFound) {
			m.metrics.StateRejected.WithLabelValues("absent").Inc()
			return nil, domainoauth.ErrStateNotFound
		}
		return nil, err
	}

	if state.Expired(m.now()) {
		m.metrics.StateRejected.WithLabelValues("expired").Inc()
		return nil, domainoauth.ErrStateExpired
	}

	if !m.verifier.Verify(state.IntegrityHash, state.State, state.ServerID, state.UserID) {
		m.metrics.StateRejected.WithLabelValues("integrity").Inc()
		m.logger.Error("pkce state failed integrity check",
			zap.String("server_id", state.ServerID),
			zap.String("security", "state_tampering"),
		)
		return nil, domainoauth.ErrIntegrityMismatch
	}

	if state.UserID != userID {
		// A valid state presented by the wrong user is the signature of an
		// authorization-code injection attempt, not an ordinary miss.
		m.metrics.StateRejected.WithLabelValues("user_mismatch").Inc()
		m.metrics.InjectionDetected.Inc()
		m.logger.Error("pkce state presented by non-owner",
			zap.String("server_id", state.ServerID),
			zap.String("state_user_id", state.UserID),
			zap.String("caller_user_id", userID),
			zap.String("security", "code_injection_attempt"),
		)
		return nil, domainoauth.ErrUserMismatch
	}

	consumed, err := m.states.Consume(ctx, stateToken)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// Lost the race against a concurrent validation of the same state.
		m.metrics.StateRejected.WithLabelValues("absent").Inc()
		return nil, domainoauth.ErrStateNotFound
	}

	m.metrics.StateValidated.Inc()
	m.metrics.ActivePkceStates.Dec()
	return &state, nil
}

// Cleanup garbage-collects states expired for longer than gracePeriod.
func (m *Manager) Cleanup(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	deleted, err := m.states.DeleteExpiredBefore(ctx, m.now().Add(-gracePeriod))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.metrics.StatesCleaned.Add(float64(deleted))
		m.logger.Info("expired pkce states removed", zap.Int64("deleted", deleted))
	}
	if active, err := m.states.CountActive(ctx, m.now()); err == nil {
		m.metrics.ActivePkceStates.Set(float64(active))
	}
	return deleted, nil
}

// CleanupForServer removes all states for a deleted server integration.
func (m *Manager) CleanupForServer(ctx context.Context, serverID string) (int64, error) {
	deleted, err := m.states.DeleteForServer(ctx, serverID)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.metrics.StatesCleaned.Add(float64(deleted))
		m.logger.Info("pkce states removed for server",
			zap.String("server_id", serverID),
			zap.Int64("deleted", deleted),
		)
	}
	return deleted, nil
}

// WithClock overrides the time source. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func secureRandomString(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
