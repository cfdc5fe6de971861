package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	oauthadapter "github.com/VeriTeknik/pluggedin-oauth/internal/adapter/oauth"
	"github.com/VeriTeknik/pluggedin-oauth/internal/crypto"
	domainoauth "github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
	"github.com/VeriTeknik/pluggedin-oauth/internal/metrics"
	"github.com/VeriTeknik/pluggedin-oauth/internal/repository"
)

const (
	// ExpiryBuffer refreshes tokens before they actually expire.
	ExpiryBuffer = 5 * time.Minute
	// LockStaleAfter is the trust window after which a lock left by a dead
	// holder may be reclaimed.
	LockStaleAfter = 60 * time.Second
)

// Status summarizes the token state for one server integration.
type Status struct {
	HasToken        bool       `json:"has_token"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Expiring        bool       `json:"expiring"`
	RefreshInFlight bool       `json:"refresh_in_flight"`
	Version         int64      `json:"version,omitempty"`
	HasRefreshToken bool       `json:"has_refresh_token"`
}

// Service owns the token exchange, storage, and the CAS-guarded refresh
// protocol. All cross-instance exclusivity lives in the repository's
// conditional update; the service never does a separate read-then-write.
type Service struct {
	tokens   repository.TokenRepository
	servers  repository.ServerRepository
	provider oauthadapter.ProviderClient
	cipher   crypto.Cipher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewService wires the token refresh service.
func NewService(
	tokens repository.TokenRepository,
	servers repository.ServerRepository,
	provider oauthadapter.ProviderClient,
	cipher crypto.Cipher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		tokens:   tokens,
		servers:  servers,
		provider: provider,
		cipher:   cipher,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// CompleteAuthorization exchanges the authorization code bound to a consumed
// PKCE state and stores the resulting tokens.
func (s *Service) CompleteAuthorization(ctx context.Context, state *domainoauth.PkceState, code string) error {
	if strings.TrimSpace(code) == "" {
		return domainoauth.ErrInvalidRequest
	}

	srv, err := s.servers.GetServer(ctx, state.ServerID)
	if err != nil {
		return fmt.Errorf("load server: %w", err)
	}

	resp, err := s.provider.ExchangeCode(ctx, srv.TokenEndpoint, code, state.CodeVerifier, state.RedirectURI, srv.ClientID)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	if _, err := s.StoreTokens(ctx, state.ServerID, resp.AccessToken, resp.RefreshToken, resp.TokenType, resp.ExpiresIn); err != nil {
		return err
	}
	if err := s.servers.SetAuthorizationHeader(ctx, state.ServerID, resp.TokenType+" "+resp.AccessToken); err != nil {
		s.logger.Warn("failed to patch transport headers", zap.String("server_id", state.ServerID), zap.Error(err))
	}

	s.metrics.FlowCompleted.Inc()
	s.metrics.FlowDuration.Observe(s.now().Sub(state.CreatedAt).Seconds())
	s.logger.Info("oauth flow completed",
		zap.String("server_id", state.ServerID),
		zap.String("user_id", state.UserID),
	)
	return nil
}

// StoreTokens encrypts both tokens and upserts the single record for the
// server. The unique server_id constraint guarantees one live row.
func (s *Service) StoreTokens(ctx context.Context, serverID, accessToken, refreshToken, tokenType string, expiresIn int64) (domainoauth.TokenRecord, error) {
	accessEnc, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return domainoauth.TokenRecord{}, fmt.Errorf("encrypt access token: %w", err)
	}
	var refreshEnc string
	if refreshToken != "" {
		if refreshEnc, err = s.cipher.Encrypt(refreshToken); err != nil {
			return domainoauth.TokenRecord{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	var expiresAt *time.Time
	if expiresIn > 0 {
		t := s.now().Add(time.Duration(expiresIn) * time.Second)
		expiresAt = &t
	}

	if tokenType == "" {
		tokenType = "Bearer"
	}

	rec, err := s.tokens.Upsert(ctx, domainoauth.TokenRecord{
		ServerID:              serverID,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		TokenType:             tokenType,
		ExpiresAt:             expiresAt,
	})
	if err != nil {
		return domainoauth.TokenRecord{}, fmt.Errorf("store tokens: %w", err)
	}
	return rec, nil
}

// IsExpiring reports whether the server's token is inside the proactive
// refresh buffer. Non-expiring tokens never report true.
func (s *Service) IsExpiring(ctx context.Context, serverID string) (bool, error) {
	rec, err := s.tokens.GetByServer(ctx, serverID)
	if err != nil {
		return false, err
	}
	if rec.ExpiresAt == nil {
		return false, nil
	}
	return !s.now().Add(ExpiryBuffer).Before(*rec.ExpiresAt), nil
}

// Refresh rotates the server's tokens. The returned bool is the caller-facing
// outcome: true when the token is fresh afterwards (including deferral to a
// concurrent holder), false on rejection or failure. The error carries detail
// for scheduler aggregation and is nil whenever the bool is true.
func (s *Service) Refresh(ctx context.Context, serverID, userID string) (bool, error) {
	owner, err := s.servers.GetOwner(ctx, serverID)
	if err != nil {
		return false, fmt.Errorf("resolve owner: %w", err)
	}
	if owner != userID {
		s.logger.Error("refresh rejected: server not owned by caller",
			zap.String("server_id", serverID),
			zap.String("user_id", userID),
			zap.String("security", "ownership_violation"),
		)
		return false, domainoauth.ErrOwnershipViolation
	}

	now := s.now()
	rec, acquired, err := s.tokens.AcquireRefreshLock(ctx, serverID, now, LockStaleAfter)
	if err != nil {
		return false, err
	}

	if !acquired {
		// A lock younger than the trust window means another caller is
		// completing the rotation right now. Trust it; do not call out.
		return true, nil
	}

	if rec.RefreshTokenUsedAt != nil {
		// The stored refresh token was already presented to the provider.
		// A caller holding it again is replaying a consumed generation:
		// treat as compromise and force full re-authorization.
		s.metrics.ReuseDetected.Inc()
		s.metrics.TokenRevoked.Inc()
		s.logger.Error("refresh token reuse detected, revoking stored tokens",
			zap.String("server_id", serverID),
			zap.Time("used_at", *rec.RefreshTokenUsedAt),
			zap.String("security", "refresh_token_reuse"),
		)
		if err := s.tokens.Delete(ctx, serverID); err != nil {
			return false, fmt.Errorf("revoke token record: %w", err)
		}
		return false, domainoauth.ErrRefreshTokenReuse
	}

	ok, err := s.performRefresh(ctx, serverID, rec)
	if err != nil {
		return ok, err
	}
	return ok, nil
}

func (s *Service) performRefresh(ctx context.Context, serverID string, rec domainoauth.TokenRecord) (bool, error) {
	started := s.now()

	if rec.RefreshTokenEncrypted == "" {
		s.releaseLock(ctx, serverID)
		return false, fmt.Errorf("no refresh token stored for server %s", serverID)
	}

	refreshToken, err := s.cipher.Decrypt(rec.RefreshTokenEncrypted)
	if err != nil {
		s.releaseLock(ctx, serverID)
		return false, fmt.Errorf("decrypt refresh token: %w", err)
	}

	srv, err := s.servers.GetServer(ctx, serverID)
	if err != nil {
		s.releaseLock(ctx, serverID)
		return false, fmt.Errorf("load server: %w", err)
	}

	// Consume the stored generation before the outbound call. If we die
	// between here and CompleteRefresh, the next caller sees used_at set and
	// revokes instead of replaying a token the provider may have rotated.
	if err := s.tokens.MarkRefreshTokenUsed(ctx, serverID, s.now()); err != nil {
		s.releaseLock(ctx, serverID)
		return false, err
	}

	resp, err := s.provider.RefreshToken(ctx, srv.TokenEndpoint, refreshToken, srv.ClientID)
	if err != nil {
		// Recoverable: free the lock so the next cycle can retry, keep the
		// record so the user is not forced to re-authorize.
		s.releaseLock(ctx, serverID)
		reason := metrics.ReasonException
		if errors.Is(err, domainoauth.ErrTokenEndpoint) {
			reason = metrics.ReasonEndpointError
		}
		s.metrics.RefreshFailures.WithLabelValues(reason).Inc()
		s.logger.Warn("token refresh failed",
			zap.String("server_id", serverID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return false, fmt.Errorf("refresh grant: %w", err)
	}

	accessEnc, err := s.cipher.Encrypt(resp.AccessToken)
	if err != nil {
		s.releaseLock(ctx, serverID)
		return false, fmt.Errorf("encrypt access token: %w", err)
	}
	// Providers may omit a rotated refresh token; retain the previous one.
	refreshEnc := rec.RefreshTokenEncrypted
	if resp.RefreshToken != "" {
		if refreshEnc, err = s.cipher.Encrypt(resp.RefreshToken); err != nil {
			s.releaseLock(ctx, serverID)
			return false, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	var expiresAt *time.Time
	if resp.ExpiresIn > 0 {
		t := s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	if _, err := s.tokens.CompleteRefresh(ctx, serverID, accessEnc, refreshEnc, resp.TokenType, expiresAt); err != nil {
		s.releaseLock(ctx, serverID)
		return false, err
	}

	if err := s.servers.SetAuthorizationHeader(ctx, serverID, resp.TokenType+" "+resp.AccessToken); err != nil {
		s.logger.Warn("failed to patch transport headers", zap.String("server_id", serverID), zap.Error(err))
	}

	s.metrics.RefreshDuration.Observe(s.now().Sub(started).Seconds())
	s.logger.Info("token refreshed", zap.String("server_id", serverID))
	return true, nil
}

// Revoke deletes the stored token record for a server.
func (s *Service) Revoke(ctx context.Context, serverID string) error {
	if err := s.tokens.Delete(ctx, serverID); err != nil {
		return err
	}
	s.metrics.TokenRevoked.Inc()
	return nil
}

// TokenStatus reports read-only token state for an owned server.
func (s *Service) TokenStatus(ctx context.Context, serverID, userID string) (*Status, error) {
	owner, err := s.servers.GetOwner(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("resolve owner: %w", err)
	}
	if owner != userID {
		return nil, domainoauth.ErrOwnershipViolation
	}

	rec, err := s.tokens.GetByServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, domainoauth.ErrTokenNotFound) {
			return &Status{}, nil
		}
		return nil, err
	}

	now := s.now()
	st := &Status{
		HasToken:        true,
		ExpiresAt:       rec.ExpiresAt,
		Version:         rec.Version,
		HasRefreshToken: rec.RefreshTokenEncrypted != "",
	}
	if rec.ExpiresAt != nil {
		st.Expiring = !now.Add(ExpiryBuffer).Before(*rec.ExpiresAt)
	}
	if rec.RefreshTokenLockedAt != nil && now.Sub(*rec.RefreshTokenLockedAt) < LockStaleAfter {
		st.RefreshInFlight = true
	}
	return st, nil
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) releaseLock(ctx context.Context, serverID string) {
	if err := s.tokens.ClearRefreshLock(ctx, serverID); err != nil {
		s.logger.Error("failed to clear refresh lock", zap.String("server_id", serverID), zap.Error(err))
	}
}
