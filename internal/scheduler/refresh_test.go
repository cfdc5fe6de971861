package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VeriTeknik/pluggedin-oauth/internal/crypto"
	"github.com/VeriTeknik/pluggedin-oauth/internal/domain"
	domainoauth "github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
	"github.com/VeriTeknik/pluggedin-oauth/internal/metrics"
	"github.com/VeriTeknik/pluggedin-oauth/internal/repository"
	"github.com/VeriTeknik/pluggedin-oauth/internal/service/token"
)

func TestRefreshScheduler_RunOnce(t *testing.T) {
	h := newSchedulerTestHarness(t, 5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.seedExpiring(t, ctx, fmt.Sprintf("srv-%d", i), 2*time.Minute)
	}

	pass := h.scheduler.RunOnce(ctx)
	require.Equal(t, 4, pass.Refreshed)
	require.Zero(t, pass.Failed)
	require.Empty(t, pass.Errors)
	require.Equal(t, int32(4), h.provider.calls.Load())
}

func TestRefreshScheduler_OneFailureDoesNotAbortBatch(t *testing.T) {
	h := newSchedulerTestHarness(t, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.seedExpiring(t, ctx, fmt.Sprintf("srv-%d", i), 2*time.Minute)
	}
	h.provider.failFor = "srv-2"

	pass := h.scheduler.RunOnce(ctx)
	require.Equal(t, 4, pass.Refreshed)
	require.Equal(t, 1, pass.Failed)
	require.Len(t, pass.Errors, 1)
	require.Contains(t, pass.Errors[0], "srv-2")
	// Every server was attempted despite the failure.
	require.Equal(t, int32(5), h.provider.calls.Load())
}

func TestRefreshScheduler_SkipsNonExpiring(t *testing.T) {
	h := newSchedulerTestHarness(t, 5)
	ctx := context.Background()

	h.seedExpiring(t, ctx, "srv-soon", 2*time.Minute)
	h.seedExpiring(t, ctx, "srv-later", 2*time.Hour)

	pass := h.scheduler.RunOnce(ctx)
	require.Equal(t, 1, pass.Refreshed)
	require.Equal(t, "srv-soon", h.provider.lastServerToken())
}

func TestRefreshScheduler_SkipsActivelyLockedRows(t *testing.T) {
	h := newSchedulerTestHarness(t, 5)
	ctx := context.Background()

	h.seedExpiring(t, ctx, "srv-locked", 2*time.Minute)
	_, acquired, err := h.tokens.AcquireRefreshLock(ctx, "srv-locked", time.Now(), token.LockStaleAfter)
	require.NoError(t, err)
	require.True(t, acquired)

	pass := h.scheduler.RunOnce(ctx)
	require.Zero(t, pass.Refreshed)
	require.Zero(t, pass.Failed)
	require.Equal(t, int32(0), h.provider.calls.Load())
}

func TestRefreshScheduler_ListFailureCountsOnePass(t *testing.T) {
	m := metrics.New()
	failing := &failingTokenRepo{}
	servers := repository.NewMemoryServerRepo()
	cipher := newTestCipher(t)
	provider := &schedFakeProvider{}
	svc := token.NewService(failing, servers, provider, cipher, m, zap.NewNop())

	s := NewRefreshScheduler(failing, servers, svc, m, zap.NewNop(), time.Minute, 15*time.Minute, 50, 5)
	pass := s.RunOnce(context.Background())
	require.Zero(t, pass.Refreshed)
	require.Equal(t, 1, pass.Failed)
	require.Len(t, pass.Errors, 1)
}

// ---- Test harness and fakes ----

type schedulerTestHarness struct {
	scheduler *RefreshScheduler
	tokens    *repository.MemoryTokenRepo
	servers   *repository.MemoryServerRepo
	provider  *schedFakeProvider
	service   *token.Service
}

func newSchedulerTestHarness(t *testing.T, concurrency int) *schedulerTestHarness {
	t.Helper()
	m := metrics.New()
	tokens := repository.NewMemoryTokenRepo()
	servers := repository.NewMemoryServerRepo()
	provider := &schedFakeProvider{}
	cipher := newTestCipher(t)
	svc := token.NewService(tokens, servers, provider, cipher, m, zap.NewNop())
	s := NewRefreshScheduler(tokens, servers, svc, m, zap.NewNop(), time.Minute, 15*time.Minute, 50, concurrency)
	return &schedulerTestHarness{
		scheduler: s,
		tokens:    tokens,
		servers:   servers,
		provider:  provider,
		service:   svc,
	}
}

func newTestCipher(t *testing.T) crypto.Cipher {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := crypto.NewAEADCipher(key)
	require.NoError(t, err)
	return c
}

func (h *schedulerTestHarness) seedExpiring(t *testing.T, ctx context.Context, serverID string, ttl time.Duration) {
	t.Helper()
	h.servers.AddServer(domain.Server{
		ID:            serverID,
		Name:          serverID,
		TokenEndpoint: "https://provider.example.com/oauth/token",
		ClientID:      "client-1",
	}, "owner-"+serverID)
	_, err := h.service.StoreTokens(ctx, serverID, "access-"+serverID, "refresh-"+serverID, "Bearer", int64(ttl/time.Second))
	require.NoError(t, err)
}

type schedFakeProvider struct {
	calls     atomic.Int32
	failFor   string
	lastToken atomic.Value
}

func (f *schedFakeProvider) ExchangeCode(context.Context, string, string, string, string, string) (*domainoauth.TokenResponse, error) {
	return nil, fmt.Errorf("not used")
}

func (f *schedFakeProvider) RefreshToken(_ context.Context, _ string, refreshToken, _ string) (*domainoauth.TokenResponse, error) {
	f.calls.Add(1)
	f.lastToken.Store(refreshToken)
	if f.failFor != "" && refreshToken == "refresh-"+f.failFor {
		return nil, fmt.Errorf("%w: status=503", domainoauth.ErrTokenEndpoint)
	}
	return &domainoauth.TokenResponse{
		AccessToken:  "rotated-" + refreshToken,
		RefreshToken: "next-" + refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}, nil
}

func (f *schedFakeProvider) lastServerToken() string {
	if v := f.lastToken.Load(); v != nil {
		s, _ := v.(string)
		if len(s) > len("refresh-") {
			return s[len("refresh-"):]
		}
	}
	return ""
}

type failingTokenRepo struct{}

func (f *failingTokenRepo) Upsert(context.Context, domainoauth.TokenRecord) (domainoauth.TokenRecord, error) {
	return domainoauth.TokenRecord{}, fmt.Errorf("db down")
}

func (f *failingTokenRepo) GetByServer(context.Context, string) (domainoauth.TokenRecord, error) {
	return domainoauth.TokenRecord{}, fmt.Errorf("db down")
}

func (f *failingTokenRepo) AcquireRefreshLock(context.Context, string, time.Time, time.Duration) (domainoauth.TokenRecord, bool, error) {
	return domainoauth.TokenRecord{}, false, fmt.Errorf("db down")
}

func (f *failingTokenRepo) MarkRefreshTokenUsed(context.Context, string, time.Time) error {
	return fmt.Errorf("db down")
}

func (f *failingTokenRepo) CompleteRefresh(context.Context, string, string, string, string, *time.Time) (domainoauth.TokenRecord, error) {
	return domainoauth.TokenRecord{}, fmt.Errorf("db down")
}

func (f *failingTokenRepo) ClearRefreshLock(context.Context, string) error {
	return fmt.Errorf("db down")
}

func (f *failingTokenRepo) Delete(context.Context, string) error {
	return fmt.Errorf("db down")
}

func (f *failingTokenRepo) ListExpiring(context.Context, repository.ExpiringQuery) ([]domainoauth.TokenRecord, error) {
	return nil, fmt.Errorf("db down")
}
