package repository

import (
	"context"
	"time"

	"github.com/VeriTeknik/pluggedin-oauth/internal/domain"
	"github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
)

// PkceStateRepository persists ephemeral authorization attempts.
type PkceStateRepository interface {
	Create(ctx context.Context, state oauth.PkceState) error
	Get(ctx context.Context, state string) (oauth.PkceState, error)
	// Consume deletes the row and reports whether this caller removed it.
	// A false return means another validation consumed it first.
	Consume(ctx context.Context, state string) (bool, error)
	// DeleteExpiredBefore removes rows with expires_at strictly before cutoff
	// and returns how many were deleted.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteForServer(ctx context.Context, serverID string) (int64, error)
	CountActive(ctx context.Context, now time.Time) (int64, error)
}

// ExpiringQuery selects token records due for a proactive refresh.
type ExpiringQuery struct {
	Now            time.Time
	Window         time.Duration
	LockStaleAfter time.Duration
	UsedWithin     time.Duration
	Limit          int
}

// TokenRepository persists the single token record per server. All mutation
// paths are conditional; there is no unconditional write.
type TokenRepository interface {
	// Upsert inserts or replaces the record for its server_id.
	Upsert(ctx context.Context, rec oauth.TokenRecord) (oauth.TokenRecord, error)
	GetByServer(ctx context.Context, serverID string) (oauth.TokenRecord, error)
	// AcquireRefreshLock issues the single conditional update that is the
	// cross-instance mutual-exclusion primitive. When acquired is true the
	// returned record carries the fresh lock and the prior used/token state.
	// When acquired is false the returned record is the current row, held by
	// a lock younger than staleAfter. Absent rows yield ErrTokenNotFound.
	AcquireRefreshLock(ctx context.Context, serverID string, now time.Time, staleAfter time.Duration) (oauth.TokenRecord, bool, error)
	// MarkRefreshTokenUsed flags the stored refresh token as presented to the
	// provider, before the outbound call is made.
	MarkRefreshTokenUsed(ctx context.Context, serverID string, now time.Time) error
	// CompleteRefresh stores the rotated ciphertexts, clears the used marker
	// and lock, and bumps the version counter.
	CompleteRefresh(ctx context.Context, serverID, accessEnc, refreshEnc, tokenType string, expiresAt *time.Time) (oauth.TokenRecord, error)
	// ClearRefreshLock releases the lock and used marker after a recoverable
	// failure so the next cycle is not blocked.
	ClearRefreshLock(ctx context.Context, serverID string) error
	Delete(ctx context.Context, serverID string) error
	ListExpiring(ctx context.Context, q ExpiringQuery) ([]oauth.TokenRecord, error)
}

// ServerRepository reads the ownership chain and patches transport headers.
// The rest of the server schema belongs to the main application.
type ServerRepository interface {
	GetServer(ctx context.Context, serverID string) (domain.Server, error)
	// GetOwner re-derives Server -> Profile -> Project -> User.
	GetOwner(ctx context.Context, serverID string) (string, error)
	// SetAuthorizationHeader patches the denormalized transport-header blob so
	// future MCP connections pick up the new bearer token without a lookup.
	SetAuthorizationHeader(ctx context.Context, serverID, value string) error
}
