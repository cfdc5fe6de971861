package repository

import (
	"context"
	"sync"
	"time"

	"github.com/VeriTeknik/pluggedin-oauth/internal/domain"
	"github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
)

// In-memory repositories, suitable for development and tests. They mirror the
// Postgres implementations' semantics, including the atomicity of the
// conditional lock update.
var (
	_ PkceStateRepository = (*MemoryPkceStateRepo)(nil)
	_ TokenRepository     = (*MemoryTokenRepo)(nil)
	_ ServerRepository    = (*MemoryServerRepo)(nil)
)

// MemoryPkceStateRepo implements PkceStateRepository with a map.
type MemoryPkceStateRepo struct {
	mu     sync.Mutex
	states map[string]oauth.PkceState
}

func NewMemoryPkceStateRepo() *MemoryPkceStateRepo {
	return &MemoryPkceStateRepo{states: make(map[string]oauth.PkceState)}
}

func (r *MemoryPkceStateRepo) Create(_ context.Context, state oauth.PkceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.State] = state
	return nil
}

func (r *MemoryPkceStateRepo) Get(_ context.Context, state string) (oauth.PkceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.states[state]
	if !ok {
		return oauth.PkceState{}, oauth.ErrStateNotFound
	}
	return row, nil
}

func (r *MemoryPkceStateRepo) Consume(_ context.Context, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[state]; !ok {
		return false, nil
	}
	delete(r.states, state)
	return true, nil
}

func (r *MemoryPkceStateRepo) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for key, row := range r.states {
		if row.ExpiresAt.Before(cutoff) {
			delete(r.states, key)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemoryPkceStateRepo) DeleteForServer(_ context.Context, serverID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for key, row := range r.states {
		if row.ServerID == serverID {
			delete(r.states, key)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemoryPkceStateRepo) CountActive(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, row := range r.states {
		if row.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

// Mutate rewrites a stored row in place without recomputing anything.
// Exists so tests can simulate tampering with the backing store.
func (r *MemoryPkceStateRepo) Mutate(state string, fn func(*oauth.PkceState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.states[state]; ok {
		fn(&row)
		r.states[state] = row
	}
}

// MemoryTokenRepo implements TokenRepository with a map. The package mutex
// stands in for the database's row-level atomicity: lock acquisition checks
// and writes under one critical section, as the SQL predicate does.
type MemoryTokenRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]oauth.TokenRecord
}

func NewMemoryTokenRepo() *MemoryTokenRepo {
	return &MemoryTokenRepo{nextID: 1, rows: make(map[string]oauth.TokenRecord)}
}

func (r *MemoryTokenRepo) Upsert(_ context.Context, rec oauth.TokenRecord) (oauth.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if existing, ok := r.rows[rec.ServerID]; ok {
		existing.AccessTokenEncrypted = rec.AccessTokenEncrypted
		existing.RefreshTokenEncrypted = rec.RefreshTokenEncrypted
		existing.TokenType = rec.TokenType
		existing.ExpiresAt = rec.ExpiresAt
		existing.RefreshTokenUsedAt = nil
		existing.RefreshTokenLockedAt = nil
		existing.Version++
		existing.UpdatedAt = now
		r.rows[rec.ServerID] = existing
		return existing, nil
	}
	rec.ID = r.nextID
	r.nextID++
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.rows[rec.ServerID] = rec
	return rec, nil
}

func (r *MemoryTokenRepo) GetByServer(_ context.Context, serverID string) (oauth.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[serverID]
	if !ok {
		return oauth.TokenRecord{}, oauth.ErrTokenNotFound
	}
	return rec, nil
}

func (r *MemoryTokenRepo) AcquireRefreshLock(_ context.Context, serverID string, now time.Time, staleAfter time.Duration) (oauth.TokenRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[serverID]
	if !ok {
		return oauth.TokenRecord{}, false, oauth.ErrTokenNotFound
	}
	if rec.RefreshTokenLockedAt != nil && rec.RefreshTokenLockedAt.After(now.Add(-staleAfter)) {
		return rec, false, nil
	}
	lockedAt := now
	rec.RefreshTokenLockedAt = &lockedAt
	r.rows[serverID] = rec
	return rec, true, nil
}

func (r *MemoryTokenRepo) MarkRefreshTokenUsed(_ context.Context, serverID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.rows[serverID]; ok {
		usedAt := now
		rec.RefreshTokenUsedAt = &usedAt
		r.rows[serverID] = rec
	}
	return nil
}

func (r *MemoryTokenRepo) CompleteRefresh(_ context.Context, serverID, accessEnc, refreshEnc, tokenType string, expiresAt *time.Time) (oauth.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[serverID]
	if !ok {
		return oauth.TokenRecord{}, oauth.ErrTokenNotFound
	}
	rec.AccessTokenEncrypted = accessEnc
	rec.RefreshTokenEncrypted = refreshEnc
	rec.TokenType = tokenType
	rec.ExpiresAt = expiresAt
	rec.RefreshTokenUsedAt = nil
	rec.RefreshTokenLockedAt = nil
	rec.Version++
	rec.UpdatedAt = time.Now()
	r.rows[serverID] = rec
	return rec, nil
}

func (r *MemoryTokenRepo) ClearRefreshLock(_ context.Context, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.rows[serverID]; ok {
		rec.RefreshTokenLockedAt = nil
		rec.RefreshTokenUsedAt = nil
		r.rows[serverID] = rec
	}
	return nil
}

func (r *MemoryTokenRepo) Delete(_ context.Context, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, serverID)
	return nil
}

func (r *MemoryTokenRepo) ListExpiring(_ context.Context, q ExpiringQuery) ([]oauth.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	horizon := q.Now.Add(q.Window)
	lockCutoff := q.Now.Add(-q.LockStaleAfter)
	usedCutoff := q.Now.Add(-q.UsedWithin)

	var out []oauth.TokenRecord
	for _, rec := range r.rows {
		if rec.ExpiresAt == nil || rec.ExpiresAt.After(horizon) {
			continue
		}
		if rec.RefreshTokenLockedAt != nil && !rec.RefreshTokenLockedAt.Before(lockCutoff) {
			continue
		}
		if rec.RefreshTokenUsedAt != nil && !rec.RefreshTokenUsedAt.Before(usedCutoff) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Seed inserts a record verbatim. Test hook.
func (r *MemoryTokenRepo) Seed(rec oauth.TokenRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == 0 {
		rec.ID = r.nextID
		r.nextID++
	}
	r.rows[rec.ServerID] = rec
}

// MemoryServerRepo implements ServerRepository over a static ownership chain.
type MemoryServerRepo struct {
	mu      sync.Mutex
	servers map[string]domain.Server
	owners  map[string]string
}

func NewMemoryServerRepo() *MemoryServerRepo {
	return &MemoryServerRepo{
		servers: make(map[string]domain.Server),
		owners:  make(map[string]string),
	}
}

// AddServer registers a server and its resolved owner.
func (r *MemoryServerRepo) AddServer(srv domain.Server, ownerUserID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if srv.TransportHeaders == nil {
		srv.TransportHeaders = map[string]string{}
	}
	r.servers[srv.ID] = srv
	r.owners[srv.ID] = ownerUserID
}

func (r *MemoryServerRepo) GetServer(_ context.Context, serverID string) (domain.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.servers[serverID]
	if !ok {
		return domain.Server{}, oauth.ErrServerNotFound
	}
	return srv, nil
}

func (r *MemoryServerRepo) GetOwner(_ context.Context, serverID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[serverID]
	if !ok {
		return "", oauth.ErrServerNotFound
	}
	return owner, nil
}

func (r *MemoryServerRepo) SetAuthorizationHeader(_ context.Context, serverID, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if srv, ok := r.servers[serverID]; ok {
		srv.TransportHeaders["Authorization"] = value
		r.servers[serverID] = srv
	}
	return nil
}

// AuthorizationHeader returns the patched header for assertions.
func (r *MemoryServerRepo) AuthorizationHeader(serverID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[serverID].TransportHeaders["Authorization"]
}
