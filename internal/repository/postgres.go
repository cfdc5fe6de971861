package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VeriTeknik/pluggedin-oauth/internal/domain"
	"github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
)

// Compile-time interface assertions.
var (
	_ PkceStateRepository = (*PostgresPkceStateRepo)(nil)
	_ TokenRepository     = (*PostgresTokenRepo)(nil)
	_ ServerRepository    = (*PostgresServerRepo)(nil)
)

// PostgresPkceStateRepo implements PkceStateRepository on pgx.
type PostgresPkceStateRepo struct {
	db *pgxpool.Pool
}

func NewPostgresPkceStateRepo(pool *pgxpool.Pool) *PostgresPkceStateRepo {
	return &PostgresPkceStateRepo{db: pool}
}

const insertPkceStateSQL = `INSERT INTO pkce_states (state, server_id, user_id, code_verifier, redirect_uri, integrity_hash, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (r *PostgresPkceStateRepo) Create(ctx context.Context, state oauth.PkceState) error {
	if _, err := r.db.Exec(ctx, insertPkceStateSQL,
		state.State,
		state.ServerID,
		state.UserID,
		state.CodeVerifier,
		state.RedirectURI,
		state.IntegrityHash,
		state.CreatedAt,
		state.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert pkce state: %w", err)
	}
	return nil
}

const getPkceStateSQL = `SELECT state, server_id, user_id, code_verifier, redirect_uri, integrity_hash, created_at, expires_at
FROM pkce_states
WHERE state = $1`

func (r *PostgresPkceStateRepo) Get(ctx context.Context, state string) (oauth.PkceState, error) {
	var row oauth.PkceState
	if err := r.db.QueryRow(ctx, getPkceStateSQL, state).Scan(
		&row.State,
		&row.ServerID,
		&row.UserID,
		&row.CodeVerifier,
		&row.RedirectURI,
		&row.IntegrityHash,
		&row.CreatedAt,
		&row.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return oauth.PkceState{}, oauth.ErrStateNotFound
		}
		return oauth.PkceState{}, fmt.Errorf("get pkce state: %w", err)
	}
	return row, nil
}

func (r *PostgresPkceStateRepo) Consume(ctx context.Context, state string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM pkce_states WHERE state = $1`, state)
	if err != nil {
		return false, fmt.Errorf("consume pkce state: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresPkceStateRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	// Strict inequality: a row expired exactly at the cutoff survives one
	// more pass so late but legitimate redirects can still complete.
	tag, err := r.db.Exec(ctx, `DELETE FROM pkce_states WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired pkce states: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresPkceStateRepo) DeleteForServer(ctx context.Context, serverID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM pkce_states WHERE server_id = $1`, serverID)
	if err != nil {
		return 0, fmt.Errorf("delete pkce states for server: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresPkceStateRepo) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM pkce_states WHERE expires_at > $1`, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pkce states: %w", err)
	}
	return count, nil
}

// PostgresTokenRepo implements TokenRepository on pgx.
type PostgresTokenRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresTokenRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool, node: node}
}

const tokenColumns = `id, server_id, access_token_encrypted, refresh_token_encrypted, token_type, expires_at, refresh_token_used_at, refresh_token_locked_at, version, created_at, updated_at`

const upsertTokenSQL = `INSERT INTO oauth_tokens (id, server_id, access_token_encrypted, refresh_token_encrypted, token_type, expires_at, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 1, now(), now())
ON CONFLICT (server_id) DO UPDATE SET
	access_token_encrypted = EXCLUDED.access_token_encrypted,
	refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
	token_type = EXCLUDED.token_type,
	expires_at = EXCLUDED.expires_at,
	refresh_token_used_at = NULL,
	refresh_token_locked_at = NULL,
	version = oauth_tokens.version + 1,
	updated_at = now()
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) Upsert(ctx context.Context, rec oauth.TokenRecord) (oauth.TokenRecord, error) {
	var refresh sql.NullString
	if rec.RefreshTokenEncrypted != "" {
		refresh = sql.NullString{String: rec.RefreshTokenEncrypted, Valid: true}
	}
	row := r.db.QueryRow(ctx, upsertTokenSQL,
		r.node.Generate().Int64(),
		rec.ServerID,
		rec.AccessTokenEncrypted,
		refresh,
		rec.TokenType,
		nullableTimeArg(rec.ExpiresAt),
	)
	out, err := scanTokenRow(row)
	if err != nil {
		return oauth.TokenRecord{}, fmt.Errorf("upsert token: %w", err)
	}
	return out, nil
}

const getTokenSQL = `SELECT ` + tokenColumns + ` FROM oauth_tokens WHERE server_id = $1`

func (r *PostgresTokenRepo) GetByServer(ctx context.Context, serverID string) (oauth.TokenRecord, error) {
	out, err := scanTokenRow(r.db.QueryRow(ctx, getTokenSQL, serverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return oauth.TokenRecord{}, oauth.ErrTokenNotFound
		}
		return oauth.TokenRecord{}, fmt.Errorf("get token: %w", err)
	}
	return out, nil
}

// acquireLockSQL is the mutual-exclusion primitive: the predicate and the
// write commit atomically, so there is no read-then-write race window.
const acquireLockSQL = `UPDATE oauth_tokens
SET refresh_token_locked_at = $2
WHERE server_id = $1
  AND (refresh_token_locked_at IS NULL OR refresh_token_locked_at < $3)
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) AcquireRefreshLock(ctx context.Context, serverID string, now time.Time, staleAfter time.Duration) (oauth.TokenRecord, bool, error) {
	out, err := scanTokenRow(r.db.QueryRow(ctx, acquireLockSQL, serverID, now, now.Add(-staleAfter)))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return oauth.TokenRecord{}, false, fmt.Errorf("acquire refresh lock: %w", err)
	}

	// No row matched: either the record is gone or a younger lock holds it.
	current, err := r.GetByServer(ctx, serverID)
	if err != nil {
		return oauth.TokenRecord{}, false, err
	}
	return current, false, nil
}

func (r *PostgresTokenRepo) MarkRefreshTokenUsed(ctx context.Context, serverID string, now time.Time) error {
	if _, err := r.db.Exec(ctx, `UPDATE oauth_tokens SET refresh_token_used_at = $2 WHERE server_id = $1`, serverID, now); err != nil {
		return fmt.Errorf("mark refresh token used: %w", err)
	}
	return nil
}

const completeRefreshSQL = `UPDATE oauth_tokens
SET access_token_encrypted = $2,
	refresh_token_encrypted = $3,
	token_type = $4,
	expires_at = $5,
	refresh_token_used_at = NULL,
	refresh_token_locked_at = NULL,
	version = version + 1,
	updated_at = now()
WHERE server_id = $1
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) CompleteRefresh(ctx context.Context, serverID, accessEnc, refreshEnc, tokenType string, expiresAt *time.Time) (oauth.TokenRecord, error) {
	var refresh sql.NullString
	if refreshEnc != "" {
		refresh = sql.NullString{String: refreshEnc, Valid: true}
	}
	out, err := scanTokenRow(r.db.QueryRow(ctx, completeRefreshSQL, serverID, accessEnc, refresh, tokenType, nullableTimeArg(expiresAt)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return oauth.TokenRecord{}, oauth.ErrTokenNotFound
		}
		return oauth.TokenRecord{}, fmt.Errorf("complete refresh: %w", err)
	}
	return out, nil
}

func (r *PostgresTokenRepo) ClearRefreshLock(ctx context.Context, serverID string) error {
	if _, err := r.db.Exec(ctx, `UPDATE oauth_tokens SET refresh_token_locked_at = NULL, refresh_token_used_at = NULL WHERE server_id = $1`, serverID); err != nil {
		return fmt.Errorf("clear refresh lock: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) Delete(ctx context.Context, serverID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE server_id = $1`, serverID); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

const listExpiringSQL = `SELECT ` + tokenColumns + `
FROM oauth_tokens
WHERE expires_at IS NOT NULL
  AND expires_at <= $1
  AND (refresh_token_locked_at IS NULL OR refresh_token_locked_at < $2)
  AND (refresh_token_used_at IS NULL OR refresh_token_used_at < $3)
ORDER BY expires_at
LIMIT $4`

func (r *PostgresTokenRepo) ListExpiring(ctx context.Context, q ExpiringQuery) ([]oauth.TokenRecord, error) {
	rows, err := r.db.Query(ctx, listExpiringSQL,
		q.Now.Add(q.Window),
		q.Now.Add(-q.LockStaleAfter),
		q.Now.Add(-q.UsedWithin),
		q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	defer rows.Close()

	var out []oauth.TokenRecord
	for rows.Next() {
		rec, err := scanTokenRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expiring token: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	return out, nil
}

// PostgresServerRepo implements ServerRepository. It only reads the server
// schema owned by the main application and patches transport headers.
type PostgresServerRepo struct {
	db *pgxpool.Pool
}

func NewPostgresServerRepo(pool *pgxpool.Pool) *PostgresServerRepo {
	return &PostgresServerRepo{db: pool}
}

const getServerSQL = `SELECT id, profile_id, name, authorization_url, token_endpoint, client_id, scopes, transport_headers, created_at, updated_at
FROM servers
WHERE id = $1`

func (r *PostgresServerRepo) GetServer(ctx context.Context, serverID string) (domain.Server, error) {
	var (
		srv        domain.Server
		headersRaw []byte
	)
	if err := r.db.QueryRow(ctx, getServerSQL, serverID).Scan(
		&srv.ID,
		&srv.ProfileID,
		&srv.Name,
		&srv.AuthorizationURL,
		&srv.TokenEndpoint,
		&srv.ClientID,
		&srv.Scopes,
		&headersRaw,
		&srv.CreatedAt,
		&srv.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Server{}, oauth.ErrServerNotFound
		}
		return domain.Server{}, fmt.Errorf("get server: %w", err)
	}
	if len(headersRaw) > 0 {
		headers := map[string]string{}
		if err := json.Unmarshal(headersRaw, &headers); err == nil {
			srv.TransportHeaders = headers
		}
	}
	return srv, nil
}

const getOwnerSQL = `SELECT pr.user_id
FROM servers s
JOIN profiles p ON p.id = s.profile_id
JOIN projects pr ON pr.id = p.project_id
WHERE s.id = $1`

func (r *PostgresServerRepo) GetOwner(ctx context.Context, serverID string) (string, error) {
	var userID string
	if err := r.db.QueryRow(ctx, getOwnerSQL, serverID).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", oauth.ErrServerNotFound
		}
		return "", fmt.Errorf("resolve server owner: %w", err)
	}
	return userID, nil
}

const setAuthHeaderSQL = `UPDATE servers
SET transport_headers = jsonb_set(coalesce(transport_headers, '{}'::jsonb), '{Authorization}', to_jsonb($2::text)),
	updated_at = now()
WHERE id = $1`

func (r *PostgresServerRepo) SetAuthorizationHeader(ctx context.Context, serverID, value string) error {
	if _, err := r.db.Exec(ctx, setAuthHeaderSQL, serverID, value); err != nil {
		return fmt.Errorf("patch transport headers: %w", err)
	}
	return nil
}

func scanTokenRow(row pgx.Row) (oauth.TokenRecord, error) {
	var (
		rec      oauth.TokenRecord
		refresh  sql.NullString
		expires  sql.NullTime
		usedAt   sql.NullTime
		lockedAt sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ServerID,
		&rec.AccessTokenEncrypted,
		&refresh,
		&rec.TokenType,
		&expires,
		&usedAt,
		&lockedAt,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return oauth.TokenRecord{}, err
	}
	rec.RefreshTokenEncrypted = refresh.String
	rec.ExpiresAt = nullableTime(expires)
	rec.RefreshTokenUsedAt = nullableTime(usedAt)
	rec.RefreshTokenLockedAt = nullableTime(lockedAt)
	return rec, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

func nullableTimeArg(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
