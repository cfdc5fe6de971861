package oauth

import "time"

// PkceState is one in-flight authorization attempt. Rows are one-time use:
// consumed on the first successful validation, garbage-collected otherwise.
type PkceState struct {
	State         string
	ServerID      string
	UserID        string
	CodeVerifier  string
	RedirectURI   string
	IntegrityHash []byte
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the state is past its lifetime at the given instant.
func (s PkceState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// TokenRecord is the single durable token row per server. Both token fields
// hold ciphertext; RefreshTokenEncrypted is empty when the provider issues
// non-rotating access tokens only. It is mutated exclusively through the
// CAS-guarded refresh protocol or deleted outright on reuse detection.
type TokenRecord struct {
	ID                    int64
	ServerID              string
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	TokenType             string
	ExpiresAt             *time.Time
	RefreshTokenUsedAt    *time.Time
	RefreshTokenLockedAt  *time.Time
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TokenResponse models a provider token endpoint response, for both the
// authorization_code and refresh_token grants.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        string
	Raw          map[string]any
}

// RefreshPass aggregates the outcome of one scheduler sweep.
type RefreshPass struct {
	Refreshed int
	Failed    int
	Errors    []string
}
