package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domainoauth "github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
)

// ProviderClient encapsulates outbound HTTP calls to remote token endpoints.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, tokenEndpoint, code, codeVerifier, redirectURI, clientID string) (*domainoauth.TokenResponse, error)
	RefreshToken(ctx context.Context, tokenEndpoint, refreshToken, clientID string) (*domainoauth.TokenResponse, error)
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

// ExchangeCode trades an authorization code plus PKCE verifier for tokens.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, tokenEndpoint, code, codeVerifier, redirectURI, clientID string) (*domainoauth.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("code_verifier", codeVerifier)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", clientID)
	return c.post(ctx, tokenEndpoint, data)
}

// RefreshToken performs the refresh_token grant.
func (c *HTTPProviderClient) RefreshToken(ctx context.Context, tokenEndpoint, refreshToken, clientID string) (*domainoauth.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", clientID)
	return c.post(ctx, tokenEndpoint, data)
}

func (c *HTTPProviderClient) post(ctx context.Context, tokenEndpoint string, data url.Values) (*domainoauth.TokenResponse, error) {
	if strings.TrimSpace(tokenEndpoint) == "" {
		return nil, fmt.Errorf("%w: token endpoint missing", domainoauth.ErrTokenEndpoint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d", domainoauth.ErrTokenEndpoint, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domainoauth.ErrTokenEndpoint, err)
	}

	token := &domainoauth.TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    normalizeTokenType(stringValue(raw["token_type"])),
		Scope:        stringValue(raw["scope"]),
		Raw:          raw,
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", domainoauth.ErrTokenEndpoint)
	}
	if exp := raw["expires_in"]; exp != nil {
		token.ExpiresIn = int64Value(exp)
	}
	return token, nil
}

// normalizeTokenType maps any casing of "bearer" to the canonical form.
func normalizeTokenType(tokenType string) string {
	if strings.EqualFold(strings.TrimSpace(tokenType), "bearer") || strings.TrimSpace(tokenType) == "" {
		return "Bearer"
	}
	return tokenType
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
