package domain

import "time"

// Server is an MCP server integration a user connected. The OAuth core only
// reads it to resolve ownership and provider endpoints, and patches the
// Authorization entry of TransportHeaders after a successful refresh.
type Server struct {
	ID               string
	ProfileID        string
	Name             string
	AuthorizationURL string
	TokenEndpoint    string
	ClientID         string
	Scopes           []string
	TransportHeaders map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Profile groups servers inside a project workspace.
type Profile struct {
	ID        string
	ProjectID string
	Name      string
	CreatedAt time.Time
}

// Project is the tenant boundary. Its UserID is the owner consulted on every
// refresh and validation call.
type Project struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// User is the account at the top of the ownership chain.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}
