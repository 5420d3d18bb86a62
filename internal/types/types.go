// Package types defines the admin API request and response types.
package types

// ConnectionInfo is a connection as shown by the admin API. Tokens are
// masked.
type ConnectionInfo struct {
	ID             int64           `json:"id"`
	PartyID        string          `json:"party_id"`
	CountryCode    string          `json:"country_code"`
	BaseURL        string          `json:"base_url"`
	PeerToken      string          `json:"peer_token"`
	ClientToken    string          `json:"client_token"`
	IsActive       bool            `json:"is_active"`
	HandshakeMode  string          `json:"handshake_mode"`
	Status         string          `json:"status"`
	Simulation     SimulationFlags `json:"simulation"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	LogCount       int             `json:"log_count"`
	LastExchangeAt *string         `json:"last_exchange_at"`
}

// ConnectionDetail adds the raw payloads captured during registration.
type ConnectionDetail struct {
	ConnectionInfo
	RawVersions    *string `json:"raw_versions"`
	RawCredentials *string `json:"raw_credentials"`
}

// SimulationFlags are the per-connection error simulation switches.
type SimulationFlags struct {
	VersionsUnauthorized    bool `json:"versions_unauthorized"`
	VersionsForbidden       bool `json:"versions_forbidden"`
	CredentialsUnauthorized bool `json:"credentials_unauthorized"`
	CredentialsForbidden    bool `json:"credentials_forbidden"`
}

// ListConnectionsResponse is the response body for listing connections.
type ListConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

// CreateConnectionRequest is the request body for creating a connection.
type CreateConnectionRequest struct {
	PartyID       string  `json:"party_id"`
	CountryCode   string  `json:"country_code"`
	BaseURL       string  `json:"base_url"`
	PeerToken     *string `json:"peer_token,omitempty"`
	ClientToken   *string `json:"client_token,omitempty"`
	HandshakeMode string  `json:"handshake_mode,omitempty"`
}

// DeleteConnectionResponse is the response body for connection deletion.
type DeleteConnectionResponse struct {
	Deleted bool `json:"deleted"`
}

// HandshakeResponse reports the outcome of a handshake or revocation.
type HandshakeResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Status  string   `json:"status,omitempty"`
	Steps   []string `json:"steps"`
	Errors  []string `json:"errors"`
}

// ExchangeLogEntry is one recorded protocol message.
type ExchangeLogEntry struct {
	ID              int64   `json:"id"`
	ConnectionID    int64   `json:"connection_id"`
	Direction       string  `json:"direction"`
	Method          string  `json:"method"`
	Endpoint        string  `json:"endpoint"`
	HTTPStatusCode  int     `json:"http_status_code"`
	RequestPayload  *string `json:"request_payload"`
	ResponsePayload *string `json:"response_payload"`
	ErrorMessage    *string `json:"error_message"`
	OccurredAt      string  `json:"occurred_at"`
}

// ListExchangeLogsResponse is the response body for a connection's log.
type ListExchangeLogsResponse struct {
	ConnectionID int64              `json:"connection_id"`
	Total        int                `json:"total"`
	Entries      []ExchangeLogEntry `json:"entries"`
}

// SimulationStatus is the global error simulation state.
type SimulationStatus struct {
	ForceUnauthorized bool    `json:"force_unauthorized"`
	ForceForbidden    bool    `json:"force_forbidden"`
	UpdatedAt         *string `json:"updated_at"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
