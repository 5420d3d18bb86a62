// Package models defines the database entity types.
package models

import "errors"

// ErrInvalidConnection is returned when a connection fails validation.
var ErrInvalidConnection = errors.New("invalid connection")

// HandshakeMode records which side initiates registration. The value is
// stored but not yet acted upon.
type HandshakeMode int

const (
	HandshakeModeCPOInitiated  HandshakeMode = 0
	HandshakeModeEMSPInitiated HandshakeMode = 1
)

// Direction marks an exchange log entry as an inbound request or an
// outbound response.
type Direction string

const (
	DirectionRequest  Direction = "REQUEST"
	DirectionResponse Direction = "RESPONSE"
)

// SimulationFlags are the per-connection error simulation switches.
type SimulationFlags struct {
	VersionsUnauthorized    bool
	VersionsForbidden       bool
	CredentialsUnauthorized bool
	CredentialsForbidden    bool
}

// Connection represents one simulated peer relationship.
type Connection struct {
	ID             int64
	PartyID        string
	CountryCode    string
	BaseURL        string
	PeerToken      *string
	ClientToken    *string
	IsActive       bool
	HandshakeMode  HandshakeMode
	Status         Status
	Simulation     SimulationFlags
	RawVersions    *string
	RawCredentials *string
	CreatedAt      int64
	UpdatedAt      int64
}

// Validate checks the column limits enforced by the schema.
func (c *Connection) Validate() error {
	switch {
	case c.PartyID == "" || len(c.PartyID) > 3:
		return errors.Join(ErrInvalidConnection, errors.New("party id must be 1-3 characters"))
	case c.CountryCode == "" || len(c.CountryCode) > 2:
		return errors.Join(ErrInvalidConnection, errors.New("country code must be 1-2 characters"))
	case c.BaseURL == "" || len(c.BaseURL) > 500:
		return errors.Join(ErrInvalidConnection, errors.New("base url must be 1-500 characters"))
	case c.PeerToken != nil && len(*c.PeerToken) > 500:
		return errors.Join(ErrInvalidConnection, errors.New("peer token exceeds 500 characters"))
	case c.ClientToken != nil && len(*c.ClientToken) > 500:
		return errors.Join(ErrInvalidConnection, errors.New("client token exceeds 500 characters"))
	}
	if _, err := ParseStatus(string(c.Status)); err != nil {
		return err
	}
	return nil
}

// ErrorSimulation is the process-wide error simulation singleton.
type ErrorSimulation struct {
	ForceUnauthorized bool
	ForceForbidden    bool
	CreatedAt         int64
	UpdatedAt         *int64
}

// ExchangeLog is one recorded protocol message. Entries are never updated.
type ExchangeLog struct {
	ID              int64
	ConnectionID    int64
	Direction       Direction
	Method          string
	Endpoint        string
	HTTPStatusCode  int
	RequestPayload  *string
	ResponsePayload *string
	ErrorMessage    *string
	OccurredAt      int64
}

// ConnectionSummary is a connection together with its exchange log stats.
type ConnectionSummary struct {
	Connection
	LogCount       int
	LastExchangeAt *int64
}

// String returns the wire name of the handshake mode.
func (m HandshakeMode) String() string {
	switch m {
	case HandshakeModeCPOInitiated:
		return "CPO_INITIATED"
	case HandshakeModeEMSPInitiated:
		return "EMSP_INITIATED"
	default:
		return "UNKNOWN"
	}
}

// ParseHandshakeMode converts a wire name into a HandshakeMode. An empty
// string selects CPO-initiated.
func ParseHandshakeMode(s string) (HandshakeMode, error) {
	switch s {
	case "", "CPO_INITIATED":
		return HandshakeModeCPOInitiated, nil
	case "EMSP_INITIATED":
		return HandshakeModeEMSPInitiated, nil
	default:
		return 0, errors.Join(ErrInvalidConnection, errors.New("unknown handshake mode "+s))
	}
}
