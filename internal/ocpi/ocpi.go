// Package ocpi defines the OCPI wire types used by the versions and
// credentials modules.
package ocpi

import "time"

// Body status codes carried in the response envelope.
const (
	StatusSuccess      = 1000
	StatusClientError  = 2000
	StatusUnauthorized = 2001
	StatusForbidden    = 2003
	StatusServerError  = 3000
)

const (
	// ServedVersion is the protocol version this simulator answers for.
	ServedVersion = "2.3"
	// TargetVersion is the peer version the handshake negotiates against.
	TargetVersion = "2.3.0"
	// ModuleCredentials is the endpoint identifier of the credentials module.
	ModuleCredentials = "credentials"
	// RoleEMSP is the role this simulator registers as.
	RoleEMSP = "EMSP"
)

// Logical endpoint paths recorded in the exchange log.
const (
	VersionsPath    = "/ocpi/versions"
	CredentialsPath = "/ocpi/2.3/credentials"
)

// Response is the standard OCPI envelope.
type Response[T any] struct {
	StatusCode    int       `json:"status_code"`
	StatusMessage *string   `json:"status_message"`
	Timestamp     time.Time `json:"timestamp"`
	Data          T         `json:"data"`
}

// Success wraps data in a 1000 envelope with a null status message.
func Success[T any](data T, now time.Time) Response[T] {
	return Response[T]{StatusCode: StatusSuccess, Timestamp: now.UTC(), Data: data}
}

// Failure builds an error envelope carrying data, which is usually the zero
// value or an empty list.
func Failure[T any](code int, message string, data T, now time.Time) Response[T] {
	return Response[T]{StatusCode: code, StatusMessage: &message, Timestamp: now.UTC(), Data: data}
}

// VersionInfo is one entry of a versions list.
type VersionInfo struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// VersionDetails lists the endpoints a peer exposes for one version.
type VersionDetails struct {
	Version   string     `json:"version"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Endpoint is one module endpoint of a peer.
type Endpoint struct {
	Identifier string `json:"identifier"`
	Role       string `json:"role"`
	URL        string `json:"url"`
}

// Credential is the credentials object exchanged during registration.
type Credential struct {
	Token      string  `json:"token"`
	URL        string  `json:"url"`
	HubPartyID *string `json:"hub_party_id,omitempty"`
	Roles      []Role  `json:"roles,omitempty"`
}

// Role describes one party role in a credentials object.
type Role struct {
	Role            string          `json:"role"`
	PartyID         string          `json:"party_id"`
	CountryCode     string          `json:"country_code"`
	BusinessDetails BusinessDetails `json:"business_details"`
}

// BusinessDetails names the party behind a role.
type BusinessDetails struct {
	Name    string  `json:"name"`
	Logo    *Image  `json:"logo"`
	Website *string `json:"website"`
}

// Image is a logo reference.
type Image struct {
	URL       string  `json:"url"`
	Thumbnail *string `json:"thumbnail"`
	Category  string  `json:"category"`
	Type      string  `json:"type"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
}

// FindVersion returns the entry whose version equals v.
func FindVersion(list []VersionInfo, v string) (VersionInfo, bool) {
	for _, info := range list {
		if info.Version == v {
			return info, true
		}
	}
	return VersionInfo{}, false
}

// FindEndpoint returns the endpoint with the given module identifier.
func (d VersionDetails) FindEndpoint(identifier string) (Endpoint, bool) {
	for _, e := range d.Endpoints {
		if e.Identifier == identifier {
			return e, true
		}
	}
	return Endpoint{}, false
}
