// Package handshake drives the active side of OCPI registration: version
// discovery, endpoint discovery and the credentials exchange, plus local
// revocation.
package handshake

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rsclarke/mspsim/internal/exchange"
	"github.com/rsclarke/mspsim/internal/logging"
	"github.com/rsclarke/mspsim/internal/metrics"
	"github.com/rsclarke/mspsim/internal/models"
	"github.com/rsclarke/mspsim/internal/ocpi"
	"github.com/rsclarke/mspsim/internal/ocpiclient"
	"github.com/rsclarke/mspsim/internal/token"
	"go.uber.org/zap"
)

// Metrics labels for the outbound calls.
const (
	moduleVersions       = "versions"
	moduleVersionDetails = "version_details"
)

// Client performs the three outbound calls.
type Client interface {
	GetVersions(ctx context.Context, url, token string) (*ocpiclient.Response[[]ocpi.VersionInfo], error)
	GetEndpoints(ctx context.Context, url, token string) (*ocpiclient.Response[ocpi.VersionDetails], error)
	PostCredentials(ctx context.Context, url string, cred ocpi.Credential, token string) (*ocpiclient.Response[*ocpi.Credential], error)
}

// ConnectionStore reads and writes connection records.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id int64) (*models.Connection, error)
	UpdateConnection(ctx context.Context, c *models.Connection) error
}

// Identity describes the party this simulator registers as.
type Identity struct {
	PartyID      string
	CountryCode  string
	BusinessName string
	// PublicURL is the base of the callback URL given to peers.
	PublicURL string
}

// CallbackURL returns the URL a peer should use to reach this simulator for
// the given connection.
func (i Identity) CallbackURL(connectionID int64) string {
	return fmt.Sprintf("%s/ocpi/%d/", strings.TrimRight(i.PublicURL, "/"), connectionID)
}

// Result is the outcome of an orchestrator operation with a human-readable
// trace.
type Result struct {
	Success bool
	Message string
	Status  string
	Steps   []string
	Errors  []string
}

func (r *Result) step(format string, args ...any) {
	r.Steps = append(r.Steps, fmt.Sprintf(format, args...))
}

func (r *Result) fail(message string, errs ...string) *Result {
	r.Success = false
	r.Message = message
	r.Errors = append(r.Errors, errs...)
	return r
}

// Orchestrator runs the EMSP-initiated handshake and local revocation.
// Concurrent operations on the same connection are not serialized; the last
// write wins.
type Orchestrator struct {
	Store    ConnectionStore
	Client   Client
	Recorder *exchange.Recorder
	Identity Identity
	Logger   *zap.Logger
	// NewToken generates our credential token. Defaults to token.Generate.
	NewToken func() (string, error)
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// InitiateHandshake registers this simulator with the peer of a connection.
// It never returns an error: every fault becomes a failed Result.
func (o *Orchestrator) InitiateHandshake(ctx context.Context, connectionID int64) (result *Result) {
	result = &Result{}
	defer func() {
		if p := recover(); p != nil {
			o.logger().Error("handshake panicked", logging.ConnectionID(connectionID), zap.Any("panic", p))
			result.fail(fmt.Sprintf("Handshake failed with exception: %v", p), fmt.Sprint(p))
		}
		metrics.ObserveHandshake("initiate", result.Success)
	}()

	if err := o.initiate(ctx, connectionID, result); err != nil {
		o.logger().Error("handshake failed", logging.ConnectionID(connectionID), zap.Error(err))
		result.fail("Handshake failed with exception: "+err.Error(), err.Error())
	}
	return result
}

func (o *Orchestrator) initiate(ctx context.Context, connectionID int64, result *Result) error {
	conn, err := o.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		result.fail("Connection not found", fmt.Sprintf("Connection ID %d does not exist", connectionID))
		return nil
	}
	result.step("Found connection: %s/%s", conn.PartyID, conn.CountryCode)

	peerToken := ""
	if conn.PeerToken != nil {
		peerToken = *conn.PeerToken
	}

	result.step("Step 1: Retrieving CPO versions...")
	o.logger().Info("initiating handshake", logging.ConnectionID(conn.ID), logging.URL(conn.BaseURL))

	versions, err := o.Client.GetVersions(ctx, conn.BaseURL, peerToken)
	if err != nil {
		o.recordFault(ctx, conn.ID, moduleVersions, http.MethodGet, conn.BaseURL, "", err)
		return err
	}
	if err := o.recordCall(ctx, conn.ID, moduleVersions, http.MethodGet, conn.BaseURL, "", versions.StatusCode, versions.Raw, versions.DecodeErr); err != nil {
		return err
	}
	if versions.StatusCode != http.StatusOK {
		result.fail(fmt.Sprintf("Failed to retrieve CPO versions: HTTP %d", versions.StatusCode),
			fmt.Sprintf("Versions endpoint returned %d", versions.StatusCode))
		if versions.Raw != "" {
			result.Errors = append(result.Errors, "Response: "+versions.Raw)
		}
		return nil
	}
	if versions.DecodeErr != nil {
		result.fail("Failed to parse CPO versions", unparsed(versions.DecodeErr, versions.Raw)...)
		return nil
	}

	var versionList []ocpi.VersionInfo
	if versions.Body != nil {
		versionList = versions.Body.Data
	}
	result.step("Versions retrieved: %d version(s)", len(versionList))

	credentialsURL, err := o.discoverCredentials(ctx, conn.ID, versionList, peerToken, result)
	if err != nil {
		return err
	}
	if result.Message != "" {
		return nil
	}
	if credentialsURL == "" {
		result.fail("Credentials endpoint not found in CPO versions",
			fmt.Sprintf("OCPI %s endpoint not available", ocpi.TargetVersion))
		return nil
	}
	result.step("Credentials endpoint discovered: %s", credentialsURL)

	result.step("Step 2: Sending EMSP credentials to CPO...")
	newToken := o.NewToken
	if newToken == nil {
		newToken = token.Generate
	}
	ourToken, err := newToken()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	cred := ocpi.Credential{
		Token: ourToken,
		URL:   o.Identity.CallbackURL(conn.ID),
		Roles: []ocpi.Role{{
			Role:            ocpi.RoleEMSP,
			PartyID:         o.Identity.PartyID,
			CountryCode:     o.Identity.CountryCode,
			BusinessDetails: ocpi.BusinessDetails{Name: o.Identity.BusinessName},
		}},
	}

	o.logger().Info("sending credentials", logging.ConnectionID(conn.ID), logging.URL(credentialsURL))
	posted, err := o.Client.PostCredentials(ctx, credentialsURL, cred, peerToken)
	if err != nil {
		o.recordFault(ctx, conn.ID, ocpi.ModuleCredentials, http.MethodPost, credentialsURL, "", err)
		return err
	}
	if err := o.recordCall(ctx, conn.ID, ocpi.ModuleCredentials, http.MethodPost, credentialsURL, posted.RequestBody, posted.StatusCode, posted.Raw, posted.DecodeErr); err != nil {
		return err
	}

	if posted.StatusCode != http.StatusOK {
		result.fail(fmt.Sprintf("Credentials exchange failed: HTTP %d", posted.StatusCode),
			fmt.Sprintf("Credentials endpoint returned %d", posted.StatusCode))
		if posted.Raw != "" {
			result.Errors = append(result.Errors, "Response: "+posted.Raw)
		}
		return o.reject(ctx, conn, result)
	}
	if posted.DecodeErr != nil {
		result.fail("Failed to parse CPO credentials response", unparsed(posted.DecodeErr, posted.Raw)...)
		return o.reject(ctx, conn, result)
	}
	result.step("Credentials sent to CPO")

	if posted.Body != nil && posted.Body.Data != nil {
		peer := posted.Body.Data.Token
		conn.PeerToken = &peer
		result.step("CPO token received and stored")
	}

	next, err := models.Transition(conn.Status, models.EventHandshakeCompleted)
	if err != nil {
		return err
	}
	conn.ClientToken = &ourToken
	conn.Status = next
	if err := o.Store.UpdateConnection(ctx, conn); err != nil {
		return fmt.Errorf("update connection: %w", err)
	}

	result.Success = true
	result.Message = "Handshake completed successfully"
	result.Status = string(conn.Status)
	result.step("Handshake completed successfully")

	o.logger().Info("handshake completed", logging.ConnectionID(conn.ID))
	return nil
}

// reject marks the connection as having failed the credentials exchange.
func (o *Orchestrator) reject(ctx context.Context, conn *models.Connection, result *Result) error {
	next, err := models.Transition(conn.Status, models.EventHandshakeRejected)
	if err != nil {
		return err
	}
	conn.Status = next
	if err := o.Store.UpdateConnection(ctx, conn); err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	result.Status = string(conn.Status)
	return nil
}

func unparsed(cause error, raw string) []string {
	errs := []string{cause.Error()}
	if raw != "" {
		errs = append(errs, "Response: "+raw)
	}
	return errs
}

// discoverCredentials returns the peer's credentials URL for the target
// version, or "" when the version or the module is missing. An undecodable
// endpoint list fails result directly.
func (o *Orchestrator) discoverCredentials(ctx context.Context, connectionID int64, versions []ocpi.VersionInfo, peerToken string, result *Result) (string, error) {
	target, ok := ocpi.FindVersion(versions, ocpi.TargetVersion)
	if !ok {
		return "", nil
	}

	details, err := o.Client.GetEndpoints(ctx, target.URL, peerToken)
	if err != nil {
		o.recordFault(ctx, connectionID, moduleVersionDetails, http.MethodGet, target.URL, "", err)
		return "", err
	}
	if err := o.recordCall(ctx, connectionID, moduleVersionDetails, http.MethodGet, target.URL, "", details.StatusCode, details.Raw, details.DecodeErr); err != nil {
		return "", err
	}
	if details.DecodeErr != nil {
		result.fail("Failed to parse CPO endpoints", unparsed(details.DecodeErr, details.Raw)...)
		return "", nil
	}
	if details.Body == nil {
		return "", nil
	}

	endpoint, ok := details.Body.Data.FindEndpoint(ocpi.ModuleCredentials)
	if !ok {
		return "", nil
	}
	return endpoint.URL, nil
}

// recordCall writes the request we sent and the answer we got. A body that
// could not be decoded is kept as the payload with the decode error beside it.
func (o *Orchestrator) recordCall(ctx context.Context, connectionID int64, module, method, url, requestBody string, status int, raw string, decodeErr error) error {
	if o.Recorder == nil {
		return nil
	}
	if err := o.Recorder.OutboundRequest(ctx, connectionID, module, method, url, status, exchange.StringPtr(requestBody)); err != nil {
		return err
	}
	var errMsg *string
	if decodeErr != nil {
		errMsg = exchange.StringPtr(decodeErr.Error())
	}
	return o.Recorder.OutboundResponse(ctx, connectionID, module, method, url, status, exchange.StringPtr(raw), errMsg)
}

// recordFault writes a transport failure. A recording error is only logged
// so the original fault is what the caller sees.
func (o *Orchestrator) recordFault(ctx context.Context, connectionID int64, module, method, url, requestBody string, cause error) {
	if o.Recorder == nil {
		return
	}
	msg := cause.Error()
	if err := o.Recorder.OutboundRequest(ctx, connectionID, module, method, url, 0, exchange.StringPtr(requestBody)); err != nil {
		o.logger().Warn("failed to record request", logging.ConnectionID(connectionID), zap.Error(err))
		return
	}
	if err := o.Recorder.OutboundResponse(ctx, connectionID, module, method, url, 0, nil, &msg); err != nil {
		o.logger().Warn("failed to record transport fault", logging.ConnectionID(connectionID), zap.Error(err))
	}
}

// RevokeCredentials clears both stored tokens and marks the connection
// revoked. The peer is not notified.
func (o *Orchestrator) RevokeCredentials(ctx context.Context, connectionID int64) (result *Result) {
	result = &Result{}
	defer func() {
		if p := recover(); p != nil {
			o.logger().Error("revoke panicked", logging.ConnectionID(connectionID), zap.Any("panic", p))
			result.fail(fmt.Sprintf("Revocation failed: %v", p), fmt.Sprint(p))
		}
		metrics.ObserveHandshake("revoke", result.Success)
	}()

	if err := o.revoke(ctx, connectionID, result); err != nil {
		o.logger().Error("revoke failed", logging.ConnectionID(connectionID), zap.Error(err))
		result.fail("Revocation failed: "+err.Error(), err.Error())
	}
	return result
}

func (o *Orchestrator) revoke(ctx context.Context, connectionID int64, result *Result) error {
	conn, err := o.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		result.fail("Connection not found", fmt.Sprintf("Connection ID %d does not exist", connectionID))
		return nil
	}
	result.step("Found connection: %s/%s", conn.PartyID, conn.CountryCode)
	result.step("Step 1: Revoking credentials...")

	next, err := models.Transition(conn.Status, models.EventRevoked)
	if err != nil {
		return err
	}
	conn.PeerToken = nil
	conn.ClientToken = nil
	conn.Status = next
	if err := o.Store.UpdateConnection(ctx, conn); err != nil {
		return fmt.Errorf("update connection: %w", err)
	}

	result.Success = true
	result.Message = "Credentials revoked successfully"
	result.Status = string(conn.Status)
	result.step("Credentials revoked")
	result.step("Tokens cleared from database")

	o.logger().Info("credentials revoked", logging.ConnectionID(conn.ID))
	return nil
}
