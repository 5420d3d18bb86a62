// Package responder implements the passive side of OCPI registration: it
// answers a peer's versions and credentials requests, applying the error
// simulation flags before any business logic.
package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rsclarke/mspsim/internal/exchange"
	"github.com/rsclarke/mspsim/internal/logging"
	"github.com/rsclarke/mspsim/internal/metrics"
	"github.com/rsclarke/mspsim/internal/models"
	"github.com/rsclarke/mspsim/internal/ocpi"
	"github.com/rsclarke/mspsim/internal/simulation"
	"go.uber.org/zap"
)

// ConnectionStore reads and writes connection records.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id int64) (*models.Connection, error)
	UpdateConnection(ctx context.Context, c *models.Connection) error
}

// FlagSource provides the global simulation switches.
type FlagSource interface {
	Flags(ctx context.Context) (simulation.Flags, error)
}

// Reply is an HTTP status paired with the envelope to send.
type Reply[T any] struct {
	HTTPStatus int
	Body       ocpi.Response[T]
}

// Responder answers inbound versions and credentials requests.
type Responder struct {
	Store    ConnectionStore
	Policy   FlagSource
	Recorder *exchange.Recorder
	Logger   *zap.Logger
	Now      func() time.Time
}

func (r *Responder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Responder) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// GetVersions answers GET versions for a connection.
func (r *Responder) GetVersions(ctx context.Context, connectionID int64) Reply[[]ocpi.VersionInfo] {
	reply, conn, err := r.getVersions(ctx, connectionID)
	if err != nil {
		return internalError(ctx, r, conn, http.MethodGet, ocpi.VersionsPath, err, []ocpi.VersionInfo{})
	}
	return reply
}

func (r *Responder) getVersions(ctx context.Context, connectionID int64) (Reply[[]ocpi.VersionInfo], *models.Connection, error) {
	conn, err := r.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return Reply[[]ocpi.VersionInfo]{}, nil, fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return notFound(r, []ocpi.VersionInfo{}), nil, nil
	}

	outcome, scope, err := r.decide(ctx, simulation.Flags{
		Unauthorized: conn.Simulation.VersionsUnauthorized,
		Forbidden:    conn.Simulation.VersionsForbidden,
	})
	if err != nil {
		return Reply[[]ocpi.VersionInfo]{}, conn, err
	}
	if outcome != simulation.Proceed {
		reply := simulated(r, outcome, []ocpi.VersionInfo{})
		payload, err := marshal(reply.Body)
		if err != nil {
			return Reply[[]ocpi.VersionInfo]{}, conn, err
		}
		if err := r.Recorder.Response(ctx, conn.ID, http.MethodGet, ocpi.VersionsPath, reply.HTTPStatus, &payload, nil); err != nil {
			return Reply[[]ocpi.VersionInfo]{}, conn, err
		}
		r.observeSimulated(conn.ID, ocpi.VersionsPath, outcome, scope)
		return reply, conn, nil
	}

	body := ocpi.Success([]ocpi.VersionInfo{{
		Version: ocpi.ServedVersion,
		URL:     conn.BaseURL + "/ocpi/" + ocpi.ServedVersion,
	}}, r.now())
	payload, err := marshal(body)
	if err != nil {
		return Reply[[]ocpi.VersionInfo]{}, conn, err
	}

	next, err := models.Transition(conn.Status, models.EventVersionsServed)
	if err != nil {
		return Reply[[]ocpi.VersionInfo]{}, conn, err
	}
	conn.RawVersions = &payload
	conn.Status = next
	if err := r.Store.UpdateConnection(ctx, conn); err != nil {
		return Reply[[]ocpi.VersionInfo]{}, conn, fmt.Errorf("update connection: %w", err)
	}

	if err := r.Recorder.Response(ctx, conn.ID, http.MethodGet, ocpi.VersionsPath, http.StatusOK, &payload, nil); err != nil {
		return Reply[[]ocpi.VersionInfo]{}, conn, err
	}

	r.logger().Info("versions served", logging.ConnectionID(conn.ID), logging.ConnStatus(string(conn.Status)))
	return Reply[[]ocpi.VersionInfo]{HTTPStatus: http.StatusOK, Body: body}, conn, nil
}

// PostCredentials stores the peer's token and echoes our own credentials.
// The caller rejects an empty token before calling this.
func (r *Responder) PostCredentials(ctx context.Context, connectionID int64, cred ocpi.Credential, rawBody string) Reply[*ocpi.Credential] {
	reply, conn, err := r.postCredentials(ctx, connectionID, cred, rawBody)
	if err != nil {
		return internalError[*ocpi.Credential](ctx, r, conn, http.MethodPost, ocpi.CredentialsPath, err, nil)
	}
	return reply
}

func (r *Responder) postCredentials(ctx context.Context, connectionID int64, cred ocpi.Credential, rawBody string) (Reply[*ocpi.Credential], *models.Connection, error) {
	conn, err := r.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return Reply[*ocpi.Credential]{}, nil, fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return notFound[*ocpi.Credential](r, nil), nil, nil
	}

	outcome, scope, err := r.decide(ctx, simulation.Flags{
		Unauthorized: conn.Simulation.CredentialsUnauthorized,
		Forbidden:    conn.Simulation.CredentialsForbidden,
	})
	if err != nil {
		return Reply[*ocpi.Credential]{}, conn, err
	}
	if outcome != simulation.Proceed {
		reply := simulated[*ocpi.Credential](r, outcome, nil)
		payload, err := marshal(reply.Body)
		if err != nil {
			return Reply[*ocpi.Credential]{}, conn, err
		}
		if err := r.Recorder.Request(ctx, conn.ID, http.MethodPost, ocpi.CredentialsPath, reply.HTTPStatus, &rawBody); err != nil {
			return Reply[*ocpi.Credential]{}, conn, err
		}
		if err := r.Recorder.Response(ctx, conn.ID, http.MethodPost, ocpi.CredentialsPath, reply.HTTPStatus, &payload, nil); err != nil {
			return Reply[*ocpi.Credential]{}, conn, err
		}
		r.observeSimulated(conn.ID, ocpi.CredentialsPath, outcome, scope)
		return reply, conn, nil
	}

	next, err := models.Transition(conn.Status, models.EventCredentialsAccepted)
	if err != nil {
		return Reply[*ocpi.Credential]{}, conn, err
	}
	token := cred.Token
	conn.PeerToken = &token
	conn.Status = next
	conn.RawCredentials = &rawBody
	if err := r.Store.UpdateConnection(ctx, conn); err != nil {
		return Reply[*ocpi.Credential]{}, conn, fmt.Errorf("update connection: %w", err)
	}

	if err := r.Recorder.Request(ctx, conn.ID, http.MethodPost, ocpi.CredentialsPath, http.StatusOK, &rawBody); err != nil {
		return Reply[*ocpi.Credential]{}, conn, err
	}

	echo := &ocpi.Credential{URL: conn.BaseURL}
	if conn.ClientToken != nil {
		echo.Token = *conn.ClientToken
	}
	body := ocpi.Success(echo, r.now())
	payload, err := marshal(body)
	if err != nil {
		return Reply[*ocpi.Credential]{}, conn, err
	}
	if err := r.Recorder.Response(ctx, conn.ID, http.MethodPost, ocpi.CredentialsPath, http.StatusOK, &payload, nil); err != nil {
		return Reply[*ocpi.Credential]{}, conn, err
	}

	r.logger().Info("credentials accepted", logging.ConnectionID(conn.ID), logging.ConnStatus(string(conn.Status)))
	return Reply[*ocpi.Credential]{HTTPStatus: http.StatusOK, Body: body}, conn, nil
}

// DeleteCredentials clears both tokens and marks the connection revoked.
// Simulation flags are not consulted: deletion always succeeds once the
// connection exists.
func (r *Responder) DeleteCredentials(ctx context.Context, connectionID int64) Reply[*ocpi.Credential] {
	reply, conn, err := r.deleteCredentials(ctx, connectionID)
	if err != nil {
		return internalError[*ocpi.Credential](ctx, r, conn, http.MethodDelete, ocpi.CredentialsPath, err, nil)
	}
	return reply
}

func (r *Responder) deleteCredentials(ctx context.Context, connectionID int64) (Reply[*ocpi.Credential], *models.Connection, error) {
	conn, err := r.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return Reply[*ocpi.Credential]{}, nil, fmt.Errorf("get connection: %w", err)
	}
	if conn == nil {
		return notFound[*ocpi.Credential](r, nil), nil, nil
	}

	next, err := models.Transition(conn.Status, models.EventCredentialsDeleted)
	if err != nil {
		return Reply[*ocpi.Credential]{}, conn, err
	}
	conn.PeerToken = nil
	conn.ClientToken = nil
	conn.Status = next
	if err := r.Store.UpdateConnection(ctx, conn); err != nil {
		return Reply[*ocpi.Credential]{}, conn, fmt.Errorf("update connection: %w", err)
	}

	if err := r.Recorder.Request(ctx, conn.ID, http.MethodDelete, ocpi.CredentialsPath, http.StatusOK, nil); err != nil {
		return Reply[*ocpi.Credential]{}, conn, err
	}

	body := ocpi.Success[*ocpi.Credential](nil, r.now())
	payload, err := marshal(body)
	if err != nil {
		return Reply[*ocpi.Credential]{}, conn, err
	}
	if err := r.Recorder.Response(ctx, conn.ID, http.MethodDelete, ocpi.CredentialsPath, http.StatusOK, &payload, nil); err != nil {
		return Reply[*ocpi.Credential]{}, conn, err
	}

	r.logger().Info("credentials deleted", logging.ConnectionID(conn.ID))
	return Reply[*ocpi.Credential]{HTTPStatus: http.StatusOK, Body: body}, conn, nil
}

func (r *Responder) decide(ctx context.Context, local simulation.Flags) (simulation.Outcome, simulation.Scope, error) {
	global, err := r.Policy.Flags(ctx)
	if err != nil {
		return simulation.Proceed, simulation.ScopeNone, err
	}
	outcome, scope := simulation.Decide(global, local)
	return outcome, scope, nil
}

func (r *Responder) observeSimulated(connectionID int64, endpoint string, outcome simulation.Outcome, scope simulation.Scope) {
	metrics.ObserveSimulatedError(endpoint, string(scope), outcome.HTTPStatus())
	r.logger().Info("forced error by simulation",
		logging.ConnectionID(connectionID),
		logging.Endpoint(endpoint),
		logging.Status(outcome.HTTPStatus()),
		logging.Scope(string(scope)))
}

func notFound[T any](r *Responder, data T) Reply[T] {
	return Reply[T]{
		HTTPStatus: http.StatusNotFound,
		Body:       ocpi.Failure(ocpi.StatusClientError, "Connection not found", data, r.now()),
	}
}

func simulated[T any](r *Responder, outcome simulation.Outcome, data T) Reply[T] {
	code, msg := ocpi.StatusUnauthorized, "Unauthorized"
	if outcome == simulation.Forbidden {
		code, msg = ocpi.StatusForbidden, "Forbidden"
	}
	return Reply[T]{
		HTTPStatus: outcome.HTTPStatus(),
		Body:       ocpi.Failure(code, msg, data, r.now()),
	}
}

// internalError converts an unexpected fault into a 500 envelope. When the
// connection is known the failure is also written to the exchange log.
func internalError[T any](ctx context.Context, r *Responder, conn *models.Connection, method, endpoint string, cause error, data T) Reply[T] {
	r.logger().Error("request failed", logging.Method(method), logging.Endpoint(endpoint), zap.Error(cause))

	reply := Reply[T]{
		HTTPStatus: http.StatusInternalServerError,
		Body:       ocpi.Failure(ocpi.StatusServerError, "Internal server error", data, r.now()),
	}
	if conn == nil {
		return reply
	}

	msg := cause.Error()
	payload, err := marshal(reply.Body)
	if err != nil {
		return reply
	}
	if err := r.Recorder.Response(ctx, conn.ID, method, endpoint, http.StatusInternalServerError, &payload, &msg); err != nil {
		r.logger().Warn("failed to record error response", logging.ConnectionID(conn.ID), zap.Error(err))
	}
	return reply
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal response: %w", err)
	}
	return string(b), nil
}
