package responder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rsclarke/mspsim/internal/db"
	"github.com/rsclarke/mspsim/internal/exchange"
	"github.com/rsclarke/mspsim/internal/models"
	"github.com/rsclarke/mspsim/internal/ocpi"
	"github.com/rsclarke/mspsim/internal/simulation"
	"github.com/rsclarke/mspsim/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "http://cpo.example/ocpi/versions"

type harness struct {
	db        *sql.DB
	store     *store.SQLiteStore
	policy    *simulation.Policy
	responder *Responder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	s := store.NewSQLiteStore(d)
	p := simulation.NewPolicy(s, nil)
	return &harness{
		db:     d,
		store:  s,
		policy: p,
		responder: &Responder{
			Store:    s,
			Policy:   p,
			Recorder: exchange.NewRecorder(s, nil),
			Now:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		},
	}
}

func (h *harness) createConnection(t *testing.T, flags models.SimulationFlags) *models.Connection {
	t.Helper()
	client := "our-token"
	c := &models.Connection{
		PartyID:     "CPO",
		CountryCode: "NL",
		BaseURL:     baseURL,
		ClientToken: &client,
		IsActive:    true,
		Simulation:  flags,
	}
	_, err := db.CreateConnection(context.Background(), h.db, c)
	require.NoError(t, err)
	return c
}

func (h *harness) get(t *testing.T, id int64) *models.Connection {
	t.Helper()
	c, err := h.store.GetConnection(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func (h *harness) logs(t *testing.T, id int64) []models.ExchangeLog {
	t.Helper()
	logs, err := db.ListExchangeLogs(context.Background(), h.db, id, 0)
	require.NoError(t, err)
	return logs
}

func (h *harness) totalLogs(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow("SELECT COUNT(*) FROM exchange_logs").Scan(&n))
	return n
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	v := h.responder.GetVersions(ctx, 404)
	assert.Equal(t, 404, v.HTTPStatus)
	assert.Equal(t, ocpi.StatusClientError, v.Body.StatusCode)
	require.NotNil(t, v.Body.StatusMessage)
	assert.Equal(t, "Connection not found", *v.Body.StatusMessage)
	assert.NotNil(t, v.Body.Data)
	assert.Empty(t, v.Body.Data)

	p := h.responder.PostCredentials(ctx, 404, ocpi.Credential{Token: "t", URL: "u"}, `{"token":"t"}`)
	assert.Equal(t, 404, p.HTTPStatus)
	assert.Equal(t, ocpi.StatusClientError, p.Body.StatusCode)
	assert.Nil(t, p.Body.Data)

	d := h.responder.DeleteCredentials(ctx, 404)
	assert.Equal(t, 404, d.HTTPStatus)
	assert.Equal(t, ocpi.StatusClientError, d.Body.StatusCode)

	assert.Equal(t, 0, h.totalLogs(t))
}

func TestNotFoundIgnoresGlobalFlags(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.policy.SetUnauthorized(ctx, true)
	require.NoError(t, err)

	v := h.responder.GetVersions(ctx, 7)
	assert.Equal(t, 404, v.HTTPStatus)
}

func TestGetVersionsSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.createConnection(t, models.SimulationFlags{})

	reply := h.responder.GetVersions(ctx, conn.ID)
	require.Equal(t, 200, reply.HTTPStatus)
	assert.Equal(t, ocpi.StatusSuccess, reply.Body.StatusCode)
	assert.Nil(t, reply.Body.StatusMessage)

	got := h.get(t, conn.ID)
	assert.Equal(t, models.StatusVersionsExchanged, got.Status)
	require.NotNil(t, got.RawVersions)

	// The persisted payload round-trips to the single served version.
	var parsed ocpi.Response[[]ocpi.VersionInfo]
	require.NoError(t, json.Unmarshal([]byte(*got.RawVersions), &parsed))
	require.Len(t, parsed.Data, 1)
	assert.Equal(t, "2.3", parsed.Data[0].Version)
	assert.Equal(t, baseURL+"/ocpi/2.3", parsed.Data[0].URL)

	logs := h.logs(t, conn.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DirectionResponse, logs[0].Direction)
	assert.Equal(t, 200, logs[0].HTTPStatusCode)
	assert.Equal(t, ocpi.VersionsPath, logs[0].Endpoint)
	assert.Equal(t, *got.RawVersions, *logs[0].ResponsePayload)
}

func TestSimulationPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		global     simulation.Flags
		local      models.SimulationFlags
		wantStatus int
		wantCode   int
	}{
		{"global unauthorized beats everything", simulation.Flags{Unauthorized: true, Forbidden: true},
			models.SimulationFlags{VersionsForbidden: true, CredentialsForbidden: true}, 401, ocpi.StatusUnauthorized},
		{"global forbidden beats local unauthorized", simulation.Flags{Forbidden: true},
			models.SimulationFlags{VersionsUnauthorized: true, CredentialsUnauthorized: true}, 403, ocpi.StatusForbidden},
		{"local unauthorized beats local forbidden", simulation.Flags{},
			models.SimulationFlags{VersionsUnauthorized: true, VersionsForbidden: true, CredentialsUnauthorized: true, CredentialsForbidden: true}, 401, ocpi.StatusUnauthorized},
		{"local forbidden", simulation.Flags{},
			models.SimulationFlags{VersionsForbidden: true, CredentialsForbidden: true}, 403, ocpi.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			_, err := h.policy.SetBoth(ctx, tt.global.Unauthorized, tt.global.Forbidden)
			require.NoError(t, err)
			conn := h.createConnection(t, tt.local)

			v := h.responder.GetVersions(ctx, conn.ID)
			assert.Equal(t, tt.wantStatus, v.HTTPStatus)
			assert.Equal(t, tt.wantCode, v.Body.StatusCode)
			assert.Empty(t, v.Body.Data)

			p := h.responder.PostCredentials(ctx, conn.ID, ocpi.Credential{Token: "peer", URL: "u"}, `{"token":"peer","url":"u"}`)
			assert.Equal(t, tt.wantStatus, p.HTTPStatus)
			assert.Equal(t, tt.wantCode, p.Body.StatusCode)
			assert.Nil(t, p.Body.Data)

			got := h.get(t, conn.ID)
			assert.Equal(t, models.StatusNone, got.Status)
			assert.Nil(t, got.PeerToken)
			assert.Nil(t, got.RawVersions)
		})
	}
}

func TestVersionsSimulatedLogsResponseOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.createConnection(t, models.SimulationFlags{VersionsForbidden: true})

	reply := h.responder.GetVersions(ctx, conn.ID)
	require.Equal(t, 403, reply.HTTPStatus)

	logs := h.logs(t, conn.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DirectionResponse, logs[0].Direction)
	assert.Equal(t, 403, logs[0].HTTPStatusCode)
	require.NotNil(t, logs[0].ResponsePayload)
	assert.Contains(t, *logs[0].ResponsePayload, `"status_code":2003`)
}

func TestPostCredentialsGlobalUnauthorized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.createConnection(t, models.SimulationFlags{})
	_, err := h.policy.SetUnauthorized(ctx, true)
	require.NoError(t, err)

	raw := `{"token":"peer","url":"http://cpo.example"}`
	reply := h.responder.PostCredentials(ctx, conn.ID, ocpi.Credential{Token: "peer", URL: "http://cpo.example"}, raw)
	assert.Equal(t, 401, reply.HTTPStatus)
	assert.Equal(t, ocpi.StatusUnauthorized, reply.Body.StatusCode)

	got := h.get(t, conn.ID)
	assert.Equal(t, models.StatusNone, got.Status)
	assert.Nil(t, got.PeerToken)

	logs := h.logs(t, conn.ID)
	require.Len(t, logs, 2)
	// Most recent first.
	assert.Equal(t, models.DirectionResponse, logs[0].Direction)
	assert.Equal(t, 401, logs[0].HTTPStatusCode)
	assert.Contains(t, *logs[0].ResponsePayload, `"status_code":2001`)
	assert.Equal(t, models.DirectionRequest, logs[1].Direction)
	assert.Equal(t, 401, logs[1].HTTPStatusCode)
	assert.Equal(t, raw, *logs[1].RequestPayload)
}

func TestPostCredentialsSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.createConnection(t, models.SimulationFlags{VersionsUnauthorized: true})

	raw := `{"token":"peer-123","url":"http://cpo.example/ocpi/versions"}`
	reply := h.responder.PostCredentials(ctx, conn.ID, ocpi.Credential{Token: "peer-123", URL: "http://cpo.example/ocpi/versions"}, raw)
	require.Equal(t, 200, reply.HTTPStatus)
	assert.Equal(t, ocpi.StatusSuccess, reply.Body.StatusCode)
	assert.Nil(t, reply.Body.StatusMessage)
	require.NotNil(t, reply.Body.Data)
	assert.Equal(t, "our-token", reply.Body.Data.Token)
	assert.Equal(t, baseURL, reply.Body.Data.URL)

	got := h.get(t, conn.ID)
	assert.Equal(t, models.StatusConnected, got.Status)
	require.NotNil(t, got.PeerToken)
	assert.Equal(t, "peer-123", *got.PeerToken)
	require.NotNil(t, got.RawCredentials)
	assert.Equal(t, raw, *got.RawCredentials)

	logs := h.logs(t, conn.ID)
	require.Len(t, logs, 2)
	assert.Equal(t, models.DirectionResponse, logs[0].Direction)
	assert.Equal(t, 200, logs[0].HTTPStatusCode)
	assert.Equal(t, models.DirectionRequest, logs[1].Direction)
	assert.Equal(t, 200, logs[1].HTTPStatusCode)
	assert.Equal(t, raw, *logs[1].RequestPayload)
}

func TestPostCredentialsEchoesEmptyTokenWhenUnset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := &models.Connection{PartyID: "CPO", CountryCode: "NL", BaseURL: baseURL}
	_, err := db.CreateConnection(ctx, h.db, c)
	require.NoError(t, err)

	reply := h.responder.PostCredentials(ctx, c.ID, ocpi.Credential{Token: "peer"}, `{"token":"peer"}`)
	require.Equal(t, 200, reply.HTTPStatus)
	assert.Equal(t, "", reply.Body.Data.Token)
}

func TestDeleteCredentialsIgnoresFlagsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.createConnection(t, models.SimulationFlags{CredentialsUnauthorized: true, CredentialsForbidden: true})
	_, err := h.policy.SetBoth(ctx, true, true)
	require.NoError(t, err)

	peer := "peer"
	conn.PeerToken = &peer
	conn.Status = models.StatusConnected
	require.NoError(t, h.store.UpdateConnection(ctx, conn))

	for i := 0; i < 2; i++ {
		reply := h.responder.DeleteCredentials(ctx, conn.ID)
		require.Equal(t, 200, reply.HTTPStatus)
		assert.Equal(t, ocpi.StatusSuccess, reply.Body.StatusCode)
		assert.Nil(t, reply.Body.Data)

		got := h.get(t, conn.ID)
		assert.Equal(t, models.StatusRevoked, got.Status)
		assert.Nil(t, got.PeerToken)
		assert.Nil(t, got.ClientToken)
	}

	logs := h.logs(t, conn.ID)
	require.Len(t, logs, 4)
	assert.Equal(t, models.DirectionResponse, logs[0].Direction)
	assert.Contains(t, *logs[0].ResponsePayload, `"data":null`)
	assert.Equal(t, models.DirectionRequest, logs[1].Direction)
	assert.Equal(t, "DELETE", logs[1].Method)
	assert.Nil(t, logs[1].RequestPayload)
}

type brokenStore struct {
	conn      *models.Connection
	getErr    error
	updateErr error
}

func (b *brokenStore) GetConnection(context.Context, int64) (*models.Connection, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	c := *b.conn
	return &c, nil
}

func (b *brokenStore) UpdateConnection(context.Context, *models.Connection) error {
	return b.updateErr
}

func TestStoreFailureBecomes500(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conn := h.createConnection(t, models.SimulationFlags{})

	h.responder.Store = &brokenStore{getErr: errors.New("database is locked")}
	reply := h.responder.GetVersions(ctx, conn.ID)
	assert.Equal(t, 500, reply.HTTPStatus)
	assert.Equal(t, ocpi.StatusServerError, reply.Body.StatusCode)
	assert.Equal(t, 0, h.totalLogs(t))

	// Once the connection is known the failure lands in the exchange log.
	h.responder.Store = &brokenStore{conn: conn, updateErr: errors.New("disk full")}
	post := h.responder.PostCredentials(ctx, conn.ID, ocpi.Credential{Token: "peer"}, `{"token":"peer"}`)
	assert.Equal(t, 500, post.HTTPStatus)
	assert.Equal(t, ocpi.StatusServerError, post.Body.StatusCode)

	logs := h.logs(t, conn.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, 500, logs[0].HTTPStatusCode)
	require.NotNil(t, logs[0].ErrorMessage)
	assert.Contains(t, *logs[0].ErrorMessage, "disk full")
}
