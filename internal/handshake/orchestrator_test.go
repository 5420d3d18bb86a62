package handshake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rsclarke/mspsim/internal/db"
	"github.com/rsclarke/mspsim/internal/exchange"
	"github.com/rsclarke/mspsim/internal/models"
	"github.com/rsclarke/mspsim/internal/ocpi"
	"github.com/rsclarke/mspsim/internal/ocpiclient"
	"github.com/rsclarke/mspsim/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCPO serves a versions list, a 2.3.0 details document and a credentials
// endpoint. Each handler can be overridden per test.
type fakeCPO struct {
	srv         *httptest.Server
	versions    http.HandlerFunc
	details     http.HandlerFunc
	credentials http.HandlerFunc
	calls       atomic.Int32
	posted      atomic.Pointer[ocpi.Credential]
	auth        atomic.Pointer[string]
}

func newFakeCPO(t *testing.T) *fakeCPO {
	t.Helper()
	f := &fakeCPO{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /versions", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		auth := r.Header.Get("Authorization")
		f.auth.Store(&auth)
		if f.versions != nil {
			f.versions(w, r)
			return
		}
		writeBody(w, ocpi.Success([]ocpi.VersionInfo{
			{Version: "2.2.1", URL: f.srv.URL + "/2.2.1"},
			{Version: "2.3.0", URL: f.srv.URL + "/2.3.0"},
		}, time.Now()))
	})
	mux.HandleFunc("GET /2.3.0", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if f.details != nil {
			f.details(w, r)
			return
		}
		writeBody(w, ocpi.Success(ocpi.VersionDetails{
			Version: "2.3.0",
			Endpoints: []ocpi.Endpoint{
				{Identifier: "locations", Role: "SENDER", URL: f.srv.URL + "/2.3.0/locations"},
				{Identifier: "credentials", Role: "RECEIVER", URL: f.srv.URL + "/2.3.0/credentials"},
			},
		}, time.Now()))
	})
	mux.HandleFunc("POST /2.3.0/credentials", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		var cred ocpi.Credential
		if err := json.Unmarshal(body, &cred); err == nil {
			f.posted.Store(&cred)
		}
		if f.credentials != nil {
			f.credentials(w, r)
			return
		}
		writeBody(w, ocpi.Success(&ocpi.Credential{Token: "abc123", URL: f.srv.URL + "/versions"}, time.Now()))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type harness struct {
	db    *sql.DB
	store *store.SQLiteStore
	orch  *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	s := store.NewSQLiteStore(d)
	return &harness{
		db:    d,
		store: s,
		orch: &Orchestrator{
			Store:    s,
			Client:   ocpiclient.New(2*time.Second, nil),
			Recorder: exchange.NewRecorder(s, nil),
			Identity: Identity{
				PartyID:      "MSP",
				CountryCode:  "ID",
				BusinessName: "MSP Simulator",
				PublicURL:    "https://sim.example/",
			},
			NewToken: func() (string, error) { return "generated-token", nil },
		},
	}
}

func (h *harness) createConnection(t *testing.T, baseURL string, status models.Status) *models.Connection {
	t.Helper()
	peer := "peer-token"
	c := &models.Connection{
		PartyID:     "CPO",
		CountryCode: "NL",
		BaseURL:     baseURL,
		PeerToken:   &peer,
		IsActive:    true,
		Status:      status,
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

func TestInitiateHandshakeSuccess(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusVersionsExchanged)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, "Handshake completed successfully", res.Message)
	assert.Equal(t, "Connected", res.Status)
	assert.Empty(t, res.Errors)
	assert.Contains(t, res.Steps, "Found connection: CPO/NL")
	assert.EqualValues(t, 3, cpo.calls.Load())

	got := h.get(t, conn.ID)
	assert.Equal(t, models.StatusConnected, got.Status)
	require.NotNil(t, got.PeerToken)
	assert.Equal(t, "abc123", *got.PeerToken)
	require.NotNil(t, got.ClientToken)
	assert.Equal(t, "generated-token", *got.ClientToken)

	auth := cpo.auth.Load()
	require.NotNil(t, auth)
	assert.Equal(t, "Token peer-token", *auth)

	posted := cpo.posted.Load()
	require.NotNil(t, posted)
	assert.Equal(t, "generated-token", posted.Token)
	assert.Equal(t, "https://sim.example/ocpi/"+strconv.FormatInt(conn.ID, 10)+"/", posted.URL)
	require.Len(t, posted.Roles, 1)
	assert.Equal(t, ocpi.RoleEMSP, posted.Roles[0].Role)
	assert.Equal(t, "MSP", posted.Roles[0].PartyID)
	assert.Equal(t, "ID", posted.Roles[0].CountryCode)
	assert.Equal(t, "MSP Simulator", posted.Roles[0].BusinessDetails.Name)
	assert.Nil(t, posted.Roles[0].BusinessDetails.Logo)

	logs, err := db.ListExchangeLogs(context.Background(), h.db, conn.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 6)
}

func TestInitiateHandshakeVersionsUnavailable(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	cpo.versions = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusNone)
	before := h.get(t, conn.ID)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to retrieve CPO versions: HTTP 503", res.Message)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "503")
	assert.Contains(t, strings.Join(res.Errors, "\n"), "maintenance")
	assert.EqualValues(t, 1, cpo.calls.Load())

	after := h.get(t, conn.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.PeerToken, after.PeerToken)
	assert.Nil(t, after.ClientToken)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestInitiateHandshakeTargetVersionMissing(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	cpo.versions = func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, ocpi.Success([]ocpi.VersionInfo{{Version: "2.2.1", URL: cpo.srv.URL + "/2.2.1"}}, time.Now()))
	}
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusNone)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.Equal(t, "Credentials endpoint not found in CPO versions", res.Message)
	assert.Equal(t, []string{"OCPI 2.3.0 endpoint not available"}, res.Errors)
	assert.EqualValues(t, 1, cpo.calls.Load())
	assert.Equal(t, models.StatusNone, h.get(t, conn.ID).Status)
}

func TestInitiateHandshakeCredentialsModuleMissing(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	cpo.details = func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, ocpi.Success(ocpi.VersionDetails{Version: "2.3.0", Endpoints: []ocpi.Endpoint{
			{Identifier: "locations", Role: "SENDER", URL: cpo.srv.URL + "/2.3.0/locations"},
		}}, time.Now()))
	}
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusNone)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.Equal(t, "Credentials endpoint not found in CPO versions", res.Message)
	assert.EqualValues(t, 2, cpo.calls.Load())
	assert.Nil(t, cpo.posted.Load())
}

func TestInitiateHandshakeRejected(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	cpo.credentials = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		writeBody(w, ocpi.Failure[*ocpi.Credential](ocpi.StatusUnauthorized, "Unauthorized", nil, time.Now()))
	}
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusConnected)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.Equal(t, "Credentials exchange failed: HTTP 401", res.Message)
	assert.Equal(t, "HandshakeFailed", res.Status)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "Credentials endpoint returned 401", res.Errors[0])

	got := h.get(t, conn.ID)
	assert.Equal(t, models.StatusHandshakeFailed, got.Status)
	require.NotNil(t, got.PeerToken)
	assert.Equal(t, "peer-token", *got.PeerToken)
	assert.Nil(t, got.ClientToken)

	// A retry that succeeds moves the connection back to Connected.
	cpo.credentials = nil
	res = h.orch.InitiateHandshake(context.Background(), conn.ID)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, models.StatusConnected, h.get(t, conn.ID).Status)
}

func TestInitiateHandshakeWithoutPeerTokenInResponse(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	cpo.credentials = func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, ocpi.Success[*ocpi.Credential](nil, time.Now()))
	}
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusNone)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	require.True(t, res.Success, "errors: %v", res.Errors)

	got := h.get(t, conn.ID)
	require.NotNil(t, got.PeerToken)
	assert.Equal(t, "peer-token", *got.PeerToken)
}

func TestInitiateHandshakeTransportError(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	url := cpo.srv.URL + "/versions"
	cpo.srv.Close()
	conn := h.createConnection(t, url, models.StatusNone)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Message, "Handshake failed with exception: "), res.Message)
	assert.Equal(t, models.StatusNone, h.get(t, conn.ID).Status)

	logs, err := db.ListExchangeLogs(context.Background(), h.db, conn.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.DirectionResponse, logs[0].Direction)
	assert.Equal(t, 0, logs[0].HTTPStatusCode)
	assert.NotNil(t, logs[0].ErrorMessage)
}

func TestInitiateHandshakeUndecodableVersions(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	cpo.versions = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway says hi</html>"))
	}
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusNone)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to parse CPO versions", res.Message)
	assert.Contains(t, res.Errors, "Response: <html>gateway says hi</html>")
	assert.EqualValues(t, 1, cpo.calls.Load())
	assert.Equal(t, models.StatusNone, h.get(t, conn.ID).Status)

	logs, err := db.ListExchangeLogs(context.Background(), h.db, conn.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.DirectionResponse, logs[0].Direction)
	assert.Equal(t, http.StatusOK, logs[0].HTTPStatusCode)
	require.NotNil(t, logs[0].ResponsePayload)
	assert.Equal(t, "<html>gateway says hi</html>", *logs[0].ResponsePayload)
	assert.Equal(t, http.StatusOK, logs[1].HTTPStatusCode)
}

func TestInitiateHandshakeUndecodableEndpoints(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	cpo.details = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("oops"))
	}
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusNone)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to parse CPO endpoints", res.Message)
	assert.Contains(t, res.Errors, "Response: oops")
	assert.EqualValues(t, 2, cpo.calls.Load())
	assert.Nil(t, cpo.posted.Load())
}

func TestInitiateHandshakeUndecodableCredentials(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	cpo.credentials = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>accepted?</html>"))
	}
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusVersionsExchanged)

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to parse CPO credentials response", res.Message)
	assert.Equal(t, "HandshakeFailed", res.Status)
	assert.Contains(t, res.Errors, "Response: <html>accepted?</html>")

	got := h.get(t, conn.ID)
	assert.Equal(t, models.StatusHandshakeFailed, got.Status)
	require.NotNil(t, got.PeerToken)
	assert.Equal(t, "peer-token", *got.PeerToken)
	assert.Nil(t, got.ClientToken)

	logs, err := db.ListExchangeLogs(context.Background(), h.db, conn.ID, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, http.StatusOK, logs[0].HTTPStatusCode)
	require.NotNil(t, logs[0].ResponsePayload)
	assert.Equal(t, "<html>accepted?</html>", *logs[0].ResponsePayload)
}

func TestInitiateHandshakeConnectionNotFound(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)

	res := h.orch.InitiateHandshake(context.Background(), 42)
	assert.False(t, res.Success)
	assert.Equal(t, "Connection not found", res.Message)
	assert.Equal(t, []string{"Connection ID 42 does not exist"}, res.Errors)
	assert.Zero(t, cpo.calls.Load())
}

type panickingClient struct{ Client }

func (panickingClient) GetVersions(context.Context, string, string) (*ocpiclient.Response[[]ocpi.VersionInfo], error) {
	panic("boom")
}

func TestInitiateHandshakeRecoversPanic(t *testing.T) {
	h := newHarness(t)
	conn := h.createConnection(t, "http://unused.example/versions", models.StatusNone)
	h.orch.Client = panickingClient{}

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.Equal(t, "Handshake failed with exception: boom", res.Message)
}

func TestInitiateHandshakeTokenError(t *testing.T) {
	h := newHarness(t)
	cpo := newFakeCPO(t)
	conn := h.createConnection(t, cpo.srv.URL+"/versions", models.StatusNone)
	h.orch.NewToken = func() (string, error) { return "", errors.New("entropy exhausted") }

	res := h.orch.InitiateHandshake(context.Background(), conn.ID)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "entropy exhausted")
	assert.Nil(t, cpo.posted.Load())
}

func TestRevokeCredentials(t *testing.T) {
	h := newHarness(t)
	conn := h.createConnection(t, "http://cpo.example/versions", models.StatusConnected)
	client := "ours"
	conn.ClientToken = &client
	require.NoError(t, h.store.UpdateConnection(context.Background(), conn))

	res := h.orch.RevokeCredentials(context.Background(), conn.ID)
	require.True(t, res.Success)
	assert.Equal(t, "Credentials revoked successfully", res.Message)
	assert.Equal(t, "Revoked", res.Status)

	got := h.get(t, conn.ID)
	assert.Equal(t, models.StatusRevoked, got.Status)
	assert.Nil(t, got.PeerToken)
	assert.Nil(t, got.ClientToken)

	logs, err := db.ListExchangeLogs(context.Background(), h.db, conn.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRevokeCredentialsNotFound(t *testing.T) {
	h := newHarness(t)
	res := h.orch.RevokeCredentials(context.Background(), 7)
	assert.False(t, res.Success)
	assert.Equal(t, "Connection not found", res.Message)
}

func TestIdentityCallbackURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://dev.msp-simulator.com", "https://dev.msp-simulator.com/ocpi/3/"},
		{"https://dev.msp-simulator.com/", "https://dev.msp-simulator.com/ocpi/3/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Identity{PublicURL: tt.base}.CallbackURL(3))
	}
}
