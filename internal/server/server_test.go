package server

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rsclarke/mspsim/internal/db"
	"github.com/rsclarke/mspsim/internal/exchange"
	"github.com/rsclarke/mspsim/internal/handshake"
	"github.com/rsclarke/mspsim/internal/models"
	"github.com/rsclarke/mspsim/internal/ocpiclient"
	"github.com/rsclarke/mspsim/internal/responder"
	"github.com/rsclarke/mspsim/internal/simulation"
	"github.com/rsclarke/mspsim/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	db     *sql.DB
	policy *simulation.Policy
	ocpi   *OCPIServer
	api    *APIServer
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "mspsim_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	logger := zap.NewNop()
	st := store.NewSQLiteStore(database)
	policy := simulation.NewPolicy(st, logger)
	recorder := exchange.NewRecorder(st, logger)

	return &testEnv{
		db:     database,
		policy: policy,
		ocpi: &OCPIServer{
			Responder: &responder.Responder{
				Store:    st,
				Policy:   policy,
				Recorder: recorder,
				Logger:   logger,
				Now:      func() time.Time { return testNow },
			},
			Logger: logger,
			Now:    func() time.Time { return testNow },
		},
		api: &APIServer{
			DB:     database,
			Policy: policy,
			Orchestrator: &handshake.Orchestrator{
				Store:    st,
				Client:   ocpiclient.New(2*time.Second, logger),
				Recorder: recorder,
				Identity: handshake.Identity{
					PartyID:      "MSP",
					CountryCode:  "ID",
					BusinessName: "MSP Simulator",
					PublicURL:    "https://sim.example",
				},
				Logger: logger,
			},
			Logger: logger,
		},
	}
}

func (e *testEnv) createConnection(t *testing.T, baseURL string) *models.Connection {
	t.Helper()
	peer := "peer-token-123456"
	c := &models.Connection{
		PartyID:     "CPO",
		CountryCode: "NL",
		BaseURL:     baseURL,
		PeerToken:   &peer,
		IsActive:    true,
	}
	_, err := db.CreateConnection(context.Background(), e.db, c)
	require.NoError(t, err)
	return c
}

func (e *testEnv) getConnection(t *testing.T, id int64) *models.Connection {
	t.Helper()
	c, err := db.GetConnection(context.Background(), e.db, id)
	require.NoError(t, err)
	require.NotNil(t, c, "connection %d not found", id)
	return c
}

func (e *testEnv) logCount(t *testing.T, id int64) int {
	t.Helper()
	n, err := db.CountExchangeLogs(context.Background(), e.db, id)
	require.NoError(t, err)
	return n
}
