// Package store adapts the db package to the narrow interfaces consumed by
// the responder, the handshake orchestrator and the simulation policy.
package store

import (
	"context"
	"database/sql"

	"github.com/rsclarke/mspsim/internal/db"
	"github.com/rsclarke/mspsim/internal/models"
)

// SQLiteStore implements the connection, simulation and exchange log stores
// on top of a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given database connection.
func NewSQLiteStore(database *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: database}
}

// GetConnection returns the connection or nil if it does not exist.
func (s *SQLiteStore) GetConnection(ctx context.Context, id int64) (*models.Connection, error) {
	return db.GetConnection(ctx, s.db, id)
}

// UpdateConnection persists every mutable field of c.
func (s *SQLiteStore) UpdateConnection(ctx context.Context, c *models.Connection) error {
	return db.UpdateConnection(ctx, s.db, c)
}

// LoadErrorSimulation returns the global singleton, creating it if absent.
// Insert-if-absent and read run in one transaction.
func (s *SQLiteStore) LoadErrorSimulation(ctx context.Context) (*models.ErrorSimulation, error) {
	var out *models.ErrorSimulation
	err := db.WithTx(ctx, s.db, func(ctx context.Context, tx db.DBTX) error {
		sim, err := db.GetOrCreateErrorSimulation(ctx, tx)
		if err != nil {
			return err
		}
		out = sim
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveErrorSimulation persists the global singleton.
func (s *SQLiteStore) SaveErrorSimulation(ctx context.Context, sim *models.ErrorSimulation) error {
	return db.SaveErrorSimulation(ctx, s.db, sim)
}

// AppendExchangeLog appends an entry to the exchange log.
func (s *SQLiteStore) AppendExchangeLog(ctx context.Context, l *models.ExchangeLog) (int64, error) {
	return db.CreateExchangeLog(ctx, s.db, l)
}
