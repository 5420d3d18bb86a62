package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rsclarke/mspsim/internal/models"
)

const connectionColumns = `id, party_id, country_code, base_url, peer_token, client_token, is_active,
	handshake_mode, status, simulate_versions_unauthorized, simulate_versions_forbidden,
	simulate_credentials_unauthorized, simulate_credentials_forbidden,
	raw_versions_payload, raw_credentials_payload, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner, c *models.Connection, extra ...any) error {
	var (
		isActive, vu, vf, cu, cf int
		status                   string
	)
	dest := []any{
		&c.ID, &c.PartyID, &c.CountryCode, &c.BaseURL, &c.PeerToken, &c.ClientToken, &isActive,
		&c.HandshakeMode, &status, &vu, &vf, &cu, &cf,
		&c.RawVersions, &c.RawCredentials, &c.CreatedAt, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	st, err := models.ParseStatus(status)
	if err != nil {
		return err
	}
	c.Status = st
	c.IsActive = isActive != 0
	c.Simulation = models.SimulationFlags{
		VersionsUnauthorized:    vu != 0,
		VersionsForbidden:       vf != 0,
		CredentialsUnauthorized: cu != 0,
		CredentialsForbidden:    cf != 0,
	}
	return nil
}

// CreateConnection inserts a connection and returns its ID. An empty status
// is stored as None.
func CreateConnection(ctx context.Context, d DBTX, c *models.Connection) (int64, error) {
	if c.Status == "" {
		c.Status = models.StatusNone
	}
	if err := c.Validate(); err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	result, err := d.ExecContext(ctx, `INSERT INTO connections (
		party_id, country_code, base_url, peer_token, client_token, is_active, handshake_mode, status,
		simulate_versions_unauthorized, simulate_versions_forbidden,
		simulate_credentials_unauthorized, simulate_credentials_forbidden,
		raw_versions_payload, raw_credentials_payload, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.PartyID, c.CountryCode, c.BaseURL, c.PeerToken, c.ClientToken, boolToInt(c.IsActive),
		int(c.HandshakeMode), string(c.Status),
		boolToInt(c.Simulation.VersionsUnauthorized), boolToInt(c.Simulation.VersionsForbidden),
		boolToInt(c.Simulation.CredentialsUnauthorized), boolToInt(c.Simulation.CredentialsForbidden),
		c.RawVersions, c.RawCredentials, now, now,
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return id, nil
}

// GetConnection returns the connection with the given ID, or nil if absent.
func GetConnection(ctx context.Context, d DBTX, id int64) (*models.Connection, error) {
	row := d.QueryRowContext(ctx, "SELECT "+connectionColumns+" FROM connections WHERE id = ?", id)
	var c models.Connection
	err := scanConnection(row, &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConnection writes every mutable field of c in a single statement and
// sets its updated_at to now.
func UpdateConnection(ctx context.Context, d DBTX, c *models.Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().Unix()
	result, err := d.ExecContext(ctx, `UPDATE connections SET
		party_id = ?, country_code = ?, base_url = ?, peer_token = ?, client_token = ?,
		is_active = ?, handshake_mode = ?, status = ?,
		simulate_versions_unauthorized = ?, simulate_versions_forbidden = ?,
		simulate_credentials_unauthorized = ?, simulate_credentials_forbidden = ?,
		raw_versions_payload = ?, raw_credentials_payload = ?, updated_at = ?
		WHERE id = ?`,
		c.PartyID, c.CountryCode, c.BaseURL, c.PeerToken, c.ClientToken,
		boolToInt(c.IsActive), int(c.HandshakeMode), string(c.Status),
		boolToInt(c.Simulation.VersionsUnauthorized), boolToInt(c.Simulation.VersionsForbidden),
		boolToInt(c.Simulation.CredentialsUnauthorized), boolToInt(c.Simulation.CredentialsForbidden),
		c.RawVersions, c.RawCredentials, now, c.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("connection %d not found", c.ID)
	}
	c.UpdatedAt = now
	return nil
}

// SetSimulationFlags replaces the four per-connection simulation flags.
// It reports false if the connection does not exist.
func SetSimulationFlags(ctx context.Context, d DBTX, id int64, f models.SimulationFlags) (bool, error) {
	result, err := d.ExecContext(ctx, `UPDATE connections SET
		simulate_versions_unauthorized = ?, simulate_versions_forbidden = ?,
		simulate_credentials_unauthorized = ?, simulate_credentials_forbidden = ?,
		updated_at = ?
		WHERE id = ?`,
		boolToInt(f.VersionsUnauthorized), boolToInt(f.VersionsForbidden),
		boolToInt(f.CredentialsUnauthorized), boolToInt(f.CredentialsForbidden),
		time.Now().Unix(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteConnection removes a connection. Its exchange log entries go with it.
func DeleteConnection(ctx context.Context, d DBTX, id int64) (bool, error) {
	result, err := d.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountConnections returns the number of stored connections.
func CountConnections(ctx context.Context, d DBTX) (int, error) {
	var n int
	err := d.QueryRowContext(ctx, "SELECT COUNT(*) FROM connections").Scan(&n)
	return n, err
}

// ListConnectionSummaries returns all connections with their exchange log
// counts, ordered by ID.
func ListConnectionSummaries(ctx context.Context, d DBTX) ([]models.ConnectionSummary, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT `+connectionColumns+`,
			(SELECT COUNT(*) FROM exchange_logs l WHERE l.connection_id = connections.id),
			(SELECT MAX(l.occurred_at) FROM exchange_logs l WHERE l.connection_id = connections.id)
		FROM connections
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConnectionSummary
	for rows.Next() {
		var s models.ConnectionSummary
		if err := scanConnection(rows, &s.Connection, &s.LogCount, &s.LastExchangeAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
