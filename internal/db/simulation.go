package db

import (
	"context"
	"time"

	"github.com/rsclarke/mspsim/internal/models"
)

// GetOrCreateErrorSimulation returns the error simulation singleton,
// inserting it with both flags off if it does not exist yet.
func GetOrCreateErrorSimulation(ctx context.Context, d DBTX) (*models.ErrorSimulation, error) {
	_, err := d.ExecContext(ctx,
		"INSERT INTO error_simulation (id, force_unauthorized, force_forbidden, created_at) VALUES (1, 0, 0, ?) ON CONFLICT(id) DO NOTHING",
		time.Now().Unix(),
	)
	if err != nil {
		return nil, err
	}

	row := d.QueryRowContext(ctx,
		"SELECT force_unauthorized, force_forbidden, created_at, updated_at FROM error_simulation WHERE id = 1",
	)
	var (
		s    models.ErrorSimulation
		u, f int
	)
	if err := row.Scan(&u, &f, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.ForceUnauthorized = u != 0
	s.ForceForbidden = f != 0
	return &s, nil
}

// SaveErrorSimulation writes both global flags and stamps updated_at.
func SaveErrorSimulation(ctx context.Context, d DBTX, s *models.ErrorSimulation) error {
	now := time.Now().Unix()
	_, err := d.ExecContext(ctx, `INSERT INTO error_simulation (id, force_unauthorized, force_forbidden, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			force_unauthorized = excluded.force_unauthorized,
			force_forbidden = excluded.force_forbidden,
			updated_at = excluded.updated_at`,
		boolToInt(s.ForceUnauthorized), boolToInt(s.ForceForbidden), now, now,
	)
	if err != nil {
		return err
	}
	s.UpdatedAt = &now
	return nil
}
