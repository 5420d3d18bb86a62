package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/rsclarke/mspsim/internal/models"
)

const exchangeLogColumns = `id, connection_id, direction, method, endpoint, http_status_code,
	request_payload, response_payload, error_message, occurred_at`

func scanExchangeLog(row rowScanner, l *models.ExchangeLog) error {
	var direction string
	err := row.Scan(&l.ID, &l.ConnectionID, &direction, &l.Method, &l.Endpoint, &l.HTTPStatusCode,
		&l.RequestPayload, &l.ResponsePayload, &l.ErrorMessage, &l.OccurredAt)
	if err != nil {
		return err
	}
	l.Direction = models.Direction(direction)
	return nil
}

// CreateExchangeLog appends an exchange log entry and returns its ID. A zero
// OccurredAt is replaced with the current time.
func CreateExchangeLog(ctx context.Context, d DBTX, l *models.ExchangeLog) (int64, error) {
	if l.OccurredAt == 0 {
		l.OccurredAt = time.Now().Unix()
	}
	result, err := d.ExecContext(ctx, `INSERT INTO exchange_logs (
		connection_id, direction, method, endpoint, http_status_code,
		request_payload, response_payload, error_message, occurred_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ConnectionID, string(l.Direction), l.Method, l.Endpoint, l.HTTPStatusCode,
		l.RequestPayload, l.ResponsePayload, l.ErrorMessage, l.OccurredAt,
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	l.ID = id
	return id, nil
}

// ListExchangeLogs returns the entries for a connection, most recent first.
// A limit of zero or less returns every entry.
func ListExchangeLogs(ctx context.Context, d DBTX, connectionID int64, limit int) ([]models.ExchangeLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.QueryContext(ctx,
		"SELECT "+exchangeLogColumns+" FROM exchange_logs WHERE connection_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?",
		connectionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ExchangeLog
	for rows.Next() {
		var l models.ExchangeLog
		if err := scanExchangeLog(rows, &l); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetExchangeLog returns a single entry, or nil if absent.
func GetExchangeLog(ctx context.Context, d DBTX, id int64) (*models.ExchangeLog, error) {
	row := d.QueryRowContext(ctx, "SELECT "+exchangeLogColumns+" FROM exchange_logs WHERE id = ?", id)
	var l models.ExchangeLog
	err := scanExchangeLog(row, &l)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CountExchangeLogs returns how many entries a connection has.
func CountExchangeLogs(ctx context.Context, d DBTX, connectionID int64) (int, error) {
	var n int
	err := d.QueryRowContext(ctx, "SELECT COUNT(*) FROM exchange_logs WHERE connection_id = ?", connectionID).Scan(&n)
	return n, err
}
