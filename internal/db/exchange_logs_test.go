package db

import (
	"context"
	"strings"
	"testing"

	"github.com/rsclarke/mspsim/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListExchangeLogsOrdering(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	conn := createTestConnection(t, db)

	// Two entries share a timestamp; insertion order breaks the tie.
	entries := []struct {
		dir models.Direction
		at  int64
	}{
		{models.DirectionRequest, 100},
		{models.DirectionResponse, 100},
		{models.DirectionRequest, 50},
	}
	for _, e := range entries {
		_, err := CreateExchangeLog(ctx, db, &models.ExchangeLog{
			ConnectionID:   conn.ID,
			Direction:      e.dir,
			Method:         "POST",
			Endpoint:       "/ocpi/2.3/credentials",
			HTTPStatusCode: 200,
			OccurredAt:     e.at,
		})
		require.NoError(t, err)
	}

	logs, err := ListExchangeLogs(ctx, db, conn.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, models.DirectionResponse, logs[0].Direction, "newest RESPONSE first")
	assert.EqualValues(t, 100, logs[0].OccurredAt)
	assert.Equal(t, models.DirectionRequest, logs[1].Direction)
	assert.EqualValues(t, 100, logs[1].OccurredAt)
	assert.EqualValues(t, 50, logs[2].OccurredAt, "oldest last")

	limited, err := ListExchangeLogs(ctx, db, conn.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGetExchangeLog(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	conn := createTestConnection(t, db)

	payload := `{"token":"abc"}`
	id, err := CreateExchangeLog(ctx, db, &models.ExchangeLog{
		ConnectionID:   conn.ID,
		Direction:      models.DirectionRequest,
		Method:         "POST",
		Endpoint:       "/ocpi/2.3/credentials",
		HTTPStatusCode: 401,
		RequestPayload: &payload,
	})
	require.NoError(t, err)

	got, err := GetExchangeLog(ctx, db, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.RequestPayload)
	assert.Equal(t, payload, *got.RequestPayload)
	assert.Nil(t, got.ResponsePayload)
	assert.Nil(t, got.ErrorMessage)
	assert.NotZero(t, got.OccurredAt, "occurred_at should default to now")

	missing, err := GetExchangeLog(ctx, db, id+100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestExchangeLogRejectsLongErrorMessage(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	conn := createTestConnection(t, db)

	msg := strings.Repeat("x", 501)
	_, err := CreateExchangeLog(ctx, db, &models.ExchangeLog{
		ConnectionID:   conn.ID,
		Direction:      models.DirectionResponse,
		Method:         "GET",
		Endpoint:       "/ocpi/versions",
		HTTPStatusCode: 500,
		ErrorMessage:   &msg,
	})
	assert.Error(t, err, "error message over 500 characters should be rejected")
}
