// Package exchange records every protocol message tied to a connection.
package exchange

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/rsclarke/mspsim/internal/logging"
	"github.com/rsclarke/mspsim/internal/metrics"
	"github.com/rsclarke/mspsim/internal/models"
	"go.uber.org/zap"
)

const maxErrorMessageLen = 500

// Store appends exchange log entries.
type Store interface {
	AppendExchangeLog(ctx context.Context, l *models.ExchangeLog) (int64, error)
}

// Recorder writes the append-only exchange audit trail.
type Recorder struct {
	store  Store
	logger *zap.Logger
}

// NewRecorder creates a Recorder backed by store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}
}

// Record appends one entry. Error messages longer than the column limit are
// truncated.
func (r *Recorder) Record(ctx context.Context, l *models.ExchangeLog) error {
	return r.record(ctx, l.Endpoint, l)
}

// record appends l and counts it under the metrics label endpoint. Outbound
// entries store the peer URL, so they are counted under their OCPI module.
func (r *Recorder) record(ctx context.Context, endpoint string, l *models.ExchangeLog) error {
	if l.ErrorMessage != nil && len(*l.ErrorMessage) > maxErrorMessageLen {
		msg := truncate(*l.ErrorMessage, maxErrorMessageLen)
		l.ErrorMessage = &msg
	}
	if _, err := r.store.AppendExchangeLog(ctx, l); err != nil {
		return fmt.Errorf("append exchange log: %w", err)
	}

	metrics.ObserveExchange(string(l.Direction), l.Method, endpoint, l.HTTPStatusCode)
	r.logger.Debug("exchange recorded",
		logging.ConnectionID(l.ConnectionID),
		logging.Direction(string(l.Direction)),
		logging.Method(l.Method),
		logging.Endpoint(l.Endpoint),
		logging.Status(l.HTTPStatusCode))
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Request records an inbound request, or an outbound request we sent.
func (r *Recorder) Request(ctx context.Context, connectionID int64, method, endpoint string, status int, payload *string) error {
	return r.Record(ctx, &models.ExchangeLog{
		ConnectionID:   connectionID,
		Direction:      models.DirectionRequest,
		Method:         method,
		Endpoint:       endpoint,
		HTTPStatusCode: status,
		RequestPayload: payload,
	})
}

// Response records a response, optionally carrying an error message.
func (r *Recorder) Response(ctx context.Context, connectionID int64, method, endpoint string, status int, payload, errMsg *string) error {
	return r.Record(ctx, &models.ExchangeLog{
		ConnectionID:    connectionID,
		Direction:       models.DirectionResponse,
		Method:          method,
		Endpoint:        endpoint,
		HTTPStatusCode:  status,
		ResponsePayload: payload,
		ErrorMessage:    errMsg,
	})
}

// OutboundRequest records a request we sent to a peer's module at url.
func (r *Recorder) OutboundRequest(ctx context.Context, connectionID int64, module, method, url string, status int, payload *string) error {
	return r.record(ctx, module, &models.ExchangeLog{
		ConnectionID:   connectionID,
		Direction:      models.DirectionRequest,
		Method:         method,
		Endpoint:       url,
		HTTPStatusCode: status,
		RequestPayload: payload,
	})
}

// OutboundResponse records a peer's answer, or the fault that replaced it.
func (r *Recorder) OutboundResponse(ctx context.Context, connectionID int64, module, method, url string, status int, payload, errMsg *string) error {
	return r.record(ctx, module, &models.ExchangeLog{
		ConnectionID:    connectionID,
		Direction:       models.DirectionResponse,
		Method:          method,
		Endpoint:        url,
		HTTPStatusCode:  status,
		ResponsePayload: payload,
		ErrorMessage:    errMsg,
	})
}

// StringPtr returns nil for an empty string and a pointer otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
