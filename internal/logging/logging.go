// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller(), zap.AddCallerSkip(0))
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("service", "mspsim"))

	return logger, nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("MSPSIM_LOG_LEVEL", "info"),
		Format: getenv("MSPSIM_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Port returns a zap field for the port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Domain returns a zap field for a domain name.
func Domain(domain string) zap.Field { return zap.String("domain", domain) }

// ConnectionID returns a zap field for a connection identifier.
func ConnectionID(id int64) zap.Field { return zap.Int64("connection_id", id) }

// Direction returns a zap field for an exchange direction.
func Direction(dir string) zap.Field { return zap.String("direction", dir) }

// Endpoint returns a zap field for a logical OCPI endpoint.
func Endpoint(endpoint string) zap.Field { return zap.String("endpoint", endpoint) }

// Status returns a zap field for an HTTP status code.
func Status(code int) zap.Field { return zap.Int("status", code) }

// ConnStatus returns a zap field for a connection's protocol status.
func ConnStatus(status string) zap.Field { return zap.String("conn_status", status) }

// URL returns a zap field for a URL.
func URL(url string) zap.Field { return zap.String("url", url) }

// Scope returns a zap field for an error simulation scope.
func Scope(scope string) zap.Field { return zap.String("scope", scope) }

// RequestID returns a zap field for an outbound X-Request-ID.
func RequestID(id string) zap.Field { return zap.String("request_id", id) }

// CorrelationID returns a zap field for an outbound X-Correlation-ID.
func CorrelationID(id string) zap.Field { return zap.String("correlation_id", id) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// Path returns a zap field for a URL path.
func Path(path string) zap.Field { return zap.String("path", path) }

// RemoteAddr returns a zap field for a client address.
func RemoteAddr(addr string) zap.Field { return zap.String("remote_addr", addr) }

// TLSMode returns a zap field for TLS mode.
func TLSMode(mode string) zap.Field { return zap.String("tls_mode", mode) }
