package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rsclarke/mspsim/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServerConfig configures a ManagedServer.
type ServerConfig struct {
	Addr              string
	Handler           http.Handler
	TLSConfig         *tls.Config
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultServerConfig returns a config with conservative timeouts. The
// write timeout leaves room for a handshake triggered from the admin API,
// which waits on up to three outbound calls.
func DefaultServerConfig(addr string, handler http.Handler, logger *zap.Logger) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Handler:           handler,
		Logger:            logger,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}
}

// ManagedServer runs an http.Server in the background and reports startup
// failures.
type ManagedServer struct {
	server   *http.Server
	logger   *zap.Logger
	name     string
	useTLS   bool
	errCh    chan error
	startErr error
	addr     chan net.Addr
}

// NewManagedServer creates a server named for logging. TLS is enabled when
// cfg.TLSConfig is set.
func NewManagedServer(name string, cfg ServerConfig) *ManagedServer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	errLog, _ := zap.NewStdLogAt(cfg.Logger, zapcore.ErrorLevel)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cfg.Handler,
		TLSConfig:         cfg.TLSConfig,
		ErrorLog:          errLog,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return &ManagedServer{
		server: srv,
		logger: cfg.Logger,
		name:   name,
		useTLS: cfg.TLSConfig != nil,
		errCh:  make(chan error, 1),
		addr:   make(chan net.Addr, 1),
	}
}

// Start binds the listener and serves in a goroutine.
func (m *ManagedServer) Start() {
	go func() {
		err := m.serve()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.errCh <- err
		}
		close(m.errCh)
	}()
}

func (m *ManagedServer) serve() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return err
	}
	m.addr <- ln.Addr()
	m.logger.Info("listening",
		zap.String("server", m.name),
		logging.Addr(ln.Addr().String()),
		zap.Bool("tls", m.useTLS))
	if m.useTLS {
		return m.server.ServeTLS(ln, "", "")
	}
	return m.server.Serve(ln)
}

// WaitForStartup returns the bind error, if any, or nil once the listener is
// up or timeout elapses.
func (m *ManagedServer) WaitForStartup(timeout time.Duration) error {
	select {
	case err := <-m.errCh:
		if err != nil {
			m.startErr = err
			return fmt.Errorf("%s failed to start: %w", m.name, err)
		}
		return nil
	case addr := <-m.addr:
		m.addr <- addr
		return nil
	case <-time.After(timeout):
		return nil
	}
}

// Addr returns the bound address once the server has started.
func (m *ManagedServer) Addr(timeout time.Duration) (net.Addr, error) {
	select {
	case addr := <-m.addr:
		m.addr <- addr
		return addr, nil
	case err := <-m.errCh:
		if err == nil {
			err = errors.New("server stopped")
		}
		return nil, err
	case <-time.After(timeout):
		return nil, fmt.Errorf("%s did not start within %s", m.name, timeout)
	}
}

// Shutdown stops the server gracefully.
func (m *ManagedServer) Shutdown(ctx context.Context) {
	if m.startErr != nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", zap.String("server", m.name), zap.Error(err))
	}
}
