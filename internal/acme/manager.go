// Package acme obtains and renews the OCPI listener's TLS certificate via
// ACME HTTP-01, storing certificates in the simulator's SQLite database.
package acme

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/caddyserver/certmagic"
	certmagicsqlite "github.com/rsclarke/certmagic-sqlite"
	"github.com/rsclarke/mspsim/internal/logging"
	"go.uber.org/zap"
)

// Manager handles automatic certificate acquisition and renewal via ACME.
type Manager struct {
	Domain  string
	Email   string
	Staging bool
	// HTTPPort is where the plain listener serves challenges when it is not
	// on port 80 behind a forwarder.
	HTTPPort int
	DB       *sql.DB
	Logger   *zap.Logger

	config  *certmagic.Config
	issuer  *certmagic.ACMEIssuer
	storage *certmagicsqlite.SQLiteStorage
}

// NewManager creates a new ACME manager. The issuer is prepared immediately
// so the HTTP listener can serve challenges before Manage runs.
func NewManager(domain, email string, db *sql.DB, staging bool, httpPort int, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Set global certmagic loggers early, before any HTTP challenges arrive
	certmagic.Default.Logger = logger
	certmagic.DefaultACME.Logger = logger

	m := &Manager{
		Domain:   domain,
		Email:    email,
		Staging:  staging,
		HTTPPort: httpPort,
		DB:       db,
		Logger:   logger,
	}

	hostname, _ := os.Hostname()
	storage, err := certmagicsqlite.NewWithDB(db, certmagicsqlite.WithOwnerID(hostname))
	if err != nil {
		return nil, fmt.Errorf("create certmagic storage: %w", err)
	}
	m.storage = storage

	cfg := certmagic.NewDefault()
	cfg.Storage = m.storage
	cfg.Logger = logger

	caURL := certmagic.LetsEncryptProductionCA
	if staging {
		caURL = certmagic.LetsEncryptStagingCA
	}

	issuer := certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		CA:                      caURL,
		Email:                   email,
		Agreed:                  true,
		DisableTLSALPNChallenge: true, // HTTP-01 only
		AltHTTPPort:             httpPort,
		Logger:                  logger,
	})
	cfg.Issuers = []certmagic.Issuer{issuer}

	m.config = cfg
	m.issuer = issuer
	return m, nil
}

// HTTPChallengeHandler wraps next so ACME HTTP-01 challenge requests are
// answered before reaching it.
func (m *Manager) HTTPChallengeHandler(next http.Handler) http.Handler {
	if m == nil || m.issuer == nil {
		return next
	}
	return m.issuer.HTTPChallengeHandler(next)
}

// Manage obtains the certificate for the domain and keeps it renewed. The
// HTTP listener must already be serving HTTPChallengeHandler.
func (m *Manager) Manage(ctx context.Context) error {
	m.Logger.Info("obtaining certificate via HTTP-01", logging.Domain(m.Domain))
	if err := m.config.ManageSync(ctx, []string{m.Domain}); err != nil {
		return fmt.Errorf("manage certificate for %s: %w", m.Domain, err)
	}
	m.Logger.Info("certificate ready", logging.Domain(m.Domain))
	return nil
}

// TLSConfig returns a TLS configuration that uses the managed certificate.
func (m *Manager) TLSConfig() *tls.Config {
	if m.config == nil {
		return nil
	}
	tlsCfg := m.config.TLSConfig()
	tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	return tlsCfg
}
