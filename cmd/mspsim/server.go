package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rsclarke/mspsim/internal/acme"
	"github.com/rsclarke/mspsim/internal/config"
	"github.com/rsclarke/mspsim/internal/db"
	"github.com/rsclarke/mspsim/internal/exchange"
	"github.com/rsclarke/mspsim/internal/handshake"
	"github.com/rsclarke/mspsim/internal/logging"
	"github.com/rsclarke/mspsim/internal/models"
	"github.com/rsclarke/mspsim/internal/ocpiclient"
	"github.com/rsclarke/mspsim/internal/responder"
	"github.com/rsclarke/mspsim/internal/server"
	"github.com/rsclarke/mspsim/internal/simulation"
	"github.com/rsclarke/mspsim/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serverFlags struct {
	configPath  string
	httpPort    int
	httpsPort   int
	apiPort     int
	dbPath      string
	publicURL   string
	tlsCert     string
	tlsKey      string
	acme        bool
	domain      string
	acmeEmail   string
	acmeStaging bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the OCPI listener and the admin API",
	Long: `Start the OCPI listener (HTTP, and HTTPS when configured) and the admin API.

Settings come from the YAML file given by --config (default mspsim.yml, optional),
then MSPSIM_* environment variables, then flags.

TLS Modes:
  --tls-cert + --tls-key  → Manual TLS mode (use provided certificates)
  --acme + --domain       → ACME mode (Let's Encrypt HTTP-01 on the HTTP port)
  (neither)               → HTTP only

Notes:
  HTTP-01 validation reaches port 80; forward it to --http-port when that
  differs. Certificates are stored in the simulator database.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Long += "\n\n" + config.Usage()

	f := serverCmd.Flags()
	f.StringVar(&serverFlags.configPath, "config", config.DefaultPath, "path to YAML config file")
	f.IntVar(&serverFlags.httpPort, "http-port", 8080, "OCPI HTTP port")
	f.IntVar(&serverFlags.httpsPort, "https-port", 8443, "OCPI HTTPS port")
	f.IntVar(&serverFlags.apiPort, "api-port", 8081, "admin API port")
	f.StringVar(&serverFlags.dbPath, "db", "mspsim.db", "database path")
	f.StringVar(&serverFlags.publicURL, "public-url", "", "externally reachable base URL sent to peers")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "path to TLS certificate file (enables manual TLS mode)")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "path to TLS key file (enables manual TLS mode)")
	f.BoolVar(&serverFlags.acme, "acme", false, "obtain a certificate from Let's Encrypt")
	f.StringVar(&serverFlags.domain, "domain", "", "domain for the ACME certificate")
	f.StringVar(&serverFlags.acmeEmail, "acme-email", "", "email for Let's Encrypt notifications")
	f.BoolVar(&serverFlags.acmeStaging, "acme-staging", false, "use Let's Encrypt staging CA")
}

// applyServerFlags overrides cfg with every flag the user set explicitly.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("http-port") {
		cfg.Listen.HTTPPort = serverFlags.httpPort
	}
	if f.Changed("https-port") {
		cfg.Listen.HTTPSPort = serverFlags.httpsPort
	}
	if f.Changed("api-port") {
		cfg.Listen.APIPort = serverFlags.apiPort
	}
	if f.Changed("db") {
		cfg.DBPath = serverFlags.dbPath
	}
	if f.Changed("public-url") {
		cfg.PublicURL = serverFlags.publicURL
	}
	if f.Changed("tls-cert") {
		cfg.TLS.CertFile = serverFlags.tlsCert
	}
	if f.Changed("tls-key") {
		cfg.TLS.KeyFile = serverFlags.tlsKey
	}
	if f.Changed("acme") {
		cfg.TLS.ACME = serverFlags.acme
	}
	if f.Changed("domain") {
		cfg.TLS.Domain = serverFlags.domain
	}
	if f.Changed("acme-email") {
		cfg.TLS.Email = serverFlags.acmeEmail
	}
	if f.Changed("acme-staging") {
		cfg.TLS.Staging = serverFlags.acmeStaging
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serverFlags.configPath)
	if err != nil {
		return err
	}
	applyServerFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if created, err := seedConnection(ctx, database, cfg); err != nil {
		return fmt.Errorf("seed connection: %w", err)
	} else if created != nil {
		logger.Info("seed connection created", logging.ConnectionID(created.ID), logging.URL(created.BaseURL))
	}

	st := store.NewSQLiteStore(database)
	policy := simulation.NewPolicy(st, logger.Named("simulation"))
	recorder := exchange.NewRecorder(st, logger.Named("exchange"))

	ocpiSrv := &server.OCPIServer{
		Responder: &responder.Responder{
			Store:    st,
			Policy:   policy,
			Recorder: recorder,
			Logger:   logger.Named("responder"),
		},
		Logger: logger.Named("ocpi"),
	}
	ocpiHandler := ocpiSrv.Handler()

	apiSrv := &server.APIServer{
		DB:     database,
		Policy: policy,
		Orchestrator: &handshake.Orchestrator{
			Store:    st,
			Client:   ocpiclient.New(cfg.Client.Timeout, logger.Named("ocpiclient")),
			Recorder: recorder,
			Identity: handshake.Identity{
				PartyID:      cfg.Party.PartyID,
				CountryCode:  cfg.Party.CountryCode,
				BusinessName: cfg.Party.BusinessName,
				PublicURL:    cfg.PublicURL,
			},
			Logger: logger.Named("handshake"),
		},
		Logger: logger.Named("api"),
	}

	var manager *acme.Manager
	if cfg.TLS.ACME {
		manager, err = acme.NewManager(cfg.TLS.Domain, cfg.TLS.Email, database, cfg.TLS.Staging,
			cfg.Listen.HTTPPort, logger.Named("certmagic"))
		if err != nil {
			return fmt.Errorf("create ACME manager: %w", err)
		}
	}

	httpServer := server.NewManagedServer("http", server.DefaultServerConfig(
		hostPort(cfg.Listen.BindIP, cfg.Listen.HTTPPort), manager.HTTPChallengeHandler(ocpiHandler), logger.Named("http")))
	apiServer := server.NewManagedServer("api", server.DefaultServerConfig(
		hostPort(cfg.Listen.APIBindIP, cfg.Listen.APIPort), apiSrv.Handler(), logger.Named("api")))

	servers := []*server.ManagedServer{httpServer, apiServer}
	for _, s := range servers {
		s.Start()
	}
	for _, s := range servers {
		if err := s.WaitForStartup(500 * time.Millisecond); err != nil {
			shutdownAll(servers)
			return err
		}
	}

	var httpsServer *server.ManagedServer
	switch {
	case manager != nil:
		logger.Info("starting acme certificate acquisition", logging.Domain(cfg.TLS.Domain), zap.Bool("staging", cfg.TLS.Staging))
		if err := manager.Manage(ctx); err != nil {
			shutdownAll(servers)
			return fmt.Errorf("ACME certificate acquisition: %w", err)
		}
		httpsServer = newHTTPSServer(cfg, ocpiHandler, manager.TLSConfig())
		logger.Info("https enabled", logging.Port(cfg.Listen.HTTPSPort), logging.TLSMode("acme"))
	case cfg.TLSEnabled():
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			shutdownAll(servers)
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		httpsServer = newHTTPSServer(cfg, ocpiHandler, &tls.Config{Certificates: []tls.Certificate{cert}})
		logger.Info("https enabled", logging.Port(cfg.Listen.HTTPSPort), logging.TLSMode("manual"))
	default:
		logger.Info("https disabled", zap.String("reason", "no TLS certificate or ACME configured"))
	}
	if httpsServer != nil {
		httpsServer.Start()
		servers = append(servers, httpsServer)
		if err := httpsServer.WaitForStartup(500 * time.Millisecond); err != nil {
			shutdownAll(servers)
			return err
		}
	}

	logger.Info("simulator ready",
		zap.String("public_url", cfg.PublicURL),
		zap.String("party", cfg.Party.CountryCode+"/"+cfg.Party.PartyID))

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownAll(servers)
	return nil
}

func newHTTPSServer(cfg *config.Config, handler http.Handler, tlsConfig *tls.Config) *server.ManagedServer {
	sc := server.DefaultServerConfig(hostPort(cfg.Listen.BindIP, cfg.Listen.HTTPSPort), handler, logger.Named("https"))
	sc.TLSConfig = tlsConfig
	return server.NewManagedServer("https", sc)
}

func shutdownAll(servers []*server.ManagedServer) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range servers {
		s.Shutdown(ctx)
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// seedConnection creates the configured connection when the store is empty.
// It returns nil when seeding is disabled or connections already exist.
func seedConnection(ctx context.Context, database *sql.DB, cfg *config.Config) (*models.Connection, error) {
	if !cfg.Seed.Enabled {
		return nil, nil
	}
	n, err := db.CountConnections(ctx, database)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}

	c := &models.Connection{
		PartyID:     cfg.Seed.PartyID,
		CountryCode: cfg.Seed.CountryCode,
		BaseURL:     cfg.Seed.BaseURL,
		IsActive:    true,
		Status:      models.StatusNone,
	}
	if cfg.Seed.Token != "" {
		tok := cfg.Seed.Token
		c.PeerToken = &tok
	}
	if _, err := db.CreateConnection(ctx, database, c); err != nil {
		return nil, err
	}
	return c, nil
}
