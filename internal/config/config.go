// Package config loads simulator settings from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "mspsim.yml"

type Config struct {
	DBPath string `yaml:"db_path" env:"MSPSIM_DB" env-default:"mspsim.db"`
	// PublicURL is the externally reachable base of the OCPI listener, used
	// to build the callback URL sent to peers.
	PublicURL string `yaml:"public_url" env:"MSPSIM_PUBLIC_URL" env-default:"https://dev.msp-simulator.com"`

	Listen struct {
		BindIP    string `yaml:"bind_ip" env:"MSPSIM_BIND_IP" env-default:"0.0.0.0"`
		HTTPPort  int    `yaml:"http_port" env:"MSPSIM_HTTP_PORT" env-default:"8080"`
		HTTPSPort int    `yaml:"https_port" env:"MSPSIM_HTTPS_PORT" env-default:"8443"`
		APIPort   int    `yaml:"api_port" env:"MSPSIM_API_PORT" env-default:"8081"`
		APIBindIP string `yaml:"api_bind_ip" env:"MSPSIM_API_BIND_IP" env-default:"127.0.0.1"`
	} `yaml:"listen"`

	Party struct {
		PartyID      string `yaml:"party_id" env:"MSPSIM_PARTY_ID" env-default:"MSP"`
		CountryCode  string `yaml:"country_code" env:"MSPSIM_COUNTRY_CODE" env-default:"ID"`
		BusinessName string `yaml:"business_name" env:"MSPSIM_BUSINESS_NAME" env-default:"MSP Simulator"`
	} `yaml:"party"`

	Client struct {
		Timeout time.Duration `yaml:"timeout" env:"MSPSIM_CLIENT_TIMEOUT" env-default:"30s"`
	} `yaml:"client"`

	TLS struct {
		CertFile string `yaml:"cert_file" env:"MSPSIM_TLS_CERT"`
		KeyFile  string `yaml:"key_file" env:"MSPSIM_TLS_KEY"`
		ACME     bool   `yaml:"acme" env:"MSPSIM_ACME" env-default:"false"`
		Domain   string `yaml:"domain" env:"MSPSIM_DOMAIN"`
		Email    string `yaml:"email" env:"MSPSIM_ACME_EMAIL"`
		Staging  bool   `yaml:"staging" env:"MSPSIM_ACME_STAGING" env-default:"false"`
	} `yaml:"tls"`

	// Seed creates a connection on startup when the store has none.
	Seed struct {
		Enabled     bool   `yaml:"enabled" env:"MSPSIM_SEED" env-default:"false"`
		PartyID     string `yaml:"party_id" env:"MSPSIM_SEED_PARTY_ID" env-default:"CPO"`
		CountryCode string `yaml:"country_code" env:"MSPSIM_SEED_COUNTRY_CODE" env-default:"ID"`
		BaseURL     string `yaml:"base_url" env:"MSPSIM_SEED_BASE_URL"`
		Token       string `yaml:"token" env:"MSPSIM_SEED_TOKEN"`
	} `yaml:"seed"`
}

// Load reads path if it exists, then applies environment overrides and
// defaults. A missing file is not an error. The caller validates once any
// flag overrides are applied.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	_, err := os.Stat(path)
	switch {
	case err == nil:
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks combinations cleanenv cannot express.
func (c *Config) Validate() error {
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls cert_file and key_file must be set together")
	}
	if c.TLS.ACME && c.TLS.Domain == "" {
		return errors.New("acme requires tls domain")
	}
	if c.TLS.ACME && c.TLS.CertFile != "" {
		return errors.New("acme and manual tls certificates are mutually exclusive")
	}
	if c.Seed.Enabled && c.Seed.BaseURL == "" {
		return errors.New("seed connection requires base_url")
	}
	if c.Client.Timeout <= 0 {
		return errors.New("client timeout must be positive")
	}
	return nil
}

// TLSEnabled reports whether the HTTPS listener should run.
func (c *Config) TLSEnabled() bool {
	return c.TLS.ACME || c.TLS.CertFile != ""
}

// Usage returns a description of every environment variable.
func Usage() string {
	desc, err := cleanenv.GetDescription(&Config{}, nil)
	if err != nil {
		return ""
	}
	return desc
}
