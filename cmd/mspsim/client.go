package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rsclarke/mspsim/internal/client"
	"github.com/spf13/cobra"
)

type clientConfig struct {
	apiURL  string
	timeout time.Duration
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.apiURL, "api-url", getEnv("MSPSIM_API_URL", "http://localhost:8081"), "admin API URL")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "request timeout")
}

func (cfg *clientConfig) newClient() (*client.Client, error) {
	if cfg.apiURL == "" {
		return nil, fmt.Errorf("API URL required (use --api-url flag or MSPSIM_API_URL env var)")
	}
	c := client.NewClient(cfg.apiURL)
	c.HTTPClient.Timeout = cfg.timeout
	return c, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
