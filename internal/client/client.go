// Package client is a thin client for the admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rsclarke/mspsim/internal/types"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for the admin API at baseURL. Handshakes wait on
// the peer, so the timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *Client) ListConnections(ctx context.Context) (*types.ListConnectionsResponse, error) {
	var result types.ListConnectionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/connections", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetConnection(ctx context.Context, id int64) (*types.ConnectionDetail, error) {
	var result types.ConnectionDetail
	if err := c.do(ctx, http.MethodGet, connectionPath(id), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CreateConnection(ctx context.Context, req types.CreateConnectionRequest) (*types.ConnectionDetail, error) {
	var result types.ConnectionDetail
	if err := c.do(ctx, http.MethodPost, "/v1/connections", req, http.StatusCreated, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) DeleteConnection(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, connectionPath(id), nil, http.StatusOK, nil)
}

func (c *Client) SetConnectionSimulation(ctx context.Context, id int64, flags types.SimulationFlags) (*types.SimulationFlags, error) {
	var result types.SimulationFlags
	if err := c.do(ctx, http.MethodPut, connectionPath(id)+"/simulation", flags, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Handshake(ctx context.Context, id int64) (*types.HandshakeResponse, error) {
	var result types.HandshakeResponse
	if err := c.do(ctx, http.MethodPost, connectionPath(id)+"/handshake", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Revoke(ctx context.Context, id int64) (*types.HandshakeResponse, error) {
	var result types.HandshakeResponse
	if err := c.do(ctx, http.MethodPost, connectionPath(id)+"/revoke", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListLogs(ctx context.Context, id int64, limit int) (*types.ListExchangeLogsResponse, error) {
	path := connectionPath(id) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var result types.ListExchangeLogsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetLog(ctx context.Context, id int64) (*types.ExchangeLogEntry, error) {
	var result types.ExchangeLogEntry
	if err := c.do(ctx, http.MethodGet, "/v1/logs/"+strconv.FormatInt(id, 10), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Simulation(ctx context.Context) (*types.SimulationStatus, error) {
	var result types.SimulationStatus
	if err := c.do(ctx, http.MethodGet, "/v1/simulation", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetSimulation toggles the global 401 (code 401) or 403 (code 403) switch.
func (c *Client) SetSimulation(ctx context.Context, code int, enable bool) (*types.SimulationStatus, error) {
	if code != http.StatusUnauthorized && code != http.StatusForbidden {
		return nil, fmt.Errorf("unsupported simulation code %d", code)
	}
	q := url.Values{"enable": {strconv.FormatBool(enable)}}
	path := "/v1/simulation/" + strconv.Itoa(code) + "?" + q.Encode()

	var result types.SimulationStatus
	if err := c.do(ctx, http.MethodPost, path, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ResetSimulation(ctx context.Context) (*types.SimulationStatus, error) {
	var result types.SimulationStatus
	if err := c.do(ctx, http.MethodPost, "/v1/simulation/reset", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, wantStatus int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func connectionPath(id int64) string {
	return "/v1/connections/" + strconv.FormatInt(id, 10)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp types.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
