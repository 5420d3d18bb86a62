// Package server implements the OCPI listener and the admin API.
package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rsclarke/mspsim/internal/db"
	"github.com/rsclarke/mspsim/internal/handshake"
	"github.com/rsclarke/mspsim/internal/logging"
	"github.com/rsclarke/mspsim/internal/models"
	"github.com/rsclarke/mspsim/internal/simulation"
	"github.com/rsclarke/mspsim/internal/token"
	"github.com/rsclarke/mspsim/internal/types"
	"go.uber.org/zap"
)

const defaultLogLimit = 50

// APIServer handles the admin API for connections, the exchange log and
// error simulation.
type APIServer struct {
	DB           *sql.DB
	Policy       *simulation.Policy
	Orchestrator *handshake.Orchestrator
	Logger       *zap.Logger
}

// Handler returns the HTTP handler for the API server.
func (s *APIServer) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/connections", s.handleListConnections)
	mux.HandleFunc("POST /v1/connections", s.handleCreateConnection)
	mux.HandleFunc("GET /v1/connections/{id}", s.handleGetConnection)
	mux.HandleFunc("DELETE /v1/connections/{id}", s.handleDeleteConnection)
	mux.HandleFunc("PUT /v1/connections/{id}/simulation", s.handleSetConnectionSimulation)
	mux.HandleFunc("POST /v1/connections/{id}/handshake", s.handleHandshake)
	mux.HandleFunc("POST /v1/connections/{id}/revoke", s.handleRevoke)
	mux.HandleFunc("GET /v1/connections/{id}/logs", s.handleListLogs)
	mux.HandleFunc("GET /v1/logs/{id}", s.handleGetLog)

	mux.HandleFunc("GET /v1/simulation", s.handleGetSimulation)
	mux.HandleFunc("POST /v1/simulation/401", s.handleSetUnauthorized)
	mux.HandleFunc("POST /v1/simulation/403", s.handleSetForbidden)
	mux.HandleFunc("POST /v1/simulation/reset", s.handleResetSimulation)

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *APIServer) handleListConnections(w http.ResponseWriter, r *http.Request) {
	summaries, err := db.ListConnectionSummaries(r.Context(), s.DB)
	if err != nil {
		s.Logger.Error("list connections failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}

	resp := types.ListConnectionsResponse{
		Connections: make([]types.ConnectionInfo, 0, len(summaries)),
	}
	for _, sum := range summaries {
		info := connectionInfo(&sum.Connection)
		info.LogCount = sum.LogCount
		if sum.LastExchangeAt != nil {
			ts := formatUnix(*sum.LastExchangeAt)
			info.LastExchangeAt = &ts
		}
		resp.Connections = append(resp.Connections, info)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req types.CreateConnectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	mode, err := models.ParseHandshakeMode(req.HandshakeMode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	conn := &models.Connection{
		PartyID:       req.PartyID,
		CountryCode:   req.CountryCode,
		BaseURL:       req.BaseURL,
		PeerToken:     req.PeerToken,
		ClientToken:   req.ClientToken,
		IsActive:      true,
		HandshakeMode: mode,
		Status:        models.StatusNone,
	}
	if _, err := db.CreateConnection(r.Context(), s.DB, conn); err != nil {
		if errors.Is(err, models.ErrInvalidConnection) {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
			return
		}
		s.Logger.Error("create connection failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "failed to create connection"})
		return
	}

	s.Logger.Info("connection created", logging.ConnectionID(conn.ID), logging.URL(conn.BaseURL))
	writeJSON(w, http.StatusCreated, connectionDetail(conn))
}

func (s *APIServer) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.loadConnection(w, r)
	if !ok {
		return
	}

	detail := connectionDetail(conn)
	count, err := db.CountExchangeLogs(r.Context(), s.DB, conn.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}
	detail.LogCount = count

	writeJSON(w, http.StatusOK, detail)
}

func (s *APIServer) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	deleted, err := db.DeleteConnection(r.Context(), s.DB, id)
	if err != nil {
		s.Logger.Error("delete connection failed", logging.ConnectionID(id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "failed to delete connection"})
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "connection not found"})
		return
	}

	s.Logger.Info("connection deleted", logging.ConnectionID(id))
	writeJSON(w, http.StatusOK, types.DeleteConnectionResponse{Deleted: true})
}

func (s *APIServer) handleSetConnectionSimulation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req types.SimulationFlags
	if !decodeJSON(w, r, &req) {
		return
	}

	found, err := db.SetSimulationFlags(r.Context(), s.DB, id, models.SimulationFlags{
		VersionsUnauthorized:    req.VersionsUnauthorized,
		VersionsForbidden:       req.VersionsForbidden,
		CredentialsUnauthorized: req.CredentialsUnauthorized,
		CredentialsForbidden:    req.CredentialsForbidden,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "connection not found"})
		return
	}

	s.Logger.Info("connection simulation updated", logging.ConnectionID(id),
		zap.Bool("versions_401", req.VersionsUnauthorized),
		zap.Bool("versions_403", req.VersionsForbidden),
		zap.Bool("credentials_401", req.CredentialsUnauthorized),
		zap.Bool("credentials_403", req.CredentialsForbidden))
	writeJSON(w, http.StatusOK, req)
}

func (s *APIServer) handleHandshake(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, handshakeResponse(s.Orchestrator.InitiateHandshake(r.Context(), id)))
}

func (s *APIServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, handshakeResponse(s.Orchestrator.RevokeCredentials(r.Context(), id)))
}

func (s *APIServer) handleListLogs(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.loadConnection(w, r)
	if !ok {
		return
	}

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	logs, err := db.ListExchangeLogs(r.Context(), s.DB, conn.ID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}
	total, err := db.CountExchangeLogs(r.Context(), s.DB, conn.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}

	resp := types.ListExchangeLogsResponse{
		ConnectionID: conn.ID,
		Total:        total,
		Entries:      make([]types.ExchangeLogEntry, 0, len(logs)),
	}
	for i := range logs {
		resp.Entries = append(resp.Entries, exchangeLogEntry(&logs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entry, err := db.GetExchangeLog(r.Context(), s.DB, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "log entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, exchangeLogEntry(entry))
}

func (s *APIServer) handleGetSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := s.Policy.Settings(r.Context())
	s.writeSimulation(w, sim, err)
}

func (s *APIServer) handleSetUnauthorized(w http.ResponseWriter, r *http.Request) {
	enable, present, ok := enableParam(w, r)
	if !ok {
		return
	}
	if !present {
		s.handleGetSimulation(w, r)
		return
	}
	sim, err := s.Policy.SetUnauthorized(r.Context(), enable)
	s.writeSimulation(w, sim, err)
}

func (s *APIServer) handleSetForbidden(w http.ResponseWriter, r *http.Request) {
	enable, present, ok := enableParam(w, r)
	if !ok {
		return
	}
	if !present {
		s.handleGetSimulation(w, r)
		return
	}
	sim, err := s.Policy.SetForbidden(r.Context(), enable)
	s.writeSimulation(w, sim, err)
}

func (s *APIServer) handleResetSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := s.Policy.Reset(r.Context())
	s.writeSimulation(w, sim, err)
}

func (s *APIServer) writeSimulation(w http.ResponseWriter, sim *models.ErrorSimulation, err error) {
	if err != nil {
		s.Logger.Error("error simulation store failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return
	}
	resp := types.SimulationStatus{
		ForceUnauthorized: sim.ForceUnauthorized,
		ForceForbidden:    sim.ForceForbidden,
	}
	if sim.UpdatedAt != nil {
		ts := formatUnix(*sim.UpdatedAt)
		resp.UpdatedAt = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) loadConnection(w http.ResponseWriter, r *http.Request) (*models.Connection, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	conn, err := db.GetConnection(r.Context(), s.DB, id)
	if err != nil {
		s.Logger.Error("get connection failed", logging.ConnectionID(id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "database error"})
		return nil, false
	}
	if conn == nil {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "connection not found"})
		return nil, false
	}
	return conn, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

// enableParam reads the enable query parameter. When it is absent present is
// false and the caller leaves the switch alone.
func enableParam(w http.ResponseWriter, r *http.Request) (enable, present, ok bool) {
	raw := r.URL.Query().Get("enable")
	if raw == "" {
		return false, false, true
	}
	enable, err := strconv.ParseBool(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid enable value"})
		return false, false, false
	}
	return enable, true, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "request body required"})
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16) // 64KB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, types.ErrorResponse{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid JSON"})
		return false
	}
	// Ensure no trailing data
	if dec.Decode(&struct{}{}) != io.EOF {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "unexpected trailing data"})
		return false
	}
	return true
}

func connectionInfo(c *models.Connection) types.ConnectionInfo {
	return types.ConnectionInfo{
		ID:            c.ID,
		PartyID:       c.PartyID,
		CountryCode:   c.CountryCode,
		BaseURL:       c.BaseURL,
		PeerToken:     token.Mask(c.PeerToken),
		ClientToken:   token.Mask(c.ClientToken),
		IsActive:      c.IsActive,
		HandshakeMode: c.HandshakeMode.String(),
		Status:        string(c.Status),
		Simulation: types.SimulationFlags{
			VersionsUnauthorized:    c.Simulation.VersionsUnauthorized,
			VersionsForbidden:       c.Simulation.VersionsForbidden,
			CredentialsUnauthorized: c.Simulation.CredentialsUnauthorized,
			CredentialsForbidden:    c.Simulation.CredentialsForbidden,
		},
		CreatedAt: formatUnix(c.CreatedAt),
		UpdatedAt: formatUnix(c.UpdatedAt),
	}
}

func connectionDetail(c *models.Connection) types.ConnectionDetail {
	return types.ConnectionDetail{
		ConnectionInfo: connectionInfo(c),
		RawVersions:    c.RawVersions,
		RawCredentials: c.RawCredentials,
	}
}

func exchangeLogEntry(l *models.ExchangeLog) types.ExchangeLogEntry {
	return types.ExchangeLogEntry{
		ID:              l.ID,
		ConnectionID:    l.ConnectionID,
		Direction:       string(l.Direction),
		Method:          l.Method,
		Endpoint:        l.Endpoint,
		HTTPStatusCode:  l.HTTPStatusCode,
		RequestPayload:  l.RequestPayload,
		ResponsePayload: l.ResponsePayload,
		ErrorMessage:    l.ErrorMessage,
		OccurredAt:      formatUnix(l.OccurredAt),
	}
}

func handshakeResponse(res *handshake.Result) types.HandshakeResponse {
	resp := types.HandshakeResponse{
		Success: res.Success,
		Message: res.Message,
		Status:  res.Status,
		Steps:   res.Steps,
		Errors:  res.Errors,
	}
	if resp.Steps == nil {
		resp.Steps = []string{}
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	return resp
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
