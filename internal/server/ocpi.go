package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rsclarke/mspsim/internal/logging"
	"github.com/rsclarke/mspsim/internal/ocpi"
	"github.com/rsclarke/mspsim/internal/responder"
	"go.uber.org/zap"
)

const (
	versionsEndpoint    = "/ocpi/:version/versions"
	credentialsEndpoint = "/ocpi/:version/credentials"

	defaultConnectionID = 1
	maxCredentialsBody  = 1 << 16 // 64KB
)

// OCPIServer exposes the responder over HTTP.
type OCPIServer struct {
	Responder *responder.Responder
	Logger    *zap.Logger
	Now       func() time.Time
}

func (s *OCPIServer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Handler returns the HTTP handler for the OCPI listener.
func (s *OCPIServer) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	router := httprouter.New()
	s.Register(router)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOCPI(w, http.StatusNotFound, ocpi.Failure[any](ocpi.StatusClientError, "Not found", nil, s.now()))
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, p any) {
		s.Logger.Error("panic in OCPI handler",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			zap.Any("panic", p))
		writeOCPI(w, http.StatusInternalServerError,
			ocpi.Failure[any](ocpi.StatusServerError, "Internal server error", nil, s.now()))
	}
	return s.trace(router)
}

// Register adds the OCPI routes to router.
func (s *OCPIServer) Register(router *httprouter.Router) {
	router.GET(versionsEndpoint, s.handleGetVersions)
	router.POST(credentialsEndpoint, s.handlePostCredentials)
	router.DELETE(credentialsEndpoint, s.handleDeleteCredentials)
}

// trace echoes the OCPI request and correlation IDs and logs each request.
func (s *OCPIServer) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		correlationID := r.Header.Get("X-Correlation-ID")
		if requestID != "" {
			w.Header().Set("X-Request-ID", requestID)
		}
		if correlationID != "" {
			w.Header().Set("X-Correlation-ID", correlationID)
		}
		s.Logger.Debug("ocpi request",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			logging.RemoteAddr(r.RemoteAddr),
			logging.RequestID(requestID),
			logging.CorrelationID(correlationID))
		next.ServeHTTP(w, r)
	})
}

// supportedVersion reports whether the path version addresses the served
// protocol version. Both the short and the full form are accepted.
func supportedVersion(v string) bool {
	return v == ocpi.ServedVersion || v == ocpi.TargetVersion
}

// connectionID reads the connectionId query parameter, defaulting to 1.
func connectionID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("connectionId")
	if raw == "" {
		return defaultConnectionID, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid connectionId")
	}
	return id, nil
}

// preamble validates the version segment and connection ID shared by every
// route. It writes the error reply itself and reports false on failure.
func preamble[T any](s *OCPIServer, w http.ResponseWriter, r *http.Request, params httprouter.Params, empty T) (int64, bool) {
	if !supportedVersion(params.ByName("version")) {
		writeOCPI(w, http.StatusNotFound, ocpi.Failure(ocpi.StatusClientError, "Unsupported version", empty, s.now()))
		return 0, false
	}
	id, err := connectionID(r)
	if err != nil {
		writeOCPI(w, http.StatusBadRequest, ocpi.Failure(ocpi.StatusClientError, "Invalid connectionId", empty, s.now()))
		return 0, false
	}
	return id, true
}

func (s *OCPIServer) handleGetVersions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, ok := preamble(s, w, r, params, []ocpi.VersionInfo{})
	if !ok {
		return
	}
	reply := s.Responder.GetVersions(r.Context(), id)
	writeOCPI(w, reply.HTTPStatus, reply.Body)
}

func (s *OCPIServer) handlePostCredentials(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var none *ocpi.Credential
	id, ok := preamble(s, w, r, params, none)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCredentialsBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeOCPI(w, http.StatusRequestEntityTooLarge,
				ocpi.Failure(ocpi.StatusClientError, "Request body too large", none, s.now()))
			return
		}
		writeOCPI(w, http.StatusBadRequest, ocpi.Failure(ocpi.StatusClientError, "Unreadable request body", none, s.now()))
		return
	}

	var cred ocpi.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		writeOCPI(w, http.StatusBadRequest, ocpi.Failure(ocpi.StatusClientError, "Invalid JSON", none, s.now()))
		return
	}
	if strings.TrimSpace(cred.Token) == "" {
		writeOCPI(w, http.StatusBadRequest, ocpi.Failure(ocpi.StatusClientError, "Token is required", none, s.now()))
		return
	}

	reply := s.Responder.PostCredentials(r.Context(), id, cred, string(raw))
	writeOCPI(w, reply.HTTPStatus, reply.Body)
}

func (s *OCPIServer) handleDeleteCredentials(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var none *ocpi.Credential
	id, ok := preamble(s, w, r, params, none)
	if !ok {
		return
	}
	reply := s.Responder.DeleteCredentials(r.Context(), id)
	writeOCPI(w, reply.HTTPStatus, reply.Body)
}

func writeOCPI[T any](w http.ResponseWriter, status int, body ocpi.Response[T]) {
	writeJSON(w, status, body)
}
