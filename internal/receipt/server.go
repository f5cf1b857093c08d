package receipt

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/zombor/expense-agent/internal/config"
)

// Server handles HTTP requests for receipts
type Server struct {
	service   *Service
	basicAuth BasicAuth
	diag      Diagnostics
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Diagnostics are the operator endpoints served next to the API
type Diagnostics struct {
	EnvCheck config.EnvReport
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth, diag Diagnostics) *Server {
	return NewServerWithMux(service, basicAuth, diag, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, diag Diagnostics, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		diag:      diag,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Expense Agent"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}/proposals", s.requireAuth(s.handleProposals))
	s.mux.HandleFunc("POST /api/receipts/{id}/retry", s.requireAuth(s.handleRetry))
	s.mux.HandleFunc("POST /api/receipts/{id}/itemize", s.requireAuth(s.handleItemize))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleUploadReceipts))

	s.mux.HandleFunc("GET /api/candidates", s.requireAuth(s.handleListCandidates))
	s.mux.HandleFunc("POST /api/candidates", s.requireAuth(s.handleAddCandidates))

	s.mux.HandleFunc("GET /api/matches", s.requireAuth(s.handleListMatches))
	s.mux.HandleFunc("POST /api/matches", s.requireAuth(s.handleConfirmMatch))

	s.mux.HandleFunc("GET /env-check", s.requireAuth(s.handleEnvCheck))
	if s.diag.Metrics != nil {
		// scrapers usually run without credentials
		s.mux.Handle("GET /metrics", s.diag.Metrics)
	}

	s.mux.HandleFunc("GET /{$}", s.requireAuth(s.handleIndex))
}

// Handler wraps the mux with CORS handling for all requests including OPTIONS
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
