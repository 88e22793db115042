// Package api provides the HTTP front door that triggers wallet extraction
// and allow-listed scripts as bounded subprocess runs.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wallet-provisioner/internal/config"
	"github.com/wallet-provisioner/internal/envstore"
	"github.com/wallet-provisioner/internal/logging"
	"github.com/wallet-provisioner/internal/runner"
	"github.com/wallet-provisioner/internal/storage"
)

// Interfaces for dependency injection and testing

// ScriptRunner runs a command under its timeout
type ScriptRunner interface {
	Run(ctx context.Context, cmd runner.Command) *runner.Result
}

// LedgerReader reads the provisioned address history
type LedgerReader interface {
	History(ctx context.Context, vaultID string) ([]storage.LedgerEntry, error)
}

// ConnectionTester checks that the custody provider accepts our credentials
type ConnectionTester interface {
	TestConnection(ctx context.Context) (int, error)
}

// Dependencies are the collaborators a Server needs. Ledger and Vault are optional.
type Dependencies struct {
	Runner ScriptRunner
	Runs   storage.RunStore
	Env    *envstore.File
	Ledger LedgerReader
	Vault  ConnectionTester
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	config     *config.Config
	deps       Dependencies
	startedAt  time.Time

	// runs is cancelled by Shutdown; every subprocess run derives from it
	runs       context.Context
	cancelRuns context.CancelFunc
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	if deps.Env == nil {
		deps.Env = envstore.NewFile(cfg.EnvStore.Path)
	}
	s := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		deps:      deps,
		startedAt: time.Now(),
	}
	s.runs, s.cancelRuns = context.WithCancel(context.Background())

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst)

	s.setupRoutes()

	// mux middleware only runs for matched routes, so the chain wraps the
	// router itself to cover preflight and 404 responses as well.
	var h http.Handler = s.router
	h = CompressionMiddleware(h)
	h = RateLimitMiddleware(rateLimiter)(h)
	h = CORSMiddleware(h)
	h = RecoveryMiddleware(h)
	h = LoggingMiddleware(h)
	s.handler = h

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/env-info", s.handleEnvInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/test-fireblocks", s.handleTestFireblocks).Methods(http.MethodGet)

	s.router.HandleFunc("/extract-wallets", s.handleExtractWallets).Methods(http.MethodPost)
	s.router.HandleFunc("/run-script/{scriptName}", s.handleRunScript).Methods(http.MethodPost)

	s.router.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	s.router.HandleFunc("/reports/latest", s.handleLatestReport).Methods(http.MethodGet)
	s.router.HandleFunc("/vaults/{vaultId}/addresses", s.handleAddressHistory).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops in-flight subprocess runs and gracefully shuts down the
// server. Handlers of stopped runs still answer before connections close.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	s.cancelRuns()
	return s.httpServer.Shutdown(ctx)
}
