// Package engine exposes the trixel lookup service over HTTP.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/trixelservice/trixellookup/internal/services/delegation"
	"github.com/trixelservice/trixellookup/internal/services/tms"
	"github.com/trixelservice/trixellookup/internal/services/trixelmap"
	"github.com/trixelservice/trixellookup/pkg/config"
	"github.com/trixelservice/trixellookup/pkg/database"
	"github.com/trixelservice/trixellookup/pkg/logger"
)

// Engine owns the HTTP server and the domain services behind it.
type Engine struct {
	config  *config.Config
	logger  *logger.Logger
	db      *database.PostgreSQL
	version string
	server  *http.Server

	trixelMap   *trixelmap.Service
	delegations *delegation.Service
	registry    *tms.Service
	pinger      *tms.Pinger

	// activeTMSLimit caps how many TMSs may be active at once.
	activeTMSLimit int

	state struct {
		sync.Mutex
		isRunning         bool
		ongoingOperations int32
	}
	metrics struct {
		requestsProcessed int64
		errors            int64
	}
}

// NewEngine wires the domain services onto the shared database handle.
func NewEngine(cfg *config.Config, log *logger.Logger, db *database.PostgreSQL, version string) *Engine {
	e := &Engine{
		config:         cfg,
		logger:         log,
		db:             db,
		version:        version,
		activeTMSLimit: cfg.GetInt("tms.active_limit", 1),
		pinger:         tms.NewPinger(cfg.GetBool("tms.allow_insecure_ping", false)),
	}

	e.trixelMap = trixelmap.NewService(db, log)
	e.delegations = delegation.NewService(db, log)
	e.registry = tms.NewService(db, log, e.delegations)

	return e
}

// Start begins serving HTTP requests.
func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	if e.state.isRunning {
		e.state.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.state.isRunning = true
	e.state.Unlock()

	port := e.config.GetInt("server.http_port", 8080)

	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: NewServer(e),
	}

	e.logger.Infof("Starting HTTP server on port %d", port)

	go func() {
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Errorf("HTTP server error: %v", err)
			atomic.AddInt64(&e.metrics.errors, 1)
		}
	}()

	return nil
}

// Stop gracefully shuts the HTTP server down.
func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	if !e.state.isRunning {
		e.state.Unlock()
		return nil
	}
	e.state.isRunning = false
	e.state.Unlock()

	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// CheckHealth reports whether the engine and its database are serviceable.
func (e *Engine) CheckHealth(ctx context.Context) error {
	e.state.Lock()
	running := e.state.isRunning
	e.state.Unlock()

	if !running {
		return fmt.Errorf("service not running")
	}
	if e.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return e.db.Pool().Ping(ctx)
}

func (e *Engine) TrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, 1)
	atomic.AddInt64(&e.metrics.requestsProcessed, 1)
}

func (e *Engine) UntrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, -1)
}

// GetMetrics returns request counters for introspection.
func (e *Engine) GetMetrics() map[string]int64 {
	return map[string]int64{
		"requests_processed": atomic.LoadInt64(&e.metrics.requestsProcessed),
		"errors":             atomic.LoadInt64(&e.metrics.errors),
	}
}

// authenticateTMS verifies the credential in the Token header and returns
// the TMS ID it belongs to.
func (e *Engine) authenticateTMS(r *http.Request) (int, error) {
	token := r.Header.Get("Token")
	if token == "" {
		return 0, tms.ErrInvalidToken
	}
	return e.registry.VerifyCredential(r.Context(), token)
}
