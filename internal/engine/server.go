package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server routes HTTP requests to the trixel and TMS handlers. All domain
// endpoints are mounted under the major-version path prefix.
type Server struct {
	engine        *Engine
	router        *mux.Router
	trixelHandler *TrixelHandlers
	tmsHandler    *TMSHandlers
	middleware    *Middleware
}

func NewServer(engine *Engine) *Server {
	s := &Server{
		engine:        engine,
		router:        mux.NewRouter(),
		trixelHandler: NewTrixelHandlers(engine),
		tmsHandler:    NewTMSHandlers(engine),
		middleware:    NewMiddleware(engine),
	}
	s.setupRoutes()
	s.router.Use(s.middleware.RequestLogging)
	return s
}

func (s *Server) setupRoutes() {
	// Health check endpoint (unversioned)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	v1.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	// Trixel information endpoints
	trixels := v1.PathPrefix("/trixel").Subrouter()
	trixels.HandleFunc("", s.trixelHandler.ListTrixels).Methods(http.MethodGet)
	trixels.HandleFunc("/sensor_count/{type}", s.trixelHandler.BatchUpdateSensorCount).Methods(http.MethodPut)
	trixels.HandleFunc("/{trixel_id:[0-9]+}", s.trixelHandler.ListSubTrixels).Methods(http.MethodGet)
	trixels.HandleFunc("/{trixel_id:[0-9]+}/sensor_count", s.trixelHandler.GetSensorCounts).Methods(http.MethodGet)
	trixels.HandleFunc("/{trixel_id:[0-9]+}/sensor_count/{type}", s.trixelHandler.UpdateSensorCount).Methods(http.MethodPut)
	trixels.HandleFunc("/{trixel_id:[0-9]+}/TMS", s.trixelHandler.GetResponsibleTMS).Methods(http.MethodGet)

	// TMS registry endpoints. The static /delegations route is registered
	// before the {tms_id} routes so it is not captured as an ID.
	servers := v1.PathPrefix("/TMS").Subrouter()
	servers.HandleFunc("", s.tmsHandler.ListTMS).Methods(http.MethodGet)
	servers.HandleFunc("", s.tmsHandler.RegisterTMS).Methods(http.MethodPost)
	servers.HandleFunc("/delegations", s.tmsHandler.ListAllDelegations).Methods(http.MethodGet)
	servers.HandleFunc("/{tms_id:[0-9]+}", s.tmsHandler.GetTMS).Methods(http.MethodGet)
	servers.HandleFunc("/{tms_id:[0-9]+}", s.tmsHandler.UpdateTMS).Methods(http.MethodPut)
	servers.HandleFunc("/{tms_id:[0-9]+}/delegations", s.tmsHandler.ListTMSDelegations).Methods(http.MethodGet)
	servers.HandleFunc("/{tms_id:[0-9]+}/validate_token", s.tmsHandler.ValidateToken).Methods(http.MethodGet)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, PingResponse{Ping: "pong"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, VersionResponse{Version: s.engine.version})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.engine.CheckHealth(ctx); err != nil {
		s.writeJSONResponse(w, http.StatusServiceUnavailable, HealthResponse{Status: StatusError, Service: "trixellookup"})
		return
	}
	s.writeJSONResponse(w, http.StatusOK, HealthResponse{Status: StatusSuccess, Service: "trixellookup"})
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.engine.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
