package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/trixelservice/trixellookup/internal/services/delegation"
	"github.com/trixelservice/trixellookup/internal/services/tms"
)

// TMSHandlers contains the TMS registry endpoint handlers.
type TMSHandlers struct {
	engine *Engine
}

// NewTMSHandlers creates a new instance of TMSHandlers.
func NewTMSHandlers(engine *Engine) *TMSHandlers {
	return &TMSHandlers{
		engine: engine,
	}
}

// ListTMS handles GET /v1/TMS
func (th *TMSHandlers) ListTMS(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	var active *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			th.writeErrorResponse(w, http.StatusBadRequest, "active must be a boolean", raw)
			return
		}
		active = &parsed
	}
	limit, offset := parsePagination(r)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	servers, err := th.engine.registry.List(ctx, active, limit, offset)
	if err != nil {
		th.handleServiceError(w, err, "Failed to list tms records")
		return
	}

	ids := make([]int, 0, len(servers))
	for _, server := range servers {
		ids = append(ids, server.ID)
	}
	th.writeJSONResponse(w, http.StatusOK, ids)
}

// RegisterTMS handles POST /v1/TMS
//
// Registration is refused when the active-TMS ceiling is reached or the
// announced host does not answer the canonical ping. On success the new TMS
// is activated and receives all eight root delegations; the response is the
// only time the credential is transmitted.
func (th *TMSHandlers) RegisterTMS(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	host := r.URL.Query().Get("host")
	if host == "" {
		th.writeErrorResponse(w, http.StatusBadRequest, "host is required", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	activeCount, err := th.engine.registry.CountActive(ctx)
	if err != nil {
		th.handleServiceError(w, err, "Failed to count active tms records")
		return
	}
	if activeCount >= th.engine.activeTMSLimit {
		th.writeErrorResponse(w, http.StatusConflict, "active tms limit reached", "")
		return
	}

	if err := th.engine.pinger.Ping(host); err != nil {
		if errors.Is(err, tms.ErrPingTLS) {
			th.writeErrorResponse(w, http.StatusBadRequest, "tms host failed tls verification", host)
			return
		}
		th.writeErrorResponse(w, http.StatusBadRequest, "tms host is not reachable", host)
		return
	}

	registered, token, err := th.engine.registry.Register(ctx, host)
	if err != nil {
		th.handleServiceError(w, err, "Failed to register tms")
		return
	}

	activated, err := th.engine.registry.ActivateWithRootDelegations(ctx, registered.ID)
	if err != nil {
		th.handleServiceError(w, err, "Failed to activate tms")
		return
	}

	th.writeJSONResponse(w, http.StatusCreated, TMSRegisteredResponse{
		ID:     activated.ID,
		Host:   activated.Host,
		Active: activated.Active,
		Token:  token,
	})
}

// GetTMS handles GET /v1/TMS/{tms_id}
func (th *TMSHandlers) GetTMS(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	tmsID, ok := th.tmsIDFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	server, err := th.engine.registry.Get(ctx, tmsID)
	if err != nil {
		th.handleServiceError(w, err, "Failed to get tms")
		return
	}

	th.writeJSONResponse(w, http.StatusOK, TMSResponse{ID: server.ID, Host: server.Host, Active: server.Active})
}

// UpdateTMS handles PUT /v1/TMS/{tms_id}
//
// A TMS may only update its own record; the credential's TMS ID must match
// the path. A new host must answer the canonical ping before it is stored.
func (th *TMSHandlers) UpdateTMS(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	authID, err := th.engine.authenticateTMS(r)
	if err != nil {
		th.writeErrorResponse(w, http.StatusUnauthorized, "invalid tms authentication token", "")
		return
	}

	tmsID, ok := th.tmsIDFromPath(w, r)
	if !ok {
		return
	}
	if authID != tmsID {
		th.writeErrorResponse(w, http.StatusForbidden, "can only update own tms record", "")
		return
	}

	host := r.URL.Query().Get("host")
	if host == "" {
		th.writeErrorResponse(w, http.StatusBadRequest, "host is required", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := th.engine.pinger.Ping(host); err != nil {
		if errors.Is(err, tms.ErrPingTLS) {
			th.writeErrorResponse(w, http.StatusBadRequest, "tms host failed tls verification", host)
			return
		}
		th.writeErrorResponse(w, http.StatusBadRequest, "tms host is not reachable", host)
		return
	}

	updated, err := th.engine.registry.Update(ctx, tmsID, &host, nil)
	if err != nil {
		th.handleServiceError(w, err, "Failed to update tms")
		return
	}

	th.writeJSONResponse(w, http.StatusOK, TMSResponse{ID: updated.ID, Host: updated.Host, Active: updated.Active})
}

// ListAllDelegations handles GET /v1/TMS/delegations
func (th *TMSHandlers) ListAllDelegations(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	limit, offset := parsePagination(r)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	delegations, err := th.engine.delegations.ListAll(ctx, limit, offset)
	if err != nil {
		th.handleServiceError(w, err, "Failed to list delegations")
		return
	}

	th.writeJSONResponse(w, http.StatusOK, toDelegationResponses(delegations))
}

// ListTMSDelegations handles GET /v1/TMS/{tms_id}/delegations
func (th *TMSHandlers) ListTMSDelegations(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	tmsID, ok := th.tmsIDFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	delegations, err := th.engine.delegations.ListForTMS(ctx, tmsID)
	if err != nil {
		th.handleServiceError(w, err, "Failed to list tms delegations")
		return
	}

	th.writeJSONResponse(w, http.StatusOK, toDelegationResponses(delegations))
}

// ValidateToken handles GET /v1/TMS/{tms_id}/validate_token
//
// Succeeds only when the presented credential verifies and belongs to the
// TMS named in the path. Any failure is reported as unauthorized without
// further detail.
func (th *TMSHandlers) ValidateToken(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	tmsID, ok := th.tmsIDFromPath(w, r)
	if !ok {
		return
	}

	authID, err := th.engine.authenticateTMS(r)
	if err != nil || authID != tmsID {
		th.writeErrorResponse(w, http.StatusUnauthorized, "invalid tms authentication token", "")
		return
	}

	th.writeJSONResponse(w, http.StatusOK, map[string]Status{"status": StatusSuccess})
}

func (th *TMSHandlers) tmsIDFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := mux.Vars(r)["tms_id"]
	tmsID, err := strconv.Atoi(raw)
	if err != nil || tmsID <= 0 {
		th.writeErrorResponse(w, http.StatusBadRequest, "invalid tms id", raw)
		return 0, false
	}
	return tmsID, true
}

func toDelegationResponses(delegations []delegation.Delegation) []DelegationResponse {
	responses := make([]DelegationResponse, 0, len(delegations))
	for _, d := range delegations {
		responses = append(responses, DelegationResponse{
			TMSID:    d.TMSID,
			TrixelID: d.TrixelID,
			Exclude:  d.Exclude,
		})
	}
	return responses
}

func (th *TMSHandlers) handleServiceError(w http.ResponseWriter, err error, defaultMessage string) {
	switch {
	case errors.Is(err, tms.ErrNoFields):
		th.writeErrorResponse(w, http.StatusBadRequest, "at least one field must be provided", "")
	case errors.Is(err, tms.ErrInvalidToken):
		th.writeErrorResponse(w, http.StatusUnauthorized, "invalid tms authentication token", "")
	case errors.Is(err, tms.ErrNotFound), errors.Is(err, delegation.ErrTMSNotFound):
		th.writeErrorResponse(w, http.StatusNotFound, "tms not found", "")
	case errors.Is(err, delegation.ErrInactiveTMS):
		th.writeErrorResponse(w, http.StatusBadRequest, "tms is deactivated", "")
	default:
		th.writeErrorResponse(w, http.StatusInternalServerError, "internal error", defaultMessage)
		th.engine.logger.Errorf("TMS handler error: %v", err)
	}
}

func (th *TMSHandlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		th.engine.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (th *TMSHandlers) writeErrorResponse(w http.ResponseWriter, statusCode int, message, details string) {
	th.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   message,
		Message: details,
		Status:  StatusError,
	})
}
