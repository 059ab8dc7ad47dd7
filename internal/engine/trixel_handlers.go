package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/trixelservice/trixellookup/internal/htm"
	"github.com/trixelservice/trixellookup/internal/measurement"
	"github.com/trixelservice/trixellookup/internal/services/delegation"
	"github.com/trixelservice/trixellookup/internal/services/tms"
)

const (
	defaultListLimit = 100
	requestTimeout   = 30 * time.Second
)

// TrixelHandlers contains the trixel information endpoint handlers.
type TrixelHandlers struct {
	engine *Engine
}

// NewTrixelHandlers creates a new instance of TrixelHandlers.
func NewTrixelHandlers(engine *Engine) *TrixelHandlers {
	return &TrixelHandlers{
		engine: engine,
	}
}

// ListTrixels handles GET /v1/trixel
func (th *TrixelHandlers) ListTrixels(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	types, err := measurement.ParseList(r.URL.Query()["types"])
	if err != nil {
		th.writeErrorResponse(w, http.StatusBadRequest, "unsupported measurement type", err.Error())
		return
	}
	limit, offset := parsePagination(r)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ids, err := th.engine.trixelMap.ActiveTrixelIDs(ctx, nil, types, limit, offset)
	if err != nil {
		th.handleServiceError(w, err, "Failed to list trixels")
		return
	}

	if ids == nil {
		ids = []int64{}
	}
	th.writeJSONResponse(w, http.StatusOK, ids)
}

// ListSubTrixels handles GET /v1/trixel/{trixel_id}
func (th *TrixelHandlers) ListSubTrixels(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	trixelID, ok := th.trixelIDFromPath(w, r)
	if !ok {
		return
	}

	types, err := measurement.ParseList(r.URL.Query()["types"])
	if err != nil {
		th.writeErrorResponse(w, http.StatusBadRequest, "unsupported measurement type", err.Error())
		return
	}
	limit, offset := parsePagination(r)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ids, err := th.engine.trixelMap.ActiveTrixelIDs(ctx, &trixelID, types, limit, offset)
	if err != nil {
		th.handleServiceError(w, err, "Failed to list sub-trixels")
		return
	}

	if ids == nil {
		ids = []int64{}
	}
	th.writeJSONResponse(w, http.StatusOK, ids)
}

// GetSensorCounts handles GET /v1/trixel/{trixel_id}/sensor_count
func (th *TrixelHandlers) GetSensorCounts(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	trixelID, ok := th.trixelIDFromPath(w, r)
	if !ok {
		return
	}

	types, err := measurement.ParseList(r.URL.Query()["types"])
	if err != nil {
		th.writeErrorResponse(w, http.StatusBadRequest, "unsupported measurement type", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	counts, err := th.engine.trixelMap.SensorCounts(ctx, trixelID, types)
	if err != nil {
		th.handleServiceError(w, err, "Failed to get sensor counts")
		return
	}

	th.writeJSONResponse(w, http.StatusOK, TrixelMapResponse{ID: trixelID, SensorCounts: counts})
}

// UpdateSensorCount handles PUT /v1/trixel/{trixel_id}/sensor_count/{type}
func (th *TrixelHandlers) UpdateSensorCount(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	tmsID, err := th.engine.authenticateTMS(r)
	if err != nil {
		th.writeErrorResponse(w, http.StatusUnauthorized, "invalid tms authentication token", "")
		return
	}

	trixelID, ok := th.trixelIDFromPath(w, r)
	if !ok {
		return
	}

	typ, err := measurement.Parse(mux.Vars(r)["type"])
	if err != nil {
		th.writeErrorResponse(w, http.StatusBadRequest, "unsupported measurement type", err.Error())
		return
	}

	sensorCount, err := strconv.Atoi(r.URL.Query().Get("sensor_count"))
	if err != nil || sensorCount < 0 {
		th.writeErrorResponse(w, http.StatusBadRequest, "sensor_count must be a non-negative integer", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	owner, err := th.engine.delegations.ResolveOwner(ctx, trixelID)
	if err != nil {
		th.handleServiceError(w, err, "Failed to resolve trixel owner")
		return
	}
	if owner == nil || owner.ID != tmsID {
		th.writeErrorResponse(w, http.StatusForbidden, "can only modify delegated trixels", "")
		return
	}

	entry, err := th.engine.trixelMap.Upsert(ctx, trixelID, typ, sensorCount)
	if err != nil {
		th.handleServiceError(w, err, "Failed to update sensor count")
		return
	}

	th.writeJSONResponse(w, http.StatusOK, SensorCountUpdateResponse{
		ID:          entry.TrixelID,
		Type:        entry.Type,
		SensorCount: entry.SensorCount,
	})
}

// BatchUpdateSensorCount handles PUT /v1/trixel/sensor_count/{type}
func (th *TrixelHandlers) BatchUpdateSensorCount(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	tmsID, err := th.engine.authenticateTMS(r)
	if err != nil {
		th.writeErrorResponse(w, http.StatusUnauthorized, "invalid tms authentication token", "")
		return
	}

	typ, err := measurement.Parse(mux.Vars(r)["type"])
	if err != nil {
		th.writeErrorResponse(w, http.StatusBadRequest, "unsupported measurement type", err.Error())
		return
	}

	var updates BatchSensorCountUpdate
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		th.writeErrorResponse(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	trixelIDs := make([]int64, 0, len(updates))
	for trixelID, sensorCount := range updates {
		if sensorCount < 0 {
			th.writeErrorResponse(w, http.StatusBadRequest, "sensor_count must be a non-negative integer", "")
			return
		}
		trixelIDs = append(trixelIDs, trixelID)
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	owned, err := th.engine.delegations.OwnsAll(ctx, tmsID, trixelIDs)
	if err != nil {
		th.handleServiceError(w, err, "Failed to verify trixel ownership")
		return
	}
	if !owned {
		th.writeErrorResponse(w, http.StatusForbidden, "can only modify delegated trixels", "")
		return
	}

	if err := th.engine.trixelMap.BatchUpsert(ctx, typ, updates); err != nil {
		th.handleServiceError(w, err, "Failed to update sensor counts")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetResponsibleTMS handles GET /v1/trixel/{trixel_id}/TMS
func (th *TrixelHandlers) GetResponsibleTMS(w http.ResponseWriter, r *http.Request) {
	th.engine.TrackOperation()
	defer th.engine.UntrackOperation()

	trixelID, ok := th.trixelIDFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	owner, err := th.engine.delegations.ResolveOwner(ctx, trixelID)
	if err != nil {
		th.handleServiceError(w, err, "Failed to resolve trixel owner")
		return
	}
	if owner == nil {
		th.writeErrorResponse(w, http.StatusNotFound, "no responsible tms found", "")
		return
	}

	th.writeJSONResponse(w, http.StatusOK, TMSResponse{ID: owner.ID, Host: owner.Host, Active: owner.Active})
}

// trixelIDFromPath parses the trixel_id path variable, writing a 400
// response on failure.
func (th *TrixelHandlers) trixelIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["trixel_id"]
	trixelID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		th.writeErrorResponse(w, http.StatusBadRequest, "invalid trixel id", raw)
		return 0, false
	}
	return trixelID, true
}

// parsePagination reads limit/offset query parameters with defaults.
func parsePagination(r *http.Request) (int, int) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (th *TrixelHandlers) handleServiceError(w http.ResponseWriter, err error, defaultMessage string) {
	switch {
	case errors.Is(err, htm.ErrInvalidTrixelID):
		th.writeErrorResponse(w, http.StatusBadRequest, "invalid trixel id", "")
	case errors.Is(err, measurement.ErrUnknownType):
		th.writeErrorResponse(w, http.StatusBadRequest, "unsupported measurement type", "")
	case errors.Is(err, tms.ErrInvalidToken):
		th.writeErrorResponse(w, http.StatusUnauthorized, "invalid tms authentication token", "")
	case errors.Is(err, delegation.ErrTMSNotFound):
		th.writeErrorResponse(w, http.StatusNotFound, "tms not found", "")
	default:
		th.writeErrorResponse(w, http.StatusInternalServerError, "internal error", defaultMessage)
		th.engine.logger.Errorf("Trixel handler error: %v", err)
	}
}

func (th *TrixelHandlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		th.engine.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (th *TrixelHandlers) writeErrorResponse(w http.ResponseWriter, statusCode int, message, details string) {
	th.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   message,
		Message: details,
		Status:  StatusError,
	})
}
