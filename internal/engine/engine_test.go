package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trixelservice/trixellookup/pkg/config"
	"github.com/trixelservice/trixellookup/pkg/logger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.New()
	log := logger.New("trixellookup", "test")
	engine := NewEngine(cfg, log, nil, "1.0.0")
	return NewServer(engine)
}

func TestHandlePing(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp PingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pong", resp.Ping)
}

func TestHandleVersion(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp VersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1.0.0", resp.Version)
}

func TestHandleHealthNotRunning(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "trixellookup", resp.Service)
}

func TestRequestIDHeader(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUpdateSensorCountRequiresToken(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut,
		"/v1/trixel/141/sensor_count/ambient_temperature?sensor_count=3", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusError, resp.Status)
}

func TestValidateTokenWithoutToken(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/TMS/1/validate_token", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterTMSRequiresHost(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/TMS", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSubTrixelsRejectsOverflowingID(t *testing.T) {
	server := newTestServer(t)

	// Digits only, but too large for an int64 trixel ID.
	req := httptest.NewRequest(http.MethodGet, "/v1/trixel/99999999999999999999999999", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid trixel id", resp.Error)
}

func TestListTMSRejectsBadActiveFilter(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/TMS?active=maybe", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// failingResponseWriter rejects every write so encode failures can be
// observed.
type failingResponseWriter struct {
	header http.Header
}

func (f *failingResponseWriter) Header() http.Header {
	return f.header
}

func (f *failingResponseWriter) WriteHeader(int) {}

func (f *failingResponseWriter) Write([]byte) (int, error) {
	return 0, errors.New("client went away")
}

func TestWriteJSONResponseLogsEncodeFailure(t *testing.T) {
	server := newTestServer(t)

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	server.writeJSONResponse(&failingResponseWriter{header: http.Header{}}, http.StatusOK, PingResponse{Ping: "pong"})

	w.Close()
	os.Stdout = old
	out, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Contains(t, string(out), "Failed to encode JSON response")
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "/v1/trixel", defaultListLimit, 0},
		{"explicit", "/v1/trixel?limit=10&offset=20", 10, 20},
		{"negative limit ignored", "/v1/trixel?limit=-1", defaultListLimit, 0},
		{"garbage ignored", "/v1/trixel?limit=abc&offset=xyz", defaultListLimit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			limit, offset := parsePagination(req)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}
