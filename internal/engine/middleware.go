package engine

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Middleware contains the request tracking middleware.
type Middleware struct {
	engine *Engine
}

// NewMiddleware creates a new middleware instance.
func NewMiddleware(engine *Engine) *Middleware {
	return &Middleware{
		engine: engine,
	}
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogging assigns every request an ID and logs method, path, status
// and duration on completion.
func (m *Middleware) RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)

		m.engine.logger.Debugf("[%s] %s %s -> %d in %s",
			requestID, r.Method, r.URL.Path, recorder.status, duration)
	})
}
