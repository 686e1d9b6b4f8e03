package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/louisbranch/signet/internal/idempotency"
	apperrors "github.com/louisbranch/signet/internal/platform/errors"
	"github.com/louisbranch/signet/internal/platform/id"
)

type contextKey string

const correlationContextKey contextKey = "correlation-id"

const (
	correlationHeader    = "X-Correlation-Id"
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotency-Replayed"
)

// correlationID returns the request's correlation id, if any.
func correlationID(ctx context.Context) string {
	value, _ := ctx.Value(correlationContextKey).(string)
	return value
}

// withCorrelation assigns each request a correlation id, honoring one the
// caller already carries, and echoes it on the response.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlation := strings.TrimSpace(r.Header.Get(correlationHeader))
		if correlation == "" {
			generated, err := id.NewID()
			if err == nil {
				correlation = generated
			}
		}
		w.Header().Set(correlationHeader, correlation)
		ctx := context.WithValue(r.Context(), correlationContextKey, correlation)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseRecorder buffers a handler's response so it can be persisted for
// replay before reaching the client.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }

func (r *responseRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *responseRecorder) flush(w http.ResponseWriter) {
	for name, values := range r.header {
		for _, value := range values {
			w.Header().Set(name, value)
		}
	}
	w.WriteHeader(r.status)
	_, _ = w.Write(r.body.Bytes())
}

// withIdempotency arbitrates requests carrying an Idempotency-Key header so
// each key executes its operation at most once. Requests without the
// header pass through untouched.
func (s *Server) withIdempotency(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
		if key == "" || s.coordinator == nil {
			next(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "read request body", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
		decision, err := s.coordinator.Begin(r.Context(), key, fingerprint)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if decision.Kind == idempotency.Replay {
			w.Header().Set(replayedHeader, "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(decision.ResponseStatus)
			_, _ = w.Write(decision.ResponseBody)
			return
		}

		recorder := newResponseRecorder()
		next(recorder, r)

		// 5xx outcomes stay in progress: the operation's fate is unknown,
		// so the record is left for the liveness takeover instead of
		// being replayed forever.
		switch {
		case recorder.status < 400:
			_ = s.coordinator.Complete(r.Context(), key, recorder.status, recorder.body.Bytes())
		case recorder.status < 500:
			_ = s.coordinator.Fail(r.Context(), key, recorder.status, recorder.body.Bytes())
		}
		recorder.flush(w)
	})
}
