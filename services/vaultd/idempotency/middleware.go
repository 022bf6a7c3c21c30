package idempotency

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vaultchain/observability"
)

// HeaderKey carries the client supplied idempotency key.
const HeaderKey = "Idempotency-Key"

const maxBody = 1 << 20

// SubjectFunc resolves the authenticated caller of a request.
type SubjectFunc func(*http.Request) string

// Middleware replays responses for repeated idempotency keys. Keys are scoped
// to the authenticated subject; reusing one for a different request yields
// 409. Only 2xx responses are cached so failed attempts can be retried.
type Middleware struct {
	store   *Store
	ttl     time.Duration
	subject SubjectFunc
	logger  *slog.Logger
	now     func() time.Time
}

// NewMiddleware constructs the replay middleware.
func NewMiddleware(store *Store, ttl time.Duration, subject SubjectFunc, logger *slog.Logger) *Middleware {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if subject == nil {
		subject = func(*http.Request) string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{store: store, ttl: ttl, subject: subject, logger: logger, now: time.Now}
}

// Handler wraps next with replay semantics.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" || m == nil || m.store == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read request body")
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		subject := m.subject(r)
		scoped := subject + "|" + key
		fingerprint := Fingerprint(r.Method, r.URL.Path, subject, body)
		now := m.now()

		record, ok, err := m.store.Get(scoped, now)
		if err != nil {
			m.logger.Error("idempotency lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}
		if ok {
			if record.Fingerprint != fingerprint {
				writeError(w, http.StatusConflict, ErrFingerprintMismatch.Error())
				return
			}
			observability.Vaultd().RecordReplay()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status < 200 || status >= 300 {
			return
		}
		if err := m.store.Put(scoped, Record{
			StatusCode:  status,
			Body:        recorder.buf.Bytes(),
			Fingerprint: fingerprint,
			StoredAt:    now,
			ExpiresAt:   now.Add(m.ttl),
		}); err != nil {
			m.logger.Warn("idempotency persist failed", "error", err)
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
