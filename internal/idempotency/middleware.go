package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-lifecycle/internal/auth"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	maxKeyLength = 255
	maxBodyBytes = 1 << 20
)

// Middleware replays the stored response for a repeated Idempotency-Key. Keys are scoped to the
// authenticated user. The same key with a different request body is a conflict. Requests without
// the header pass through untouched.
//
// A store outage does not block the request: the handlers below are safe to repeat on their own
// (checkout empties the cart, refunds are bounded by the remaining amount).
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				writeError(w, http.StatusBadRequest, "Idempotency-Key is too long")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, "Failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			userID := ""
			if p, ok := auth.CurrentUser(r.Context()); ok {
				userID = p.UserID.String()
			}
			scoped := userID + ":" + key
			hash := requestHash(r, body, userID)

			ctx := r.Context()
			reserved, err := store.Reserve(ctx, scoped, Record{RequestHash: hash, CreatedAt: time.Now().UTC()}, ttl)
			if err != nil {
				log.Error().Err(err).Str("idempotency_key", key).Msg("idempotency: store unavailable, serving request without replay protection")
				next.ServeHTTP(w, r)
				return
			}

			if !reserved {
				existing, err := store.Get(ctx, scoped)
				if err != nil {
					log.Error().Err(err).Str("idempotency_key", key).Msg("idempotency: failed to load stored response")
					writeError(w, http.StatusInternalServerError, "Idempotency lookup failed")
					return
				}
				if existing != nil {
					replay(w, existing, hash, key)
					return
				}
				// expired between Reserve and Get
			}

			crw := newCaptureResponseWriter(w)
			next.ServeHTTP(crw, r)

			// Server errors are not stored so the client can retry with the same key.
			if crw.Status() >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped); err != nil {
					log.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency: failed to release key")
				}
				return
			}

			rec := Record{
				RequestHash: hash,
				Completed:   true,
				Status:      crw.Status(),
				ContentType: crw.Header().Get("Content-Type"),
				Body:        crw.BodyBytes(),
				CreatedAt:   time.Now().UTC(),
			}
			if err := store.Complete(ctx, scoped, rec, ttl); err != nil {
				log.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency: failed to store response")
			}
		})
	}
}

func replay(w http.ResponseWriter, rec *Record, hash, key string) {
	if rec.RequestHash != hash {
		log.Warn().Str("idempotency_key", key).Msg("idempotency: key reused with a different request")
		writeError(w, http.StatusConflict, "Idempotency-Key was already used for a different request")
		return
	}
	if !rec.Completed {
		writeError(w, http.StatusConflict, "A request with this Idempotency-Key is still in progress")
		return
	}

	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}

func requestHash(r *http.Request, body []byte, userID string) string {
	h := sha256.New()
	h.Write([]byte(r.Method + ":" + r.URL.Path + ":" + userID + ":"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, message)
}

type captureResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	buf         bytes.Buffer
	wroteHeader bool
}

func newCaptureResponseWriter(w http.ResponseWriter) *captureResponseWriter {
	return &captureResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (c *captureResponseWriter) WriteHeader(statusCode int) {
	if c.wroteHeader {
		return
	}
	c.statusCode = statusCode
	c.wroteHeader = true
	c.ResponseWriter.WriteHeader(statusCode)
}

func (c *captureResponseWriter) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *captureResponseWriter) Status() int {
	return c.statusCode
}

func (c *captureResponseWriter) BodyBytes() []byte {
	return c.buf.Bytes()
}
