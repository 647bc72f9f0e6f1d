package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/example/storefront-orders/internal/infrastructure/idempotency"
	"github.com/example/storefront-orders/internal/logging"
	"go.uber.org/zap"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
	maxKeyLength      = 255
	maxBodyBytes      = 1 << 20
)

// Idempotency replays the stored response when a client repeats a request
// with the same Idempotency-Key. Keys are scoped to the authenticated user.
// Server errors release the key so the client can retry.
func Idempotency(store idempotency.Store, ttl time.Duration, fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				respondError(w, "Idempotency-Key is too long", http.StatusBadRequest)
				return
			}
			log := logging.FromContext(r.Context(), fallback)

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondError(w, "request body is too large", http.StatusRequestEntityTooLarge)
					return
				}
				respondError(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scoped := GetUserID(r.Context()) + ":" + key
			fingerprint := requestFingerprint(r, body)

			existing, started, err := store.Begin(r.Context(), scoped, fingerprint, ttl)
			if err != nil {
				log.Warn("idempotency store unavailable, processing without it", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !started {
				switch {
				case existing.Fingerprint != fingerprint:
					respondError(w, "Idempotency-Key was already used for a different request", http.StatusUnprocessableEntity)
				case existing.State != idempotency.StateCompleted:
					respondError(w, "a request with this Idempotency-Key is still being processed", http.StatusConflict)
				default:
					if existing.ContentType != "" {
						w.Header().Set("Content-Type", existing.ContentType)
					}
					w.Header().Set(ReplayedHeader, "true")
					w.WriteHeader(existing.StatusCode)
					_, _ = w.Write(existing.Body)
				}
				return
			}

			rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The client may have gone away already.
			ctx := context.WithoutCancel(r.Context())
			if rec.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped); err != nil {
					log.Warn("failed to release idempotency key", zap.Error(err))
				}
				return
			}
			err = store.Complete(ctx, scoped, idempotency.Record{
				Fingerprint: fingerprint,
				StatusCode:  rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}, ttl)
			if err != nil {
				log.Warn("failed to store idempotent response", zap.Error(err))
			}
		})
	}
}

func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// capturingWriter passes the response through while keeping a copy.
type capturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.status = status
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
