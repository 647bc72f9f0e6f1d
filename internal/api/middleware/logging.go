package middleware

import (
	"net/http"
	"time"

	"github.com/example/storefront-orders/internal/logging"
	chiMid "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Logger attaches a request-scoped zap logger to the context and writes one
// line per request.
func Logger(base *zap.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rid := chiMid.GetReqID(r.Context())
			reqLogger := base.With(zap.String("request_id", rid))

			ww := chiMid.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), reqLogger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_ip", r.RemoteAddr),
			}
			if uid := GetUserID(r.Context()); uid != "" {
				fields = append(fields, zap.String("user_id", uid))
			}
			if status >= http.StatusInternalServerError {
				reqLogger.Warn("request", fields...)
				return
			}
			reqLogger.Info("request", fields...)
		})
	}
}
