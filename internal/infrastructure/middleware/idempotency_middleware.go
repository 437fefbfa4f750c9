package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/monitoring"
	apperrors "livegrid/pkg/errors"
	"livegrid/pkg/logger"
	"livegrid/pkg/tracing"
	"livegrid/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"

	HTTPIdempotencyKeyPrefix = "livegrid:idempotency:http:"

	idempotencyWriteTimeout = 5 * time.Second
)

// replayedHeaders are the response headers stored alongside the body.
var replayedHeaders = []string{"Content-Type", "Location"}

type cachedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// capturingWriter tees the response body so it can be cached after the
// handler returns.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// IdempotencyMiddleware replays the stored response of an earlier mutating
// request that carried the same Idempotency-Key, method and path. Store
// failures never fail the request; the middleware logs and passes through.
// 5xx responses are not stored so that clients can retry them. Register it
// outside ErrorHandlerMiddleware so rendered errors are captured.
func IdempotencyMiddleware(store ports.SharedStore, ttl time.Duration, metrics *monitoring.PrometheusCollector, log *zap.SugaredLogger) gin.HandlerFunc {
	ctxLogger := logger.NewContextLogger(log)

	return func(c *gin.Context) {
		token := c.GetHeader(IdempotencyKeyHeader)
		if token == "" || !isMutating(c.Request.Method) {
			c.Next()
			return
		}
		if err := validation.ValidateIdempotencyKey(token); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   string(apperrors.ErrCodeInvalidInput),
				"message": err.Error(),
			})
			return
		}

		ctx := c.Request.Context()
		l := ctxLogger.For(ctx)
		key := httpIdempotencyKey(c.Request.Method, c.Request.URL.Path, token)

		if cached, ok := lookupResponse(ctx, store, key, l); ok {
			metrics.RecordIdempotencyHit("http")
			tracing.AddSpanAttributes(ctx, tracing.IdempotencyKey.Bool(true))
			for name, value := range cached.Headers {
				c.Writer.Header().Set(name, value)
			}
			c.Writer.Header().Set(ReplayedHeader, "true")
			c.Writer.WriteHeader(cached.Status)
			_, _ = c.Writer.WriteString(cached.Body)
			c.Abort()
			return
		}

		writer := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		status := writer.Status()
		if status >= http.StatusInternalServerError || (len(c.Errors) > 0 && !writer.Written()) {
			return
		}

		entry := cachedResponse{
			Status:  status,
			Body:    writer.body.String(),
			Headers: make(map[string]string, len(replayedHeaders)),
		}
		for _, name := range replayedHeaders {
			if v := writer.Header().Get(name); v != "" {
				entry.Headers[name] = v
			}
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			l.Warnw("failed to encode idempotent response", "error", err)
			return
		}

		storeCtx := context.WithoutCancel(ctx)
		go func() {
			ctx, cancel := context.WithTimeout(storeCtx, idempotencyWriteTimeout)
			defer cancel()
			if err := store.Set(ctx, key, string(payload), ttl); err != nil {
				l.Warnw("failed to store idempotent response", "error", err)
			}
		}()
	}
}

func lookupResponse(ctx context.Context, store ports.SharedStore, key string, l *zap.SugaredLogger) (*cachedResponse, bool) {
	raw, found, err := store.Get(ctx, key)
	if err != nil {
		l.Warnw("idempotency lookup failed, executing request", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var cached cachedResponse
	if err := json.Unmarshal([]byte(raw), &cached); err != nil || cached.Status == 0 {
		l.Warnw("discarding unreadable idempotent response", "error", err)
		return nil, false
	}
	return &cached, true
}

func httpIdempotencyKey(method, path, token string) string {
	sum := sha256.Sum256([]byte(method + "\n" + path + "\n" + token))
	return HTTPIdempotencyKeyPrefix + hex.EncodeToString(sum[:])
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
