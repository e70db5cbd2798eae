package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader    = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
	idempotencyKeyPrefix = "tsum:idempotency:"
	maxIdempotencyKeyLen = 255
)

type cachedResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	Headers    http.Header     `json:"headers"`
}

type captureWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Fingerprint extracts the fields of a request body that identify the
// operation. A reused Idempotency-Key with a different fingerprint is a new
// request.
type Fingerprint func(body []byte) string

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key. Server errors are not stored so the caller can retry.
// A nil client disables replay.
func IdempotencyMiddleware(client *goredis.Client, scope string, fingerprint Fingerprint) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(idempotencyHeader))
		if client == nil || c.Request.Method != http.MethodPost || key == "" || len(key) > maxIdempotencyKeyLen {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		cacheKey := idempotencyCacheKey(scope, key, body, fingerprint)

		cached, err := getCachedResponse(ctx, client, cacheKey)
		if err != nil && !errors.Is(err, goredis.Nil) {
			c.Next()
			return
		}
		if cached != nil {
			for k, values := range cached.Headers {
				for _, v := range values {
					c.Header(k, v)
				}
			}
			c.Header("Idempotent-Replayed", "true")
			c.Data(cached.StatusCode, "application/json; charset=utf-8", cached.Body)
			c.Abort()
			return
		}

		w := &captureWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = w

		c.Next()

		status := c.Writer.Status()
		if status >= 200 && status < 500 && w.body.Len() > 0 {
			_ = setCachedResponse(context.WithoutCancel(ctx), client, cacheKey, &cachedResponse{
				StatusCode: status,
				Body:       w.body.Bytes(),
				Headers:    responseHeaders(c),
			}, idempotencyTTL)
		}
	}
}

func idempotencyCacheKey(scope, key string, body []byte, fingerprint Fingerprint) string {
	subject := string(body)
	if fingerprint != nil {
		subject = fingerprint(body)
	}
	sum := sha256.Sum256([]byte(subject))
	return idempotencyKeyPrefix + scope + ":" + key + ":" + hex.EncodeToString(sum[:8])
}

func getCachedResponse(ctx context.Context, client *goredis.Client, key string) (*cachedResponse, error) {
	data, err := client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func setCachedResponse(ctx context.Context, client *goredis.Client, key string, response *cachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return client.SetNX(ctx, key, data, ttl).Err()
}

func responseHeaders(c *gin.Context) http.Header {
	headers := make(http.Header)
	if v := c.Writer.Header().Get("X-Request-Id"); v != "" {
		headers.Set("X-Original-Request-Id", v)
	}
	return headers
}
