package syncproto

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"messaging-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Middleware verifies the signed control protocol on worker-plane routes.
//
// Security posture:
// - Protocol errors are rejected before any handler side effect.
// - Rejections are logged as security-relevant events (signature mismatches
//   and replays can indicate probing).
// - The body is re-buffered so downstream handlers can bind it normally.

type MiddlewareConfig struct {
	Secret []byte
	Window time.Duration
	Replay ReplayCache

	// Clock is injectable for tests.
	Clock func() time.Time
}

func Middleware(cfg MiddlewareConfig) gin.HandlerFunc {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return func(c *gin.Context) {
		log := logger.FromGin(c)

		tsRaw := c.GetHeader(HeaderTimestamp)
		nonce := c.GetHeader(HeaderNonce)
		sig := c.GetHeader(HeaderSignature)
		if tsRaw == "" || nonce == "" || sig == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing signature headers"})
			return
		}
		ts, err := strconv.ParseInt(tsRaw, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed timestamp"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if err := Verify(cfg.Secret, body, ts, sig, cfg.Clock(), cfg.Window); err != nil {
			log.Warn("signed request rejected",
				"reason", err.Error(), "path", c.FullPath(), "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		seen, err := cfg.Replay.Seen(c.Request.Context(), nonce, cfg.Window)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "replay cache unavailable"})
			return
		}
		if seen {
			log.Warn("replayed request rejected",
				"nonce", nonce, "path", c.FullPath(), "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "replay detected"})
			return
		}

		c.Next()
	}
}
