package server

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	"github.com/smallbiznis/rewardsync/internal/observability/logger"
	"go.uber.org/zap"
)

const maxIngestBodyBytes = 1 << 20

// BearerTokenRequired compares the Authorization bearer token against token in
// constant time. An empty token disables the check.
func BearerTokenRequired(token, actorID string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token != "" {
			header := strings.TrimSpace(c.GetHeader("Authorization"))
			parts := strings.Fields(header)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
				subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				AbortWithError(c, ErrUnauthorized)
				return
			}
		}

		ctx := logger.WithActor(c.Request.Context(), string(auditdomain.ActorTypeAdmin), actorID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type ingestRateLimitKey struct {
	ProviderID string `json:"provider_id"`
}

// IngestRateLimit throttles reward events per provider. The body is peeked and
// restored so the handler can bind it again.
func (s *Server) IngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ingestLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		providerID, err := readIngestProvider(c)
		if err != nil {
			logger.FromContext(ctx).Warn("ingest rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if providerID == "" {
			c.Next()
			return
		}
		c.Set("provider_id", providerID)

		res := s.ingestLimiter.AllowProvider(ctx, providerID)
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			logger.FromContext(ctx).Warn("reward event ingest rate limit exceeded", zap.String("provider_id", providerID))
			s.httpMetrics.IncIngestThrottled(providerID)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func readIngestProvider(c *gin.Context) (string, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBodyBytes))
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload ingestRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.ToLower(strings.TrimSpace(payload.ProviderID)), nil
}
