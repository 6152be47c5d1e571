// Package httpx holds the gin helpers shared by the API handlers.
package httpx

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/viewpay/viewpay/internal/apperr"
	"github.com/viewpay/viewpay/internal/logging"
	"github.com/viewpay/viewpay/internal/validation"
)

// ActorHeader carries the authenticated caller's identity. Authentication
// itself happens upstream.
const ActorHeader = "X-Actor-ID"

const actorKey = "actorID"

// ActorMiddleware rejects requests without an actor and stores the actor
// on the gin and request contexts.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHENTICATED",
				"message": ActorHeader + " header is required",
			})
			return
		}
		c.Set(actorKey, actor)
		c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), actor))
		c.Next()
	}
}

// Actor returns the caller set by ActorMiddleware.
func Actor(c *gin.Context) string {
	return c.GetString(actorKey)
}

// Error renders err as {"error": code, "message": msg}.
func Error(c *gin.Context, err error) {
	status := apperr.Status(err)
	code, msg := apperr.Public(err)
	body := gin.H{"error": code, "message": msg}
	if details := validation.Details(err); len(details) > 0 {
		body["details"] = details
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error("request failed",
			"path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

// Limit reads ?limit= clamped to [1, max], defaulting to def.
func Limit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
