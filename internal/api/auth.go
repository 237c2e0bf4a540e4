package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// APIKeyMiddleware enforces the optional API key. The key travels either in
// the X-API-Key header or the api_key query parameter. With required=false
// every request passes; /health is registered outside the protected group
// and never sees this middleware.
func APIKeyMiddleware(apiKey string, required bool, log *logrus.Logger) gin.HandlerFunc {
	if !required {
		if apiKey != "" {
			log.Warn("API_KEY is set but REQUIRE_API_KEY is false; the key is not enforced")
		}
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		presented := c.GetHeader("X-API-Key")
		if presented == "" {
			presented = c.Query("api_key")
		}
		if presented == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing API key",
				"hint":  "Provide it via the X-API-Key header or api_key query parameter",
			})
			c.Abort()
			return
		}

		// Constant-time comparison to prevent timing-based key enumeration.
		if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}
