package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityConfig controls the hardening headers set on every response.
type SecurityConfig struct {
	// HSTSMaxAge of zero disables Strict-Transport-Security.
	HSTSMaxAge time.Duration
	// NoStore marks responses uncacheable. Notification payloads are per-user.
	NoStore bool
}

// DefaultSecurityConfig suits a JSON API that never serves documents.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		HSTSMaxAge: 365 * 24 * time.Hour,
		NoStore:    true,
	}
}

// SecurityHeaders sets a fixed header block computed once at startup.
func SecurityHeaders(config SecurityConfig) gin.HandlerFunc {
	headers := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	if config.HSTSMaxAge > 0 {
		headers["Strict-Transport-Security"] = fmt.Sprintf("max-age=%d; includeSubDomains", int(config.HSTSMaxAge.Seconds()))
	}
	if config.NoStore {
		headers["Cache-Control"] = "no-store"
	}

	return func(c *gin.Context) {
		for k, v := range headers {
			c.Header(k, v)
		}
		c.Next()
	}
}
