package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	// AllowedOrigins may open websocket and fetch connections to the API.
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets the response hardening headers. The API serves JSON
// only, so the content policy forbids everything but connections back to
// itself and the allowed origins.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := "default-src 'none'; " +
		"connect-src " + connectSrc(cfg.AllowedOrigins) + "; " +
		"frame-ancestors 'none'; " +
		"base-uri 'none'; " +
		"form-action 'none'"

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Cache-Control", "no-store")
		c.Set("Content-Security-Policy", csp)

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		return c.Next()
	}
}

func connectSrc(origins []string) string {
	parts := []string{"'self'"}
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" && o != "*" {
			parts = append(parts, o)
		}
	}
	return strings.Join(parts, " ")
}
