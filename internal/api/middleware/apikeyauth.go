package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// APIKeyAuthConfig is a shared-secret X-API-Key check: a request is
// authorized if its key matches any one of APIKeys, checked by exact match,
// with a list of paths exempt from the check. An ExcludePaths entry ending
// in "*" matches by prefix, otherwise it must match the request path
// exactly.
type APIKeyAuthConfig struct {
	Enabled      bool
	APIKeys      []string
	ExcludePaths []string
}

// APIKeyAuth returns a fiber.Handler enforcing cfg. When cfg.Enabled is
// false it's a no-op, so callers can wire it unconditionally.
func APIKeyAuth(cfg APIKeyAuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Enabled || isExcludedPath(c.Path(), cfg.ExcludePaths) {
			return c.Next()
		}

		key := c.Get("X-API-Key")
		if key == "" || !isValidKey(key, cfg.APIKeys) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "missing or invalid X-API-Key header",
			})
		}
		return c.Next()
	}
}

func isValidKey(provided string, configured []string) bool {
	for _, k := range configured {
		if k != "" && provided == k {
			return true
		}
	}
	return false
}

func isExcludedPath(path string, excluded []string) bool {
	for _, p := range excluded {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}
