package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(cfg APIKeyAuthConfig) *fiber.App {
	app := fiber.New()
	app.Use(APIKeyAuth(cfg))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/api/devices", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestAPIKeyAuthDisabledAllowsAll(t *testing.T) {
	app := newTestApp(APIKeyAuthConfig{Enabled: false})
	req := httptest.NewRequest("GET", "/api/devices", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPIKeyAuthMissingKeyRejected(t *testing.T) {
	app := newTestApp(APIKeyAuthConfig{Enabled: true, APIKeys: []string{"secret"}})
	req := httptest.NewRequest("GET", "/api/devices", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAPIKeyAuthWrongKeyRejected(t *testing.T) {
	app := newTestApp(APIKeyAuthConfig{Enabled: true, APIKeys: []string{"secret"}})
	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAPIKeyAuthCorrectKeyAccepted(t *testing.T) {
	app := newTestApp(APIKeyAuthConfig{Enabled: true, APIKeys: []string{"secret"}})
	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPIKeyAuthAcceptsAnyConfiguredKey(t *testing.T) {
	app := newTestApp(APIKeyAuthConfig{Enabled: true, APIKeys: []string{"secret", "second-op-key"}})

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "second-op-key")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPIKeyAuthExactExcludedPath(t *testing.T) {
	app := newTestApp(APIKeyAuthConfig{Enabled: true, APIKeys: []string{"secret"}, ExcludePaths: []string{"/health"}})
	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPIKeyAuthWildcardExcludedPath(t *testing.T) {
	app := fiber.New()
	app.Use(APIKeyAuth(APIKeyAuthConfig{Enabled: true, APIKeys: []string{"secret"}, ExcludePaths: []string{"/api/devices*"}}))
	app.Get("/api/devices/plc-001", func(c *fiber.Ctx) error { return c.SendString("ok") })
	req := httptest.NewRequest("GET", "/api/devices/plc-001", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestIsExcludedPathNonMatchingPrefixIsNotExcluded(t *testing.T) {
	assert.False(t, isExcludedPath("/api/other", []string{"/api/devices*"}))
}
