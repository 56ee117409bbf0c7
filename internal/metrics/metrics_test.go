package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGaugesDoNotPanic(t *testing.T) {
	IncRegisterRead("plc-001", "temperature", "ok")
	ObserveReadDuration("plc-001", "temperature", 5*time.Millisecond)
	SetRegisterValue("plc-001", "temperature", 25.0)
	IncError("plc-001", "timeout")
	SetDeviceConnected("plc-001", true)
	IncMQTTPublish("plc-001", "temperature", "ok")
	SetMQTTConnected(true)
	SetActiveDevices(3)
	ObservePollCycle("plc-001", 10*time.Millisecond)
	SetWebSocketConnections(2)
}

func TestHandlerExposesRegisteredSeries(t *testing.T) {
	SetActiveDevices(7)

	app := fiber.New()
	app.Get("/metrics", Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "modbridge_active_devices")
}
