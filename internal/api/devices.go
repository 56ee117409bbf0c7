// Package api implements the bridge's REST surface: device/register reads
// from the Register Store, register writes through the Write Coordinator,
// and the WebSocket upgrade.
package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/modbridge/modbridge/internal/bus"
	"github.com/modbridge/modbridge/internal/store"
	"github.com/modbridge/modbridge/internal/wsapi"
	"github.com/modbridge/modbridge/internal/write"
)

// Version is surfaced by /health and /api/info.
const Version = "1.0.0"

// State bundles everything the handlers need: the store to read from, the
// coordinator to write through, and the bus to hand new WebSocket
// connections.
type State struct {
	Store       *store.Store
	Coordinator *write.Coordinator
	Bus         *bus.Bus
}

// errBody is the shape of every non-2xx JSON response.
type errBody struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

func errJSON(c *fiber.Ctx, code int, message string) error {
	return c.Status(code).JSON(errBody{Error: message, Code: code})
}

// Register wires every route this package serves onto app.
func Register(app *fiber.App, state *State) {
	app.Get("/health", health)
	app.Get("/api/info", apiInfo)

	app.Get("/api/devices", state.listDevices)
	app.Get("/api/devices/:id", state.getDevice)
	app.Get("/api/devices/:id/registers", state.listRegisters)
	app.Get("/api/devices/:id/registers/:name", state.getRegister)
	app.Post("/api/devices/:id/registers/:name", state.writeRegister)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsapi.Handle(state.Bus)))
}

func health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "version": Version})
}

func apiInfo(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":    "modbridge",
		"version": Version,
		"endpoints": fiber.Map{
			"GET /health":                                 "liveness and version",
			"GET /api/info":                                "this endpoint catalog",
			"GET /api/devices":                             "list configured devices",
			"GET /api/devices/{id}":                        "device detail with all registers",
			"GET /api/devices/{id}/registers":               "list a device's registers",
			"GET /api/devices/{id}/registers/{name}":        "read a single register",
			"POST /api/devices/{id}/registers/{name}":       "write a single holding register",
			"GET /ws":                                      "WebSocket upgrade for live updates",
			"GET /metrics":                                 "Prometheus text exposition",
		},
	})
}

type registerJSON struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Raw       []uint16  `json:"raw"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func toJSON(name string, v store.Value) registerJSON {
	return registerJSON{Name: name, Value: v.Value, Raw: v.Raw, Unit: v.Unit, Timestamp: v.Timestamp}
}

func (s *State) listDevices(c *fiber.Ctx) error {
	ids := s.Store.Devices()
	devices := make([]fiber.Map, 0, len(ids))
	for _, id := range ids {
		regs, _ := s.Store.Device(id)
		var lastUpdate *time.Time
		for _, v := range regs {
			if lastUpdate == nil || v.Timestamp.After(*lastUpdate) {
				t := v.Timestamp
				lastUpdate = &t
			}
		}
		devices = append(devices, fiber.Map{
			"id":             id,
			"register_count": len(regs),
			"last_update":    lastUpdate,
		})
	}
	return c.JSON(fiber.Map{"devices": devices, "count": len(devices)})
}

func (s *State) getDevice(c *fiber.Ctx) error {
	id := c.Params("id")
	regs, ok := s.Store.Device(id)
	if !ok {
		return errJSON(c, fiber.StatusNotFound, "Device not found")
	}
	out := make([]registerJSON, 0, len(regs))
	for name, v := range regs {
		out = append(out, toJSON(name, v))
	}
	return c.JSON(fiber.Map{"id": id, "registers": out, "register_count": len(out)})
}

func (s *State) listRegisters(c *fiber.Ctx) error {
	id := c.Params("id")
	regs, ok := s.Store.Device(id)
	if !ok {
		return errJSON(c, fiber.StatusNotFound, "Device not found")
	}
	out := make([]registerJSON, 0, len(regs))
	for name, v := range regs {
		out = append(out, toJSON(name, v))
	}
	return c.JSON(out)
}

func (s *State) getRegister(c *fiber.Ctx) error {
	id, name := c.Params("id"), c.Params("name")
	v, ok := s.Store.Register(id, name)
	if !ok {
		return errJSON(c, fiber.StatusNotFound, "Register not found")
	}
	return c.JSON(toJSON(name, v))
}

type writeRequestBody struct {
	Value uint16 `json:"value"`
}

func (s *State) writeRegister(c *fiber.Ctx) error {
	id, name := c.Params("id"), c.Params("name")

	var body writeRequestBody
	if err := c.BodyParser(&body); err != nil {
		return errJSON(c, fiber.StatusBadRequest, "invalid request body")
	}

	err := s.Coordinator.Submit(c.Context(), write.Request{
		DeviceID:     id,
		RegisterName: name,
		Value:        body.Value,
	})
	if err != nil {
		if errors.Is(err, write.ErrUnknownDevice) {
			return errJSON(c, fiber.StatusNotFound, "Device not found")
		}
		if errors.Is(err, write.ErrTimeout) {
			return errJSON(c, write.ClassifyStatus(err), "Write timeout")
		}
		return errJSON(c, write.ClassifyStatus(err), err.Error())
	}

	return c.JSON(fiber.Map{"success": true, "value_written": body.Value})
}
