// Package bridge wires the Register Store, Update Bus, Write Coordinator,
// per-device Poll Loops and MQTT Publisher into one running process. The
// HTTP server is built and started by cmd/modbridge.
package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/modbridge/modbridge/internal/bus"
	"github.com/modbridge/modbridge/internal/config"
	"github.com/modbridge/modbridge/internal/modbus"
	"github.com/modbridge/modbridge/internal/mqttpub"
	"github.com/modbridge/modbridge/internal/poll"
	"github.com/modbridge/modbridge/internal/store"
	"github.com/modbridge/modbridge/internal/write"
)

// Bridge owns every long-lived component and the per-device goroutines
// that drive them.
type Bridge struct {
	Store       *store.Store
	Bus         *bus.Bus
	Coordinator *write.Coordinator
	MQTT        *mqttpub.Publisher

	devices []modbus.DeviceConfig
	log     *zap.Logger
	wg      sync.WaitGroup
}

// New builds a Bridge from a loaded Config. It connects to MQTT eagerly
// (when enabled) so a broker misconfiguration fails fast at startup rather
// than silently after the first poll cycle.
func New(cfg *config.Config) (*Bridge, error) {
	devices := make([]modbus.DeviceConfig, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, toModbusDeviceConfig(d))
	}

	b := &Bridge{
		Store:       store.New(),
		Bus:         bus.New(1024),
		Coordinator: write.New(write.DefaultQueueDepth),
		devices:     devices,
		log:         zap.L().Named("bridge"),
	}

	if cfg.MQTT.Enabled {
		pub, err := mqttpub.New(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		b.MQTT = pub
	}

	return b, nil
}

func toModbusDeviceConfig(d config.DeviceConfig) modbus.DeviceConfig {
	out := modbus.DeviceConfig{
		ID:             d.ID,
		Name:           d.Name,
		Transport:      modbus.Transport(d.Transport),
		PollIntervalMs: d.PollIntervalMs,
	}
	if d.TCP != nil {
		out.TCP = &modbus.TCPConnection{Host: d.TCP.Host, Port: d.TCP.Port, UnitID: d.TCP.UnitID}
	}
	if d.RTU != nil {
		out.RTU = &modbus.RTUConnection{
			Port:     d.RTU.Port,
			BaudRate: d.RTU.BaudRate,
			DataBits: d.RTU.DataBits,
			StopBits: d.RTU.StopBits,
			Parity:   d.RTU.Parity,
			UnitID:   d.RTU.UnitID,
		}
	}
	for _, r := range d.Registers {
		out.Registers = append(out.Registers, modbus.RegisterDescriptor{
			Name:     r.Name,
			Address:  r.Address,
			Kind:     modbus.Kind(r.RegisterType),
			Count:    r.Count,
			DataType: modbus.DataType(r.DataType),
			Unit:     r.Unit,
			Scale:    r.Scale,
			Offset:   r.Offset,
		})
	}
	return out
}

// Run starts one poll loop per device (and the MQTT publisher, if
// configured) and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if b.MQTT != nil {
		sub := b.Bus.Subscribe()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.MQTT.Run(sub)
		}()
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}

	for _, cfg := range b.devices {
		if err := cfg.Validate(); err != nil {
			b.log.Error("skipping invalid device", zap.String("device", cfg.ID), zap.Error(err))
			continue
		}

		sess, err := modbus.NewSession(cfg)
		if err != nil {
			b.log.Error("skipping device, failed to build session", zap.String("device", cfg.ID), zap.Error(err))
			continue
		}

		b.Store.EnsureDevice(cfg.ID)
		mailbox := b.Coordinator.Register(cfg.ID)
		loop := poll.New(cfg, sess, b.Store, b.Bus, mailbox)

		b.wg.Add(1)
		go func(deviceID string) {
			defer b.wg.Done()
			defer b.Coordinator.Unregister(deviceID)
			loop.Run(ctx)
		}(cfg.ID)
	}

	<-ctx.Done()
	b.wg.Wait()

	if b.MQTT != nil {
		b.MQTT.Close()
	}
	return nil
}

// DeviceCount reports how many devices were configured, for the
// modbridge_active_devices gauge.
func (b *Bridge) DeviceCount() int {
	return len(b.devices)
}
