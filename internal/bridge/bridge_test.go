package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbridge/modbridge/internal/config"
	"github.com/modbridge/modbridge/internal/modbus"
)

func TestNewWithMQTTDisabledSkipsBrokerConnect(t *testing.T) {
	cfg := &config.Config{
		Devices: []config.DeviceConfig{
			{
				ID:             "plc-001",
				Transport:      "tcp",
				TCP:            &config.TCPConnection{Host: "127.0.0.1", Port: 502},
				PollIntervalMs: 1000,
				Registers: []config.RegisterConfig{
					{Name: "temperature", Address: 100, RegisterType: "holding", DataType: "u16"},
				},
			},
		},
	}

	b, err := New(cfg)
	require.NoError(t, err)
	assert.Nil(t, b.MQTT)
	assert.Equal(t, 1, b.DeviceCount())
}

func TestToModbusDeviceConfigMapsTCPAndRegisters(t *testing.T) {
	scale := 0.1
	d := config.DeviceConfig{
		ID:             "plc-001",
		Name:           "Test PLC",
		Transport:      "tcp",
		TCP:            &config.TCPConnection{Host: "10.0.0.5", Port: 502, UnitID: 1},
		PollIntervalMs: 500,
		Registers: []config.RegisterConfig{
			{Name: "temperature", Address: 100, RegisterType: "holding", Count: 1, DataType: "i16", Unit: "°C", Scale: &scale},
		},
	}

	out := toModbusDeviceConfig(d)

	assert.Equal(t, "plc-001", out.ID)
	assert.Equal(t, modbus.TransportTCP, out.Transport)
	require.NotNil(t, out.TCP)
	assert.Equal(t, "10.0.0.5", out.TCP.Host)
	assert.Nil(t, out.RTU)

	require.Len(t, out.Registers, 1)
	assert.Equal(t, modbus.KindHolding, out.Registers[0].Kind)
	assert.Equal(t, modbus.TypeI16, out.Registers[0].DataType)
	require.NotNil(t, out.Registers[0].Scale)
	assert.Equal(t, 0.1, *out.Registers[0].Scale)
}

func TestToModbusDeviceConfigMapsRTU(t *testing.T) {
	d := config.DeviceConfig{
		ID:        "sensor-001",
		Transport: "rtu",
		RTU:       &config.RTUConnection{Port: "/dev/ttyUSB0", BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N", UnitID: 3},
	}

	out := toModbusDeviceConfig(d)
	require.NotNil(t, out.RTU)
	assert.Equal(t, "/dev/ttyUSB0", out.RTU.Port)
	assert.Equal(t, 9600, out.RTU.BaudRate)
	assert.Nil(t, out.TCP)
}
