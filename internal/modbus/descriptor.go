// Package modbus implements the Modbus TCP/RTU transports, the register
// decoder, and the per-device session that the poll loop drives.
package modbus

import "fmt"

// Kind identifies which Modbus object space a register lives in.
type Kind string

const (
	KindHolding  Kind = "holding"
	KindInput    Kind = "input"
	KindCoil     Kind = "coil"
	KindDiscrete Kind = "discrete"
)

// DataType identifies how raw register words decode into an engineering value.
type DataType string

const (
	TypeU16  DataType = "u16"
	TypeI16  DataType = "i16"
	TypeU32  DataType = "u32"
	TypeI32  DataType = "i32"
	TypeF32  DataType = "f32"
	TypeBool DataType = "bool"
)

// RegisterDescriptor names one value a device exposes and how to decode it.
// Descriptors are fixed at startup; nothing mutates them after a device is
// wired into a poll loop.
type RegisterDescriptor struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Address  uint16   `mapstructure:"address" yaml:"address"`
	Kind     Kind     `mapstructure:"kind" yaml:"kind"`
	Count    uint16   `mapstructure:"count" yaml:"count"`
	DataType DataType `mapstructure:"data_type" yaml:"data_type"`
	Unit     string   `mapstructure:"unit" yaml:"unit,omitempty"`
	Scale    *float64 `mapstructure:"scale" yaml:"scale,omitempty"`
	Offset   *float64 `mapstructure:"offset" yaml:"offset,omitempty"`
}

// WordCount returns how many 16-bit registers this descriptor spans, filling
// in the natural width for the data type when Count is left at zero.
func (d RegisterDescriptor) WordCount() uint16 {
	if d.Count != 0 {
		return d.Count
	}
	switch d.DataType {
	case TypeU32, TypeI32, TypeF32:
		return 2
	default:
		return 1
	}
}

// Validate checks a descriptor for the combinations the decoder and the
// session can actually act on.
func (d RegisterDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("register: name is required")
	}
	switch d.Kind {
	case KindHolding, KindInput, KindCoil, KindDiscrete:
	default:
		return fmt.Errorf("register %q: unknown kind %q", d.Name, d.Kind)
	}
	switch d.DataType {
	case TypeU16, TypeI16, TypeU32, TypeI32, TypeF32, TypeBool:
	default:
		return fmt.Errorf("register %q: unknown data_type %q", d.Name, d.DataType)
	}
	if (d.Kind == KindCoil || d.Kind == KindDiscrete) && d.DataType != TypeBool {
		return fmt.Errorf("register %q: coil/discrete registers must use data_type bool", d.Name)
	}
	return nil
}

// Transport selects which wire protocol a device session speaks.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportRTU Transport = "rtu"
)

// TCPConnection configures a Modbus TCP session.
type TCPConnection struct {
	Host   string `mapstructure:"host" yaml:"host"`
	Port   int    `mapstructure:"port" yaml:"port"`
	UnitID byte   `mapstructure:"unit_id" yaml:"unit_id"`
}

// RTUConnection configures a Modbus RTU session over a serial port.
type RTUConnection struct {
	Port     string `mapstructure:"port" yaml:"port"`
	BaudRate int    `mapstructure:"baud_rate" yaml:"baud_rate"`
	DataBits int    `mapstructure:"data_bits" yaml:"data_bits"`
	StopBits int    `mapstructure:"stop_bits" yaml:"stop_bits"`
	Parity   string `mapstructure:"parity" yaml:"parity"`
	UnitID   byte   `mapstructure:"unit_id" yaml:"unit_id"`
}

// DeviceConfig is the startup-immutable description of one polled device.
type DeviceConfig struct {
	ID             string                `mapstructure:"id" yaml:"id"`
	Name           string                `mapstructure:"name" yaml:"name,omitempty"`
	Transport      Transport             `mapstructure:"transport" yaml:"transport"`
	TCP            *TCPConnection        `mapstructure:"tcp" yaml:"tcp,omitempty"`
	RTU            *RTUConnection        `mapstructure:"rtu" yaml:"rtu,omitempty"`
	PollIntervalMs int64                 `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	Registers      []RegisterDescriptor  `mapstructure:"registers" yaml:"registers"`
}

// Validate checks that the device config names an implemented transport with
// its matching connection block and that every register is well-formed.
func (d DeviceConfig) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device: id is required")
	}
	switch d.Transport {
	case TransportTCP:
		if d.TCP == nil {
			return fmt.Errorf("device %q: transport tcp requires a tcp connection block", d.ID)
		}
	case TransportRTU:
		if d.RTU == nil {
			return fmt.Errorf("device %q: transport rtu requires an rtu connection block", d.ID)
		}
	default:
		return fmt.Errorf("device %q: unknown transport %q", d.ID, d.Transport)
	}
	if d.PollIntervalMs <= 0 {
		return fmt.Errorf("device %q: poll_interval_ms must be positive", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Registers))
	for _, r := range d.Registers {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("device %q: %w", d.ID, err)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("device %q: duplicate register name %q", d.ID, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}
