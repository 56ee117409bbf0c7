package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.bug.st/serial"
)

const rtuInterFrameDelay = 50 * time.Millisecond
const rtuReadTimeout = 1 * time.Second

type rtuSession struct {
	device   string
	portName string
	baudRate int
	dataBits int
	stopBits int
	parity   string
	unitID   byte

	port serial.Port
}

func newRTUSession(device string, cfg RTUConnection) *rtuSession {
	return &rtuSession{
		device:   device,
		portName: cfg.Port,
		baudRate: cfg.BaudRate,
		dataBits: cfg.DataBits,
		stopBits: cfg.StopBits,
		parity:   cfg.Parity,
		unitID:   cfg.UnitID,
	}
}

func (s *rtuSession) Connect(ctx context.Context) error {
	if s.port != nil {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: s.dataBits,
	}
	switch s.stopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch s.parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	port, err := serial.Open(s.portName, mode)
	if err != nil {
		return transportErr(s.device, "connect", err)
	}
	if err := port.SetReadTimeout(rtuReadTimeout); err != nil {
		port.Close()
		return transportErr(s.device, "connect", err)
	}
	s.port = port
	return nil
}

func (s *rtuSession) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *rtuSession) Read(ctx context.Context, desc RegisterDescriptor) ([]uint16, error) {
	if s.port == nil {
		return nil, transportErr(s.device, "read", fmt.Errorf("not connected"))
	}

	var funcCode byte
	switch desc.Kind {
	case KindHolding:
		funcCode = funcReadHoldingRegs
	case KindInput:
		funcCode = funcReadInputRegs
	case KindCoil:
		funcCode = funcReadCoils
	case KindDiscrete:
		funcCode = funcReadDiscreteInputs
	default:
		return nil, configErr(s.device, "read", fmt.Errorf("register %q: unsupported kind %q", desc.Name, desc.Kind))
	}

	count := desc.WordCount()
	req := s.buildRequest(funcCode, desc.Address, count)

	adu, err := s.sendRequest(req)
	if err != nil {
		return nil, err
	}

	// adu here is the PDU-only portion: function code, byte count, data.
	if len(adu) < 2 {
		return nil, protocolErr(s.device, "read", 0, fmt.Errorf("short response"))
	}
	byteCount := int(adu[1])
	if len(adu) < 2+byteCount {
		return nil, protocolErr(s.device, "read", 0, fmt.Errorf("incomplete response"))
	}

	switch desc.Kind {
	case KindCoil, KindDiscrete:
		words := make([]uint16, count)
		for i := uint16(0); i < count; i++ {
			byteIdx := i / 8
			bitIdx := i % 8
			if adu[2+byteIdx]&(1<<bitIdx) != 0 {
				words[i] = 1
			}
		}
		return words, nil
	default:
		words := make([]uint16, count)
		for i := uint16(0); i < count; i++ {
			words[i] = binary.BigEndian.Uint16(adu[2+i*2:])
		}
		return words, nil
	}
}

func (s *rtuSession) WriteHolding(ctx context.Context, address uint16, value uint16) error {
	if s.port == nil {
		return transportErr(s.device, "write", fmt.Errorf("not connected"))
	}
	req := s.buildRequest(funcWriteSingleReg, address, value)
	_, err := s.sendRequest(req)
	return err
}

// buildRequest assembles unit id + function + address + value/quantity and
// appends the CRC16/Modbus checksum.
func (s *rtuSession) buildRequest(funcCode byte, address, value uint16) []byte {
	req := make([]byte, 6)
	req[0] = s.unitID
	req[1] = funcCode
	binary.BigEndian.PutUint16(req[2:], address)
	binary.BigEndian.PutUint16(req[4:], value)
	return appendCRC(req)
}

// sendRequest writes the ADU, waits out the inter-frame delay, reads the
// response, verifies its CRC, and returns the PDU (unit id and CRC
// stripped).
func (s *rtuSession) sendRequest(req []byte) ([]byte, error) {
	if err := s.port.ResetInputBuffer(); err != nil {
		return nil, transportErr(s.device, "write", err)
	}
	if _, err := s.port.Write(req); err != nil {
		return nil, transportErr(s.device, "write", err)
	}

	time.Sleep(rtuInterFrameDelay)

	buf := make([]byte, 256)
	total := 0
	for {
		n, err := s.port.Read(buf[total:])
		if err != nil {
			return nil, transportErr(s.device, "read", err)
		}
		if n == 0 {
			break
		}
		total += n
		if total >= 5 {
			break
		}
	}
	if total < 5 {
		return nil, transportErr(s.device, "read", fmt.Errorf("incomplete response: got %d bytes", total))
	}
	adu := buf[:total]

	if !verifyCRC(adu) {
		return nil, protocolErr(s.device, "request", 0, fmt.Errorf("CRC mismatch"))
	}

	// Strip unit id (front) and CRC (back); keep function code onward.
	pdu := adu[1 : len(adu)-2]
	if len(pdu) >= 2 && pdu[0]&0x80 != 0 {
		return nil, protocolErr(s.device, "request", pdu[1], fmt.Errorf("exception response"))
	}
	return pdu, nil
}

func appendCRC(data []byte) []byte {
	crc := crc16Modbus(data)
	return append(data, byte(crc&0xFF), byte(crc>>8))
}

func verifyCRC(data []byte) bool {
	if len(data) < 3 {
		return false
	}
	received := uint16(data[len(data)-1])<<8 | uint16(data[len(data)-2])
	calculated := crc16Modbus(data[:len(data)-2])
	return received == calculated
}

// crc16Modbus computes the CRC16/MODBUS checksum (poly 0xA001, init 0xFFFF).
func crc16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
