package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Modbus function codes, as wired on the bus, not tied to any one
// transport.
const (
	funcReadCoils          = 0x01
	funcReadDiscreteInputs = 0x02
	funcReadHoldingRegs    = 0x03
	funcReadInputRegs      = 0x04
	funcWriteSingleReg     = 0x06
)

const tcpDialTimeout = 5 * time.Second
const tcpRequestTimeout = 5 * time.Second

type tcpSession struct {
	device string
	host   string
	port   int
	unitID byte

	conn          net.Conn
	transactionID uint16
}

func newTCPSession(device string, cfg TCPConnection) *tcpSession {
	return &tcpSession{
		device: device,
		host:   cfg.Host,
		port:   cfg.Port,
		unitID: cfg.UnitID,
	}
}

func (s *tcpSession) Connect(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: tcpDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return transportErr(s.device, "connect", err)
	}
	s.conn = conn
	return nil
}

func (s *tcpSession) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *tcpSession) Read(ctx context.Context, desc RegisterDescriptor) ([]uint16, error) {
	if s.conn == nil {
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

	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(dl)
	} else {
		s.conn.SetDeadline(time.Now().Add(tcpRequestTimeout))
	}

	pdu, err := s.sendRequest(req)
	if err != nil {
		return nil, err
	}

	if len(pdu) < 2 {
		return nil, protocolErr(s.device, "read", 0, fmt.Errorf("short PDU"))
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, protocolErr(s.device, "read", 0, fmt.Errorf("incomplete response"))
	}

	switch desc.Kind {
	case KindCoil, KindDiscrete:
		words := make([]uint16, count)
		for i := uint16(0); i < count; i++ {
			byteIdx := i / 8
			bitIdx := i % 8
			if pdu[2+byteIdx]&(1<<bitIdx) != 0 {
				words[i] = 1
			}
		}
		return words, nil
	default:
		words := make([]uint16, count)
		for i := uint16(0); i < count; i++ {
			words[i] = binary.BigEndian.Uint16(pdu[2+i*2:])
		}
		return words, nil
	}
}

func (s *tcpSession) WriteHolding(ctx context.Context, address uint16, value uint16) error {
	if s.conn == nil {
		return transportErr(s.device, "write", fmt.Errorf("not connected"))
	}
	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(dl)
	} else {
		s.conn.SetDeadline(time.Now().Add(tcpRequestTimeout))
	}
	req := s.buildRequest(funcWriteSingleReg, address, value)
	_, err := s.sendRequest(req)
	return err
}

// buildRequest assembles the 7-byte MBAP header (its last byte is the unit
// id) plus a 5-byte PDU of the shape shared by every
// single-address/single-value request (reads use the second word as a
// quantity, writes use it as the value).
func (s *tcpSession) buildRequest(funcCode byte, address, value uint16) []byte {
	s.transactionID++

	pduLen := 6 // MBAP length field: unit id + function + address + value
	req := make([]byte, 6+pduLen)

	binary.BigEndian.PutUint16(req[0:], s.transactionID)
	binary.BigEndian.PutUint16(req[2:], 0) // protocol id
	binary.BigEndian.PutUint16(req[4:], uint16(pduLen))
	req[6] = s.unitID
	req[7] = funcCode
	binary.BigEndian.PutUint16(req[8:], address)
	binary.BigEndian.PutUint16(req[10:], value)

	return req
}

// sendRequest writes the request and returns the PDU (function code byte
// onward) from the response, or a classified error. A transport error
// invalidates the connection for the caller to reconnect; a protocol error
// (Modbus exception) leaves it intact.
func (s *tcpSession) sendRequest(req []byte) ([]byte, error) {
	if _, err := s.conn.Write(req); err != nil {
		return nil, transportErr(s.device, "write", err)
	}

	header := make([]byte, 7)
	if _, err := readFull(s.conn, header); err != nil {
		return nil, transportErr(s.device, "read-header", err)
	}

	// The MBAP length field counts the unit id byte already consumed as
	// the last byte of header, plus the PDU that follows it.
	length := binary.BigEndian.Uint16(header[4:])
	if length == 0 || length > 254 {
		return nil, transportErr(s.device, "read-header", fmt.Errorf("invalid MBAP length %d", length))
	}
	pduLen := length - 1

	pdu := make([]byte, pduLen)
	if _, err := readFull(s.conn, pdu); err != nil {
		return nil, transportErr(s.device, "read-pdu", err)
	}

	if len(pdu) >= 2 && pdu[0]&0x80 != 0 {
		return nil, protocolErr(s.device, "request", pdu[1], fmt.Errorf("exception response"))
	}

	return pdu, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
