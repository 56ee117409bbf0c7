package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Session is one device's transport: a single goroutine (the poll loop)
// owns it at a time, so the implementations do their own mutex-free framing
// and leave serialization to the caller.
type Session interface {
	// Connect establishes the underlying socket or serial port. Calling
	// Connect on an already-connected session is a no-op.
	Connect(ctx context.Context) error
	// Read returns the raw words for one register descriptor.
	Read(ctx context.Context, desc RegisterDescriptor) ([]uint16, error)
	// WriteHolding writes a single holding register. Callers must resolve
	// the target descriptor themselves; WriteHolding only takes an address.
	WriteHolding(ctx context.Context, address uint16, value uint16) error
	// Close releases the transport. Safe to call multiple times.
	Close() error
}

// NewSession builds the TCP or RTU session for a device, dispatching on
// DeviceConfig.Transport.
func NewSession(cfg DeviceConfig) (Session, error) {
	switch cfg.Transport {
	case TransportTCP:
		return newTCPSession(cfg.ID, *cfg.TCP), nil
	case TransportRTU:
		return newRTUSession(cfg.ID, *cfg.RTU), nil
	default:
		return nil, fmt.Errorf("device %q: unknown transport %q", cfg.ID, cfg.Transport)
	}
}

// ReconnectBackoff returns the exponential backoff policy used around
// Session.Connect: the interval starts at 500ms and doubles up to a 30s
// cap, and each wait is randomized to within ±50% of the current interval
// (the library's default randomization; this is not full jitter, so a wait
// never drops below half the interval). The poll loop takes a fresh policy
// each time it starts reconnecting, so the interval resets after every
// successful connection.
func ReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the poll loop owns cancellation
	return b
}
