// Package write implements the Write Coordinator: the single path by which
// the REST API pushes a value into a device, handed off to the device's own
// poll loop so that every write and read against one device is serialized
// through the goroutine that owns its transport.
package write

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modbridge/modbridge/internal/modbus"
)

// DefaultQueueDepth bounds how many in-flight write requests one device's
// mailbox may hold before Submit starts rejecting new ones.
const DefaultQueueDepth = 100

// Timeout bounds how long Submit waits for a poll loop to service a write
// before giving up.
const Timeout = 5 * time.Second

// Request is one write-back, already resolved to a register name — the
// poll loop servicing it resolves the name to an address and a Holding-only
// check, so the coordinator never has to see a raw address itself.
type Request struct {
	DeviceID     string
	RegisterName string
	Value        uint16
}

// Job is what actually rides the device mailbox: the request plus a
// one-shot reply channel. The owning poll loop drains its mailbox and
// calls Deliver with each Job it receives.
type Job struct {
	Req   Request
	Reply chan error
}

// ErrQueueFull is returned when a device's mailbox is saturated.
var ErrQueueFull = errors.New("write queue full")

// ErrUnknownDevice is returned when no poll loop has registered a mailbox
// for the requested device.
var ErrUnknownDevice = errors.New("unknown device")

// ErrTimeout is returned when a poll loop doesn't service the write within
// Timeout.
var ErrTimeout = errors.New("write timed out")

// Coordinator routes write requests to the mailbox of the poll loop that
// owns each device.
type Coordinator struct {
	mu      sync.RWMutex
	mailbox map[string]chan *Job
	depth   int
}

// New creates a Coordinator whose per-device mailboxes are buffered to
// depth (DefaultQueueDepth if depth <= 0).
func New(depth int) *Coordinator {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Coordinator{mailbox: make(map[string]chan *Job), depth: depth}
}

// Register creates (or replaces) the mailbox for a device and returns the
// channel the device's poll loop should drain. Calling Register again for
// the same device (e.g. after a poll loop restart) replaces the mailbox;
// in-flight writes on the old one are abandoned.
func (c *Coordinator) Register(deviceID string) <-chan *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan *Job, c.depth)
	c.mailbox[deviceID] = ch
	return ch
}

// Unregister removes a device's mailbox, e.g. on shutdown.
func (c *Coordinator) Unregister(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mailbox, deviceID)
}

// Submit enqueues a write and blocks until the owning poll loop replies or
// Timeout elapses. The returned error, when non-nil, is either one of this
// package's sentinels or a *modbus.Error the caller can classify with
// ClassifyStatus.
func (c *Coordinator) Submit(ctx context.Context, req Request) error {
	c.mu.RLock()
	ch, ok := c.mailbox[req.DeviceID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, req.DeviceID)
	}

	j := &Job{Req: req, Reply: make(chan error, 1)}

	select {
	case ch <- j:
	default:
		return fmt.Errorf("%w: device %s", ErrQueueFull, req.DeviceID)
	}

	timeout := time.NewTimer(Timeout)
	defer timeout.Stop()

	select {
	case err := <-j.Reply:
		return err
	case <-timeout.C:
		return fmt.Errorf("%w: device %s", ErrTimeout, req.DeviceID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver resolves req.RegisterName against descs, issues the write on
// sess, and reports the outcome on reply. It is called from the poll loop
// that owns sess, never directly by Submit's caller, so every read and
// write against one device serializes through a single goroutine.
func Deliver(ctx context.Context, sess modbus.Session, descs []modbus.RegisterDescriptor, req Request, reply chan<- error) {
	var desc *modbus.RegisterDescriptor
	for i := range descs {
		if descs[i].Name == req.RegisterName {
			desc = &descs[i]
			break
		}
	}
	if desc == nil {
		reply <- fmt.Errorf("unknown register %q on device %q", req.RegisterName, req.DeviceID)
		return
	}
	if desc.Kind != modbus.KindHolding {
		reply <- fmt.Errorf("register %q is not writable (kind %q)", req.RegisterName, desc.Kind)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()
	reply <- sess.WriteHolding(writeCtx, desc.Address, req.Value)
}

// ClassifyStatus maps a Submit error onto the HTTP status it deserves:
// queue saturation, an unknown device and a transport outage all mean
// "try later" (503), a timeout waiting on the device means "the device
// didn't answer in time" (504), a Modbus exception means "the device
// rejected the request" (502), a request the session refused to attempt
// (ClassConfig) is a bad request (400), and anything else is an internal
// error (500).
func ClassifyStatus(err error) int {
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrUnknownDevice):
		return 503
	case errors.Is(err, ErrTimeout):
		return 504
	}

	var merr *modbus.Error
	if errors.As(err, &merr) {
		switch merr.Class {
		case modbus.ClassTransport:
			return 503
		case modbus.ClassProtocol:
			return 502
		case modbus.ClassConfig:
			return 400
		}
	}
	return 500
}
