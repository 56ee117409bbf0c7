// Package poll runs one goroutine per device: it owns that device's
// modbus.Session exclusively, ticks at the configured interval, reads every
// configured register in order, decodes it, commits it to the Register
// Store, publishes it on the Update Bus, and interleaves any pending
// write-coordinator jobs for the same device.
package poll

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/modbridge/modbridge/internal/bus"
	"github.com/modbridge/modbridge/internal/metrics"
	"github.com/modbridge/modbridge/internal/modbus"
	"github.com/modbridge/modbridge/internal/store"
	"github.com/modbridge/modbridge/internal/write"
)

// Loop drives one device's poll cycle.
type Loop struct {
	cfg     modbus.DeviceConfig
	session modbus.Session
	store   *store.Store
	bus     *bus.Bus
	mailbox <-chan *write.Job
	log     *zap.Logger
}

// New builds a Loop for a device. mailbox is the channel the write
// coordinator was given for this device (nil if writes aren't wired up).
func New(cfg modbus.DeviceConfig, session modbus.Session, st *store.Store, b *bus.Bus, mailbox <-chan *write.Job) *Loop {
	return &Loop{
		cfg:     cfg,
		session: session,
		store:   st,
		bus:     b,
		mailbox: mailbox,
		log:     zap.L().With(zap.String("device", cfg.ID)),
	}
}

// Run blocks until ctx is cancelled. It reconnects with backoff on
// transport errors and never returns early on a read failure — a failed
// register is logged and skipped until the next tick, isolated from every
// other register on the device.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.log.Info("starting poll loop", zap.Duration("interval", interval))

	if err := l.connectWithBackoff(ctx); err != nil {
		return // ctx cancelled while still trying to connect
	}
	metrics.SetDeviceConnected(l.cfg.ID, true)
	defer func() {
		l.session.Close()
		metrics.SetDeviceConnected(l.cfg.ID, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cycle(ctx)
		case job := <-l.mailbox:
			write.Deliver(ctx, l.session, l.cfg.Registers, job.Req, job.Reply)
		}
	}
}

func (l *Loop) cycle(ctx context.Context) {
	start := time.Now()
	for _, desc := range l.cfg.Registers {
		l.readOne(ctx, desc)

		// Service at most one pending write between registers so a
		// write doesn't wait a full poll interval, without letting
		// writes starve the read cycle.
		select {
		case job := <-l.mailbox:
			write.Deliver(ctx, l.session, l.cfg.Registers, job.Req, job.Reply)
		default:
		}
	}
	metrics.ObservePollCycle(l.cfg.ID, time.Since(start))
}

func (l *Loop) readOne(ctx context.Context, desc modbus.RegisterDescriptor) {
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	raw, err := l.session.Read(readCtx, desc)
	metrics.ObserveReadDuration(l.cfg.ID, desc.Name, time.Since(start))

	if err != nil {
		metrics.IncRegisterRead(l.cfg.ID, desc.Name, "error")
		l.log.Error("register read failed", zap.String("register", desc.Name), zap.Error(err))

		var merr *modbus.Error
		if errors.As(err, &merr) && merr.Class == modbus.ClassTransport {
			metrics.SetDeviceConnected(l.cfg.ID, false)
			l.session.Close()
			if connErr := l.connectWithBackoff(ctx); connErr != nil {
				return
			}
			metrics.SetDeviceConnected(l.cfg.ID, true)
		}
		return
	}
	metrics.IncRegisterRead(l.cfg.ID, desc.Name, "ok")

	need := 1
	switch desc.DataType {
	case modbus.TypeU32, modbus.TypeI32, modbus.TypeF32:
		need = 2
	}
	if len(raw) < need {
		l.log.Warn("decode underflow, raw value decodes as 0",
			zap.String("register", desc.Name), zap.Int("words", len(raw)), zap.Int("needed", need))
	}

	value := modbus.Decode(raw, desc)
	now := time.Now()

	l.store.Commit(l.cfg.ID, store.Value{
		Name:      desc.Name,
		Raw:       raw,
		Value:     value,
		Unit:      desc.Unit,
		Timestamp: now,
	})
	metrics.SetRegisterValue(l.cfg.ID, desc.Name, value)

	l.bus.Publish(bus.Update{
		DeviceID:     l.cfg.ID,
		RegisterName: desc.Name,
		Value:        value,
		Raw:          raw,
		Unit:         desc.Unit,
		Timestamp:    now.Format(time.RFC3339Nano),
	})

	l.log.Debug("register read", zap.String("register", desc.Name), zap.Float64("value", value))
}

// connectWithBackoff retries Session.Connect using modbus.ReconnectBackoff
// until it succeeds or ctx is cancelled.
func (l *Loop) connectWithBackoff(ctx context.Context) error {
	b := modbus.ReconnectBackoff()
	for {
		err := l.session.Connect(ctx)
		if err == nil {
			return nil
		}
		l.log.Warn("connect failed, retrying", zap.Error(err))

		wait := b.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
