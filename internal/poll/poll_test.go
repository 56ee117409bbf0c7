package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbridge/modbridge/internal/bus"
	"github.com/modbridge/modbridge/internal/modbus"
	"github.com/modbridge/modbridge/internal/store"
	"github.com/modbridge/modbridge/internal/write"
)

// fakeSession is a modbus.Session whose reads/writes are canned in memory,
// grounded on session.go's Session interface so the poll loop can't tell
// it apart from a real TCP/RTU session.
type fakeSession struct {
	mu        sync.Mutex
	connected bool
	words     map[string][]uint16
	writes    []uint16
}

func newFakeSession() *fakeSession {
	return &fakeSession{words: map[string][]uint16{"temperature": {250}}}
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeSession) Read(ctx context.Context, desc modbus.RegisterDescriptor) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.words[desc.Name], nil
}

func (f *fakeSession) WriteHolding(ctx context.Context, address uint16, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, value)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func testDeviceConfig() modbus.DeviceConfig {
	return modbus.DeviceConfig{
		ID:             "plc-001",
		Transport:      modbus.TransportTCP,
		TCP:            &modbus.TCPConnection{Host: "127.0.0.1", Port: 502},
		PollIntervalMs: 20,
		Registers: []modbus.RegisterDescriptor{
			{Name: "temperature", Address: 100, Kind: modbus.KindHolding, DataType: modbus.TypeU16, Unit: "°C"},
		},
	}
}

func TestPollLoopCommitsAndPublishes(t *testing.T) {
	cfg := testDeviceConfig()
	sess := newFakeSession()
	st := store.New()
	b := bus.New(8)
	sub := b.Subscribe()
	defer sub.Close()

	loop := New(cfg, sess, st, b, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)

	select {
	case u := <-sub.Updates:
		assert.Equal(t, "plc-001", u.DeviceID)
		assert.Equal(t, "temperature", u.RegisterName)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for an update")
	}

	<-ctx.Done()
	v, ok := st.Register("plc-001", "temperature")
	require.True(t, ok)
	assert.Equal(t, 250.0, v.Value)
}

func TestPollLoopDeliversMailboxWrite(t *testing.T) {
	cfg := testDeviceConfig()
	sess := newFakeSession()
	st := store.New()
	b := bus.New(8)

	mailbox := make(chan *write.Job, 1)
	loop := New(cfg, sess, st, b, mailbox)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)

	reply := make(chan error, 1)
	mailbox <- &write.Job{Req: write.Request{DeviceID: "plc-001", RegisterName: "temperature", Value: 42}, Reply: reply}

	select {
	case err := <-reply:
		require.NoError(t, err)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for write reply")
	}

	sess.mu.Lock()
	writes := append([]uint16(nil), sess.writes...)
	sess.mu.Unlock()
	assert.Equal(t, []uint16{42}, writes)
}
