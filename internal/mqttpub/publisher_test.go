package mqttpub

import (
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modbridge/modbridge/internal/bus"
)

// fakeToken is an mqtt.Token that resolves immediately and never errors,
// enough to drive Publisher.publish/PublishStatus without a real broker.
type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *fakeToken) Error() error { return f.err }

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient implements the slice of mqtt.Client the publisher actually
// calls, recording every Publish so tests can assert on topic/payload shape.
type fakeClient struct {
	published []publishedMessage
}

func (f *fakeClient) IsConnected() bool      { return true }
func (f *fakeClient) IsConnectionOpen() bool { return true }
func (f *fakeClient) Connect() mqtt.Token    { return &fakeToken{} }
func (f *fakeClient) Disconnect(uint)        {}
func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	f.published = append(f.published, publishedMessage{topic: topic, qos: qos, retained: retained, payload: body})
	return &fakeToken{}
}
func (f *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return &fakeToken{} }
func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (f *fakeClient) Unsubscribe(...string) mqtt.Token         { return &fakeToken{} }
func (f *fakeClient) AddRoute(string, mqtt.MessageHandler)     {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader  { return mqtt.ClientOptionsReader{} }

func newTestPublisher() (*Publisher, *fakeClient) {
	fc := &fakeClient{}
	return &Publisher{client: fc, topicPrefix: "modbridge", qos: 1}, fc
}

func TestPublishUsesDeviceAndRegisterTopic(t *testing.T) {
	p, fc := newTestPublisher()
	p.log = zap.NewNop()

	p.publish(bus.Update{
		DeviceID:     "plc-001",
		RegisterName: "temperature",
		Value:        25.0,
		Raw:          []uint16{250},
		Unit:         "°C",
		Timestamp:    "2026-07-30T00:00:00Z",
	})

	require.Len(t, fc.published, 1)
	msg := fc.published[0]
	assert.Equal(t, "modbridge/plc-001/temperature", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retained)

	var decoded payload
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, 25.0, decoded.Value)
	assert.Equal(t, []uint16{250}, decoded.Raw)
	assert.Equal(t, "°C", decoded.Unit)
}

func TestPublishStatusIsRetained(t *testing.T) {
	p, fc := newTestPublisher()
	p.log = zap.NewNop()

	p.PublishStatus("plc-001", true)

	require.Len(t, fc.published, 1)
	msg := fc.published[0]
	assert.Equal(t, "modbridge/plc-001/status", msg.topic)
	assert.True(t, msg.retained)
	assert.Equal(t, "online", string(msg.payload))

	p.PublishStatus("plc-001", false)
	require.Len(t, fc.published, 2)
	assert.Equal(t, "offline", string(fc.published[1].payload))
}

func TestRunPublishesUntilSubscriptionCloses(t *testing.T) {
	p, fc := newTestPublisher()
	p.log = zap.NewNop()

	b := bus.New(4)
	sub := b.Subscribe()

	done := make(chan struct{})
	go func() {
		p.Run(sub)
		close(done)
	}()

	b.Publish(bus.Update{DeviceID: "plc-001", RegisterName: "temperature", Value: 1})
	b.Publish(bus.Update{DeviceID: "plc-001", RegisterName: "temperature", Value: 2})

	require.Eventually(t, func() bool { return len(fc.published) >= 2 }, time.Second, 10*time.Millisecond)

	sub.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after subscription closed")
	}
}
