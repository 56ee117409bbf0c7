package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitAndRegister(t *testing.T) {
	s := New()
	s.Commit("plc-001", Value{Name: "temperature", Value: 25.0, Raw: []uint16{250}, Unit: "°C", Timestamp: time.Now()})

	v, ok := s.Register("plc-001", "temperature")
	require.True(t, ok)
	assert.Equal(t, 25.0, v.Value)
	assert.Equal(t, "°C", v.Unit)

	_, ok = s.Register("plc-001", "missing")
	assert.False(t, ok)

	_, ok = s.Register("missing-device", "temperature")
	assert.False(t, ok)
}

func TestDeviceSnapshotIsIndependent(t *testing.T) {
	s := New()
	s.Commit("plc-001", Value{Name: "temperature", Value: 25.0})

	snap, ok := s.Device("plc-001")
	require.True(t, ok)
	snap["temperature"] = Value{Name: "temperature", Value: 999}

	v, _ := s.Register("plc-001", "temperature")
	assert.Equal(t, 25.0, v.Value)
}

func TestDevicesLists(t *testing.T) {
	s := New()
	s.EnsureDevice("plc-001")
	s.Commit("sensor-001", Value{Name: "pressure", Value: 10.0})

	ids := s.Devices()
	assert.ElementsMatch(t, []string{"plc-001", "sensor-001"}, ids)
}

func TestConcurrentCommitIsSafe(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Commit("plc-001", Value{Name: "counter", Value: float64(i)})
		}(i)
	}
	wg.Wait()

	_, ok := s.Register("plc-001", "counter")
	assert.True(t, ok)
}
