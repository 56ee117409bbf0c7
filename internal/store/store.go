// Package store holds the latest decoded value of every register on every
// device, in memory, with no history retained.
package store

import (
	"sync"
	"time"
)

// Value is the latest known state of one register.
type Value struct {
	Name      string    `json:"name"`
	Raw       []uint16  `json:"raw"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a device_id -> register_name -> Value map. Every device has
// exactly one writer (its poll loop); any number of goroutines may read
// concurrently.
type Store struct {
	mu      sync.RWMutex
	devices map[string]map[string]Value
}

// New creates an empty Store.
func New() *Store {
	return &Store{devices: make(map[string]map[string]Value)}
}

// Commit records the latest value for one device's register, replacing
// whatever was there before.
func (s *Store) Commit(deviceID string, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()

	regs, ok := s.devices[deviceID]
	if !ok {
		regs = make(map[string]Value)
		s.devices[deviceID] = regs
	}
	regs[v.Name] = v
}

// Device returns a snapshot of every register currently known for a
// device. The second return value is false if the device has never
// committed a value.
func (s *Store) Device(deviceID string) (map[string]Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regs, ok := s.devices[deviceID]
	if !ok || len(regs) == 0 {
		return nil, false
	}
	out := make(map[string]Value, len(regs))
	for k, v := range regs {
		out[k] = v
	}
	return out, true
}

// Register returns a single register's latest value.
func (s *Store) Register(deviceID, name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regs, ok := s.devices[deviceID]
	if !ok {
		return Value{}, false
	}
	v, ok := regs[name]
	return v, ok
}

// Devices lists every device ID that has committed at least one value or
// was registered with EnsureDevice.
func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids
}

// EnsureDevice registers a device with an empty register set if it isn't
// already present, so /api/devices can list configured-but-not-yet-polled
// devices instead of only ones that already produced a reading.
func (s *Store) EnsureDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		s.devices[deviceID] = make(map[string]Value)
	}
}
