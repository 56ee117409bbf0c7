// Package bus implements the Update Bus: a bounded, lossy,
// multi-producer/multi-consumer broadcast of register updates, generalized
// from the websocket Hub's client fan-out so that any subscriber — a
// WebSocket session, the MQTT publisher, a future consumer — can listen
// without holding up the poll loop that produced the update.
package bus

import "sync"

// DefaultCapacity is the per-subscriber channel depth New uses when it is
// given a capacity of 0 or less.
const DefaultCapacity = 1024

// Update is one register's freshly decoded value, ready for fan-out to
// every subscriber.
type Update struct {
	DeviceID     string
	RegisterName string
	Value        float64
	Raw          []uint16
	Unit         string
	Timestamp    string
}

// Subscription is a single consumer's view of the bus: Updates delivers
// values, Lagged fires (with the number of dropped updates) whenever this
// subscriber fell behind and the bus had to drop updates to stay
// non-blocking, and Close stops delivery and releases the subscription.
type Subscription struct {
	Updates <-chan Update
	Lagged  <-chan int

	bus *Bus
	id  uint64

	updatesCh chan Update
	laggedCh  chan int
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is the broadcast hub: Publish is non-blocking and never waits on a
// slow subscriber; a full subscriber channel loses its oldest update
// rather than blocking the whole hub.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	capacity int
	subs     map[uint64]*Subscription
}

// New creates a Bus whose subscriber channels are each buffered to
// capacity. A capacity of 0 selects DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new consumer and returns its Subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	sub := &Subscription{
		bus:       b,
		id:        id,
		updatesCh: make(chan Update, b.capacity),
		laggedCh:  make(chan int, 1),
	}
	sub.Updates = sub.updatesCh
	sub.Lagged = sub.laggedCh

	b.subs[id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.updatesCh)
	close(sub.laggedCh)
}

// Publish fans an update out to every current subscriber. A subscriber
// whose buffer is full has its oldest queued update dropped to make room,
// so the newest value always gets enqueued, and a lag counter is
// incremented, delivered best-effort on its Lagged channel; Publish itself
// never blocks on a slow reader.
func (b *Bus) Publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.updatesCh <- u:
		default:
			select {
			case <-sub.updatesCh:
			default:
			}
			select {
			case sub.updatesCh <- u:
			default:
			}

			select {
			case n := <-sub.laggedCh:
				select {
				case sub.laggedCh <- n + 1:
				default:
				}
			default:
				select {
				case sub.laggedCh <- 1:
				default:
				}
			}
		}
	}
}

// SubscriberCount reports how many subscriptions are currently live, for
// metrics/diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
