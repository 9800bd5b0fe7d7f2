package webui

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/logger"
)

// Broadcaster fans values out to subscribers. Slow subscribers miss values
// instead of blocking the publisher.
type Broadcaster[T any] struct {
	name    string
	buffer  int
	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	closed  bool
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold
// buffer values.
func NewBroadcaster[T any](name string, buffer int) *Broadcaster[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster[T]{
		name:    name,
		buffer:  buffer,
		clients: make(map[int]chan T),
	}
}

// Subscribe adds a new client and returns a channel for receiving values.
// After Close the returned channel is already closed.
func (b *Broadcaster[T]) Subscribe() (int, <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	logger.Debug(b.name, "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster[T]) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug(b.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Publish sends v to every subscriber that has room for it.
func (b *Broadcaster[T]) Publish(v T) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.clients {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// Clients returns the number of subscribers.
func (b *Broadcaster[T]) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized Protobuf (base64 encoded for SSE)
}

func serializeEvent(payload any, pb []byte) (*SerializedEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ev := &SerializedEvent{JSONData: data}
	if pb != nil {
		ev.ProtobufData = []byte(base64.StdEncoding.EncodeToString(pb))
	}
	return ev, nil
}

// SerializeDetectionEvent pre-serializes ev for SSE and WebRTC clients.
func SerializeDetectionEvent(ev *DetectionEvent) (*SerializedEvent, error) {
	return serializeEvent(ev, ev.MarshalProto())
}

// StatusBroadcaster publishes monitor snapshots on a fixed interval while
// clients are connected.
type StatusBroadcaster struct {
	*Broadcaster[*SerializedEvent]
	monitor  *Monitor
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewStatusBroadcaster creates a broadcaster for status snapshots.
func NewStatusBroadcaster(monitor *Monitor, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		Broadcaster: NewBroadcaster[*SerializedEvent]("StatusBroadcaster", 2),
		monitor:     monitor,
		interval:    interval,
		stop:        make(chan struct{}),
	}
}

// Start begins the status loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the loop and disconnects every client.
func (sb *StatusBroadcaster) Stop() {
	sb.once.Do(func() {
		close(sb.stop)
		sb.Close()
	})
}

func (sb *StatusBroadcaster) run() {
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
		}
		if sb.Clients() == 0 {
			continue
		}
		ev, err := serializeEvent(sb.monitor.Snapshot(), nil)
		if err != nil {
			logger.Warn("StatusBroadcaster", "Failed to serialize status: %v", err)
			continue
		}
		sb.Publish(ev)
	}
}
