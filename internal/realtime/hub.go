package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Publisher is what writers need from the fan-out.
type Publisher interface {
	Publish(evt Event)
}

// Hub fans change events out to registered channels. Each channel delivers
// in publish order on its own goroutine; a full buffer drops the event and
// marks the channel lagged so the owner knows to reconcile.
type Hub struct {
	mu       sync.RWMutex
	channels map[uint64]*Channel
	nextID   uint64
	buffer   int
	origin   string
	log      zerolog.Logger
}

func NewHub(buffer int, origin string, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		channels: make(map[uint64]*Channel),
		buffer:   buffer,
		origin:   origin,
		log:      log.With().Str("component", "realtime_hub").Logger(),
	}
}

// Origin identifies this process on events it publishes.
func (h *Hub) Origin() string {
	return h.origin
}

type Channel struct {
	id      uint64
	table   Table
	filter  Filter
	onEvent func(Event)
	events  chan Event
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
	lagged  atomic.Bool
	dropped atomic.Bool
}

func (c *Channel) ID() uint64 {
	return c.id
}

func (c *Channel) Table() Table {
	return c.table
}

// Lagged reports whether events were lost since the last ResetLag.
func (c *Channel) Lagged() bool {
	return c.lagged.Load()
}

func (c *Channel) ResetLag() {
	c.lagged.Store(false)
}

// Dropped reports whether the hub disconnected the channel.
func (c *Channel) Dropped() bool {
	return c.dropped.Load()
}

// Done is closed once the channel stops delivering.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (h *Hub) Subscribe(table Table, filter Filter, onEvent func(Event)) *Channel {
	ch := &Channel{
		table:   table,
		filter:  filter,
		onEvent: onEvent,
		events:  make(chan Event, h.buffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	h.mu.Lock()
	h.nextID++
	ch.id = h.nextID
	h.channels[ch.id] = ch
	h.mu.Unlock()

	go ch.deliver()

	h.log.Debug().Uint64("channel_id", ch.id).Str("table", string(table)).Msg("channel subscribed")
	return ch
}

func (c *Channel) deliver() {
	defer close(c.exited)
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.events:
			select {
			case <-c.done:
				return
			default:
			}
			c.onEvent(evt)
		}
	}
}

// Unsubscribe releases a channel. Safe to call more than once. It must not
// be called from inside the channel's own callback.
func (h *Hub) Unsubscribe(ch *Channel) {
	if ch == nil {
		return
	}
	h.mu.Lock()
	delete(h.channels, ch.id)
	h.mu.Unlock()

	ch.once.Do(func() { close(ch.done) })
	<-ch.exited
}

// Drop disconnects a channel from the server side, as a stalled or broken
// transport would. The owner still has to Unsubscribe.
func (h *Hub) Drop(ch *Channel) {
	if ch == nil {
		return
	}
	ch.dropped.Store(true)
	h.mu.Lock()
	delete(h.channels, ch.id)
	h.mu.Unlock()
	ch.once.Do(func() { close(ch.done) })

	h.log.Warn().Uint64("channel_id", ch.id).Msg("channel dropped")
}

func (h *Hub) Publish(evt Event) {
	if evt.Origin == "" {
		evt.Origin = h.origin
	}
	if evt.EmittedAt.IsZero() {
		evt.EmittedAt = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.channels {
		if ch.table != evt.Table || !ch.filter.Matches(evt) {
			continue
		}
		select {
		case ch.events <- evt:
		default:
			ch.lagged.Store(true)
			h.log.Warn().
				Uint64("channel_id", ch.id).
				Str("table", string(evt.Table)).
				Str("record_id", evt.ID.String()).
				Msg("channel buffer full, event dropped")
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Close releases every channel.
func (h *Hub) Close() {
	h.mu.Lock()
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.channels = make(map[uint64]*Channel)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.once.Do(func() { close(ch.done) })
	}
}
