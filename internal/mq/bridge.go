// Package mq relays realtime events between service instances over a
// RabbitMQ fanout exchange, so a dashboard connected to one instance sees
// changes made through another.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"fleet-mission-service/internal/realtime"
)

const (
	publishTimeout = 5 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Channel is the part of *amqp.Channel the bridge uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type envelope struct {
	Table        realtime.Table     `json:"table"`
	Type         realtime.EventType `json:"type"`
	ID           uuid.UUID          `json:"id"`
	DriverID     *uuid.UUID         `json:"driver_id,omitempty"`
	PrevDriverID *uuid.UUID         `json:"prev_driver_id,omitempty"`
	MissionID    *uuid.UUID         `json:"mission_id,omitempty"`
	Record       json.RawMessage    `json:"record"`
	Origin       string             `json:"origin"`
	EmittedAt    time.Time          `json:"emitted_at"`
}

func encode(evt realtime.Event) ([]byte, error) {
	record, err := json.Marshal(evt.Record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return json.Marshal(envelope{
		Table:        evt.Table,
		Type:         evt.Type,
		ID:           evt.ID,
		DriverID:     evt.DriverID,
		PrevDriverID: evt.PrevDriverID,
		MissionID:    evt.MissionID,
		Record:       record,
		Origin:       evt.Origin,
		EmittedAt:    evt.EmittedAt,
	})
}

// decode leaves the record as raw JSON; dashboard sessions decode it by table.
func decode(body []byte) (realtime.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return realtime.Event{}, err
	}
	if env.Origin == "" || env.Table == "" || env.Type == "" {
		return realtime.Event{}, errors.New("incomplete envelope")
	}
	return realtime.Event{
		Table:        env.Table,
		Type:         env.Type,
		ID:           env.ID,
		DriverID:     env.DriverID,
		PrevDriverID: env.PrevDriverID,
		MissionID:    env.MissionID,
		Record:       env.Record,
		Origin:       env.Origin,
		EmittedAt:    env.EmittedAt,
	}, nil
}

// Redialer opens a fresh channel after the broker dropped the old one.
type Redialer func() (Channel, error)

type Bridge struct {
	exchange   string
	hub        *realtime.Hub
	redial     Redialer
	retryDelay time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	ch       Channel
	channels []*realtime.Channel
	done     chan struct{}
	closed   bool
}

// NewBridge relays over ch. With a nil redial the bridge stops consuming
// once the broker closes the delivery stream.
func NewBridge(ch Channel, exchange string, hub *realtime.Hub, redial Redialer, log zerolog.Logger) *Bridge {
	return &Bridge{
		ch:         ch,
		exchange:   exchange,
		hub:        hub,
		redial:     redial,
		retryDelay: time.Second,
		log:        log.With().Str("component", "mq_bridge").Str("exchange", exchange).Logger(),
		done:       make(chan struct{}),
	}
}

// connChannel closes its connection along with the channel.
type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *connChannel) Close() error {
	chErr := c.Channel.Close()
	if err := c.conn.Close(); err != nil {
		return err
	}
	return chErr
}

func dialChannel(url string) (Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &connChannel{Channel: ch, conn: conn}, nil
}

// Dial connects to the broker and returns a bridge that owns the connection
// and dials again when it is lost.
func Dial(url, exchange string, hub *realtime.Hub, log zerolog.Logger) (*Bridge, error) {
	ch, err := dialChannel(url)
	if err != nil {
		return nil, err
	}
	return NewBridge(ch, exchange, hub, func() (Channel, error) { return dialChannel(url) }, log), nil
}

// Start declares the exchange and a private queue, then relays in both
// directions until Close.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()

	deliveries, queue, err := b.bind(ch)
	if err != nil {
		return err
	}

	go b.consume(ctx, deliveries)

	b.mu.Lock()
	for _, table := range []realtime.Table{realtime.TableMissions, realtime.TableBreakdowns, realtime.TablePositions} {
		b.channels = append(b.channels, b.hub.Subscribe(table, realtime.Filter{}, b.forward))
	}
	b.mu.Unlock()

	b.log.Info().Str("queue", queue).Msg("bridge started")
	return nil
}

func (b *Bridge) bind(ch Channel) (<-chan amqp.Delivery, string, error) {
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, "", fmt.Errorf("declare exchange: %w", err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, "", fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", b.exchange, false, nil); err != nil {
		return nil, "", fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, "", fmt.Errorf("start consuming: %w", err)
	}
	return deliveries, queue.Name, nil
}

// forward publishes events that originated here. Events injected from the
// exchange carry another origin and stop at this instance.
func (b *Bridge) forward(evt realtime.Event) {
	if evt.Origin != b.hub.Origin() {
		return
	}
	body, err := encode(evt)
	if err != nil {
		b.log.Error().Err(err).Str("table", string(evt.Table)).Msg("encode event failed")
		return
	}

	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := ch.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	}); err != nil {
		b.log.Error().Err(err).Str("table", string(evt.Table)).Str("record_id", evt.ID.String()).Msg("publish event failed")
	}
}

func (b *Bridge) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				b.log.Warn().Msg("delivery channel closed")
				if deliveries, ok = b.reconnect(ctx); !ok {
					return
				}
				continue
			}
			b.inject(d.Body)
		}
	}
}

// reconnect redials until a new queue is consuming or the bridge stops.
// Events published elsewhere in the gap are not replayed.
func (b *Bridge) reconnect(ctx context.Context) (<-chan amqp.Delivery, bool) {
	if b.redial == nil {
		return nil, false
	}
	delay := b.retryDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-b.done:
			return nil, false
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxRetryDelay {
			delay = maxRetryDelay
		}

		ch, err := b.redial()
		if err != nil {
			b.log.Warn().Err(err).Int("attempt", attempt).Msg("broker redial failed")
			continue
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = ch.Close()
			return nil, false
		}
		old := b.ch
		b.ch = ch
		b.mu.Unlock()
		_ = old.Close()

		deliveries, queue, err := b.bind(ch)
		if err != nil {
			b.log.Warn().Err(err).Int("attempt", attempt).Msg("rebinding bridge queue failed")
			continue
		}
		b.log.Info().Str("queue", queue).Int("attempt", attempt).Msg("bridge reconnected")
		return deliveries, true
	}
}

func (b *Bridge) inject(body []byte) {
	evt, err := decode(body)
	if err != nil {
		b.log.Warn().Err(err).Msg("unreadable event skipped")
		return
	}
	if evt.Origin == b.hub.Origin() {
		return
	}
	b.hub.Publish(evt)
}

func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	channels := b.channels
	b.channels = nil
	amqpCh := b.ch
	close(b.done)
	b.mu.Unlock()

	for _, ch := range channels {
		b.hub.Unsubscribe(ch)
	}
	_ = amqpCh.Close()
	b.log.Info().Msg("bridge closed")
}
