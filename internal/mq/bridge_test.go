package mq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/realtime"
)

type fakeChannel struct {
	mu         sync.Mutex
	published  [][]byte
	exchange   string
	kind       string
	deliveries chan amqp.Delivery
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	f.exchange, f.kind = name, kind
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	f.published = append(f.published, msg.Body)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startBridge(t *testing.T) (*Bridge, *fakeChannel, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub(16, "instance-a", zerolog.Nop())
	ch := newFakeChannel()
	b := NewBridge(ch, "fleet.changes", hub, nil, zerolog.Nop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		hub.Close()
	})
	return b, ch, hub
}

func TestBridge_PublishesLocalEvents(t *testing.T) {
	_, ch, hub := startBridge(t)
	if ch.kind != amqp.ExchangeFanout || ch.exchange != "fleet.changes" {
		t.Errorf("exchange = %q (%s), want fleet.changes fanout", ch.exchange, ch.kind)
	}

	mission := &model.Mission{ID: uuid.New(), Title: "Tetouan -> Chefchaouen", Status: model.MissionStatusActive}
	hub.Publish(realtime.Event{Table: realtime.TableMissions, Type: realtime.EventUpdate, ID: mission.ID, Record: mission})

	waitFor(t, func() bool { return ch.publishedCount() == 1 })

	ch.mu.Lock()
	body := ch.published[0]
	ch.mu.Unlock()
	evt, err := decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Origin != "instance-a" || evt.ID != mission.ID {
		t.Errorf("envelope = %+v", evt)
	}
	var record model.Mission
	if err := json.Unmarshal(evt.Record.(json.RawMessage), &record); err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.Title != mission.Title {
		t.Errorf("record title = %q", record.Title)
	}
}

func TestBridge_InjectsRemoteEventsWithoutEcho(t *testing.T) {
	_, ch, hub := startBridge(t)

	var mu sync.Mutex
	var got []realtime.Event
	sub := hub.Subscribe(realtime.TableBreakdowns, realtime.Filter{}, func(evt realtime.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})
	defer hub.Unsubscribe(sub)

	report := model.BreakdownReport{ID: uuid.New(), Status: model.BreakdownStatusReported}
	remote, err := encode(realtime.Event{Table: realtime.TableBreakdowns, Type: realtime.EventInsert, ID: report.ID, Record: report, Origin: "instance-b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	own, err := encode(realtime.Event{Table: realtime.TableBreakdowns, Type: realtime.EventInsert, ID: uuid.New(), Record: report, Origin: "instance-a"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ch.deliveries <- amqp.Delivery{Body: own}
	ch.deliveries <- amqp.Delivery{Body: []byte("not json")}
	ch.deliveries <- amqp.Delivery{Body: remote}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != report.ID || got[0].Origin != "instance-b" {
		t.Fatalf("injected events = %+v", got)
	}
	if n := ch.publishedCount(); n != 0 {
		t.Errorf("remote event was published back %d times", n)
	}
}

func TestBridge_CloseReleasesChannels(t *testing.T) {
	b, ch, hub := startBridge(t)
	if hub.Count() != 3 {
		t.Fatalf("hub channels = %d, want 3", hub.Count())
	}
	b.Close()
	b.Close()
	if hub.Count() != 0 {
		t.Errorf("hub channels after Close = %d", hub.Count())
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		t.Error("amqp channel not closed")
	}
}

func TestBridge_ReconnectsAfterDeliveryStreamCloses(t *testing.T) {
	hub := realtime.NewHub(16, "instance-a", zerolog.Nop())
	defer hub.Close()
	first := newFakeChannel()
	second := newFakeChannel()
	var dials int
	var dialMu sync.Mutex
	b := NewBridge(first, "fleet.changes", hub, func() (Channel, error) {
		dialMu.Lock()
		defer dialMu.Unlock()
		dials++
		return second, nil
	}, zerolog.Nop())
	b.retryDelay = time.Millisecond
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	var mu sync.Mutex
	var got []realtime.Event
	sub := hub.Subscribe(realtime.TableMissions, realtime.Filter{}, func(evt realtime.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})
	defer hub.Unsubscribe(sub)

	close(first.deliveries)
	waitFor(t, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return second.exchange == "fleet.changes"
	})

	mission := model.Mission{ID: uuid.New(), Status: model.MissionStatusPlanned}
	remote, err := encode(realtime.Event{Table: realtime.TableMissions, Type: realtime.EventInsert, ID: mission.ID, Record: mission, Origin: "instance-b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second.deliveries <- amqp.Delivery{Body: remote}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	hub.Publish(realtime.Event{Table: realtime.TableMissions, Type: realtime.EventUpdate, ID: mission.ID, Record: &mission})
	waitFor(t, func() bool { return second.publishedCount() == 1 })

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("dropped channel not closed")
	}
	dialMu.Lock()
	defer dialMu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestBridge_CarriesPreviousDriver(t *testing.T) {
	prev := uuid.New()
	next := uuid.New()
	body, err := encode(realtime.Event{Table: realtime.TableMissions, Type: realtime.EventUpdate, ID: uuid.New(), DriverID: &next, PrevDriverID: &prev, Record: model.Mission{}, Origin: "instance-b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	evt, err := decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.PrevDriverID == nil || *evt.PrevDriverID != prev {
		t.Errorf("previous driver = %v, want %s", evt.PrevDriverID, prev)
	}
}

func TestDecode_RejectsIncompleteEnvelope(t *testing.T) {
	if _, err := decode([]byte(`{"table":"missions","type":"INSERT"}`)); err == nil {
		t.Error("expected error for envelope without origin")
	}
}
