package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/realtime"
)

type memorySource struct {
	mu         sync.Mutex
	missions   []model.Mission
	breakdowns []model.BreakdownReport
	positions  []model.PositionSample
	fetches    int
}

func (s *memorySource) Missions(ctx context.Context, principal model.Principal) ([]model.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	var out []model.Mission
	for _, m := range s.missions {
		if principal.IsDriver() && !m.AssignedTo(principal.UserID) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memorySource) Breakdowns(ctx context.Context, principal model.Principal) ([]model.BreakdownReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.BreakdownReport(nil), s.breakdowns...), nil
}

func (s *memorySource) Positions(ctx context.Context, principal model.Principal) ([]model.PositionSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PositionSample(nil), s.positions...), nil
}

func (s *memorySource) setMission(m model.Mission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.missions {
		if s.missions[i].ID == m.ID {
			s.missions[i] = m
			return
		}
	}
	s.missions = append(s.missions, m)
}

func (s *memorySource) addPosition(p model.PositionSample) {
	s.mu.Lock()
	s.positions = append(s.positions, p)
	s.mu.Unlock()
}

type healerFunc func(ctx context.Context, driverID uuid.UUID) error

func (f healerFunc) EnsureDriverTracking(ctx context.Context, driverID uuid.UUID) error {
	return f(ctx, driverID)
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

func missionEvent(eventType realtime.EventType, m model.Mission) realtime.Event {
	return realtime.Event{Table: realtime.TableMissions, Type: eventType, ID: m.ID, DriverID: m.DriverID, Record: &m}
}

func openSession(t *testing.T, principal model.Principal, hub *realtime.Hub, source Source, healer TrackingHealer) *Session {
	t.Helper()
	s, err := NewSession(principal, hub, source, healer, 100, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSession_OpenLoadsAndFollowsDeltas(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	driverID := uuid.New()
	existing := model.Mission{ID: uuid.New(), Title: "existing", DriverID: &driverID, Status: model.MissionStatusPlanned}
	source := &memorySource{missions: []model.Mission{existing}}

	s := openSession(t, model.Principal{UserID: uuid.New(), Role: model.UserRoleAdmin}, hub, source, nil)
	if s.Missions.Len() != 1 {
		t.Fatalf("missions after open = %d, want 1", s.Missions.Len())
	}
	if hub.Count() != 3 {
		t.Errorf("hub channels = %d, want 3", hub.Count())
	}

	created := model.Mission{ID: uuid.New(), Title: "created", UpdatedAt: time.Now().UTC()}
	hub.Publish(missionEvent(realtime.EventInsert, created))
	waitFor(t, func() bool { return s.Missions.Len() == 2 })

	started := existing
	started.Status = model.MissionStatusActive
	started.UpdatedAt = time.Now().UTC()
	hub.Publish(missionEvent(realtime.EventUpdate, started))
	waitFor(t, func() bool {
		m, _ := s.Missions.Get(existing.ID)
		return m.Status == model.MissionStatusActive
	})
}

func TestSession_DecodesRelayedRecords(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	s := openSession(t, model.Principal{UserID: uuid.New(), Role: model.UserRoleSupervisor}, hub, &memorySource{}, nil)

	report := model.BreakdownReport{ID: uuid.New(), Type: model.BreakdownTypeTyre, Status: model.BreakdownStatusReported}
	raw, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	hub.Publish(realtime.Event{Table: realtime.TableBreakdowns, Type: realtime.EventInsert, ID: report.ID, Record: json.RawMessage(raw), Origin: "other"})

	waitFor(t, func() bool { return s.Breakdowns.Len() == 1 })
	if got, _ := s.Breakdowns.Get(report.ID); got.Type != model.BreakdownTypeTyre {
		t.Errorf("decoded type = %q", got.Type)
	}
}

func TestSession_DriverSeesOwnEventsOnly(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	driverID := uuid.New()
	otherID := uuid.New()
	s := openSession(t, model.Principal{UserID: driverID, Role: model.UserRoleDriver}, hub, &memorySource{}, nil)

	hub.Publish(missionEvent(realtime.EventInsert, model.Mission{ID: uuid.New(), DriverID: &otherID}))
	own := model.Mission{ID: uuid.New(), DriverID: &driverID}
	hub.Publish(missionEvent(realtime.EventInsert, own))

	waitFor(t, func() bool { return s.Missions.Len() >= 1 })
	time.Sleep(20 * time.Millisecond)
	items := s.Missions.Items()
	if len(items) != 1 || items[0].ID != own.ID {
		t.Errorf("driver view = %+v, want only own mission", items)
	}
}

func TestSession_DriverDropsReassignedMission(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	driverID := uuid.New()
	otherID := uuid.New()
	own := model.Mission{ID: uuid.New(), DriverID: &driverID, UpdatedAt: time.Now().UTC()}
	source := &memorySource{missions: []model.Mission{own}}
	s := openSession(t, model.Principal{UserID: driverID, Role: model.UserRoleDriver}, hub, source, nil)
	if s.Missions.Len() != 1 {
		t.Fatalf("initial view = %d missions, want 1", s.Missions.Len())
	}

	moved := own
	moved.DriverID = &otherID
	moved.UpdatedAt = own.UpdatedAt.Add(time.Second)
	evt := missionEvent(realtime.EventUpdate, moved)
	evt.PrevDriverID = &driverID
	hub.Publish(evt)

	waitFor(t, func() bool { return s.Missions.Len() == 0 })
}

func TestSession_ReconcileAfterDroppedChannel(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	driverID := uuid.New()
	mission := model.Mission{ID: uuid.New(), Title: "Meknes -> Ifrane", DriverID: &driverID, Status: model.MissionStatusPlanned, UpdatedAt: time.Now().UTC()}
	source := &memorySource{missions: []model.Mission{mission}}

	s := openSession(t, model.Principal{UserID: uuid.New(), Role: model.UserRoleAdmin}, hub, source, nil)

	missionsCh := s.Channels()[0]
	if missionsCh.Table() != realtime.TableMissions {
		t.Fatalf("first channel table = %s", missionsCh.Table())
	}
	hub.Drop(missionsCh)

	updated := mission
	updated.Status = model.MissionStatusActive
	updated.UpdatedAt = mission.UpdatedAt.Add(time.Second)
	source.setMission(updated)
	hub.Publish(missionEvent(realtime.EventUpdate, updated))
	time.Sleep(20 * time.Millisecond)

	if got, _ := s.Missions.Get(mission.ID); got.Status != model.MissionStatusPlanned {
		t.Fatalf("dropped channel still delivered: status %q", got.Status)
	}
	if !s.NeedsReconcile() {
		t.Fatal("session does not notice the dropped channel")
	}

	if err := s.RefreshPositions(context.Background()); err != nil {
		t.Fatalf("RefreshPositions: %v", err)
	}
	if got, _ := s.Missions.Get(mission.ID); got.Status != model.MissionStatusActive {
		t.Errorf("status after reconciliation = %q, want en_cours", got.Status)
	}
	if s.Missions.Len() != 1 {
		t.Errorf("missions = %d, want 1", s.Missions.Len())
	}
	if s.NeedsReconcile() {
		t.Error("still flagged after reconciliation")
	}

	ended := updated
	ended.Status = model.MissionStatusCompleted
	ended.UpdatedAt = updated.UpdatedAt.Add(time.Second)
	hub.Publish(missionEvent(realtime.EventUpdate, ended))
	waitFor(t, func() bool {
		m, _ := s.Missions.Get(mission.ID)
		return m.Status == model.MissionStatusCompleted
	})
	if hub.Count() != 3 {
		t.Errorf("hub channels = %d, want 3 after resubscribe", hub.Count())
	}
}

func TestSession_RefreshPositions(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	source := &memorySource{}
	var mu sync.Mutex
	var kinds []UpdateKind
	notify := func(u Update) {
		mu.Lock()
		kinds = append(kinds, u.Kind)
		mu.Unlock()
	}

	s, err := NewSession(model.Principal{UserID: uuid.New(), Role: model.UserRoleAdmin}, hub, source, nil, 100, notify, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	source.addPosition(model.PositionSample{ID: uuid.New(), DriverID: uuid.New(), CapturedAt: time.Now().UTC()})
	if err := s.RefreshPositions(context.Background()); err != nil {
		t.Fatalf("RefreshPositions: %v", err)
	}
	if s.Positions.Len() != 1 {
		t.Errorf("positions = %d, want 1", s.Positions.Len())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != UpdateSnapshot || kinds[1] != UpdatePositions {
		t.Errorf("notifications = %v", kinds)
	}
}

func TestSession_CloseReleasesChannels(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	s, err := NewSession(model.Principal{UserID: uuid.New(), Role: model.UserRoleAdmin}, hub, &memorySource{}, nil, 100, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Close()
	s.Close()
	if hub.Count() != 0 {
		t.Errorf("hub channels after Close = %d, want 0", hub.Count())
	}
	if err := s.Reconcile(context.Background()); err != ErrClosed {
		t.Errorf("Reconcile after Close err = %v, want ErrClosed", err)
	}
}

func TestSession_ReconcileHealsDriverTracking(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	driverID := uuid.New()
	var healed []uuid.UUID
	healer := healerFunc(func(ctx context.Context, id uuid.UUID) error {
		healed = append(healed, id)
		return nil
	})

	s := openSession(t, model.Principal{UserID: driverID, Role: model.UserRoleDriver}, hub, &memorySource{}, healer)
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(healed) != 2 || healed[0] != driverID {
		t.Errorf("healed = %v, want driver twice", healed)
	}

	openSession(t, model.Principal{UserID: uuid.New(), Role: model.UserRoleAdmin}, hub, &memorySource{}, healer)
	if len(healed) != 2 {
		t.Errorf("admin session triggered self-heal")
	}
}

func TestNewSession_UnknownRole(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	if _, err := NewSession(model.Principal{UserID: uuid.New(), Role: "visiteur"}, hub, &memorySource{}, nil, 10, nil, zerolog.Nop()); err != ErrUnknownRole {
		t.Errorf("err = %v, want ErrUnknownRole", err)
	}
}

func TestPoller_AddRemove(t *testing.T) {
	hub := realtime.NewHub(16, "test", zerolog.Nop())
	defer hub.Close()
	s := openSession(t, model.Principal{UserID: uuid.New(), Role: model.UserRoleAdmin}, hub, &memorySource{}, nil)

	p := NewPoller(time.Second, zerolog.Nop())
	p.Start()
	defer p.Stop()

	p.Add(s)
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
	p.poll(s)
	p.Remove(s)
	p.Remove(s)
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}
