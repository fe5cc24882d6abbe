package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/realtime"
)

var (
	ErrClosed      = errors.New("dashboard session closed")
	ErrUnknownRole = errors.New("dashboard: unknown role")
)

type UpdateKind string

const (
	UpdateSnapshot  UpdateKind = "snapshot"
	UpdateEvent     UpdateKind = "event"
	UpdatePositions UpdateKind = "positions"
)

// Update tells the transport what changed in the session's views.
type Update struct {
	Kind  UpdateKind
	Event *realtime.Event
}

var tables = []realtime.Table{
	realtime.TableMissions,
	realtime.TableBreakdowns,
	realtime.TablePositions,
}

// Session is one dashboard's live state. It owns one hub channel per table
// and releases them on Close.
type Session struct {
	principal model.Principal
	scope     model.Scope
	hub       *realtime.Hub
	source    Source
	healer    TrackingHealer
	notify    func(Update)
	log       zerolog.Logger

	Missions   *View[model.Mission]
	Breakdowns *View[model.BreakdownReport]
	Positions  *View[model.PositionSample]

	mu          sync.Mutex
	channels    map[realtime.Table]*realtime.Channel
	reconciling bool
	pending     []realtime.Event
	closed      bool
}

// NewSession prepares a session; Open subscribes and loads it. healer and
// notify may be nil.
func NewSession(
	principal model.Principal,
	hub *realtime.Hub,
	source Source,
	healer TrackingHealer,
	positionLimit int,
	notify func(Update),
	log zerolog.Logger,
) (*Session, error) {
	scope, ok := model.ScopeFor(principal)
	if !ok {
		return nil, ErrUnknownRole
	}
	if notify == nil {
		notify = func(Update) {}
	}
	return &Session{
		principal:  principal,
		scope:      scope,
		hub:        hub,
		source:     source,
		healer:     healer,
		notify:     notify,
		log:        log.With().Str("component", "dashboard").Str("user_id", principal.UserID.String()).Logger(),
		Missions:   NewMissionView(),
		Breakdowns: NewBreakdownView(),
		Positions:  NewPositionView(positionLimit),
		channels:   make(map[realtime.Table]*realtime.Channel),
	}, nil
}

// Open subscribes before the first full fetch so no change falls between the
// two.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	for _, table := range tables {
		s.channels[table] = s.subscribe(table)
	}
	s.mu.Unlock()

	return s.Reconcile(ctx)
}

func (s *Session) filter() realtime.Filter {
	if s.scope.Type == model.ScopeDriver {
		return realtime.Filter{DriverID: s.scope.DriverID}
	}
	return realtime.Filter{}
}

func (s *Session) subscribe(table realtime.Table) *realtime.Channel {
	return s.hub.Subscribe(table, s.filter(), s.handle)
}

func (s *Session) handle(evt realtime.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.reconciling {
		s.pending = append(s.pending, evt)
		s.mu.Unlock()
		return
	}
	applied := s.apply(evt)
	s.mu.Unlock()

	if applied {
		s.notify(Update{Kind: UpdateEvent, Event: &evt})
	}
}

// apply merges one event into its view. Records published locally are model
// pointers; records relayed from other instances arrive as raw JSON.
func (s *Session) apply(evt realtime.Event) bool {
	switch evt.Table {
	case realtime.TableMissions:
		var m model.Mission
		if !decodeRecord(evt.Record, &m) {
			break
		}
		if s.scope.Type == model.ScopeDriver && !m.AssignedTo(*s.scope.DriverID) {
			// Reassigned away from this driver.
			s.Missions.Apply(realtime.EventDelete, m)
			return true
		}
		s.Missions.Apply(evt.Type, m)
		return true
	case realtime.TableBreakdowns:
		var b model.BreakdownReport
		if !decodeRecord(evt.Record, &b) {
			break
		}
		s.Breakdowns.Apply(evt.Type, b)
		return true
	case realtime.TablePositions:
		var p model.PositionSample
		if !decodeRecord(evt.Record, &p) {
			break
		}
		s.Positions.Apply(evt.Type, p)
		return true
	}
	s.log.Warn().Str("table", string(evt.Table)).Str("record_id", evt.ID.String()).Msg("event record not understood, skipped")
	return false
}

func decodeRecord[T any](record any, out *T) bool {
	switch r := record.(type) {
	case *T:
		if r == nil {
			return false
		}
		*out = *r
		return true
	case T:
		*out = r
		return true
	case json.RawMessage:
		return json.Unmarshal(r, out) == nil
	case []byte:
		return json.Unmarshal(r, out) == nil
	}
	return false
}

// Reconcile replaces every view with a full fetch. Dropped channels are
// subscribed again first, and events that arrive during the fetch are merged
// after it.
func (s *Session) Reconcile(ctx context.Context) error {
	stale, err := s.beginReconcile()
	if err != nil {
		return err
	}
	for _, ch := range stale {
		s.hub.Unsubscribe(ch)
	}

	if s.healer != nil && s.principal.IsDriver() {
		if err := s.healer.EnsureDriverTracking(ctx, s.principal.UserID); err != nil {
			s.log.Error().Err(err).Msg("tracking self-heal failed")
		}
	}

	missions, err := s.source.Missions(ctx, s.principal)
	if err == nil {
		var breakdowns []model.BreakdownReport
		breakdowns, err = s.source.Breakdowns(ctx, s.principal)
		if err == nil {
			var positions []model.PositionSample
			positions, err = s.source.Positions(ctx, s.principal)
			if err == nil {
				s.Missions.Replace(missions)
				s.Breakdowns.Replace(breakdowns)
				s.Positions.Replace(positions)
			}
		}
	}

	s.mu.Lock()
	for _, evt := range s.pending {
		s.apply(evt)
	}
	s.pending = nil
	s.reconciling = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Msg("reconciliation fetch failed")
		return err
	}
	s.notify(Update{Kind: UpdateSnapshot})
	return nil
}

func (s *Session) beginReconcile() ([]*realtime.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.reconciling = true
	s.pending = nil

	var stale []*realtime.Channel
	for table, ch := range s.channels {
		if ch.Dropped() {
			stale = append(stale, ch)
			s.channels[table] = s.subscribe(table)
			s.log.Info().Str("table", string(table)).Msg("channel resubscribed")
			continue
		}
		ch.ResetLag()
	}
	return stale, nil
}

// RefreshPositions is the fallback poll. A channel that lagged or was
// dropped since the last reconciliation triggers a full one instead.
func (s *Session) RefreshPositions(ctx context.Context) error {
	if s.NeedsReconcile() {
		return s.Reconcile(ctx)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	positions, err := s.source.Positions(ctx, s.principal)
	if err != nil {
		return err
	}
	s.Positions.Replace(positions)
	s.notify(Update{Kind: UpdatePositions})
	return nil
}

func (s *Session) NeedsReconcile() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.Lagged() || ch.Dropped() {
			return true
		}
	}
	return false
}

// Channels returns the hub channels the session holds.
func (s *Session) Channels() []*realtime.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*realtime.Channel, 0, len(s.channels))
	for _, table := range tables {
		if ch, ok := s.channels[table]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func (s *Session) Principal() model.Principal {
	return s.principal
}

// Close releases every channel. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	channels := s.channels
	s.channels = make(map[realtime.Table]*realtime.Channel)
	s.pending = nil
	s.mu.Unlock()

	for _, ch := range channels {
		s.hub.Unsubscribe(ch)
	}
}
