// Package tracking turns device fixes into position samples while a driver
// has an open tracking session.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleet-mission-service/internal/geo"
	"fleet-mission-service/internal/model"
)

const writeTimeout = 5 * time.Second

// Recorder persists one sample. Failures are logged by the tracker and never
// stop the session.
type Recorder interface {
	Record(ctx context.Context, sample *model.PositionSample) error
}

// Key identifies a session. A zero MissionID is an ambient session.
type Key struct {
	DriverID  uuid.UUID
	MissionID uuid.UUID
}

func MissionKey(driverID, missionID uuid.UUID) Key {
	return Key{DriverID: driverID, MissionID: missionID}
}

func AmbientKey(driverID uuid.UUID) Key {
	return Key{DriverID: driverID}
}

func (k Key) Ambient() bool {
	return k.MissionID == uuid.Nil
}

type SessionInfo struct {
	DriverID  uuid.UUID  `json:"driver_id"`
	MissionID *uuid.UUID `json:"mission_id"`
	Refs      int        `json:"refs"`
	Samples   int        `json:"samples"`
	StartedAt time.Time  `json:"started_at"`
}

type session struct {
	key       Key
	handle    geo.WatchHandle
	refs      int
	samples   int
	startedAt time.Time
}

type Tracker struct {
	mu       sync.Mutex
	provider geo.Provider
	recorder Recorder
	opts     geo.WatchOptions
	sessions map[Key]*session
	last     map[uuid.UUID]time.Time
	log      zerolog.Logger
}

func NewTracker(provider geo.Provider, recorder Recorder, opts geo.WatchOptions, log zerolog.Logger) *Tracker {
	return &Tracker{
		provider: provider,
		recorder: recorder,
		opts:     opts,
		sessions: make(map[Key]*session),
		last:     make(map[uuid.UUID]time.Time),
		log:      log.With().Str("component", "tracker").Logger(),
	}
}

// Start opens the session for key or, when one is already open, only takes
// another reference on it. It reports whether a new watch was opened.
func (t *Tracker) Start(key Key) (bool, error) {
	return t.open(key, true)
}

// Ensure opens the session if it is missing and leaves references alone
// otherwise. Used by self-healing paths that may run many times.
func (t *Tracker) Ensure(key Key) (bool, error) {
	return t.open(key, false)
}

func (t *Tracker) open(key Key, addRef bool) (bool, error) {
	if key.DriverID == uuid.Nil {
		return false, errors.New("driver id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[key]; ok {
		if addRef {
			s.refs++
		}
		return false, nil
	}

	handle, err := t.provider.Watch(key.DriverID, t.opts,
		func(fix geo.Fix) { t.handleFix(key, fix) },
		func(err error) { t.handleError(key, err) },
	)
	if err != nil {
		return false, err
	}

	t.sessions[key] = &session{
		key:       key,
		handle:    handle,
		refs:      1,
		startedAt: time.Now().UTC(),
	}
	t.logKey(t.log.Info(), key).Msg("tracking session started")
	return true, nil
}

// Release drops one reference and stops the session at zero.
func (t *Tracker) Release(key Key) {
	t.mu.Lock()
	s, ok := t.sessions[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, key)
	t.mu.Unlock()

	t.provider.Cancel(s.handle)
	t.logKey(t.log.Info(), key).Msg("tracking session released")
}

// Stop closes the session regardless of references. No sample is written for
// key once Stop returns. Stopping a missing session is a no-op.
func (t *Tracker) Stop(key Key) {
	t.mu.Lock()
	s, ok := t.sessions[key]
	if ok {
		delete(t.sessions, key)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.provider.Cancel(s.handle)
	t.logKey(t.log.Info(), key).Int("samples", s.samples).Msg("tracking session stopped")
}

// StopDriver closes every session of a driver, ambient included.
func (t *Tracker) StopDriver(driverID uuid.UUID) {
	for _, key := range t.keys(func(k Key) bool { return k.DriverID == driverID }) {
		t.Stop(key)
	}
}

func (t *Tracker) StopAll() {
	for _, key := range t.keys(func(Key) bool { return true }) {
		t.Stop(key)
	}
}

func (t *Tracker) keys(match func(Key) bool) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]Key, 0, len(t.sessions))
	for k := range t.sessions {
		if match(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (t *Tracker) Active(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[key]
	return ok
}

func (t *Tracker) Sessions() []SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		info := SessionInfo{
			DriverID:  s.key.DriverID,
			Refs:      s.refs,
			Samples:   s.samples,
			StartedAt: s.startedAt,
		}
		if !s.key.Ambient() {
			id := s.key.MissionID
			info.MissionID = &id
		}
		out = append(out, info)
	}
	return out
}

func (t *Tracker) hasMissionSessionLocked(driverID uuid.UUID) bool {
	for k := range t.sessions {
		if k.DriverID == driverID && !k.Ambient() {
			return true
		}
	}
	return false
}

func (t *Tracker) handleFix(key Key, fix geo.Fix) {
	captured := fix.CapturedAt.UTC()

	t.mu.Lock()
	s, ok := t.sessions[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if key.Ambient() && t.hasMissionSessionLocked(key.DriverID) {
		t.mu.Unlock()
		return
	}
	if last, seen := t.last[key.DriverID]; seen && captured.Before(last) {
		t.mu.Unlock()
		t.logKey(t.log.Debug(), key).Time("captured_at", captured).Msg("out of order fix dropped")
		return
	}
	t.last[key.DriverID] = captured
	s.samples++
	t.mu.Unlock()

	sample := &model.PositionSample{
		DriverID:   key.DriverID,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Accuracy:   fix.Accuracy,
		Heading:    fix.Heading,
		Speed:      fix.Speed,
		CapturedAt: captured,
	}
	if !key.Ambient() {
		missionID := key.MissionID
		sample.MissionID = &missionID
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := t.recorder.Record(ctx, sample); err != nil {
		t.logKey(t.log.Error().Err(err), key).Msg("position sample write failed")
	}
}

func (t *Tracker) handleError(key Key, err error) {
	if errors.Is(err, geo.ErrUnavailable) {
		t.logKey(t.log.Debug(), key).Msg("no fix within timeout, sample skipped")
		return
	}
	t.logKey(t.log.Warn().Err(err), key).Msg("geolocation error")
}

func (t *Tracker) logKey(evt *zerolog.Event, key Key) *zerolog.Event {
	evt = evt.Str("driver_id", key.DriverID.String())
	if !key.Ambient() {
		evt = evt.Str("mission_id", key.MissionID.String())
	}
	return evt
}
