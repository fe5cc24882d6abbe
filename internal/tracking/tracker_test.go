package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleet-mission-service/internal/geo"
	"fleet-mission-service/internal/model"
)

type memoryRecorder struct {
	mu      sync.Mutex
	samples []model.PositionSample
	fail    bool
}

func (r *memoryRecorder) Record(ctx context.Context, sample *model.PositionSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("store down")
	}
	r.samples = append(r.samples, *sample)
	return nil
}

func (r *memoryRecorder) all() []model.PositionSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.PositionSample(nil), r.samples...)
}

func (r *memoryRecorder) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func newTestTracker(t *testing.T) (*Tracker, *geo.Relay, *memoryRecorder) {
	t.Helper()
	relay := geo.NewRelay(zerolog.Nop())
	rec := &memoryRecorder{}
	tracker := NewTracker(relay, rec, geo.WatchOptions{MaxAge: time.Minute, Timeout: time.Minute}, zerolog.Nop())
	t.Cleanup(tracker.StopAll)
	return tracker, relay, rec
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

func push(t *testing.T, relay *geo.Relay, driverID uuid.UUID, ts time.Time) {
	t.Helper()
	if err := relay.Push(driverID, geo.Fix{Latitude: 34.02, Longitude: -6.83, CapturedAt: ts}); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestTracker_DuplicateStartOpensOneWatch(t *testing.T) {
	tracker, relay, rec := newTestTracker(t)
	key := MissionKey(uuid.New(), uuid.New())

	created, err := tracker.Start(key)
	if err != nil || !created {
		t.Fatalf("first Start = (%v, %v), want (true, nil)", created, err)
	}
	created, err = tracker.Start(key)
	if err != nil || created {
		t.Fatalf("second Start = (%v, %v), want (false, nil)", created, err)
	}

	if n := relay.ActiveWatches(); n != 1 {
		t.Fatalf("ActiveWatches = %d, want 1", n)
	}
	sessions := tracker.Sessions()
	if len(sessions) != 1 || sessions[0].Refs != 2 {
		t.Fatalf("Sessions = %+v, want one session with 2 refs", sessions)
	}

	push(t, relay, key.DriverID, time.Now())
	waitFor(t, func() bool { return len(rec.all()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.all()); n != 1 {
		t.Errorf("samples = %d, want 1 (no doubled writes)", n)
	}
}

func TestTracker_SamplesTaggedWithMission(t *testing.T) {
	tracker, relay, rec := newTestTracker(t)
	key := MissionKey(uuid.New(), uuid.New())
	if _, err := tracker.Start(key); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Now().Add(-10 * time.Second)
	for i := 0; i < 3; i++ {
		push(t, relay, key.DriverID, base.Add(time.Duration(i)*time.Second))
	}
	waitFor(t, func() bool { return len(rec.all()) == 3 })

	samples := rec.all()
	for i, s := range samples {
		if s.MissionID == nil || *s.MissionID != key.MissionID {
			t.Errorf("sample %d MissionID = %v, want %s", i, s.MissionID, key.MissionID)
		}
		if s.DriverID != key.DriverID {
			t.Errorf("sample %d DriverID = %s, want %s", i, s.DriverID, key.DriverID)
		}
		if i > 0 && s.CapturedAt.Before(samples[i-1].CapturedAt) {
			t.Errorf("sample %d captured before sample %d", i, i-1)
		}
	}
}

func TestTracker_DropsOutOfOrderFixes(t *testing.T) {
	tracker, relay, rec := newTestTracker(t)
	key := MissionKey(uuid.New(), uuid.New())
	_, _ = tracker.Start(key)

	now := time.Now()
	push(t, relay, key.DriverID, now)
	waitFor(t, func() bool { return len(rec.all()) == 1 })
	push(t, relay, key.DriverID, now.Add(-5*time.Second))
	push(t, relay, key.DriverID, now.Add(time.Second))
	waitFor(t, func() bool { return len(rec.all()) == 2 })

	samples := rec.all()
	if !samples[1].CapturedAt.After(samples[0].CapturedAt) {
		t.Errorf("samples not monotonic: %v then %v", samples[0].CapturedAt, samples[1].CapturedAt)
	}
}

func TestTracker_StopEndsSamples(t *testing.T) {
	tracker, relay, rec := newTestTracker(t)
	key := MissionKey(uuid.New(), uuid.New())
	_, _ = tracker.Start(key)
	_, _ = tracker.Start(key)

	tracker.Stop(key)
	tracker.Stop(key)

	if tracker.Active(key) {
		t.Fatal("session still active after Stop")
	}
	push(t, relay, key.DriverID, time.Now())
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.all()); n != 0 {
		t.Errorf("samples after Stop = %d, want 0", n)
	}
}

func TestTracker_ReleaseCountsReferences(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	key := MissionKey(uuid.New(), uuid.New())
	_, _ = tracker.Start(key)
	_, _ = tracker.Start(key)

	tracker.Release(key)
	if !tracker.Active(key) {
		t.Fatal("session stopped while a reference remains")
	}
	tracker.Release(key)
	if tracker.Active(key) {
		t.Fatal("session still active after last release")
	}
	tracker.Release(key)
}

func TestTracker_EnsureDoesNotAddReferences(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	key := MissionKey(uuid.New(), uuid.New())

	created, _ := tracker.Ensure(key)
	if !created {
		t.Fatal("Ensure did not open a missing session")
	}
	for i := 0; i < 3; i++ {
		if created, _ := tracker.Ensure(key); created {
			t.Fatal("Ensure opened a duplicate session")
		}
	}
	tracker.Release(key)
	if tracker.Active(key) {
		t.Error("Ensure added references")
	}
}

func TestTracker_AmbientYieldsToMission(t *testing.T) {
	tracker, relay, rec := newTestTracker(t)
	driverID := uuid.New()
	missionKey := MissionKey(driverID, uuid.New())

	_, _ = tracker.Start(AmbientKey(driverID))
	_, _ = tracker.Start(missionKey)

	push(t, relay, driverID, time.Now())
	waitFor(t, func() bool { return len(rec.all()) >= 1 })
	time.Sleep(20 * time.Millisecond)

	samples := rec.all()
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(samples))
	}
	if samples[0].MissionID == nil {
		t.Error("sample came from the ambient session while a mission session was open")
	}

	tracker.Stop(missionKey)
	push(t, relay, driverID, time.Now())
	waitFor(t, func() bool { return len(rec.all()) == 2 })
	if rec.all()[1].MissionID != nil {
		t.Error("ambient sample carries a mission id")
	}
}

func TestTracker_WriteFailureKeepsSession(t *testing.T) {
	tracker, relay, rec := newTestTracker(t)
	key := MissionKey(uuid.New(), uuid.New())
	_, _ = tracker.Start(key)

	rec.setFail(true)
	push(t, relay, key.DriverID, time.Now())
	time.Sleep(20 * time.Millisecond)
	rec.setFail(false)
	push(t, relay, key.DriverID, time.Now().Add(time.Second))

	waitFor(t, func() bool { return len(rec.all()) == 1 })
	if !tracker.Active(key) {
		t.Error("session stopped after a write failure")
	}
}

func TestTracker_StopDriver(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	driverID := uuid.New()
	other := MissionKey(uuid.New(), uuid.New())
	_, _ = tracker.Start(AmbientKey(driverID))
	_, _ = tracker.Start(MissionKey(driverID, uuid.New()))
	_, _ = tracker.Start(other)

	tracker.StopDriver(driverID)
	if n := len(tracker.Sessions()); n != 1 {
		t.Fatalf("Sessions = %d, want 1", n)
	}
	if !tracker.Active(other) {
		t.Error("other driver's session was stopped")
	}
}

func TestTracker_RequiresDriver(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	if _, err := tracker.Start(Key{}); err == nil {
		t.Fatal("expected error for empty driver id")
	}
}
