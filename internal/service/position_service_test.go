package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleet-mission-service/internal/cache"
	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/tracking"
)

func TestMissionLifecycle_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	driverID := uuid.New()
	d := driver(driverID)

	mission := env.plannedMission(t, driverID, true)
	if mission.Status != model.MissionStatusPlanned {
		t.Fatalf("created status = %q", mission.Status)
	}

	started, err := env.missions.Start(ctx, d, mission.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != model.MissionStatusActive {
		t.Fatalf("started status = %q", started.Status)
	}
	key := tracking.MissionKey(driverID, mission.ID)
	if !env.tracker.Active(key) {
		t.Fatal("tracking session not active after Start")
	}

	base := time.Now().UTC().Add(-10 * time.Second)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		if err := env.positions.PushFix(ctx, d, FixInput{Latitude: 33.57 + float64(i)/100, Longitude: -7.59, CapturedAt: &at}); err != nil {
			t.Fatalf("PushFix %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return env.sampleCount(t, mission.ID) == 3 })

	report, err := env.breakdowns.Report(ctx, d, mission.ID, ReportBreakdownInput{
		Type:        model.BreakdownTypeMechanical,
		Description: "moteur surchauffe",
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if report.Status != model.BreakdownStatusReported {
		t.Errorf("report status = %q, want signalee", report.Status)
	}
	if got := env.storedStatus(t, mission.ID); got != model.MissionStatusActive {
		t.Fatalf("mission status after report = %q, want en_cours", got)
	}

	ended, err := env.missions.End(ctx, d, mission.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Status != model.MissionStatusCompleted {
		t.Fatalf("ended status = %q", ended.Status)
	}
	if env.tracker.Active(key) {
		t.Fatal("tracking session still active after End")
	}

	later := time.Now().UTC()
	if err := env.positions.PushFix(ctx, d, FixInput{Latitude: 33.6, Longitude: -7.6, CapturedAt: &later}); err != nil {
		t.Fatalf("PushFix after end: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := env.sampleCount(t, mission.ID); n != 3 {
		t.Errorf("samples tagged with mission = %d, want 3", n)
	}

	trail, err := env.positions.Trail(ctx, d, TrailOptions{MissionID: &mission.ID})
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("trail = %d samples, want 3", len(trail))
	}
	for i := 1; i < len(trail); i++ {
		if trail[i].CapturedAt.Before(trail[i-1].CapturedAt) {
			t.Errorf("trail out of capture order at %d", i)
		}
	}
}

func TestPositionService_SamplesMonotonicPerDriver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	driverID := uuid.New()
	d := driver(driverID)
	mission := env.plannedMission(t, driverID, true)
	if _, err := env.missions.Start(ctx, d, mission.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Now().UTC().Add(-20 * time.Second)
	offsets := []int{0, 5, 3, 6, 1, 9}
	for _, off := range offsets {
		at := base.Add(time.Duration(off) * time.Second)
		if err := env.positions.PushFix(ctx, d, FixInput{Latitude: 34, Longitude: -6, CapturedAt: &at}); err != nil {
			t.Fatalf("PushFix: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return env.sampleCount(t, mission.ID) >= 4 })
	time.Sleep(20 * time.Millisecond)

	var samples []model.PositionSample
	if err := env.db.Where("driver_id = ?", driverID).Order("created_at ASC").Find(&samples).Error; err != nil {
		t.Fatalf("load samples: %v", err)
	}
	if len(samples) != 4 {
		t.Fatalf("samples = %d, want 4 (out-of-order fixes dropped)", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].CapturedAt.Before(samples[i-1].CapturedAt) {
			t.Errorf("sample %d captured before sample %d", i, i-1)
		}
	}
}

func TestPositionService_PushFixValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.positions.PushFix(ctx, admin(), FixInput{Latitude: 1, Longitude: 1}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("admin push err = %v, want ErrPermissionDenied", err)
	}
	if err := env.positions.PushFix(ctx, driver(uuid.New()), FixInput{Latitude: 120, Longitude: 1}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad latitude err = %v, want ErrInvalidInput", err)
	}
}

func TestPositionService_AmbientTracking(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	log := zerolog.Nop()
	positions := NewPositionService(env.missionRepo, env.positionRepo, cache.NewMemory(), env.relay, env.tracker, 500, log)
	driverID := uuid.New()

	if err := positions.PushFix(ctx, driver(driverID), FixInput{Latitude: 35.1, Longitude: -2.9}); err != nil {
		t.Fatalf("PushFix: %v", err)
	}
	if !env.tracker.Active(tracking.AmbientKey(driverID)) {
		t.Fatal("ambient session not opened")
	}

	waitFor(t, func() bool {
		sample, err := env.positionRepo.Last(ctx, driverID)
		return err == nil && sample.MissionID == nil
	})
}

func TestPositionService_LastKnown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	driverID := uuid.New()
	other := uuid.New()

	if _, err := env.positions.LastKnown(ctx, driver(driverID), driverID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LastKnown on empty store err = %v, want ErrNotFound", err)
	}

	now := time.Now().UTC()
	for i, at := range []time.Time{now.Add(-time.Minute), now} {
		sample := &model.PositionSample{DriverID: driverID, Latitude: float64(i), Longitude: 0, CapturedAt: at}
		if err := env.positionRepo.Insert(ctx, sample); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	last, err := env.positions.LastKnown(ctx, driver(driverID), driverID)
	if err != nil {
		t.Fatalf("LastKnown: %v", err)
	}
	if last.Latitude != 1 {
		t.Errorf("Latitude = %v, want the latest sample", last.Latitude)
	}

	if _, err := env.positions.LastKnown(ctx, driver(other), driverID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("other driver err = %v, want ErrPermissionDenied", err)
	}
	if _, err := env.positions.LastKnown(ctx, admin(), driverID); err != nil {
		t.Errorf("admin LastKnown: %v", err)
	}
}

func TestPositionService_Map(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	driverID := uuid.New()
	mission := env.plannedMission(t, driverID, true)
	if _, err := env.missions.Start(ctx, driver(driverID), mission.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	missionID := mission.ID
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		sample := &model.PositionSample{DriverID: driverID, MissionID: &missionID, Latitude: 33, Longitude: -7, CapturedAt: now.Add(time.Duration(i) * time.Second)}
		if err := env.positionRepo.Insert(ctx, sample); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	tracks, err := env.positions.Map(ctx, admin(), nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(tracks))
	}
	if tracks[0].MissionID == nil || *tracks[0].MissionID != mission.ID || len(tracks[0].Path) != 2 {
		t.Errorf("track = %+v", tracks[0])
	}

	ownTracks, err := env.positions.Map(ctx, driver(uuid.New()), nil)
	if err != nil {
		t.Fatalf("Map for another driver: %v", err)
	}
	if len(ownTracks) != 0 {
		t.Errorf("other driver sees %d tracks, want 0", len(ownTracks))
	}
}
