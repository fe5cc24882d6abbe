package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"fleet-mission-service/internal/cache"
	"fleet-mission-service/internal/geo"
	"fleet-mission-service/internal/mapview"
	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/realtime"
	"fleet-mission-service/internal/repository"
	"fleet-mission-service/internal/tracking"
)

// PositionRecorder is the tracker's write path: store the sample, refresh
// the driver's cached position and announce the insert.
type PositionRecorder struct {
	positionRepo *repository.PositionRepository
	cache        cache.PositionCache
	events       realtime.Publisher
	log          zerolog.Logger
}

func NewPositionRecorder(positionRepo *repository.PositionRepository, positions cache.PositionCache, events realtime.Publisher, log zerolog.Logger) *PositionRecorder {
	return &PositionRecorder{
		positionRepo: positionRepo,
		cache:        positions,
		events:       events,
		log:          log.With().Str("component", "position_recorder").Logger(),
	}
}

func (r *PositionRecorder) Record(ctx context.Context, sample *model.PositionSample) error {
	if err := r.positionRepo.Insert(ctx, sample); err != nil {
		return fmt.Errorf("%w: insert position: %v", ErrStoreWrite, err)
	}
	if err := r.cache.Put(ctx, sample); err != nil {
		r.log.Warn().Err(err).Str("driver_id", sample.DriverID.String()).Msg("position cache update failed")
	}
	r.events.Publish(positionEvent(sample))
	return nil
}

// FixSink accepts fixes pushed by devices.
type FixSink interface {
	Push(driverID uuid.UUID, fix geo.Fix) error
}

// AmbientTracker opens ambient sessions for drivers outside a mission.
type AmbientTracker interface {
	Ensure(key tracking.Key) (bool, error)
}

type PositionService struct {
	missionRepo  *repository.MissionRepository
	positionRepo *repository.PositionRepository
	cache        cache.PositionCache
	sink         FixSink
	ambient      AmbientTracker
	trailLimit   int
	log          zerolog.Logger
}

// NewPositionService wires the read side and the device push path. ambient
// may be nil, in which case fixes only feed open mission sessions.
func NewPositionService(
	missionRepo *repository.MissionRepository,
	positionRepo *repository.PositionRepository,
	positions cache.PositionCache,
	sink FixSink,
	ambient AmbientTracker,
	trailLimit int,
	log zerolog.Logger,
) *PositionService {
	return &PositionService{
		missionRepo:  missionRepo,
		positionRepo: positionRepo,
		cache:        positions,
		sink:         sink,
		ambient:      ambient,
		trailLimit:   trailLimit,
		log:          log.With().Str("component", "position_service").Logger(),
	}
}

type FixInput struct {
	Latitude   float64
	Longitude  float64
	Accuracy   *float64
	Heading    *float64
	Speed      *float64
	CapturedAt *time.Time
}

type TrailOptions struct {
	DriverID  *uuid.UUID
	MissionID *uuid.UUID
	Since     *time.Time
	Limit     int
}

// PushFix hands a fix from the driver's device to the geolocation relay.
func (s *PositionService) PushFix(ctx context.Context, principal model.Principal, input FixInput) error {
	if !principal.IsDriver() {
		return ErrPermissionDenied
	}

	captured := time.Now().UTC()
	if input.CapturedAt != nil {
		captured = input.CapturedAt.UTC()
	}
	fix := geo.Fix{
		Latitude:   input.Latitude,
		Longitude:  input.Longitude,
		Accuracy:   input.Accuracy,
		Heading:    input.Heading,
		Speed:      input.Speed,
		CapturedAt: captured,
	}
	if !fix.Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}

	if s.ambient != nil {
		if _, err := s.ambient.Ensure(tracking.AmbientKey(principal.UserID)); err != nil {
			s.log.Error().Err(err).Str("driver_id", principal.UserID.String()).Msg("ambient session start failed")
		}
	}

	if err := s.sink.Push(principal.UserID, fix); err != nil {
		if errors.Is(err, geo.ErrInvalidFix) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return err
	}
	return nil
}

// Trail returns samples in capture order for the principal's scope.
func (s *PositionService) Trail(ctx context.Context, principal model.Principal, opts TrailOptions) ([]model.PositionSample, error) {
	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > s.trailLimit {
		limit = s.trailLimit
	}
	return s.positionRepo.Trail(ctx, repository.PositionFilter{
		Scope:     scope,
		DriverID:  opts.DriverID,
		MissionID: opts.MissionID,
		Since:     opts.Since,
		Limit:     limit,
	})
}

// LastKnown returns the driver's most recent sample, from the cache when it
// holds one.
func (s *PositionService) LastKnown(ctx context.Context, principal model.Principal, driverID uuid.UUID) (*model.PositionSample, error) {
	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}
	if !scope.AllowsDriver(&driverID) {
		return nil, ErrPermissionDenied
	}

	sample, err := s.cache.Last(ctx, driverID)
	if err == nil {
		return sample, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.log.Warn().Err(err).Str("driver_id", driverID.String()).Msg("position cache read failed")
	}

	sample, err = s.positionRepo.Last(ctx, driverID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.cache.Put(ctx, sample); err != nil {
		s.log.Warn().Err(err).Str("driver_id", driverID.String()).Msg("position cache update failed")
	}
	return sample, nil
}

// Map builds one track per driver with an active mission in scope. A driver
// also sees their own ambient trail when no mission is running.
func (s *PositionService) Map(ctx context.Context, principal model.Principal, since *time.Time) ([]mapview.Track, error) {
	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}

	missions, err := s.missionRepo.List(ctx, repository.MissionFilter{
		Scope:    scope,
		Statuses: []model.MissionStatus{model.MissionStatusActive},
		All:      true,
	})
	if err != nil {
		return nil, err
	}

	var samples []model.PositionSample
	seen := make(map[uuid.UUID]bool)
	for _, m := range missions {
		if m.DriverID == nil || seen[*m.DriverID] {
			continue
		}
		seen[*m.DriverID] = true
		missionID := m.ID
		trail, err := s.positionRepo.Trail(ctx, repository.PositionFilter{
			Scope:     scope,
			DriverID:  m.DriverID,
			MissionID: &missionID,
			Since:     since,
			Limit:     s.trailLimit,
		})
		if err != nil {
			return nil, err
		}
		samples = append(samples, trail...)
	}

	if scope.Type == model.ScopeDriver && scope.DriverID != nil && !seen[*scope.DriverID] {
		trail, err := s.positionRepo.Trail(ctx, repository.PositionFilter{
			Scope:    scope,
			DriverID: scope.DriverID,
			Since:    since,
			Limit:    s.trailLimit,
		})
		if err != nil {
			return nil, err
		}
		samples = append(samples, trail...)
	}

	return mapview.Compose(missions, samples), nil
}
