package dashboard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/service"
)

// Source reads the authoritative state a session reconciles against.
type Source interface {
	Missions(ctx context.Context, principal model.Principal) ([]model.Mission, error)
	Breakdowns(ctx context.Context, principal model.Principal) ([]model.BreakdownReport, error)
	Positions(ctx context.Context, principal model.Principal) ([]model.PositionSample, error)
}

// TrackingHealer restores a driver's tracking session when their mission is
// running without one.
type TrackingHealer interface {
	EnsureDriverTracking(ctx context.Context, driverID uuid.UUID) error
}

// ServiceSource reads through the services so role scoping matches the API.
type ServiceSource struct {
	missions     *service.MissionService
	breakdowns   *service.BreakdownService
	positions    *service.PositionService
	positionSpan time.Duration
	positionCap  int
}

// NewServiceSource fetches positions captured within span, at most limit of
// them.
func NewServiceSource(missions *service.MissionService, breakdowns *service.BreakdownService, positions *service.PositionService, span time.Duration, limit int) *ServiceSource {
	return &ServiceSource{
		missions:     missions,
		breakdowns:   breakdowns,
		positions:    positions,
		positionSpan: span,
		positionCap:  limit,
	}
}

func (s *ServiceSource) Missions(ctx context.Context, principal model.Principal) ([]model.Mission, error) {
	return s.missions.List(ctx, principal, service.ListMissionsOptions{All: true})
}

func (s *ServiceSource) Breakdowns(ctx context.Context, principal model.Principal) ([]model.BreakdownReport, error) {
	return s.breakdowns.List(ctx, principal, service.ListBreakdownsOptions{All: true})
}

func (s *ServiceSource) Positions(ctx context.Context, principal model.Principal) ([]model.PositionSample, error) {
	opts := service.TrailOptions{Limit: s.positionCap}
	if s.positionSpan > 0 {
		since := time.Now().UTC().Add(-s.positionSpan)
		opts.Since = &since
	}
	return s.positions.Trail(ctx, principal, opts)
}
