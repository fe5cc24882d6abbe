package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"fleet-mission-service/internal/geo"
	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/realtime"
	"fleet-mission-service/internal/repository"
)

// FixReader reads one device fix, giving up after timeout.
type FixReader interface {
	GetOnce(ctx context.Context, driverID uuid.UUID, timeout time.Duration) (geo.Fix, error)
}

type BreakdownService struct {
	missionRepo   *repository.MissionRepository
	breakdownRepo *repository.BreakdownRepository
	fixes         FixReader
	gpsTimeout    time.Duration
	events        realtime.Publisher
	log           zerolog.Logger
}

func NewBreakdownService(
	missionRepo *repository.MissionRepository,
	breakdownRepo *repository.BreakdownRepository,
	fixes FixReader,
	gpsTimeout time.Duration,
	events realtime.Publisher,
	log zerolog.Logger,
) *BreakdownService {
	return &BreakdownService{
		missionRepo:   missionRepo,
		breakdownRepo: breakdownRepo,
		fixes:         fixes,
		gpsTimeout:    gpsTimeout,
		events:        events,
		log:           log.With().Str("component", "breakdown_service").Logger(),
	}
}

type ListBreakdownsOptions struct {
	Statuses  []model.BreakdownStatus
	Types     []model.BreakdownType
	MissionID *uuid.UUID
	DriverID  *uuid.UUID
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
	Offset    int
	// All returns every matching row when Limit is zero.
	All       bool
}

type ReportBreakdownInput struct {
	Type        model.BreakdownType
	Description string
	Severity    *model.BreakdownSeverity
	PhotoURL    *string
	Latitude    *float64
	Longitude   *float64
}

func (s *BreakdownService) List(ctx context.Context, principal model.Principal, opts ListBreakdownsOptions) ([]model.BreakdownReport, error) {
	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}
	return s.breakdownRepo.List(ctx, repository.BreakdownFilter{
		Scope:     scope,
		Statuses:  opts.Statuses,
		Types:     opts.Types,
		MissionID: opts.MissionID,
		DriverID:  opts.DriverID,
		DateFrom:  opts.DateFrom,
		DateTo:    opts.DateTo,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
		All:       opts.All,
	})
}

func (s *BreakdownService) Get(ctx context.Context, principal model.Principal, reportID uuid.UUID) (*model.BreakdownReport, error) {
	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, scope, reportID)
}

// Report files a breakdown against the driver's running mission. Nothing is
// written unless the mission is en_cours. Coordinates default to a
// best-effort device fix and stay empty when none arrives in time.
func (s *BreakdownService) Report(ctx context.Context, principal model.Principal, missionID uuid.UUID, input ReportBreakdownInput) (*model.BreakdownReport, error) {
	if !principal.IsDriver() {
		return nil, ErrPermissionDenied
	}
	if err := validateReport(input); err != nil {
		return nil, err
	}

	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}
	mission, err := s.missionRepo.GetByID(ctx, scope, missionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !mission.AssignedTo(principal.UserID) {
		return nil, ErrPermissionDenied
	}
	if mission.Status != model.MissionStatusActive {
		return nil, ErrMissionNotActive
	}

	report := &model.BreakdownReport{
		MissionID:   mission.ID,
		DriverID:    principal.UserID,
		Type:        input.Type,
		Description: strings.TrimSpace(input.Description),
		Severity:    input.Severity,
		PhotoURL:    trimmedOrNil(input.PhotoURL),
		Status:      model.BreakdownStatusReported,
	}
	if input.Latitude != nil && input.Longitude != nil {
		report.Latitude = input.Latitude
		report.Longitude = input.Longitude
	} else {
		report.Latitude, report.Longitude = s.currentCoordinates(ctx, principal.UserID)
	}

	// The fix wait above can outlast the mission, so the insert checks the
	// status again under the mission row lock.
	if err := s.breakdownRepo.CreateForActiveMission(ctx, report); err != nil {
		if errors.Is(err, repository.ErrMissionNotRunning) {
			return nil, ErrMissionNotActive
		}
		return nil, fmt.Errorf("%w: create breakdown report: %v", ErrStoreWrite, err)
	}

	s.logStatus(ctx, report.ID, nil, model.BreakdownStatusReported, "breakdown reported", principal.UserID)

	created, err := s.load(ctx, model.Scope{Type: model.ScopeFleet}, report.ID)
	if err != nil {
		return nil, err
	}
	s.events.Publish(breakdownEvent(realtime.EventInsert, created))
	return created, nil
}

// Resolve moves a report through its resolution states. It never touches
// the mission the report belongs to.
func (s *BreakdownService) Resolve(ctx context.Context, principal model.Principal, reportID uuid.UUID, target model.BreakdownStatus, note string) (*model.BreakdownReport, error) {
	if !principal.IsDispatcher() {
		return nil, ErrPermissionDenied
	}
	if !target.Valid() {
		return nil, ErrInvalidInput
	}

	report, err := s.load(ctx, model.Scope{Type: model.ScopeFleet}, reportID)
	if err != nil {
		return nil, err
	}
	if report.Status == target {
		return report, nil
	}
	if !report.Status.CanMoveTo(target) {
		return nil, ErrInvalidTransition
	}

	if err := s.breakdownRepo.UpdateStatus(ctx, report.ID, target, ptrUUID(principal.UserID)); err != nil {
		return nil, fmt.Errorf("%w: update breakdown status: %v", ErrStoreWrite, err)
	}

	prev := report.Status
	s.logStatus(ctx, report.ID, &prev, target, strings.TrimSpace(note), principal.UserID)

	updated, err := s.load(ctx, model.Scope{Type: model.ScopeFleet}, report.ID)
	if err != nil {
		return nil, err
	}
	s.events.Publish(breakdownEvent(realtime.EventUpdate, updated))
	return updated, nil
}

func (s *BreakdownService) currentCoordinates(ctx context.Context, driverID uuid.UUID) (*float64, *float64) {
	if s.fixes == nil || s.gpsTimeout <= 0 {
		return nil, nil
	}
	fix, err := s.fixes.GetOnce(ctx, driverID, s.gpsTimeout)
	if err != nil {
		s.log.Debug().Err(err).Str("driver_id", driverID.String()).Msg("no fix for breakdown report")
		return nil, nil
	}
	lat, lng := fix.Latitude, fix.Longitude
	return &lat, &lng
}

func (s *BreakdownService) load(ctx context.Context, scope model.Scope, reportID uuid.UUID) (*model.BreakdownReport, error) {
	report, err := s.breakdownRepo.GetByID(ctx, scope, reportID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return report, nil
}

func (s *BreakdownService) logStatus(ctx context.Context, reportID uuid.UUID, prev *model.BreakdownStatus, next model.BreakdownStatus, note string, by uuid.UUID) {
	if err := s.breakdownRepo.LogStatusChange(ctx, &model.BreakdownStatusLog{
		BreakdownID: reportID,
		OldStatus:   prev,
		NewStatus:   next,
		Note:        note,
		ChangedBy:   ptrUUID(by),
	}); err != nil {
		s.log.Error().Err(err).Str("breakdown_id", reportID.String()).Msg("breakdown status log write failed")
	}
}

func validateReport(input ReportBreakdownInput) error {
	if !input.Type.Valid() {
		return fmt.Errorf("%w: unknown breakdown type %q", ErrInvalidInput, input.Type)
	}
	if strings.TrimSpace(input.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	if input.Severity != nil && !input.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, *input.Severity)
	}
	if (input.Latitude == nil) != (input.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude go together", ErrInvalidInput)
	}
	if input.Latitude != nil && !validCoordinates(*input.Latitude, *input.Longitude) {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	return nil
}

func validCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
