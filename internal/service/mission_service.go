package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/realtime"
	"fleet-mission-service/internal/repository"
	"fleet-mission-service/internal/tracking"
)

// SessionTracker is the part of tracking.Tracker the mission state machine
// drives.
type SessionTracker interface {
	Start(key tracking.Key) (bool, error)
	Ensure(key tracking.Key) (bool, error)
	Stop(key tracking.Key)
	Active(key tracking.Key) bool
	Sessions() []tracking.SessionInfo
}

type MissionService struct {
	missionRepo *repository.MissionRepository
	tracker     SessionTracker
	events      realtime.Publisher
	log         zerolog.Logger
}

func NewMissionService(
	missionRepo *repository.MissionRepository,
	tracker SessionTracker,
	events realtime.Publisher,
	log zerolog.Logger,
) *MissionService {
	return &MissionService{
		missionRepo: missionRepo,
		tracker:     tracker,
		events:      events,
		log:         log.With().Str("component", "mission_service").Logger(),
	}
}

type ListMissionsOptions struct {
	Statuses []model.MissionStatus
	DriverID *uuid.UUID
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
	// All returns every matching row when Limit is zero.
	All      bool
}

type CreateMissionInput struct {
	Title       string
	Description string
	Origin      string
	Destination string
	DepartureAt *time.Time
	DriverID    *uuid.UUID
	VehicleID   *uuid.UUID
	TrailerID   *uuid.UUID
}

// UpdateMissionInput patches a planned mission. Nil fields are left as they
// are; a zero UUID clears an assignment.
type UpdateMissionInput struct {
	Title       *string
	Description *string
	Origin      *string
	Destination *string
	DepartureAt *time.Time
	DriverID    *uuid.UUID
	VehicleID   *uuid.UUID
	TrailerID   *uuid.UUID
}

func (s *MissionService) List(ctx context.Context, principal model.Principal, opts ListMissionsOptions) ([]model.Mission, error) {
	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}
	return s.missionRepo.List(ctx, repository.MissionFilter{
		Scope:    scope,
		Statuses: opts.Statuses,
		DriverID: opts.DriverID,
		DateFrom: opts.DateFrom,
		DateTo:   opts.DateTo,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
		All:      opts.All,
	})
}

func (s *MissionService) Get(ctx context.Context, principal model.Principal, missionID uuid.UUID) (*model.Mission, error) {
	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, scope, missionID)
}

func (s *MissionService) History(ctx context.Context, principal model.Principal, missionID uuid.UUID) ([]model.MissionStatusLog, error) {
	if _, err := s.Get(ctx, principal, missionID); err != nil {
		return nil, err
	}
	return s.missionRepo.History(ctx, missionID)
}

func (s *MissionService) Create(ctx context.Context, principal model.Principal, input CreateMissionInput) (*model.Mission, error) {
	if !principal.IsDispatcher() {
		return nil, ErrPermissionDenied
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, ErrInvalidInput
	}

	mission := &model.Mission{
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Origin:      strings.TrimSpace(input.Origin),
		Destination: strings.TrimSpace(input.Destination),
		DepartureAt: input.DepartureAt,
		DriverID:    nonNil(input.DriverID),
		VehicleID:   nonNil(input.VehicleID),
		TrailerID:   nonNil(input.TrailerID),
		Status:      model.MissionStatusPlanned,
		CreatedBy:   ptrUUID(principal.UserID),
	}
	if err := s.missionRepo.Create(ctx, mission); err != nil {
		return nil, fmt.Errorf("%w: create mission: %v", ErrStoreWrite, err)
	}

	s.logStatus(ctx, mission.ID, nil, model.MissionStatusPlanned, "mission created", principal.UserID)
	return s.reloadAndPublish(ctx, realtime.EventInsert, mission.ID)
}

func (s *MissionService) Update(ctx context.Context, principal model.Principal, missionID uuid.UUID, input UpdateMissionInput) (*model.Mission, error) {
	if !principal.IsDispatcher() {
		return nil, ErrPermissionDenied
	}

	mission, err := s.load(ctx, model.Scope{Type: model.ScopeFleet}, missionID)
	if err != nil {
		return nil, err
	}
	if mission.Status != model.MissionStatusPlanned {
		return nil, ErrInvalidTransition
	}

	fields := map[string]interface{}{}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, ErrInvalidInput
		}
		fields["title"] = title
	}
	if input.Description != nil {
		fields["description"] = strings.TrimSpace(*input.Description)
	}
	if input.Origin != nil {
		fields["origin"] = strings.TrimSpace(*input.Origin)
	}
	if input.Destination != nil {
		fields["destination"] = strings.TrimSpace(*input.Destination)
	}
	if input.DepartureAt != nil {
		fields["departure_at"] = input.DepartureAt.UTC()
	}
	setAssignment(fields, "driver_id", input.DriverID)
	setAssignment(fields, "vehicle_id", input.VehicleID)
	setAssignment(fields, "trailer_id", input.TrailerID)
	if len(fields) == 0 {
		return mission, nil
	}

	affected, err := s.missionRepo.UpdateFields(ctx, mission.ID, model.MissionStatusPlanned, fields)
	if err != nil {
		return nil, fmt.Errorf("%w: update mission: %v", ErrStoreWrite, err)
	}
	if affected == 0 {
		return nil, ErrInvalidTransition
	}

	updated, err := s.load(ctx, model.Scope{Type: model.ScopeFleet}, mission.ID)
	if err != nil {
		return nil, err
	}
	evt := missionEvent(realtime.EventUpdate, updated)
	// The previous driver's channels still need this event to drop the row.
	if mission.DriverID != nil && !updated.AssignedTo(*mission.DriverID) {
		evt.PrevDriverID = ptrUUID(*mission.DriverID)
	}
	s.events.Publish(evt)
	return updated, nil
}

// Start moves a planned mission to en_cours and opens its tracking session.
// Repeating it on a mission the same driver already runs succeeds without a
// second session.
func (s *MissionService) Start(ctx context.Context, principal model.Principal, missionID uuid.UUID) (*model.Mission, error) {
	if !principal.IsDriver() {
		return nil, ErrPermissionDenied
	}
	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}

	mission, err := s.load(ctx, scope, missionID)
	if err != nil {
		return nil, err
	}
	if !mission.AssignedTo(principal.UserID) {
		return nil, ErrPermissionDenied
	}

	switch mission.Status {
	case model.MissionStatusActive:
		s.ensureTracking(ctx, mission)
		return mission, nil
	case model.MissionStatusCompleted:
		return nil, ErrInvalidTransition
	}

	if !mission.Assigned() {
		return nil, fmt.Errorf("%w: driver and vehicle must be assigned", ErrInvalidInput)
	}

	active, err := s.missionRepo.ActiveForDriver(ctx, principal.UserID, &mission.ID)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	affected, err := s.missionRepo.Transition(ctx, mission.ID, model.MissionStatusPlanned, model.MissionStatusActive,
		map[string]interface{}{"started_at": now})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("%w: start mission: %v", ErrStoreWrite, err)
	}
	if affected == 0 {
		current, err := s.load(ctx, scope, mission.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == model.MissionStatusActive && current.AssignedTo(principal.UserID) {
			s.ensureTracking(ctx, current)
			return current, nil
		}
		return nil, ErrInvalidTransition
	}

	key := tracking.MissionKey(principal.UserID, mission.ID)
	created, err := s.tracker.Start(key)
	if err != nil {
		// The state flip is committed; ReconcileTracking picks the session up.
		s.log.Error().Err(err).
			Str("mission_id", mission.ID.String()).
			Str("driver_id", principal.UserID.String()).
			Msg("tracking session start failed")
	} else if created {
		s.confirmTracking(ctx, key)
	}

	prev := model.MissionStatusPlanned
	s.logStatus(ctx, mission.ID, &prev, model.MissionStatusActive, "mission started", principal.UserID)
	return s.reloadAndPublish(ctx, realtime.EventUpdate, mission.ID)
}

// End completes an active mission. The assigned driver ends their own
// mission; admins and supervisors may end any as an override.
func (s *MissionService) End(ctx context.Context, principal model.Principal, missionID uuid.UUID) (*model.Mission, error) {
	scope, err := resolveScope(principal)
	if err != nil {
		return nil, err
	}

	mission, err := s.load(ctx, scope, missionID)
	if err != nil {
		return nil, err
	}
	override := principal.IsDispatcher()
	if !override && !mission.AssignedTo(principal.UserID) {
		return nil, ErrPermissionDenied
	}
	if mission.Status != model.MissionStatusActive {
		return nil, ErrInvalidTransition
	}

	affected, err := s.missionRepo.Transition(ctx, mission.ID, model.MissionStatusActive, model.MissionStatusCompleted,
		map[string]interface{}{
			"ended_at": time.Now().UTC(),
			"ended_by": principal.UserID,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: end mission: %v", ErrStoreWrite, err)
	}
	if affected == 0 {
		return nil, ErrInvalidTransition
	}

	s.stopTracking(mission)

	note := "mission ended"
	if override && !mission.AssignedTo(principal.UserID) {
		note = "mission ended by dispatcher"
	}
	prev := model.MissionStatusActive
	s.logStatus(ctx, mission.ID, &prev, model.MissionStatusCompleted, note, principal.UserID)
	return s.reloadAndPublish(ctx, realtime.EventUpdate, mission.ID)
}

// Delete removes a planned or running mission. Completed missions are kept
// as history.
func (s *MissionService) Delete(ctx context.Context, principal model.Principal, missionID uuid.UUID) error {
	if !principal.IsDispatcher() {
		return ErrPermissionDenied
	}

	mission, err := s.load(ctx, model.Scope{Type: model.ScopeFleet}, missionID)
	if err != nil {
		return err
	}
	if mission.Status == model.MissionStatusCompleted {
		return ErrInvalidTransition
	}
	// Breakdown reports are never deleted, so neither is their mission.
	hasReports, err := s.missionRepo.HasBreakdowns(ctx, mission.ID)
	if err != nil {
		return err
	}
	if hasReports {
		return fmt.Errorf("%w: mission has breakdown reports", ErrConflict)
	}

	affected, err := s.missionRepo.Delete(ctx, mission.ID, []model.MissionStatus{
		model.MissionStatusPlanned,
		model.MissionStatusActive,
	})
	if err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return fmt.Errorf("%w: mission has breakdown reports", ErrConflict)
		}
		return fmt.Errorf("%w: delete mission: %v", ErrStoreWrite, err)
	}
	if affected == 0 {
		return ErrInvalidTransition
	}

	if mission.Status == model.MissionStatusActive {
		s.stopTracking(mission)
	}
	s.events.Publish(missionEvent(realtime.EventDelete, mission))
	s.log.Info().
		Str("mission_id", mission.ID.String()).
		Str("deleted_by", principal.UserID.String()).
		Msg("mission deleted")
	return nil
}

// ReconcileTracking opens a session for every en_cours mission that has
// none and closes mission sessions whose mission is no longer en_cours. It
// returns how many sessions were opened.
func (s *MissionService) ReconcileTracking(ctx context.Context) (int, error) {
	missions, err := s.missionRepo.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	opened := 0
	for i := range missions {
		if s.ensureTracking(ctx, &missions[i]) {
			opened++
		}
	}

	active := make(map[tracking.Key]bool, len(missions))
	for _, m := range missions {
		if m.DriverID != nil {
			active[tracking.MissionKey(*m.DriverID, m.ID)] = true
		}
	}
	closed := 0
	for _, info := range s.tracker.Sessions() {
		if info.MissionID == nil {
			continue
		}
		key := tracking.MissionKey(info.DriverID, *info.MissionID)
		if active[key] {
			continue
		}
		// The session may belong to a mission started after ListActive ran,
		// so the row is read again before closing anything.
		if !s.confirmTracking(ctx, key) {
			closed++
		}
	}

	if opened > 0 || closed > 0 {
		s.log.Warn().Int("opened", opened).Int("closed", closed).Msg("tracking sessions reconciled")
	}
	return opened, nil
}

// EnsureDriverTracking restores the session of the driver's active mission,
// if any. Dashboards call it on every reconciliation.
func (s *MissionService) EnsureDriverTracking(ctx context.Context, driverID uuid.UUID) error {
	missions, err := s.missionRepo.ActiveForDriver(ctx, driverID, nil)
	if err != nil {
		return err
	}
	for i := range missions {
		s.ensureTracking(ctx, &missions[i])
	}
	return nil
}

// ensureTracking opens the mission's session when it is missing. A mission
// read as en_cours may have ended before the session opened, so a new
// session is checked against the stored row once more.
func (s *MissionService) ensureTracking(ctx context.Context, mission *model.Mission) bool {
	if mission.DriverID == nil {
		return false
	}
	key := tracking.MissionKey(*mission.DriverID, mission.ID)
	created, err := s.tracker.Ensure(key)
	if err != nil {
		s.log.Error().Err(err).Str("mission_id", mission.ID.String()).Msg("tracking session ensure failed")
		return false
	}
	if !created {
		return false
	}
	return s.confirmTracking(ctx, key)
}

// confirmTracking stops the session for key unless its mission is still
// en_cours for the same driver. End commits before it stops the session, so
// a read taken after the session opened cannot miss a concurrent End.
func (s *MissionService) confirmTracking(ctx context.Context, key tracking.Key) bool {
	mission, err := s.missionRepo.GetByID(ctx, model.Scope{Type: model.ScopeFleet}, key.MissionID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		// Keep the session; the next reconciliation looks again.
		s.log.Error().Err(err).Str("mission_id", key.MissionID.String()).Msg("tracking session check failed")
		return true
	case mission.Status == model.MissionStatusActive && mission.AssignedTo(key.DriverID):
		return true
	}
	s.tracker.Stop(key)
	s.log.Info().
		Str("mission_id", key.MissionID.String()).
		Str("driver_id", key.DriverID.String()).
		Msg("tracking session closed, mission not running")
	return false
}

func (s *MissionService) stopTracking(mission *model.Mission) {
	if mission.DriverID == nil {
		return
	}
	s.tracker.Stop(tracking.MissionKey(*mission.DriverID, mission.ID))
}

func (s *MissionService) load(ctx context.Context, scope model.Scope, missionID uuid.UUID) (*model.Mission, error) {
	mission, err := s.missionRepo.GetByID(ctx, scope, missionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return mission, nil
}

func (s *MissionService) reloadAndPublish(ctx context.Context, eventType realtime.EventType, missionID uuid.UUID) (*model.Mission, error) {
	mission, err := s.load(ctx, model.Scope{Type: model.ScopeFleet}, missionID)
	if err != nil {
		return nil, err
	}
	s.events.Publish(missionEvent(eventType, mission))
	return mission, nil
}

// logStatus records a transition. The transition itself is already committed,
// so a failure here is only logged.
func (s *MissionService) logStatus(ctx context.Context, missionID uuid.UUID, prev *model.MissionStatus, next model.MissionStatus, note string, by uuid.UUID) {
	if err := s.missionRepo.LogStatusChange(ctx, &model.MissionStatusLog{
		MissionID: missionID,
		OldStatus: prev,
		NewStatus: next,
		Note:      note,
		ChangedBy: ptrUUID(by),
	}); err != nil {
		s.log.Error().Err(err).Str("mission_id", missionID.String()).Msg("mission status log write failed")
	}
}

func nonNil(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

func setAssignment(fields map[string]interface{}, column string, id *uuid.UUID) {
	if id == nil {
		return
	}
	if *id == uuid.Nil {
		fields[column] = gorm.Expr("NULL")
		return
	}
	fields[column] = *id
}
