package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-mission-service/internal/model"
)

type MissionRepository struct {
	db *gorm.DB
}

func NewMissionRepository(db *gorm.DB) *MissionRepository {
	return &MissionRepository{db: db}
}

type MissionFilter struct {
	Scope    model.Scope
	Statuses []model.MissionStatus
	DriverID *uuid.UUID
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
	// All drops the default page size when Limit is zero.
	All      bool
}

func (r *MissionRepository) List(ctx context.Context, filter MissionFilter) ([]model.Mission, error) {
	query := r.db.WithContext(ctx).Model(&model.Mission{})
	query = applyDriverScope(query, filter.Scope, "missions.driver_id")

	if len(filter.Statuses) > 0 {
		query = query.Where("missions.status IN ?", filter.Statuses)
	}
	if filter.DriverID != nil {
		query = query.Where("missions.driver_id = ?", *filter.DriverID)
	}
	if filter.DateFrom != nil {
		query = query.Where("COALESCE(missions.departure_at, missions.created_at) >= ?", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		query = query.Where("COALESCE(missions.departure_at, missions.created_at) <= ?", *filter.DateTo)
	}

	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	} else if !filter.All {
		query = query.Limit(200)
	}

	var missions []model.Mission
	if err := query.
		Order("missions.created_at DESC").
		Preload("Driver").
		Preload("Vehicle").
		Preload("Trailer").
		Find(&missions).Error; err != nil {
		return nil, err
	}
	return missions, nil
}

func (r *MissionRepository) GetByID(ctx context.Context, scope model.Scope, id uuid.UUID) (*model.Mission, error) {
	query := r.db.WithContext(ctx).
		Model(&model.Mission{}).
		Where("missions.id = ?", id)
	query = applyDriverScope(query, scope, "missions.driver_id")

	var mission model.Mission
	if err := query.
		Preload("Driver").
		Preload("Vehicle").
		Preload("Trailer").
		First(&mission).Error; err != nil {
		return nil, err
	}
	return &mission, nil
}

func (r *MissionRepository) Create(ctx context.Context, mission *model.Mission) error {
	return r.db.WithContext(ctx).Create(mission).Error
}

// UpdateFields patches a mission while it is still in the expected status.
// The returned count is zero when the row moved to another status meanwhile.
func (r *MissionRepository) UpdateFields(ctx context.Context, id uuid.UUID, expected model.MissionStatus, fields map[string]interface{}) (int64, error) {
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = time.Now().UTC()
	}
	result := r.db.WithContext(ctx).
		Model(&model.Mission{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(fields)
	return result.RowsAffected, result.Error
}

// Transition flips the status with a single conditional row update so that
// concurrent requests cannot both win the same transition.
func (r *MissionRepository) Transition(ctx context.Context, id uuid.UUID, from, to model.MissionStatus, extra map[string]interface{}) (int64, error) {
	fields := map[string]interface{}{"status": to}
	for k, v := range extra {
		fields[k] = v
	}
	return r.UpdateFields(ctx, id, from, fields)
}

func (r *MissionRepository) Delete(ctx context.Context, id uuid.UUID, statuses []model.MissionStatus) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, statuses).
		Delete(&model.Mission{})
	return result.RowsAffected, result.Error
}

// HasBreakdowns reports whether any breakdown report references the mission.
func (r *MissionRepository) HasBreakdowns(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&model.BreakdownReport{}).
		Where("mission_id = ?", id).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ActiveForDriver returns the driver's en_cours missions other than exclude.
func (r *MissionRepository) ActiveForDriver(ctx context.Context, driverID uuid.UUID, exclude *uuid.UUID) ([]model.Mission, error) {
	query := r.db.WithContext(ctx).
		Model(&model.Mission{}).
		Where("driver_id = ? AND status = ?", driverID, model.MissionStatusActive)
	if exclude != nil {
		query = query.Where("id <> ?", *exclude)
	}
	var missions []model.Mission
	if err := query.Find(&missions).Error; err != nil {
		return nil, err
	}
	return missions, nil
}

func (r *MissionRepository) ListActive(ctx context.Context) ([]model.Mission, error) {
	var missions []model.Mission
	if err := r.db.WithContext(ctx).
		Model(&model.Mission{}).
		Where("status = ?", model.MissionStatusActive).
		Preload("Vehicle").
		Find(&missions).Error; err != nil {
		return nil, err
	}
	return missions, nil
}

func (r *MissionRepository) LogStatusChange(ctx context.Context, logEntry *model.MissionStatusLog) error {
	return r.db.WithContext(ctx).Create(logEntry).Error
}

func (r *MissionRepository) History(ctx context.Context, missionID uuid.UUID) ([]model.MissionStatusLog, error) {
	var entries []model.MissionStatusLog
	if err := r.db.WithContext(ctx).
		Where("mission_id = ?", missionID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
