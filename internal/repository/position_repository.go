package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleet-mission-service/internal/model"
)

type PositionRepository struct {
	db *gorm.DB
}

func NewPositionRepository(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

type PositionFilter struct {
	Scope     model.Scope
	DriverID  *uuid.UUID
	MissionID *uuid.UUID
	Since     *time.Time
	Limit     int
}

func (r *PositionRepository) Insert(ctx context.Context, sample *model.PositionSample) error {
	return r.db.WithContext(ctx).Create(sample).Error
}

// Trail returns samples in capture order. When the limit cuts the result, the
// most recent samples are kept.
func (r *PositionRepository) Trail(ctx context.Context, filter PositionFilter) ([]model.PositionSample, error) {
	query := r.db.WithContext(ctx).Model(&model.PositionSample{})
	query = applyDriverScope(query, filter.Scope, "positions.driver_id")

	if filter.DriverID != nil {
		query = query.Where("positions.driver_id = ?", *filter.DriverID)
	}
	if filter.MissionID != nil {
		query = query.Where("positions.mission_id = ?", *filter.MissionID)
	}
	if filter.Since != nil {
		query = query.Where("positions.captured_at >= ?", *filter.Since)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	var samples []model.PositionSample
	if err := query.
		Order("positions.captured_at DESC").
		Limit(limit).
		Find(&samples).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

func (r *PositionRepository) Last(ctx context.Context, driverID uuid.UUID) (*model.PositionSample, error) {
	var sample model.PositionSample
	if err := r.db.WithContext(ctx).
		Where("driver_id = ?", driverID).
		Order("captured_at DESC").
		First(&sample).Error; err != nil {
		return nil, err
	}
	return &sample, nil
}

func (r *PositionRepository) CountForMission(ctx context.Context, missionID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&model.PositionSample{}).
		Where("mission_id = ?", missionID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
