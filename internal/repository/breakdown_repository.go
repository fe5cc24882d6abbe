package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleet-mission-service/internal/model"
)

// ErrMissionNotRunning is returned by CreateForActiveMission when the
// referenced mission is missing or not en_cours.
var ErrMissionNotRunning = errors.New("mission is not en_cours")

type BreakdownRepository struct {
	db *gorm.DB
}

func NewBreakdownRepository(db *gorm.DB) *BreakdownRepository {
	return &BreakdownRepository{db: db}
}

type BreakdownFilter struct {
	Scope     model.Scope
	Statuses  []model.BreakdownStatus
	Types     []model.BreakdownType
	MissionID *uuid.UUID
	DriverID  *uuid.UUID
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
	Offset    int
	// All drops the default page size when Limit is zero.
	All       bool
}

func (r *BreakdownRepository) List(ctx context.Context, filter BreakdownFilter) ([]model.BreakdownReport, error) {
	query := r.db.WithContext(ctx).Model(&model.BreakdownReport{})
	query = applyDriverScope(query, filter.Scope, "breakdown_reports.driver_id")

	if len(filter.Statuses) > 0 {
		query = query.Where("breakdown_reports.status IN ?", filter.Statuses)
	}
	if len(filter.Types) > 0 {
		query = query.Where("breakdown_reports.type IN ?", filter.Types)
	}
	if filter.MissionID != nil {
		query = query.Where("breakdown_reports.mission_id = ?", *filter.MissionID)
	}
	if filter.DriverID != nil {
		query = query.Where("breakdown_reports.driver_id = ?", *filter.DriverID)
	}
	if filter.DateFrom != nil {
		query = query.Where("breakdown_reports.created_at >= ?", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		query = query.Where("breakdown_reports.created_at <= ?", *filter.DateTo)
	}

	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	} else if !filter.All {
		query = query.Limit(200)
	}

	var reports []model.BreakdownReport
	if err := query.
		Order("breakdown_reports.created_at DESC").
		Preload("Mission").
		Preload("Driver").
		Find(&reports).Error; err != nil {
		return nil, err
	}
	return reports, nil
}

func (r *BreakdownRepository) GetByID(ctx context.Context, scope model.Scope, id uuid.UUID) (*model.BreakdownReport, error) {
	query := r.db.WithContext(ctx).
		Model(&model.BreakdownReport{}).
		Where("breakdown_reports.id = ?", id)
	query = applyDriverScope(query, scope, "breakdown_reports.driver_id")

	var report model.BreakdownReport
	if err := query.
		Preload("Mission").
		Preload("Driver").
		First(&report).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *BreakdownRepository) Create(ctx context.Context, report *model.BreakdownReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

// CreateForActiveMission inserts the report only while its mission is
// en_cours. On postgres the mission row stays locked until the insert
// commits, so a concurrent End waits for the report instead of racing it.
func (r *BreakdownRepository) CreateForActiveMission(ctx context.Context, report *model.BreakdownReport) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&model.Mission{}).
			Select("id", "status").
			Where("id = ?", report.MissionID)
		if tx.Dialector.Name() != "sqlite" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var mission model.Mission
		if err := query.Take(&mission).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMissionNotRunning
			}
			return err
		}
		if mission.Status != model.MissionStatusActive {
			return ErrMissionNotRunning
		}
		return tx.Create(report).Error
	})
}

func (r *BreakdownRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.BreakdownStatus, resolvedBy *uuid.UUID) error {
	data := map[string]interface{}{
		"status": status,
	}
	if status == model.BreakdownStatusResolved {
		data["resolved_at"] = time.Now().UTC()
		data["resolved_by"] = resolvedBy
	} else {
		data["resolved_at"] = gorm.Expr("NULL")
		data["resolved_by"] = gorm.Expr("NULL")
	}
	return r.db.WithContext(ctx).
		Model(&model.BreakdownReport{}).
		Where("id = ?", id).
		Updates(data).Error
}

func (r *BreakdownRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.BreakdownReport{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *BreakdownRepository) LogStatusChange(ctx context.Context, logEntry *model.BreakdownStatusLog) error {
	return r.db.WithContext(ctx).Create(logEntry).Error
}
