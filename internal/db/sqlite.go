package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fleet-mission-service/internal/model"
)

const sqlitePrefix = "sqlite://"

// IsSQLite reports whether the DSN selects the embedded SQLite store used for
// local runs and tests.
func IsSQLite(dsn string) bool {
	return strings.HasPrefix(dsn, sqlitePrefix)
}

// NewSQLite opens a SQLite database and creates the schema from the models.
// path may be ":memory:"; the pool is pinned to one connection so every
// query sees the same in-memory database.
func NewSQLite(path string, log zerolog.Logger) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.New(
			zerologWriter{logger: log},
			gormlogger.Config{LogLevel: gormlogger.Silent},
		),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.AutoMigrate(
		&model.Profile{},
		&model.Truck{},
		&model.Trailer{},
		&model.Mission{},
		&model.MissionStatusLog{},
		&model.PositionSample{},
		&model.BreakdownReport{},
		&model.BreakdownStatusLog{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return database, nil
}
