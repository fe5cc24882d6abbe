package model

import "github.com/google/uuid"

// Reference tables below are owned by the fleet CRUD screens; this service
// only reads them.

type Profile struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	FullName string    `gorm:"type:varchar(255)" json:"full_name"`
	Phone    string    `gorm:"type:varchar(32)" json:"phone"`
	Role     UserRole  `gorm:"type:varchar(32)" json:"role"`
}

func (Profile) TableName() string {
	return "profiles"
}

type Truck struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PlateNumber string    `gorm:"type:varchar(32)" json:"plate_number"`
	Brand       string    `gorm:"type:varchar(64)" json:"brand"`
	Model       string    `gorm:"type:varchar(64)" json:"model"`
}

func (Truck) TableName() string {
	return "trucks"
}

type Trailer struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PlateNumber string    `gorm:"type:varchar(32)" json:"plate_number"`
}

func (Trailer) TableName() string {
	return "trailers"
}
