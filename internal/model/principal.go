package model

import (
	"errors"

	"github.com/google/uuid"
)

var ErrImmutable = errors.New("record is immutable")

type UserRole string

const (
	UserRoleAdmin      UserRole = "admin"
	UserRoleSupervisor UserRole = "superviseur"
	UserRoleDriver     UserRole = "chauffeur"
)

type Principal struct {
	UserID uuid.UUID
	Role   UserRole
}

func (p Principal) IsAdmin() bool {
	return p.Role == UserRoleAdmin
}

func (p Principal) IsSupervisor() bool {
	return p.Role == UserRoleSupervisor
}

func (p Principal) IsDriver() bool {
	return p.Role == UserRoleDriver
}

// IsDispatcher covers the roles allowed to create, edit and delete missions
// and to resolve breakdown reports.
func (p Principal) IsDispatcher() bool {
	return p.IsAdmin() || p.IsSupervisor()
}
