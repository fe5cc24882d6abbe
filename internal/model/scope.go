package model

import "github.com/google/uuid"

type ScopeType string

const (
	ScopeFleet  ScopeType = "FLEET"
	ScopeDriver ScopeType = "DRIVER"
)

type Scope struct {
	Type     ScopeType
	DriverID *uuid.UUID
}

// ScopeFor derives the data scope of a principal. Drivers see only their own
// rows; admins and supervisors see the whole fleet. ok is false for unknown roles.
func ScopeFor(p Principal) (Scope, bool) {
	switch {
	case p.IsDispatcher():
		return Scope{Type: ScopeFleet}, true
	case p.IsDriver():
		id := p.UserID
		return Scope{Type: ScopeDriver, DriverID: &id}, true
	default:
		return Scope{}, false
	}
}

func (s Scope) AllowsDriver(driverID *uuid.UUID) bool {
	if s.Type == ScopeFleet {
		return true
	}
	if driverID == nil || s.DriverID == nil {
		return false
	}
	return *driverID == *s.DriverID
}
