package realtime

import (
	"time"

	"github.com/google/uuid"
)

type Table string

const (
	TableMissions   Table = "missions"
	TablePositions  Table = "positions"
	TableBreakdowns Table = "breakdown_reports"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is a row-level change. DriverID and MissionID are copied from the
// record so channels can filter without decoding it. PrevDriverID is set on
// an update that moved the row away from that driver.
type Event struct {
	Table        Table      `json:"table"`
	Type         EventType  `json:"type"`
	ID           uuid.UUID  `json:"id"`
	DriverID     *uuid.UUID `json:"driver_id,omitempty"`
	PrevDriverID *uuid.UUID `json:"prev_driver_id,omitempty"`
	MissionID    *uuid.UUID `json:"mission_id,omitempty"`
	Record       any        `json:"record"`
	Origin       string     `json:"origin,omitempty"`
	EmittedAt    time.Time  `json:"emitted_at"`
}

// Filter narrows a channel. Zero values match everything.
type Filter struct {
	Types     []EventType
	DriverID  *uuid.UUID
	MissionID *uuid.UUID
}

func (f Filter) Matches(evt Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == evt.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DriverID != nil {
		if !sameID(evt.DriverID, f.DriverID) && !sameID(evt.PrevDriverID, f.DriverID) {
			return false
		}
	}
	if f.MissionID != nil {
		if evt.MissionID == nil || *evt.MissionID != *f.MissionID {
			return false
		}
	}
	return true
}

func sameID(a, b *uuid.UUID) bool {
	return a != nil && b != nil && *a == *b
}
