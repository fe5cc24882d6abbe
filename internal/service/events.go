package service

import (
	"github.com/google/uuid"

	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/realtime"
)

func missionEvent(eventType realtime.EventType, mission *model.Mission) realtime.Event {
	id := mission.ID
	return realtime.Event{
		Table:     realtime.TableMissions,
		Type:      eventType,
		ID:        mission.ID,
		DriverID:  mission.DriverID,
		MissionID: &id,
		Record:    mission,
	}
}

func positionEvent(sample *model.PositionSample) realtime.Event {
	driverID := sample.DriverID
	return realtime.Event{
		Table:     realtime.TablePositions,
		Type:      realtime.EventInsert,
		ID:        sample.ID,
		DriverID:  &driverID,
		MissionID: sample.MissionID,
		Record:    sample,
	}
}

func breakdownEvent(eventType realtime.EventType, report *model.BreakdownReport) realtime.Event {
	driverID := report.DriverID
	missionID := report.MissionID
	return realtime.Event{
		Table:     realtime.TableBreakdowns,
		Type:      eventType,
		ID:        report.ID,
		DriverID:  &driverID,
		MissionID: &missionID,
		Record:    report,
	}
}

func ptrUUID(id uuid.UUID) *uuid.UUID {
	return &id
}
