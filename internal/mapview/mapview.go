// Package mapview builds what the live map draws: one track per driver with
// its path polyline and a current position marker.
package mapview

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"fleet-mission-service/internal/model"
)

type Point struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

type Marker struct {
	Point
	Heading *float64 `json:"heading,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
}

type Track struct {
	DriverID     uuid.UUID  `json:"driver_id"`
	DriverName   string     `json:"driver_name,omitempty"`
	MissionID    *uuid.UUID `json:"mission_id,omitempty"`
	MissionTitle string     `json:"mission_title,omitempty"`
	VehiclePlate string     `json:"vehicle_plate,omitempty"`
	Path         []Point    `json:"path"`
	Last         *Marker    `json:"last"`
}

// Compose groups samples by driver in capture order. The last sample of a
// driver is the current position. Active missions label the track; drivers
// with an active mission but no samples get a track with an empty path.
func Compose(missions []model.Mission, samples []model.PositionSample) []Track {
	tracks := make(map[uuid.UUID]*Track)
	order := make([]uuid.UUID, 0)

	track := func(driverID uuid.UUID) *Track {
		t, ok := tracks[driverID]
		if !ok {
			t = &Track{DriverID: driverID, Path: []Point{}}
			tracks[driverID] = t
			order = append(order, driverID)
		}
		return t
	}

	for i := range missions {
		m := &missions[i]
		if m.Status != model.MissionStatusActive || m.DriverID == nil {
			continue
		}
		t := track(*m.DriverID)
		id := m.ID
		t.MissionID = &id
		t.MissionTitle = m.Title
		if m.Vehicle != nil {
			t.VehiclePlate = m.Vehicle.PlateNumber
		}
		if m.Driver != nil {
			t.DriverName = m.Driver.FullName
		}
	}

	sorted := make([]model.PositionSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CapturedAt.Before(sorted[j].CapturedAt)
	})

	for _, s := range sorted {
		t := track(s.DriverID)
		t.Path = append(t.Path, Point{Latitude: s.Latitude, Longitude: s.Longitude, CapturedAt: s.CapturedAt})
		t.Last = &Marker{
			Point:   Point{Latitude: s.Latitude, Longitude: s.Longitude, CapturedAt: s.CapturedAt},
			Heading: s.Heading,
			Speed:   s.Speed,
		}
	}

	out := make([]Track, 0, len(order))
	for _, id := range order {
		out = append(out, *tracks[id])
	}
	return out
}
