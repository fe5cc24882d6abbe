// Package geo provides device geolocation to the server. Drivers' devices
// push fixes; watchers and one-shot readers consume them per driver.
package geo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable is returned or reported when no usable fix arrived in time.
var ErrUnavailable = errors.New("geolocation unavailable")

type Fix struct {
	Latitude   float64
	Longitude  float64
	Accuracy   *float64
	Heading    *float64
	Speed      *float64
	CapturedAt time.Time
}

func (f Fix) Valid() bool {
	return f.Latitude >= -90 && f.Latitude <= 90 &&
		f.Longitude >= -180 && f.Longitude <= 180 &&
		!f.CapturedAt.IsZero()
}

type WatchOptions struct {
	HighAccuracy bool
	// MaxAge drops fixes captured longer ago than this.
	MaxAge time.Duration
	// Timeout reports ErrUnavailable when no fix arrives within it. The watch
	// keeps running afterwards.
	Timeout time.Duration
}

type WatchHandle uint64

type Provider interface {
	Watch(driverID uuid.UUID, opts WatchOptions, onFix func(Fix), onError func(error)) (WatchHandle, error)
	Cancel(handle WatchHandle)
	GetOnce(ctx context.Context, driverID uuid.UUID, timeout time.Duration) (Fix, error)
}
