// Package dashboard keeps per-session views of missions, breakdown reports
// and positions consistent with the store: a full fetch on open, live deltas
// from the realtime hub, and a timed re-fetch as fallback.
package dashboard

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-mission-service/internal/model"
	"fleet-mission-service/internal/realtime"
)

// Order says where inserts go.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// View is an in-memory list of records keyed by id. Versions decide which of
// two copies of a record wins; an older copy never replaces a newer one.
type View[T any] struct {
	mu      sync.RWMutex
	id      func(T) uuid.UUID
	version func(T) time.Time
	order   Order
	items   []T
	limit   int
}

func NewView[T any](id func(T) uuid.UUID, version func(T) time.Time, order Order, limit int) *View[T] {
	return &View[T]{id: id, version: version, order: order, limit: limit}
}

// Replace drops everything and keeps snapshot as the new state.
func (v *View[T]) Replace(snapshot []T) {
	items := make([]T, len(snapshot))
	copy(items, snapshot)

	v.mu.Lock()
	v.items = items
	v.trim()
	v.mu.Unlock()
}

// Apply merges one change. An update for an id the view does not hold is
// inserted.
func (v *View[T]) Apply(eventType realtime.EventType, item T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := v.indexOf(v.id(item))
	switch eventType {
	case realtime.EventDelete:
		if idx >= 0 {
			v.items = append(v.items[:idx], v.items[idx+1:]...)
		}
		return
	case realtime.EventInsert, realtime.EventUpdate:
		if idx >= 0 {
			if v.version(item).Before(v.version(v.items[idx])) {
				return
			}
			v.items[idx] = item
			return
		}
		if v.order == NewestFirst {
			v.items = append([]T{item}, v.items...)
		} else {
			v.items = append(v.items, item)
		}
		v.trim()
	}
}

func (v *View[T]) Items() []T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]T, len(v.items))
	copy(out, v.items)
	return out
}

func (v *View[T]) Get(id uuid.UUID) (T, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if idx := v.indexOf(id); idx >= 0 {
		return v.items[idx], true
	}
	var zero T
	return zero, false
}

func (v *View[T]) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.items)
}

func (v *View[T]) indexOf(id uuid.UUID) int {
	for i := range v.items {
		if v.id(v.items[i]) == id {
			return i
		}
	}
	return -1
}

// trim drops the oldest entries beyond limit.
func (v *View[T]) trim() {
	if v.limit <= 0 || len(v.items) <= v.limit {
		return
	}
	if v.order == NewestFirst {
		v.items = v.items[:v.limit]
	} else {
		v.items = v.items[len(v.items)-v.limit:]
	}
}

func NewMissionView() *View[model.Mission] {
	return NewView(
		func(m model.Mission) uuid.UUID { return m.ID },
		func(m model.Mission) time.Time { return m.UpdatedAt },
		NewestFirst, 0,
	)
}

func NewBreakdownView() *View[model.BreakdownReport] {
	return NewView(
		func(b model.BreakdownReport) uuid.UUID { return b.ID },
		func(b model.BreakdownReport) time.Time { return b.UpdatedAt },
		NewestFirst, 0,
	)
}

func NewPositionView(limit int) *View[model.PositionSample] {
	return NewView(
		func(p model.PositionSample) uuid.UUID { return p.ID },
		func(p model.PositionSample) time.Time { return p.CapturedAt },
		OldestFirst, limit,
	)
}
