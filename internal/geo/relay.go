package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const watchBuffer = 16

var ErrInvalidFix = errors.New("invalid fix")

// Relay is a Provider fed by fixes that devices push over the API.
type Relay struct {
	mu      sync.Mutex
	nextID  WatchHandle
	watches map[WatchHandle]*watch
	latest  map[uuid.UUID]Fix
	waiters map[uuid.UUID][]chan Fix
	now     func() time.Time
	log     zerolog.Logger
}

type watch struct {
	driverID uuid.UUID
	opts     WatchOptions
	fixes    chan Fix
	done     chan struct{}
	exited   chan struct{}
}

func NewRelay(log zerolog.Logger) *Relay {
	return &Relay{
		watches: make(map[WatchHandle]*watch),
		latest:  make(map[uuid.UUID]Fix),
		waiters: make(map[uuid.UUID][]chan Fix),
		now:     time.Now,
		log:     log.With().Str("component", "geo_relay").Logger(),
	}
}

// Push hands a device fix to every watcher and waiter of the driver. Slow
// watchers lose the fix instead of queueing it.
func (r *Relay) Push(driverID uuid.UUID, fix Fix) error {
	if !fix.Valid() {
		return ErrInvalidFix
	}

	r.mu.Lock()
	if prev, ok := r.latest[driverID]; !ok || !fix.CapturedAt.Before(prev.CapturedAt) {
		r.latest[driverID] = fix
	}
	waiters := r.waiters[driverID]
	delete(r.waiters, driverID)
	targets := make([]*watch, 0, 1)
	for _, w := range r.watches {
		if w.driverID == driverID {
			targets = append(targets, w)
		}
	}
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- fix
	}
	for _, w := range targets {
		select {
		case w.fixes <- fix:
		case <-w.done:
		default:
			r.log.Warn().Str("driver_id", driverID.String()).Msg("watch buffer full, fix dropped")
		}
	}
	return nil
}

func (r *Relay) Watch(driverID uuid.UUID, opts WatchOptions, onFix func(Fix), onError func(error)) (WatchHandle, error) {
	if onFix == nil {
		return 0, errors.New("onFix is required")
	}
	w := &watch{
		driverID: driverID,
		opts:     opts,
		fixes:    make(chan Fix, watchBuffer),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	r.mu.Lock()
	r.nextID++
	handle := r.nextID
	r.watches[handle] = w
	r.mu.Unlock()

	go r.run(w, onFix, onError)
	return handle, nil
}

func (r *Relay) run(w *watch, onFix func(Fix), onError func(error)) {
	defer close(w.exited)

	var timeout <-chan time.Time
	var timer *time.Timer
	if w.opts.Timeout > 0 {
		timer = time.NewTimer(w.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-w.done:
			return
		case <-timeout:
			if onError != nil {
				onError(ErrUnavailable)
			}
			timer.Reset(w.opts.Timeout)
		case fix := <-w.fixes:
			select {
			case <-w.done:
				return
			default:
			}
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.opts.Timeout)
			}
			if w.opts.MaxAge > 0 && r.now().Sub(fix.CapturedAt) > w.opts.MaxAge {
				r.log.Debug().Str("driver_id", w.driverID.String()).Time("captured_at", fix.CapturedAt).Msg("stale fix dropped")
				continue
			}
			onFix(fix)
		}
	}
}

// Cancel stops a watch and waits until its callback can no longer run. It is
// a no-op for unknown or already cancelled handles.
func (r *Relay) Cancel(handle WatchHandle) {
	r.mu.Lock()
	w, ok := r.watches[handle]
	if ok {
		delete(r.watches, handle)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	close(w.done)
	<-w.exited
}

// GetOnce returns the latest fix if it is fresher than timeout, otherwise
// waits up to timeout for the next push.
func (r *Relay) GetOnce(ctx context.Context, driverID uuid.UUID, timeout time.Duration) (Fix, error) {
	r.mu.Lock()
	if fix, ok := r.latest[driverID]; ok && r.now().Sub(fix.CapturedAt) <= timeout {
		r.mu.Unlock()
		return fix, nil
	}
	ch := make(chan Fix, 1)
	r.waiters[driverID] = append(r.waiters[driverID], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fix := <-ch:
		return fix, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	r.removeWaiter(driverID, ch)
	select {
	case fix := <-ch:
		return fix, nil
	default:
	}
	return Fix{}, ErrUnavailable
}

func (r *Relay) removeWaiter(driverID uuid.UUID, ch chan Fix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[driverID]
	for i, w := range waiters {
		if w == ch {
			r.waiters[driverID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[driverID]) == 0 {
		delete(r.waiters, driverID)
	}
}

func (r *Relay) ActiveWatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}
