package geo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func fixAt(ts time.Time) Fix {
	return Fix{Latitude: 33.57, Longitude: -7.59, CapturedAt: ts}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRelay_WatchDeliversFixes(t *testing.T) {
	relay := NewRelay(zerolog.Nop())
	driverID := uuid.New()

	var mu sync.Mutex
	var got []Fix
	handle, err := relay.Watch(driverID, WatchOptions{MaxAge: time.Minute}, func(f Fix) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer relay.Cancel(handle)

	if err := relay.Push(driverID, fixAt(time.Now())); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := relay.Push(uuid.New(), fixAt(time.Now())); err != nil {
		t.Fatalf("Push other driver: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
}

func TestRelay_DropsStaleFixes(t *testing.T) {
	relay := NewRelay(zerolog.Nop())
	driverID := uuid.New()

	var count atomic.Int32
	handle, _ := relay.Watch(driverID, WatchOptions{MaxAge: 10 * time.Second}, func(Fix) {
		count.Add(1)
	}, nil)
	defer relay.Cancel(handle)

	_ = relay.Push(driverID, fixAt(time.Now().Add(-time.Minute)))
	_ = relay.Push(driverID, fixAt(time.Now()))

	waitFor(t, func() bool { return count.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
}

func TestRelay_TimeoutReportsUnavailable(t *testing.T) {
	relay := NewRelay(zerolog.Nop())
	driverID := uuid.New()

	var errs atomic.Int32
	var fixes atomic.Int32
	handle, _ := relay.Watch(driverID, WatchOptions{Timeout: 20 * time.Millisecond}, func(Fix) {
		fixes.Add(1)
	}, func(err error) {
		if errors.Is(err, ErrUnavailable) {
			errs.Add(1)
		}
	})
	defer relay.Cancel(handle)

	waitFor(t, func() bool { return errs.Load() >= 2 })

	// The watch survives timeouts.
	_ = relay.Push(driverID, fixAt(time.Now()))
	waitFor(t, func() bool { return fixes.Load() == 1 })
}

func TestRelay_CancelStopsDelivery(t *testing.T) {
	relay := NewRelay(zerolog.Nop())
	driverID := uuid.New()

	var count atomic.Int32
	handle, _ := relay.Watch(driverID, WatchOptions{}, func(Fix) { count.Add(1) }, nil)

	relay.Cancel(handle)
	relay.Cancel(handle)
	relay.Cancel(WatchHandle(999))

	for i := 0; i < 5; i++ {
		_ = relay.Push(driverID, fixAt(time.Now()))
	}
	time.Sleep(20 * time.Millisecond)
	if n := count.Load(); n != 0 {
		t.Errorf("delivered after cancel = %d, want 0", n)
	}
	if n := relay.ActiveWatches(); n != 0 {
		t.Errorf("ActiveWatches = %d, want 0", n)
	}
}

func TestRelay_PushRejectsInvalid(t *testing.T) {
	relay := NewRelay(zerolog.Nop())
	cases := []struct {
		name string
		fix  Fix
	}{
		{"latitude out of range", Fix{Latitude: 91, Longitude: 0, CapturedAt: time.Now()}},
		{"longitude out of range", Fix{Latitude: 0, Longitude: -181, CapturedAt: time.Now()}},
		{"missing timestamp", Fix{Latitude: 1, Longitude: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := relay.Push(uuid.New(), tc.fix); !errors.Is(err, ErrInvalidFix) {
				t.Errorf("Push error = %v, want ErrInvalidFix", err)
			}
		})
	}
}

func TestRelay_GetOnce(t *testing.T) {
	relay := NewRelay(zerolog.Nop())
	driverID := uuid.New()

	t.Run("no fix times out", func(t *testing.T) {
		_, err := relay.GetOnce(context.Background(), driverID, 20*time.Millisecond)
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("error = %v, want ErrUnavailable", err)
		}
	})

	t.Run("waits for next push", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = relay.Push(driverID, fixAt(time.Now()))
		}()
		fix, err := relay.GetOnce(context.Background(), driverID, time.Second)
		if err != nil {
			t.Fatalf("GetOnce: %v", err)
		}
		if fix.Latitude != 33.57 {
			t.Errorf("Latitude = %v, want 33.57", fix.Latitude)
		}
	})

	t.Run("recent fix returned immediately", func(t *testing.T) {
		start := time.Now()
		if _, err := relay.GetOnce(context.Background(), driverID, time.Second); err != nil {
			t.Fatalf("GetOnce: %v", err)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Error("GetOnce waited despite a fresh fix")
		}
	})
}
