package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Poller runs the fallback position re-fetch for every registered session.
// A session whose previous poll is still running skips the tick.
type Poller struct {
	cron     *cron.Cron
	interval time.Duration
	mu       sync.Mutex
	entries  map[*Session]cron.EntryID
	log      zerolog.Logger
}

func NewPoller(interval time.Duration, log zerolog.Logger) *Poller {
	return &Poller{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		interval: interval,
		entries:  make(map[*Session]cron.EntryID),
		log:      log.With().Str("component", "dashboard_poller").Logger(),
	}
}

func (p *Poller) Start() {
	p.cron.Start()
}

// Stop halts scheduling and waits for running polls.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Poller) Add(s *Session) {
	id := p.cron.Schedule(cron.Every(p.interval), cron.FuncJob(func() {
		p.poll(s)
	}))

	p.mu.Lock()
	p.entries[s] = id
	p.mu.Unlock()
}

func (p *Poller) Remove(s *Session) {
	p.mu.Lock()
	id, ok := p.entries[s]
	delete(p.entries, s)
	p.mu.Unlock()
	if ok {
		p.cron.Remove(id)
	}
}

func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Poller) poll(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()
	if err := s.RefreshPositions(ctx); err != nil && !errors.Is(err, ErrClosed) {
		p.log.Warn().Err(err).Str("user_id", s.Principal().UserID.String()).Msg("fallback poll failed")
	}
}
