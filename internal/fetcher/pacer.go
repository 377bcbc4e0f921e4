package fetcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateSettings configures a token bucket per host.
type RateSettings struct {
	Requests int
	Window   time.Duration
}

// Pacer spaces out navigations per host with a minimum gap and an optional
// token bucket. A nil Pacer never blocks.
type Pacer struct {
	gap  time.Duration
	rate RateSettings

	mu    sync.Mutex
	hosts map[string]*hostPace
}

type hostPace struct {
	last    time.Time
	limiter *rate.Limiter
}

// NewPacer returns a pacer, or nil when neither a gap nor a rate is set.
func NewPacer(gap time.Duration, settings RateSettings) *Pacer {
	if settings.Requests <= 0 || settings.Window <= 0 {
		settings = RateSettings{}
	}
	if gap <= 0 && settings.Requests == 0 {
		return nil
	}
	return &Pacer{gap: gap, rate: settings, hosts: make(map[string]*hostPace)}
}

// Wait blocks until host may be contacted again.
func (p *Pacer) Wait(ctx context.Context, host string) error {
	if p == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	p.mu.Lock()
	state := p.hostLocked(host)
	var delay time.Duration
	if p.gap > 0 && !state.last.IsZero() {
		delay = time.Until(state.last.Add(p.gap))
	}
	limiter := state.limiter
	p.mu.Unlock()

	if err := Sleep(ctx, delay); err != nil {
		return err
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	p.mu.Lock()
	state.last = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *Pacer) hostLocked(host string) *hostPace {
	if state, ok := p.hosts[host]; ok {
		return state
	}
	state := &hostPace{}
	if p.rate.Requests > 0 {
		every := p.rate.Window / time.Duration(p.rate.Requests)
		if every <= 0 {
			every = time.Millisecond
		}
		state.limiter = rate.NewLimiter(rate.Every(every), p.rate.Requests)
	}
	p.hosts[host] = state
	return state
}
