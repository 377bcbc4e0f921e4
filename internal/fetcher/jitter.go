package fetcher

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Window is an inclusive range from which a random delay is drawn.
type Window struct {
	Min time.Duration
	Max time.Duration
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jitter draws randomized delays and sleeps through them.
type Jitter struct {
	mu    sync.Mutex
	rng   *rand.Rand
	sleep SleepFunc
}

// NewJitter returns a Jitter using sleep, or Sleep when nil.
func NewJitter(sleep SleepFunc) *Jitter {
	if sleep == nil {
		sleep = Sleep
	}
	now := uint64(time.Now().UnixNano())
	return &Jitter{
		rng:   rand.New(rand.NewPCG(now, now^0x9e3779b97f4a7c15)),
		sleep: sleep,
	}
}

// Draw returns a uniformly random duration within w.
func (j *Jitter) Draw(w Window) time.Duration {
	if w.Max <= w.Min {
		return w.Min
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return w.Min + time.Duration(j.rng.Int64N(int64(w.Max-w.Min)+1))
}

// Wait sleeps for a random duration drawn from w.
func (j *Jitter) Wait(ctx context.Context, w Window) error {
	return j.sleep(ctx, j.Draw(w))
}
