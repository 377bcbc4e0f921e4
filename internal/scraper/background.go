package scraper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Background runs precomputation jobs off the request path on a bounded
// queue. A date already queued or running is not scheduled twice.
type Background struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan string
	wg     sync.WaitGroup
	run    func(ctx context.Context, date string)
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

// NewBackground starts workers goroutines consuming a queue of queueSize
// dates; each date is handed to run.
func NewBackground(parent context.Context, workers, queueSize int, run func(ctx context.Context, date string), logger *slog.Logger) (*Background, error) {
	if workers <= 0 || queueSize <= 0 {
		return nil, errors.New("background runner requires positive workers and queue size")
	}
	if run == nil {
		return nil, errors.New("background runner requires a job function")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	b := &Background{
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan string, queueSize),
		run:      run,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b, nil
}

func (b *Background) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case date, ok := <-b.jobs:
			if !ok {
				return
			}
			b.run(b.ctx, date)
			b.mu.Lock()
			delete(b.inflight, date)
			b.mu.Unlock()
		}
	}
}

// Schedule enqueues date without blocking. It reports false when the date is
// already pending, the queue is full, or the runner is closed.
func (b *Background) Schedule(date string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if _, ok := b.inflight[date]; ok {
		return false
	}
	select {
	case b.jobs <- date:
		b.inflight[date] = struct{}{}
		return true
	default:
		b.logger.Warn("background queue full, dropping job", "date", date)
		return false
	}
}

// Close cancels running jobs and waits for the workers to exit.
func (b *Background) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cancel()
	close(b.jobs)
	b.mu.Unlock()
	b.wg.Wait()
}
