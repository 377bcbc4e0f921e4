package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"dawnarchive/internal/stealth"
)

// Fetcher retrieves the rendered HTML of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string, maxRetries int) (string, error)
}

// Opener hands out fresh stealth sessions.
type Opener interface {
	Open(ctx context.Context) (stealth.Session, error)
}

// Starter is implemented by openers that can bring up their browser ahead of
// the first session.
type Starter interface {
	Start(ctx context.Context) error
}

// Options tunes the retry loop. Zero values fall back to the defaults below.
type Options struct {
	NavigationTimeout time.Duration
	ContentTimeout    time.Duration
	ContentSelector   string
	// ScrollTimeout bounds the scroll to the bottom of the page.
	ScrollTimeout time.Duration
	// ExtractTimeout bounds reading the rendered HTML.
	ExtractTimeout time.Duration
	PreNavigation  Window
	PostNavigation Window
	PostScroll     Window
	Backoff        Window
	Pacer          *Pacer
	Jitter         *Jitter
	Logger         *slog.Logger
	MeterProvider  metric.MeterProvider
}

const (
	defaultNavigationTimeout = 90 * time.Second
	defaultContentTimeout    = 10 * time.Second
	defaultContentSelector   = `article, .story, .box, [class*="story"]`
	defaultScrollTimeout     = 60 * time.Second
	defaultExtractTimeout    = 30 * time.Second
)

// PageFetcher drives one stealth session per attempt through navigation,
// content wait, scroll and extraction.
type PageFetcher struct {
	opener Opener
	opts   Options
	jitter *Jitter
	logger *slog.Logger
	inst   instruments
}

// NewPageFetcher constructs a fetcher over opener.
func NewPageFetcher(opener Opener, opts Options) *PageFetcher {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = defaultNavigationTimeout
	}
	if opts.ContentTimeout <= 0 {
		opts.ContentTimeout = defaultContentTimeout
	}
	if opts.ContentSelector == "" {
		opts.ContentSelector = defaultContentSelector
	}
	if opts.ScrollTimeout <= 0 {
		opts.ScrollTimeout = defaultScrollTimeout
	}
	if opts.ExtractTimeout <= 0 {
		opts.ExtractTimeout = defaultExtractTimeout
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = NewJitter(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PageFetcher{
		opener: opener,
		opts:   opts,
		jitter: jitter,
		logger: logger,
		inst:   newInstruments(opts.MeterProvider),
	}
}

// Start brings up the browser behind the opener when it supports it, so that a
// launch failure is reported once instead of being retried by every fetch.
func (f *PageFetcher) Start(ctx context.Context) error {
	starter, ok := f.opener.(Starter)
	if !ok {
		return nil
	}
	return starter.Start(ctx)
}

// Fetch makes up to maxRetries+1 attempts. Configuration errors and caller
// cancellation end the loop immediately; otherwise the last attempt's error is
// surfaced as a BlockedError, TimeoutError or TransientError.
func (f *PageFetcher) Fetch(ctx context.Context, target string, maxRetries int) (string, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempts := maxRetries + 1
	host := hostOf(target)

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := f.opts.Pacer.Wait(ctx, host); err != nil {
			return "", err
		}

		html, err := f.attempt(ctx, target)
		if err == nil {
			f.inst.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
			if attempt > 1 {
				f.logger.Info("fetch recovered", "url", target, "attempt", attempt)
			}
			return html, nil
		}

		var cfgErr *stealth.ConfigurationError
		if errors.As(err, &cfgErr) {
			return "", err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		last = err
		f.inst.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
		f.logger.Warn("fetch attempt failed",
			"url", target,
			"attempt", attempt,
			"attempts", attempts,
			"error", err,
		)

		if attempt < attempts {
			if err := f.jitter.Wait(ctx, f.opts.Backoff); err != nil {
				return "", err
			}
		}
	}

	final := classify(target, attempts, last)
	f.inst.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind(final))))
	return "", final
}

// attempt runs a single session from open to close.
func (f *PageFetcher) attempt(ctx context.Context, target string) (html string, err error) {
	session, err := f.opener.Open(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			f.logger.Debug("close session", "url", target, "error", cerr)
		}
	}()
	f.logger.Debug("session opened", "url", target, "user_agent", session.Fingerprint().UserAgent)

	page, err := session.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			f.logger.Debug("close page", "url", target, "error", cerr)
		}
	}()

	if err := f.jitter.Wait(ctx, f.opts.PreNavigation); err != nil {
		return "", err
	}

	navCtx, cancel := context.WithTimeout(ctx, f.opts.NavigationTimeout)
	status, err := page.Navigate(navCtx, target)
	cancel()
	if err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if status == 403 {
		return "", errForbidden
	}

	if err := f.jitter.Wait(ctx, f.opts.PostNavigation); err != nil {
		return "", err
	}

	if err := page.WaitVisible(ctx, f.opts.ContentSelector, f.opts.ContentTimeout); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		f.logger.Info("content marker not found, continuing", "url", target, "error", err)
	}

	scrollCtx, cancel := context.WithTimeout(ctx, f.opts.ScrollTimeout)
	err = page.ScrollToBottom(scrollCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("scroll: %w", err)
	}

	if err := f.jitter.Wait(ctx, f.opts.PostScroll); err != nil {
		return "", err
	}

	extractCtx, cancel := context.WithTimeout(ctx, f.opts.ExtractTimeout)
	html, err = page.HTML(extractCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("extract html: %w", err)
	}
	return html, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func outcome(err error) string {
	switch {
	case errors.Is(err, errForbidden):
		return "forbidden"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func kind(err error) string {
	var blocked *BlockedError
	var timeout *TimeoutError
	switch {
	case errors.As(err, &blocked):
		return "blocked"
	case errors.As(err, &timeout):
		return "timeout"
	default:
		return "transient"
	}
}
