// Package scraper assembles day archives from section pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"dawnarchive/internal/fetcher"
	"dawnarchive/pkg/types"
)

// ErrAllSectionsFailed is returned alongside a written archive when no
// section could be fetched.
var ErrAllSectionsFailed = errors.New("every section fetch failed")

// Parser extracts articles from section HTML.
type Parser interface {
	Parse(html, section, date string) []types.Article
}

// Cache is the archive cache the orchestrator writes through.
type Cache interface {
	Put(ctx context.Context, date string, archive *types.DayArchive) error
	Exists(date string) bool
}

// Starter is implemented by fetchers whose browser can be brought up before
// the first section is fetched.
type Starter interface {
	Start(ctx context.Context) error
}

// Gate decides whether a URL may be fetched.
type Gate interface {
	Allowed(ctx context.Context, url string) bool
}

// Options configures an Orchestrator.
type Options struct {
	BaseURL       string
	Sections      []string
	MaxRetries    int
	Concurrency   int
	InterSection  fetcher.Window
	Jitter        *fetcher.Jitter
	Gate          Gate
	Clock         func() time.Time
	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

// Orchestrator fetches and parses every section of a date and stores the
// resulting archive.
type Orchestrator struct {
	fetcher fetcher.Fetcher
	parser  Parser
	cache   Cache
	opts    Options
	jitter  *fetcher.Jitter
	clock   func() time.Time
	logger  *slog.Logger
	inst    instruments
}

// New constructs an orchestrator.
func New(f fetcher.Fetcher, p Parser, c Cache, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = fetcher.NewJitter(nil)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		fetcher: f,
		parser:  p,
		cache:   c,
		opts:    opts,
		jitter:  jitter,
		clock:   clock,
		logger:  logger,
		inst:    newInstruments(opts.MeterProvider),
	}
}

// Sections returns the configured section list.
func (o *Orchestrator) Sections() []string {
	return append([]string(nil), o.opts.Sections...)
}

// SectionURL builds the remote address of a section page.
func (o *Orchestrator) SectionURL(section, date string) string {
	return fmt.Sprintf("%s/%s/%s", o.opts.BaseURL, section, date)
}

// ScrapeDay fetches every section for date and writes the archive. Failed
// sections are recorded as empty lists. The archive is written even when
// every section failed, in which case ErrAllSectionsFailed is returned with
// it. When the fetcher's browser cannot be started nothing is fetched or
// written.
func (o *Orchestrator) ScrapeDay(ctx context.Context, date string) (*types.DayArchive, error) {
	if !types.ValidDate(date) {
		return nil, fmt.Errorf("invalid date %q", date)
	}
	if starter, ok := o.fetcher.(Starter); ok {
		if err := starter.Start(ctx); err != nil {
			return nil, fmt.Errorf("start browser: %w", err)
		}
	}
	runID := uuid.NewString()
	logger := o.logger.With("run_id", runID, "date", date)
	logger.Info("scrape started", "sections", len(o.opts.Sections), "concurrency", o.opts.Concurrency)
	started := o.clock()

	results := make([][]types.Article, len(o.opts.Sections))
	failed := make([]bool, len(o.opts.Sections))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)

	var paceMu sync.Mutex
	for i, section := range o.opts.Sections {
		g.Go(func() error {
			if i > 0 {
				// Starts are serialised through the inter-section delay
				// whatever the concurrency.
				paceMu.Lock()
				err := o.jitter.Wait(gctx, o.opts.InterSection)
				paceMu.Unlock()
				if err != nil {
					failed[i] = true
					return nil
				}
			}
			articles, err := o.scrapeSection(gctx, section, date)
			if err != nil {
				failed[i] = true
				o.inst.sectionFailures.Add(gctx, 1)
				logger.Warn("section failed", "section", section, "error", err)
				return nil
			}
			results[i] = articles
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	archive := types.NewDayArchive(date, o.opts.Sections, o.clock().UTC())
	failures := 0
	for i, section := range o.opts.Sections {
		if failed[i] {
			failures++
		}
		if results[i] != nil {
			archive.Sections[section] = results[i]
		}
	}

	if err := o.cache.Put(ctx, date, archive); err != nil {
		return archive, fmt.Errorf("store archive %s: %w", date, err)
	}
	logger.Info("scrape finished",
		"articles", archive.ArticleCount(),
		"failed_sections", failures,
		"duration", o.clock().Sub(started).String(),
	)

	if len(o.opts.Sections) > 0 && failures == len(o.opts.Sections) {
		return archive, ErrAllSectionsFailed
	}
	return archive, nil
}

func (o *Orchestrator) scrapeSection(ctx context.Context, section, date string) ([]types.Article, error) {
	target := o.SectionURL(section, date)
	if o.opts.Gate != nil && !o.opts.Gate.Allowed(ctx, target) {
		o.logger.Info("section disallowed by robots.txt", "section", section, "url", target)
		return []types.Article{}, nil
	}
	html, err := o.fetcher.Fetch(ctx, target, o.opts.MaxRetries)
	if err != nil {
		return nil, err
	}
	articles := o.parser.Parse(html, section, date)
	o.logger.Debug("section parsed", "section", section, "date", date, "articles", len(articles))
	return articles, nil
}

// LogicalToday returns the logical today date string.
func (o *Orchestrator) LogicalToday() string {
	return LogicalToday(o.clock())
}

// PrecomputeNextDay scrapes the day after logical today unless it is
// already persisted. Errors are logged, never returned.
func (o *Orchestrator) PrecomputeNextDay(ctx context.Context) {
	o.PrecomputeFollowing(ctx, o.LogicalToday())
}

// PrecomputeFollowing scrapes the day after date unless it is already
// persisted. Errors are logged, never returned.
func (o *Orchestrator) PrecomputeFollowing(ctx context.Context, date string) {
	next, err := NextDate(date)
	if err != nil {
		o.logger.Warn("precompute skipped", "date", date, "error", err)
		return
	}
	if o.cache.Exists(next) {
		o.logger.Debug("precompute not needed", "date", next)
		return
	}
	o.logger.Info("precomputing archive", "date", next)
	if _, err := o.ScrapeDay(ctx, next); err != nil {
		o.inst.precomputeFailures.Add(ctx, 1)
		o.logger.Warn("precompute failed", "date", next, "error", err)
	}
}
