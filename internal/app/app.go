// Package app wires configuration into the running archive components.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"dawnarchive/internal/archive"
	"dawnarchive/internal/config"
	"dawnarchive/internal/fetcher"
	"dawnarchive/internal/parser"
	"dawnarchive/internal/robots"
	"dawnarchive/internal/scraper"
	"dawnarchive/internal/stealth"
	"dawnarchive/internal/storage"
	"dawnarchive/internal/telemetry"
)

// App owns every long-lived component and releases them on Close.
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Browser      *stealth.Browser
	Cache        *archive.Cache
	Orchestrator *scraper.Orchestrator
	Background   *scraper.Background
	Telemetry    *telemetry.Telemetry
	// Articles is nil when no SQL mirror is configured.
	Articles *storage.SQLWriter

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// New builds the application from cfg. Chrome is not launched until the
// first fetch.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := BuildLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return nil, err
	}
	// Reject a malformed proxy at startup rather than on the first fetch.
	if _, err := stealth.ParseProxy(cfg.Browser.ProxyURL); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	otel.SetMeterProvider(tel.MeterProvider)
	a.Telemetry = tel
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(ctx)
	})

	store, err := archive.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	cacheOpts := []archive.Option{archive.WithLogger(logger)}
	if cfg.DB.Enabled() {
		writer, err := storage.NewSQLWriter(ctx, cfg.DB)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("sql mirror: %w", err)
		}
		a.Articles = writer
		a.closers = append(a.closers, writer.Close)
		cacheOpts = append(cacheOpts, archive.WithMirror(writer))
	}
	a.Cache = archive.New(store, cacheOpts...)

	a.Browser = stealth.NewBrowser(stealth.Options{
		Headless:  cfg.Browser.Headless,
		ProxyURL:  cfg.Browser.ProxyURL,
		ExecPath:  cfg.Browser.ExecPath,
		ExtraArgs: cfg.Browser.ExtraArgs,
		Logger:    logger,
	})
	a.closers = append(a.closers, a.Browser.Close)

	jitter := fetcher.NewJitter(nil)
	pageFetcher := fetcher.NewPageFetcher(a.Browser, fetcher.Options{
		NavigationTimeout: cfg.Fetch.NavigationTimeout.Duration,
		ContentTimeout:    cfg.Fetch.ContentTimeout.Duration,
		ScrollTimeout:     cfg.Fetch.ScrollTimeout.Duration,
		ExtractTimeout:    cfg.Fetch.ExtractTimeout.Duration,
		ContentSelector:   cfg.Site.ContentSelector,
		PreNavigation:     window(cfg.Fetch.PreNavigation),
		PostNavigation:    window(cfg.Fetch.PostNavigation),
		PostScroll:        window(cfg.Fetch.PostScroll),
		Backoff:           window(cfg.Fetch.Backoff),
		Pacer:             fetcher.NewPacer(cfg.Fetch.PerHostDelay.Duration, rateSettings(cfg.Fetch.RateLimit)),
		Jitter:            jitter,
		MeterProvider:     tel.MeterProvider,
		Logger:            logger,
	})

	var gate scraper.Gate
	if cfg.Robots.Respect {
		client, err := fetcher.NewHTTPClient(fetcher.HTTPOptions{ProxyURL: cfg.Browser.ProxyURL})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("robots client: %w", err)
		}
		gate = robots.NewAgent(cfg.Robots, client, logger)
	}

	a.Orchestrator = scraper.New(pageFetcher, parser.New(cfg.Site.Origin), a.Cache, scraper.Options{
		BaseURL:       cfg.Site.BaseURL,
		Sections:      cfg.Site.Sections,
		MaxRetries:    cfg.Fetch.MaxRetries,
		Concurrency:   cfg.Scrape.Concurrency,
		InterSection:  window(cfg.Scrape.InterSection),
		Jitter:        jitter,
		Gate:          gate,
		MeterProvider: tel.MeterProvider,
		Logger:        logger,
	})

	bg, err := scraper.NewBackground(context.Background(), cfg.Scrape.BackgroundWorker, cfg.Scrape.BackgroundQueue,
		a.Orchestrator.PrecomputeFollowing, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Background = bg
	// Background jobs must stop before the browser they use is closed.
	a.closers = append([]func() error{func() error { bg.Close(); return nil }}, a.closers...)

	return a, nil
}

// Close stops background work, releases the browser and database, and
// flushes metrics.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		for _, closer := range a.closers {
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func rateSettings(rl config.RateLimitConfig) fetcher.RateSettings {
	if !rl.Enabled() {
		return fetcher.RateSettings{}
	}
	return fetcher.RateSettings{Requests: rl.Requests, Window: rl.Window.Duration}
}

func window(w config.Window) fetcher.Window {
	lo, hi := w.Bounds()
	return fetcher.Window{Min: lo, Max: hi}
}

// BuildLogger returns a slog logger honouring the configured level and format.
func BuildLogger(cfg config.LoggingConfig, out io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), nil
}
