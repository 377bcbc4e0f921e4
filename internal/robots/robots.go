// Package robots gates section URLs on the site's robots.txt.
package robots

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"dawnarchive/internal/config"
	"dawnarchive/internal/fetcher"
)

// Getter downloads a document.
type Getter interface {
	Get(ctx context.Context, url string) (*fetcher.Response, error)
}

// Agent evaluates robots.txt rules with a per-host cache.
type Agent struct {
	client    Getter
	userAgent string
	ttl       time.Duration
	respect   bool
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// NewAgent constructs a robots agent from configuration.
func NewAgent(cfg config.RobotsConfig, client Getter, logger *slog.Logger) *Agent {
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "*"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
	}
}

// Allowed reports whether rawURL may be fetched. Robots errors fail open.
func (a *Agent) Allowed(ctx context.Context, rawURL string) bool {
	if a == nil || !a.respect {
		return true
	}
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return false
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		a.logger.Debug("robots unavailable, allowing", "host", target.Host, "error", err)
		return true
	}
	return rules.TestAgent(target.EscapedPath(), a.userAgent)
}

func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	a.mu.RUnlock()
	if ok && time.Since(entry.fetched) < a.ttl {
		return entry.rules, nil
	}
	if a.client == nil {
		return nil, fmt.Errorf("no robots client")
	}

	resp, err := a.client.Get(ctx, target.Scheme+"://"+target.Host+"/robots.txt")
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	a.mu.Lock()
	a.cache[host] = cacheEntry{fetched: time.Now(), rules: data}
	a.mu.Unlock()
	return data, nil
}
