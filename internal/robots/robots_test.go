package robots

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"dawnarchive/internal/config"
	"dawnarchive/internal/fetcher"
)

type stubGetter struct {
	mu     sync.Mutex
	status int
	body   string
	err    error
	calls  int
}

func (g *stubGetter) Get(ctx context.Context, url string) (*fetcher.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &fetcher.Response{StatusCode: g.status, Body: []byte(g.body)}, nil
}

func newAgent(respect bool, g Getter) *Agent {
	cfg := config.RobotsConfig{Respect: respect, UserAgent: "*"}
	return NewAgent(cfg, g, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAllowedRespectsRules(t *testing.T) {
	g := &stubGetter{status: 200, body: "User-agent: *\nDisallow: /newspaper/private\n"}
	a := newAgent(true, g)

	assert.True(t, a.Allowed(context.Background(), "https://www.dawn.com/newspaper/sport/2013-01-01"))
	assert.False(t, a.Allowed(context.Background(), "https://www.dawn.com/newspaper/private/2013-01-01"))
	assert.Equal(t, 1, g.calls)

	assert.True(t, a.Allowed(context.Background(), "https://www.dawn.com/newspaper/icon/2013-01-01"))
	assert.Equal(t, 1, g.calls, "rules are cached per host")
}

func TestAllowedWhenNotRespecting(t *testing.T) {
	g := &stubGetter{status: 200, body: "User-agent: *\nDisallow: /\n"}
	a := newAgent(false, g)
	assert.True(t, a.Allowed(context.Background(), "https://www.dawn.com/newspaper/sport/2013-01-01"))
	assert.Zero(t, g.calls)

	var nilAgent *Agent
	assert.True(t, nilAgent.Allowed(context.Background(), "https://www.dawn.com/"))
}

func TestAllowedFailsOpen(t *testing.T) {
	a := newAgent(true, &stubGetter{err: errors.New("dial tcp: refused")})
	assert.True(t, a.Allowed(context.Background(), "https://www.dawn.com/newspaper/sport/2013-01-01"))
}

func TestAllowedRejectsRelativeURL(t *testing.T) {
	a := newAgent(true, &stubGetter{status: 404})
	assert.False(t, a.Allowed(context.Background(), "/newspaper/sport"))
}

func TestServerErrorDisallows(t *testing.T) {
	// robotstxt treats 5xx as a full disallow.
	a := newAgent(true, &stubGetter{status: 503})
	assert.False(t, a.Allowed(context.Background(), "https://www.dawn.com/newspaper/sport/2013-01-01"))
}
