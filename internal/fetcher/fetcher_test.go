package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"dawnarchive/internal/stealth"
	"dawnarchive/pkg/types"
)

type fakePage struct {
	status      int
	navErr      error
	waitErr     error
	html        string
	endlessPage bool

	navigated []string
	closed    bool
}

func (p *fakePage) Navigate(ctx context.Context, url string) (int, error) {
	p.navigated = append(p.navigated, url)
	if p.navErr != nil {
		return 0, p.navErr
	}
	return p.status, nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return p.waitErr
}

func (p *fakePage) ScrollToBottom(ctx context.Context) error {
	if p.endlessPage {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePage) HTML(ctx context.Context) (string, error) { return p.html, nil }

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeSession struct {
	page   *fakePage
	closed bool
}

func (s *fakeSession) NewPage(ctx context.Context) (stealth.Page, error) { return s.page, nil }

func (s *fakeSession) Fingerprint() types.Fingerprint { return types.Fingerprint{} }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	pages    func(n int) *fakePage
	openErr  error
	sessions []*fakeSession
}

func (o *fakeOpener) Open(ctx context.Context) (stealth.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	s := &fakeSession{page: o.pages(len(o.sessions))}
	o.sessions = append(o.sessions, s)
	return s, nil
}

type startingOpener struct {
	*fakeOpener
	startErr error
	starts   int
}

func (o *startingOpener) Start(ctx context.Context) error {
	o.starts++
	return o.startErr
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testOptions(rec *sleepRecorder) Options {
	return Options{
		PreNavigation:  Window{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond},
		PostNavigation: Window{Min: 30 * time.Millisecond, Max: 40 * time.Millisecond},
		PostScroll:     Window{Min: 50 * time.Millisecond, Max: 60 * time.Millisecond},
		Backoff:        Window{Min: 3 * time.Second, Max: 5 * time.Second},
		Jitter:         NewJitter(rec.sleep),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestFetcher(opener Opener, rec *sleepRecorder) *PageFetcher {
	return NewPageFetcher(opener, testOptions(rec))
}

// counterTotals sums every int64 counter collected by reader, keyed by name.
func counterTotals(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestFetchBlockedExhaustsRetries(t *testing.T) {
	opener := &fakeOpener{pages: func(int) *fakePage { return &fakePage{status: 403} }}
	rec := &sleepRecorder{}
	f := newTestFetcher(opener, rec)

	_, err := f.Fetch(context.Background(), "https://www.dawn.com/newspaper/sport/2013-01-01", 2)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, 3, blocked.Attempts)
	require.Len(t, opener.sessions, 3)
	for i, s := range opener.sessions {
		assert.Truef(t, s.closed, "session %d not closed", i)
		assert.Truef(t, s.page.closed, "page %d not closed", i)
		for j := i + 1; j < len(opener.sessions); j++ {
			assert.NotSame(t, s, opener.sessions[j])
		}
	}

	backoffs := 0
	for _, d := range rec.slept {
		if d >= 3*time.Second {
			assert.LessOrEqual(t, d, 5*time.Second)
			backoffs++
		}
	}
	assert.Equal(t, 2, backoffs)
}

func TestFetchRecordsAttemptMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	opener := &fakeOpener{pages: func(int) *fakePage { return &fakePage{status: 403} }}
	opts := testOptions(&sleepRecorder{})
	opts.MeterProvider = provider
	f := NewPageFetcher(opener, opts)

	_, err := f.Fetch(context.Background(), "https://www.dawn.com/newspaper/sport/2013-01-01", 2)
	require.Error(t, err)

	totals := counterTotals(t, reader)
	assert.Equal(t, int64(3), totals["fetcher.attempts"])
	assert.Equal(t, int64(1), totals["fetcher.failures"])
}

func TestFetchRecoversAfterTransientFailure(t *testing.T) {
	opener := &fakeOpener{pages: func(n int) *fakePage {
		if n == 0 {
			return &fakePage{navErr: errors.New("net::ERR_CONNECTION_RESET")}
		}
		return &fakePage{status: 200, html: "<html>ok</html>"}
	}}
	f := newTestFetcher(opener, &sleepRecorder{})

	html, err := f.Fetch(context.Background(), "https://www.dawn.com/newspaper/national/2013-01-01", 2)
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", html)
	require.Len(t, opener.sessions, 2)
	assert.True(t, opener.sessions[0].closed)
	assert.True(t, opener.sessions[1].closed)
}

func TestFetchTransientExhaustion(t *testing.T) {
	cause := errors.New("script failed")
	opener := &fakeOpener{pages: func(int) *fakePage { return &fakePage{navErr: cause} }}
	f := newTestFetcher(opener, &sleepRecorder{})

	_, err := f.Fetch(context.Background(), "https://www.dawn.com/x", 1)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 2, transient.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Len(t, opener.sessions, 2)
}

func TestFetchTimeoutClassification(t *testing.T) {
	opener := &fakeOpener{pages: func(int) *fakePage { return &fakePage{navErr: context.DeadlineExceeded} }}
	f := newTestFetcher(opener, &sleepRecorder{})

	_, err := f.Fetch(context.Background(), "https://www.dawn.com/x", 0)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 1, timeout.Attempts)
	assert.Len(t, opener.sessions, 1)
}

func TestFetchConfigurationErrorIsNotRetried(t *testing.T) {
	opener := &fakeOpener{openErr: &stealth.ConfigurationError{Field: "proxy url", Value: "x", Reason: "bad"}}
	rec := &sleepRecorder{}
	f := newTestFetcher(opener, rec)

	_, err := f.Fetch(context.Background(), "https://www.dawn.com/x", 5)
	var cfgErr *stealth.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, rec.slept)
}

func TestFetchContentWaitFailureIsNotFatal(t *testing.T) {
	opener := &fakeOpener{pages: func(int) *fakePage {
		return &fakePage{status: 200, waitErr: errors.New("selector not found"), html: "<html></html>"}
	}}
	f := newTestFetcher(opener, &sleepRecorder{})

	html, err := f.Fetch(context.Background(), "https://www.dawn.com/x", 0)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", html)
}

func TestFetchUnknownStatusIsSuccess(t *testing.T) {
	opener := &fakeOpener{pages: func(int) *fakePage { return &fakePage{html: "<p>"} }}
	f := newTestFetcher(opener, &sleepRecorder{})

	html, err := f.Fetch(context.Background(), "https://www.dawn.com/x", 0)
	require.NoError(t, err)
	assert.Equal(t, "<p>", html)
}

func TestFetchStopsOnCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opener := &fakeOpener{pages: func(int) *fakePage {
		cancel()
		return &fakePage{status: 403}
	}}
	f := newTestFetcher(opener, &sleepRecorder{})

	_, err := f.Fetch(ctx, "https://www.dawn.com/x", 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, opener.sessions, 1)
}

func TestFetchBoundsEndlessScroll(t *testing.T) {
	opener := &fakeOpener{pages: func(int) *fakePage { return &fakePage{status: 200, endlessPage: true} }}
	opts := testOptions(&sleepRecorder{})
	opts.ScrollTimeout = 20 * time.Millisecond
	f := NewPageFetcher(opener, opts)

	_, err := f.Fetch(context.Background(), "https://www.dawn.com/x", 0)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.True(t, opener.sessions[0].closed)
}

func TestStartDelegatesToOpener(t *testing.T) {
	launchErr := errors.New("chrome not found")
	opener := &startingOpener{fakeOpener: &fakeOpener{}, startErr: launchErr}
	f := newTestFetcher(opener, &sleepRecorder{})

	assert.ErrorIs(t, f.Start(context.Background()), launchErr)
	assert.Equal(t, 1, opener.starts)
	assert.Empty(t, opener.sessions)

	plain := newTestFetcher(&fakeOpener{}, &sleepRecorder{})
	assert.NoError(t, plain.Start(context.Background()))
}

func TestFetchJitterWindows(t *testing.T) {
	opener := &fakeOpener{pages: func(int) *fakePage { return &fakePage{status: 200} }}
	rec := &sleepRecorder{}
	f := newTestFetcher(opener, rec)

	_, err := f.Fetch(context.Background(), "https://www.dawn.com/x", 0)
	require.NoError(t, err)
	require.Len(t, rec.slept, 3)
	assert.True(t, rec.slept[0] >= 10*time.Millisecond && rec.slept[0] <= 20*time.Millisecond)
	assert.True(t, rec.slept[1] >= 30*time.Millisecond && rec.slept[1] <= 40*time.Millisecond)
	assert.True(t, rec.slept[2] >= 50*time.Millisecond && rec.slept[2] <= 60*time.Millisecond)
}

func TestJitterDraw(t *testing.T) {
	j := NewJitter(nil)
	w := Window{Min: time.Second, Max: 2 * time.Second}
	for i := 0; i < 500; i++ {
		d := j.Draw(w)
		assert.GreaterOrEqual(t, d, w.Min)
		assert.LessOrEqual(t, d, w.Max)
	}
	assert.Equal(t, time.Second, j.Draw(Window{Min: time.Second, Max: time.Second}))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), 0))
}

func TestPacerSpacesRequests(t *testing.T) {
	assert.Nil(t, NewPacer(0, RateSettings{}))
	var nilPacer *Pacer
	assert.NoError(t, nilPacer.Wait(context.Background(), "www.dawn.com"))

	p := NewPacer(60*time.Millisecond, RateSettings{})
	require.NotNil(t, p)
	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), "www.dawn.com"))
	require.NoError(t, p.Wait(context.Background(), "WWW.DAWN.COM"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	other := time.Now()
	require.NoError(t, p.Wait(context.Background(), "images.dawn.com"))
	assert.Less(t, time.Since(other), 50*time.Millisecond)
}

func TestPacerRateLimit(t *testing.T) {
	p := NewPacer(0, RateSettings{Requests: 1, Window: time.Hour})
	require.NoError(t, p.Wait(context.Background(), "www.dawn.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx, "www.dawn.com"))
}

func TestHTTPClientDecodesBrotli(t *testing.T) {
	var gotDNT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDNT = r.Header.Get("DNT")
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write([]byte("User-agent: *\nDisallow: /private\n"))
		_ = bw.Close()
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPOptions{UserAgent: "test-agent"})
	require.NoError(t, err)
	resp, err := client.Get(context.Background(), srv.URL+"/robots.txt")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "User-agent: *\nDisallow: /private\n", string(resp.Body))
	assert.Equal(t, "1", gotDNT)
}

func TestHTTPClientBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPOptions{MaxBodyBytes: 16})
	require.NoError(t, err)
	_, err = client.Get(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestHTTPClientRejectsBadProxy(t *testing.T) {
	_, err := NewHTTPClient(HTTPOptions{ProxyURL: "not a proxy"})
	var cfgErr *stealth.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
