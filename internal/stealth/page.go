package stealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"dawnarchive/pkg/types"
)

const readyPollInterval = 200 * time.Millisecond

type chromePage struct {
	ctx    context.Context
	logger *slog.Logger

	mu       sync.Mutex
	statuses map[cdp.LoaderID]int64

	closeOnce sync.Once
}

func newChromePage(ctx context.Context, logger *slog.Logger) *chromePage {
	p := &chromePage{
		ctx:      ctx,
		logger:   logger,
		statuses: make(map[cdp.LoaderID]int64),
	}
	chromedp.ListenTarget(ctx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument && resp.Response != nil {
			p.mu.Lock()
			p.statuses[resp.LoaderID] = resp.Response.Status
			p.mu.Unlock()
		}
	})
	return p
}

func setupTasks(tabCtx context.Context, fp types.Fingerprint, proxy *ProxyConfig, contextID cdp.BrowserContextID) chromedp.Tasks {
	headers := make(network.Headers)
	for k, v := range Headers() {
		headers[k] = v
	}

	var tasks chromedp.Tasks
	if proxy != nil {
		tasks = append(tasks, proxyAuth(tabCtx, proxy))
	}
	tasks = append(tasks,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		emulation.SetUserAgentOverride(fp.UserAgent).
			WithAcceptLanguage("en-US,en;q=0.9").
			WithPlatform(Platform),
		emulation.SetDeviceMetricsOverride(int64(fp.Viewport.Width), int64(fp.Viewport.Height), 1, false).
			WithScreenWidth(int64(fp.Screen.Width)).
			WithScreenHeight(int64(fp.Screen.Height)),
		emulation.SetLocaleOverride().WithLocale(Locale),
		emulation.SetTimezoneOverride(TimezoneID),
		emulation.SetGeolocationOverride().
			WithLatitude(Latitude).
			WithLongitude(Longitude).
			WithAccuracy(100),
		grantGeolocation(contextID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(evasionScript).Do(ctx)
			return err
		}),
	)
	return tasks
}

// proxyAuth answers proxy credential challenges and releases every paused
// request once the fetch domain is enabled. Listeners live as long as the tab.
func proxyAuth(tabCtx context.Context, proxy *ProxyConfig) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		c := chromedp.FromContext(tabCtx)
		chromedp.ListenTarget(tabCtx, func(ev any) {
			switch e := ev.(type) {
			case *fetch.EventAuthRequired:
				go func() {
					resp := &fetch.AuthChallengeResponse{
						Response: fetch.AuthChallengeResponseResponseProvideCredentials,
						Username: proxy.Username,
						Password: proxy.Password,
					}
					_ = fetch.ContinueWithAuth(e.RequestID, resp).Do(cdp.WithExecutor(tabCtx, c.Target))
				}()
			case *fetch.EventRequestPaused:
				go func() {
					_ = fetch.ContinueRequest(e.RequestID).Do(cdp.WithExecutor(tabCtx, c.Target))
				}()
			}
		})
		return fetch.Enable().WithHandleAuthRequests(true).Do(ctx)
	}
}

func (p *chromePage) Navigate(ctx context.Context, url string) (int, error) {
	runCtx, cancel := bind(p.ctx, ctx)
	defer cancel()

	var res page.NavigateReturns
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("navigate %s: %s", url, res.ErrorText)
		}
		return waitForDOMReady(ctx)
	}))
	if err != nil {
		return 0, callerError(ctx, err)
	}

	p.mu.Lock()
	status := p.statuses[res.LoaderID]
	p.mu.Unlock()
	return int(status), nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	runCtx, cancel := bind(p.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	if err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, callerError(ctx, err))
	}
	return nil
}

func (p *chromePage) ScrollToBottom(ctx context.Context) error {
	runCtx, cancel := bind(p.ctx, ctx)
	defer cancel()
	var scrolled float64
	err := chromedp.Run(runCtx, chromedp.Evaluate(scrollScript, &scrolled, func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
		return params.WithAwaitPromise(true)
	}))
	if err != nil {
		return fmt.Errorf("scroll: %w", callerError(ctx, err))
	}
	p.logger.Debug("page scrolled", "pixels", int(scrolled))
	return nil
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := bind(p.ctx, ctx)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", callerError(ctx, err))
	}
	return html, nil
}

func (p *chromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.ctx.Err() != nil {
			return
		}
		closeCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		defer cancel()
		err = chromedp.Run(closeCtx, page.Close())
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}

func waitForDOMReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		var ready bool
		err := chromedp.Evaluate(`location.href !== 'about:blank' && (document.readyState === 'interactive' || document.readyState === 'complete')`, &ready).Do(ctx)
		if err == nil && ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// callerError surfaces the caller's deadline when chromedp reports a plain
// cancellation.
func callerError(caller context.Context, err error) error {
	if errors.Is(caller.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
