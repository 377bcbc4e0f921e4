package stealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"dawnarchive/pkg/types"
)

// Session is an isolated browsing context carrying a single fingerprint.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Fingerprint() types.Fingerprint
	Close() error
}

// Page is a tab inside a Session.
type Page interface {
	// Navigate loads url and waits for DOM-ready, returning the main document status.
	Navigate(ctx context.Context, url string) (int, error)
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	ScrollToBottom(ctx context.Context) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Options configures the shared browser.
type Options struct {
	Headless     bool
	ProxyURL     string
	ExecPath     string
	ExtraArgs    []string
	Fingerprints *FingerprintProvider
	Logger       *slog.Logger
}

// Browser owns the single Chrome process shared by all sessions. The process
// starts on the first Open and lives until Close.
type Browser struct {
	opts         Options
	fingerprints *FingerprintProvider
	logger       *slog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewBrowser constructs a browser handle without launching Chrome.
func NewBrowser(opts Options) *Browser {
	fingerprints := opts.Fingerprints
	if fingerprints == nil {
		fingerprints = NewFingerprintProvider()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		opts:         opts,
		fingerprints: fingerprints,
		logger:       logger,
	}
}

// Open creates a fresh isolated session with a new fingerprint.
func (b *Browser) Open(ctx context.Context) (Session, error) {
	proxy, err := ParseProxy(b.opts.ProxyURL)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	browserCtx, err := b.ensureStarted(proxy)
	if err != nil {
		return nil, err
	}

	c := chromedp.FromContext(browserCtx)
	contextID, err := target.CreateBrowserContext().
		WithDisposeOnDetach(true).
		Do(cdp.WithExecutor(browserCtx, c.Browser))
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	fp := b.fingerprints.Next()
	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithExistingBrowserContext(contextID))

	b.logger.Debug("stealth session opened",
		"browser_context", string(contextID),
		"user_agent", fp.UserAgent,
		"viewport", fmt.Sprintf("%dx%d", fp.Viewport.Width, fp.Viewport.Height),
		"proxy", proxy != nil,
	)

	return &chromeSession{
		browserCtx:  browserCtx,
		ctx:         tabCtx,
		cancel:      cancel,
		contextID:   contextID,
		fingerprint: fp,
		proxy:       proxy,
		logger:      b.logger,
	}, nil
}

// Start launches the shared browser if it is not running yet. Open does the
// same lazily; Start lets a caller fail before committing to a batch of work.
func (b *Browser) Start(ctx context.Context) error {
	proxy, err := ParseProxy(b.opts.ProxyURL)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = b.ensureStarted(proxy)
	return err
}

// Close tears down the shared browser. It is safe to call more than once and
// on a browser that was never started.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdownLocked()
}

func (b *Browser) shutdownLocked() error {
	if b.browserCancel == nil {
		return nil
	}
	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	b.browserCtx = nil
	b.browserCancel = nil
	b.allocCancel = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (b *Browser) ensureStarted(proxy *ProxyConfig) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		if b.browserCtx.Err() == nil {
			return b.browserCtx, nil
		}
		b.logger.Warn("shared browser exited, restarting", "error", b.browserCtx.Err())
		_ = b.shutdownLocked()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions(proxy)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			b.logger.Debug("chromedp", "message", fmt.Sprintf(format, args...))
		}),
	)
	// The first Run must use the bare browser context so that the process is
	// not tied to a request deadline.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	b.logger.Info("shared browser started", "headless", b.opts.Headless, "proxy", proxy != nil)
	return browserCtx, nil
}

func (b *Browser) allocatorOptions(proxy *ProxyConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", b.opts.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-web-security", true),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		chromedp.Flag("disable-site-isolation-trials", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("start-maximized", true),
		chromedp.WindowSize(1920, 1080),
	)
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.Server))
	}
	if path := strings.TrimSpace(b.opts.ExecPath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	for _, arg := range b.opts.ExtraArgs {
		name, value, hasValue := strings.Cut(strings.TrimLeft(strings.TrimSpace(arg), "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

type chromeSession struct {
	browserCtx  context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	contextID   cdp.BrowserContextID
	fingerprint types.Fingerprint
	proxy       *ProxyConfig
	logger      *slog.Logger

	mu        sync.Mutex
	page      *chromePage
	closeOnce sync.Once
	closeErr  error
}

func (s *chromeSession) Fingerprint() types.Fingerprint {
	return s.fingerprint
}

// NewPage allocates the session's tab and applies the stealth setup. A
// session carries exactly one page.
func (s *chromeSession) NewPage(ctx context.Context) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page != nil {
		return nil, errors.New("session already has an open page")
	}
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("session closed: %w", err)
	}

	// Allocate the target with the session context itself, not a derived one.
	if err := chromedp.Run(s.ctx); err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}

	p := newChromePage(s.ctx, s.logger)
	runCtx, cancel := bind(s.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, setupTasks(s.ctx, s.fingerprint, s.proxy, s.contextID)...); err != nil {
		return nil, fmt.Errorf("prepare tab: %w", err)
	}
	s.page = p
	return p, nil
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		disposeCtx, cancel := context.WithTimeout(s.browserCtx, 5*time.Second)
		defer cancel()
		c := chromedp.FromContext(s.browserCtx)
		if c == nil || c.Browser == nil || s.browserCtx.Err() != nil {
			return
		}
		err := target.DisposeBrowserContext(s.contextID).Do(cdp.WithExecutor(disposeCtx, c.Browser))
		if err != nil && !strings.Contains(err.Error(), "Failed to find context") {
			s.closeErr = fmt.Errorf("dispose browser context: %w", err)
		}
	})
	return s.closeErr
}

func grantGeolocation(contextID cdp.BrowserContextID) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		return browser.GrantPermissions([]browser.PermissionType{browser.PermissionTypeGeolocation}).
			WithBrowserContextID(contextID).
			Do(cdp.WithExecutor(ctx, c.Browser))
	}
}

// bind derives a context from a chromedp context that is also cancelled when
// caller is done and inherits caller's deadline.
func bind(chromeCtx, caller context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(chromeCtx)
	cancels := []context.CancelFunc{cancel}
	if deadline, ok := caller.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, deadline)
		cancels = append(cancels, cancelDeadline)
	}
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}
