// Package browser renders HTML into PDF bytes through headless Chrome.
// The browser process is shared and lazy: it starts on the first render,
// is health-checked before each use, and is recycled after a failure so
// a wedged tab cannot poison later renders.
package browser

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/domain"
)

// a4 paper in inches; templates lay out against this size.
const (
	a4WidthInches  = 8.27
	a4HeightInches = 11.69

	defaultMarginInches = 0.4
)

// Renderer implements domain.BrowserRenderer over a single shared browser
// with a bounded number of concurrent tabs.
type Renderer struct {
	strategy string
	wsURL    string
	timeout  time.Duration

	slots chan struct{}

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ domain.BrowserRenderer = (*Renderer)(nil)

func New(cfg config.Config) *Renderer {
	pool := cfg.BrowserPoolSize
	if pool < 1 {
		pool = 1
	}
	return &Renderer{
		strategy: cfg.BrowserStrategy,
		wsURL:    cfg.BrowserWSURL,
		timeout:  cfg.BrowserRenderTimeout,
		slots:    make(chan struct{}, pool),
	}
}

// RenderPDF prints html on A4 paper. The caller context bounds queueing
// for a tab slot; the configured render timeout bounds the print itself.
func (r *Renderer) RenderPDF(ctx domain.Context, html string, opts domain.PDFOptions) ([]byte, error) {
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	browserCtx, err := r.ensureBrowser()
	if err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	runCtx, cancelRun := context.WithTimeout(tabCtx, r.timeout)
	defer cancelRun()
	// The tab context descends from the shared browser, not the caller,
	// so caller cancellation has to be forwarded by hand.
	stop := context.AfterFunc(ctx, cancelRun)
	defer stop()

	var buf []byte
	err = chromedp.Run(runCtx,
		chromedp.Navigate(dataURL(html)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, _, err = pdfParams(opts).Do(ctx)
			return err
		}),
	)
	if err != nil {
		if ctx.Err() == nil {
			r.recycle()
		}
		return nil, domain.E(domain.CodeBrowserError, "render pdf").WithCause(err)
	}
	if len(buf) == 0 {
		return nil, domain.E(domain.CodeBrowserError, "browser produced an empty pdf")
	}
	return buf, nil
}

// Healthy starts the browser if needed and evaluates a trivial expression
// in a fresh tab.
func (r *Renderer) Healthy(ctx domain.Context) error {
	browserCtx, err := r.ensureBrowser()
	if err != nil {
		return err
	}
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	runCtx, cancelRun := context.WithTimeout(tabCtx, timeout)
	defer cancelRun()

	if err := chromedp.Run(runCtx, chromedp.Evaluate("1+1", nil)); err != nil {
		r.recycle()
		return domain.E(domain.CodeBrowserError, "browser health check").WithCause(err)
	}
	return nil
}

// Close shuts the shared browser down. Safe to call without a prior
// render.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	return nil
}

// ensureBrowser returns a live browser context, starting or restarting
// the process under the lock when there is none.
func (r *Renderer) ensureBrowser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil && r.browserCtx.Err() == nil {
		return r.browserCtx, nil
	}
	r.closeLocked()

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	switch r.strategy {
	case config.BrowserRemote:
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), r.wsURL)
	default:
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// Run with no actions starts the browser; without this, every tab
	// context would allocate its own browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, domain.E(domain.CodeBrowserError, "start browser").WithCause(err)
	}
	r.allocCancel = allocCancel
	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	slog.Info("browser started", slog.String("strategy", r.strategy))
	return browserCtx, nil
}

func (r *Renderer) recycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	slog.Warn("recycling browser after render failure", slog.String("strategy", r.strategy))
	r.closeLocked()
}

func (r *Renderer) closeLocked() {
	if r.browserCtx != nil {
		_ = chromedp.Cancel(r.browserCtx)
	}
	if r.browserCancel != nil {
		r.browserCancel()
	}
	if r.allocCancel != nil {
		r.allocCancel()
	}
	r.browserCtx = nil
	r.browserCancel = nil
	r.allocCancel = nil
}

// pdfParams maps render options onto the devtools print call. Margins
// default to 0.4in on every side; scale outside Chrome's accepted range
// falls back to 1.
func pdfParams(opts domain.PDFOptions) *page.PrintToPDFParams {
	margin := opts.MarginInches
	if margin <= 0 {
		margin = defaultMarginInches
	}
	params := page.PrintToPDF().
		WithPrintBackground(true).
		WithPaperWidth(a4WidthInches).
		WithPaperHeight(a4HeightInches).
		WithMarginTop(margin).
		WithMarginBottom(margin).
		WithMarginLeft(margin).
		WithMarginRight(margin)
	if opts.Landscape {
		params = params.WithLandscape(true)
	}
	if opts.Scale >= 0.1 && opts.Scale <= 2 {
		params = params.WithScale(opts.Scale)
	}
	return params
}

func dataURL(html string) string {
	return "data:text/html;charset=utf-8," + url.PathEscape(html)
}
