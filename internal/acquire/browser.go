package acquire

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// BrowserRenderer renders pages in headless Chrome.
type BrowserRenderer struct {
	userAgent string
	execPath  string
}

func NewBrowserRenderer(userAgent, execPath string) *BrowserRenderer {
	return &BrowserRenderer{userAgent: userAgent, execPath: execPath}
}

// Open starts a browser bound to ctx; cancelling ctx kills it.
func (r *BrowserRenderer) Open(ctx context.Context) (Page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.WindowSize(1920, 1080),
	)
	if r.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.userAgent))
	}
	if r.execPath != "" {
		opts = append(opts, chromedp.ExecPath(r.execPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	// an empty Run launches the browser so startup failures show up here
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, err
	}
	return &browserPage{
		ctx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}, nil
}

type browserPage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *browserPage) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := p.bound(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Navigate(url))
}

// bound derives a tab context that also ends at ctx's deadline. chromedp
// actions must run on a context descended from the tab.
func (p *browserPage) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(p.ctx, deadline)
	}
	return context.WithCancel(p.ctx)
}

func (p *browserPage) WaitReady(_ context.Context, selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (p *browserPage) ScrollHeight(_ context.Context) (int64, error) {
	var height int64
	err := chromedp.Run(p.ctx, chromedp.Evaluate(`document.body.scrollHeight`, &height))
	return height, err
}

func (p *browserPage) ScrollToBottom(_ context.Context) error {
	return chromedp.Run(p.ctx, chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil))
}

func (p *browserPage) HTML(_ context.Context) (string, error) {
	var html string
	err := chromedp.Run(p.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *browserPage) Close() error {
	p.cancel()
	return nil
}
