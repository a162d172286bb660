// Package headless implements the scan probe with a real browser via
// chromedp, so accessibility metrics reflect the rendered DOM.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// Config controls the behavior of the headless probe.
type Config struct {
	// MaxParallel bounds concurrent browser tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Probe implements scan.Probe using chromedp and headless Chrome.
type Probe struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless probe backed by chromedp.
func New(cfg Config) (*Probe, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Probe{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (p *Probe) Close() {
	p.allocCancel()
}

// Ready verifies the browser backend can start a tab at all.
func (p *Probe) Ready(ctx context.Context) error {
	taskCtx, taskCancel := chromedp.NewContext(p.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, p.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(taskCtx, chromedp.Navigate("about:blank")); err != nil {
		return fmt.Errorf("start browser tab: %w", err)
	}
	return nil
}

// rawMetrics mirrors the evaluated expression's JSON shape.
type rawMetrics struct {
	Title            string `json:"title"`
	HasViewport      bool   `json:"hasViewport"`
	Images           int    `json:"images"`
	ImagesWithoutAlt int    `json:"imagesWithoutAlt"`
	Buttons          int    `json:"buttons"`
	Inputs           int    `json:"inputs"`
	Links            int    `json:"links"`
	Headings         int    `json:"headings"`
}

const metricsExpression = `({
	title: document.title,
	hasViewport: !!document.querySelector('meta[name="viewport"]'),
	images: document.querySelectorAll('img').length,
	imagesWithoutAlt: document.querySelectorAll('img:not([alt]), img[alt=""]').length,
	buttons: document.querySelectorAll('button, [role="button"], input[type="button"], input[type="submit"]').length,
	inputs: document.querySelectorAll('input, select, textarea').length,
	links: document.querySelectorAll('a[href]').length,
	headings: document.querySelectorAll('h1,h2,h3,h4,h5,h6').length
})`

// Inspect navigates to the URL, waits for the body, and evaluates element
// counts against the rendered DOM. The browser tab slot is released on
// every exit path.
func (p *Probe) Inspect(ctx context.Context, url string) (scan.PageMetrics, error) {
	if err := p.acquire(ctx); err != nil {
		return scan.PageMetrics{}, err
	}
	defer p.release()

	taskCtx, taskCancel := chromedp.NewContext(p.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, p.navTimeout(ctx))
	defer cancel()

	var raw rawMetrics
	actions := []chromedp.Action{
		p.userAgentAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Evaluate(metricsExpression, &raw),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return scan.PageMetrics{}, fmt.Errorf("chromedp run: %w", err)
	}

	return scan.PageMetrics{
		Title:            raw.Title,
		HasViewport:      raw.HasViewport,
		Images:           raw.Images,
		ImagesWithoutAlt: raw.ImagesWithoutAlt,
		Buttons:          raw.Buttons,
		Inputs:           raw.Inputs,
		Links:            raw.Links,
		Headings:         raw.Headings,
	}, nil
}

func (p *Probe) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if p.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// navTimeout honors a tighter caller deadline when one is set.
func (p *Probe) navTimeout(ctx context.Context) time.Duration {
	timeout := p.cfg.NavigationTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (p *Probe) acquire(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	select {
	case p.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

// release frees one browser tab slot. It runs only after a successful
// acquire, so the receive must never block.
func (p *Probe) release() {
	if p.limiter == nil {
		return
	}
	<-p.limiter
}

var _ scan.Probe = (*Probe)(nil)
var _ scan.ReadyChecker = (*Probe)(nil)
