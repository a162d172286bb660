// Package static implements the scan probe over plain HTTP using colly.
// It sees only server-rendered markup, which makes it a cheap alternative
// backend for pages that do not require JavaScript.
package static

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Probe implements scan.Probe using the Colly collector.
type Probe struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Probe.
func New(cfg Config) *Probe {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	// Audit targets are caller-supplied; robots policy is not this
	// probe's concern.
	c.IgnoreRobotsTxt = true
	return &Probe{cfg: cfg, base: c}
}

// Inspect fetches the URL once and counts accessibility-relevant elements
// in the static markup.
func (p *Probe) Inspect(ctx context.Context, url string) (scan.PageMetrics, error) {
	if err := ctx.Err(); err != nil {
		return scan.PageMetrics{}, fmt.Errorf("static probe canceled: %w", err)
	}

	collector := p.base.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.timeout(ctx))

	var (
		metrics  scan.PageMetrics
		seenHTML bool
		fetchErr error
	)
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		seenHTML = true
		metrics = measure(e.DOM)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := collector.Visit(url); err != nil {
		return scan.PageMetrics{}, fmt.Errorf("visit %s: %w", url, err)
	}
	collector.Wait()
	if fetchErr != nil {
		return scan.PageMetrics{}, fmt.Errorf("fetch %s: %w", url, fetchErr)
	}
	if !seenHTML {
		return scan.PageMetrics{}, fmt.Errorf("fetch %s: response contained no html document", url)
	}
	return metrics, nil
}

func measure(doc *goquery.Selection) scan.PageMetrics {
	m := scan.PageMetrics{
		Title:       strings.TrimSpace(doc.Find("head title").First().Text()),
		HasViewport: doc.Find(`meta[name="viewport"]`).Length() > 0,
		Buttons:     doc.Find(`button, [role="button"], input[type="button"], input[type="submit"]`).Length(),
		Inputs:      doc.Find("input, select, textarea").Length(),
		Links:       doc.Find("a[href]").Length(),
		Headings:    doc.Find("h1,h2,h3,h4,h5,h6").Length(),
	}
	images := doc.Find("img")
	m.Images = images.Length()
	images.Each(func(_ int, s *goquery.Selection) {
		if alt, ok := s.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			m.ImagesWithoutAlt++
		}
	})
	return m
}

func (p *Probe) timeout(ctx context.Context) time.Duration {
	timeout := p.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

var _ scan.Probe = (*Probe)(nil)
