package pagesignal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "stockwatch/pkg/logx"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	renderTimeout   = 30 * time.Second
	renderStableFor = 500 * time.Millisecond
	defaultTabs     = 3
)

// ErrBrowserClosed is returned by Render after Close.
var ErrBrowserClosed = errors.New("headless browser closed")

// Only the document and its scripts matter for availability text.
var blockedResources = []proto.NetworkResourceType{
	proto.NetworkResourceTypeImage,
	proto.NetworkResourceTypeFont,
	proto.NetworkResourceTypeStylesheet,
	proto.NetworkResourceTypeMedia,
}

// Browser renders pages in one shared headless Chromium. The process is
// launched on the first Render, so configs that never use browser
// retrieval never start it. Call Close when done.
type Browser struct {
	bin  string
	tabs chan struct{}
	log  logx.Logger

	mu      sync.Mutex
	l       *launcher.Launcher
	browser *rod.Browser
	closed  bool
}

// NewBrowser prepares a browser. bin overrides the Chromium binary; empty
// lets the launcher find or fetch one. tabs caps concurrent pages.
func NewBrowser(bin string, tabs int, log logx.Logger) *Browser {
	if tabs <= 0 {
		tabs = defaultTabs
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Browser{bin: strings.TrimSpace(bin), tabs: make(chan struct{}, tabs), log: log}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrowserClosed
	}
	if b.browser != nil {
		return b.browser, nil
	}

	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-dev-shm-usage")
	if b.bin != "" {
		l = l.Bin(b.bin)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch headless browser: %w", err)
	}
	br := rod.New().ControlURL(u)
	if err := br.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to headless browser: %w", err)
	}
	b.l, b.browser = l, br
	b.log.Info("headless browser started", logx.Int("tabs", cap(b.tabs)))
	return br, nil
}

// Render opens pageURL in a fresh tab with the given User-Agent, waits for
// the DOM to settle and returns the resulting HTML.
func (b *Browser) Render(ctx context.Context, pageURL, userAgent string) ([]byte, error) {
	select {
	case b.tabs <- struct{}{}:
		defer func() { <-b.tabs }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	br, err := b.connect()
	if err != nil {
		return nil, err
	}
	page, err := br.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	defer func() { _ = page.Close() }()

	rctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()
	page = page.Context(rctx)

	if userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}

	router := page.HijackRequests()
	for _, rt := range blockedResources {
		_ = router.Add("*", rt, func(h *rod.Hijack) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		})
	}
	go router.Run()
	defer func() { _ = router.Stop() }()

	if err := page.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	// A page that keeps mutating is read as it is once the wait gives up.
	_ = page.WaitStable(renderStableFor)

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read rendered html: %w", err)
	}
	return []byte(html), nil
}

// Close stops the browser process if it was started.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.l.Kill()
	b.browser, b.l = nil, nil
	b.log.Info("headless browser stopped")
	return err
}
