package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// SelectorTimeout bounds a single selector candidate attempt, so trying N
// candidates costs at most N x SelectorTimeout.
const SelectorTimeout = 1200 * time.Millisecond

// settlePoll is the interval for text-visibility polling.
const settlePoll = 100 * time.Millisecond

// BrowserConfig configures the driven Chrome instance.
type BrowserConfig struct {
	Headless    bool
	ChromePath  string
	UserDataDir string
}

// Browser is the driven-page execution surface: one Chrome process with a
// single tab that persists for the run's duration.
type Browser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewBrowser starts Chrome and opens the run's tab.
func NewBrowser(ctx context.Context, cfg BrowserConfig) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.Headless),
	)
	if path := strings.TrimSpace(cfg.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	if dir := strings.TrimSpace(cfg.UserDataDir); dir != "" {
		opts = append(opts, chromedp.UserDataDir(dir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Force Chrome to actually start so failures surface here, not on the
	// first step.
	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Browser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         tabCtx,
		cancel:      tabCancel,
	}, nil
}

// Close terminates the tab and the Chrome process.
func (b *Browser) Close() {
	if b == nil {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-runCtx.Done():
			}
		}()
	}
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits for the minimal load signal.
func (b *Browser) Navigate(ctx context.Context, rawurl string) error {
	if err := b.run(ctx, 30*time.Second,
		chromedp.Navigate(rawurl),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("goto %s: %w", rawurl, err)
	}
	return nil
}

// Click clicks the first visible element matching selector within timeout.
func (b *Browser) Click(ctx context.Context, selector string, timeout time.Duration) error {
	if err := b.run(ctx, timeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// Fill clears the matching element and types value into it.
func (b *Browser) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	if err := b.run(ctx, timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	return nil
}

// keyAliases maps recorded key names to CDP key runes.
var keyAliases = map[string]string{
	"enter":     kb.Enter,
	"return":    kb.Enter,
	"tab":       kb.Tab,
	"escape":    kb.Escape,
	"esc":       kb.Escape,
	"backspace": kb.Backspace,
	"delete":    kb.Delete,
	"arrowup":   kb.ArrowUp,
	"arrowdown": kb.ArrowDown,
	"pageup":    kb.PageUp,
	"pagedown":  kb.PageDown,
	"home":      kb.Home,
	"end":       kb.End,
}

// Press sends a key event to the focused element.
func (b *Browser) Press(ctx context.Context, key string) error {
	keys := key
	if mapped, ok := keyAliases[strings.ToLower(strings.TrimSpace(key))]; ok {
		keys = mapped
	}
	if err := b.run(ctx, SelectorTimeout, chromedp.KeyEvent(keys)); err != nil {
		return fmt.Errorf("press %q: %w", key, err)
	}
	return nil
}

// CurrentURL returns the tab's location.
func (b *Browser) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := b.run(ctx, 2*time.Second, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// HTML returns the page's outer HTML, used by healing and extract.
func (b *Browser) HTML(ctx context.Context) (string, error) {
	var html string
	if err := b.run(ctx, 5*time.Second, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return html, nil
}

// Settle waits briefly for the page to reach a ready state. Best-effort:
// a timeout here never fails the step.
func (b *Browser) Settle(ctx context.Context, timeout time.Duration) {
	_ = b.run(ctx, timeout, chromedp.WaitReady("body", chromedp.ByQuery))
}

// WaitTextVisible polls the page body until text appears or timeout elapses.
func (b *Browser) WaitTextVisible(ctx context.Context, text string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	quoted, _ := json.Marshal(text)
	expr := fmt.Sprintf(`!!(document.body && document.body.innerText.includes(%s))`, quoted)
	for {
		var visible bool
		err := b.run(ctx, settlePoll*5, chromedp.Evaluate(expr, &visible))
		if err == nil && visible {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(settlePoll):
		}
	}
}

// Count returns how many elements match the CSS selector.
func (b *Browser) Count(ctx context.Context, selector string) (int, error) {
	quoted, _ := json.Marshal(selector)
	expr := fmt.Sprintf(`document.querySelectorAll(%s).length`, quoted)
	var n int
	if err := b.run(ctx, 2*time.Second, chromedp.Evaluate(expr, &n)); err != nil {
		return 0, fmt.Errorf("count %q: %w", selector, err)
	}
	return n, nil
}

// Cookies reads the browser's cookies for handoff to the HTTP surface.
func (b *Browser) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var out []*http.Cookie
	err := b.run(ctx, 2*time.Second, chromedp.ActionFunc(func(runCtx context.Context) error {
		cookies, err := storage.GetCookies().Do(runCtx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			hc := &http.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HttpOnly: c.HTTPOnly,
			}
			if c.Expires > 0 {
				hc.Expires = time.Unix(int64(c.Expires), 0)
			}
			out = append(out, hc)
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return out, nil
}

// SetCookies installs cookies into the browser, scoping domainless ones to
// the given URL's host.
func (b *Browser) SetCookies(ctx context.Context, rawurl string, cookies []*http.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	host := ""
	if u, err := url.Parse(rawurl); err == nil {
		host = u.Hostname()
	}

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if p.Domain == "" {
			p.Domain = host
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if !c.Expires.IsZero() {
			expires := cdp.TimeSinceEpoch(c.Expires)
			p.Expires = &expires
		}
		params = append(params, p)
	}

	err := b.run(ctx, 2*time.Second, chromedp.ActionFunc(func(runCtx context.Context) error {
		return storage.SetCookies(params).Do(runCtx)
	}))
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}
