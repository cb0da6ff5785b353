package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/ormasoftchile/reprise/pkg/surface"
)

// SurfaceKind is the current state of the surface state machine.
type SurfaceKind int

const (
	SurfaceNone SurfaceKind = iota
	SurfaceHTTP
	SurfaceBrowser
)

func (k SurfaceKind) String() string {
	switch k {
	case SurfaceHTTP:
		return "http"
	case SurfaceBrowser:
		return "browser"
	default:
		return "none"
	}
}

// BrowserSurface is the driven-page surface the runner needs. Implemented
// by surface.Browser; tests substitute fakes.
type BrowserSurface interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, value string, timeout time.Duration) error
	Press(ctx context.Context, key string) error
	CurrentURL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Settle(ctx context.Context, timeout time.Duration)
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	SetCookies(ctx context.Context, url string, cookies []*http.Cookie) error
	WaitTextVisible(ctx context.Context, text string, timeout time.Duration) bool
	Count(ctx context.Context, selector string) (int, error)
	Close()
}

// HTTPSurface is the direct-call surface the runner needs. Implemented by
// surface.HTTP; tests substitute fakes.
type HTTPSurface interface {
	Fetch(ctx context.Context, req surface.FetchRequest) (*surface.FetchResult, error)
	Cookies(rawurl string) []*http.Cookie
	LastURL() string
	LastBody() []byte
	Close()
}

// ensureSurface drives the surface state machine to the kind the next step
// needs. Cookie handoff at each transition is best-effort: sync failures
// are traced, never fatal.
func (r *Runner) ensureSurface(ctx context.Context, want SurfaceKind) error {
	if r.current == want {
		if want == SurfaceBrowser && r.browser != nil {
			return nil
		}
		if want == SurfaceHTTP && r.httpSurf != nil {
			return nil
		}
	}

	switch want {
	case SurfaceBrowser:
		if r.browser == nil {
			b, err := r.cfg.NewBrowser(ctx)
			if err != nil {
				return err
			}
			r.browser = b
		}
		// Leaving the HTTP surface: push its cookies into the browser and
		// dispose it.
		if r.httpSurf != nil {
			syncURL := r.httpURL
			if syncURL == "" {
				syncURL = r.pageURL
			}
			cookies := r.httpSurf.Cookies(syncURL)
			err := r.browser.SetCookies(ctx, syncURL, cookies)
			r.trace.EmitCookieSync("http->browser", len(cookies), err)
			r.httpSurf.Close()
			r.httpSurf = nil
		}

	case SurfaceHTTP:
		if r.httpSurf == nil {
			var seed []*http.Cookie
			seedURL := r.pageURL
			if r.browser != nil {
				cookies, err := r.browser.Cookies(ctx)
				if err == nil {
					seed = cookies
				}
				r.trace.EmitCookieSync("browser->http", len(seed), err)
			}
			h, err := r.cfg.NewHTTP(r.downloadDir, seedURL, seed)
			if err != nil {
				return err
			}
			r.httpSurf = h
		}
	}

	if r.current != want {
		r.trace.EmitSurfaceSwitch(r.current.String(), want.String())
		r.current = want
	}
	return nil
}

// releaseSurfaces closes whatever is still live. Runs on every exit path.
func (r *Runner) releaseSurfaces() {
	if r.httpSurf != nil {
		r.httpSurf.Close()
		r.httpSurf = nil
	}
	if r.browser != nil {
		r.browser.Close()
		r.browser = nil
	}
	r.current = SurfaceNone
}
