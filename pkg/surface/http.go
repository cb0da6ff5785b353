package surface

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// HTTPTimeout bounds every direct HTTP call.
const HTTPTimeout = 5 * time.Second

// FetchRequest describes one http-mode fetch.
type FetchRequest struct {
	URL     string
	Method  string // normalized to GET when empty
	Headers map[string]string
	Body    string

	// Download forces response-body persistence regardless of headers.
	Download bool
	// StepID seeds the fallback filename.
	StepID string
}

// FetchResult is the observable outcome of a fetch.
type FetchResult struct {
	Status   int
	FinalURL string // after redirects
	Body     []byte

	// Saved is the path of the persisted download, empty when none.
	Saved      string
	SavedBytes int64
}

// HTTP is the direct-call execution surface: a cookie-jarred client that
// tracks the last response URL. At most one exists per run.
type HTTP struct {
	client      *http.Client
	jar         *cookiejar.Jar
	lastURL     string
	lastBody    []byte
	downloadDir string
}

// NewHTTP creates the HTTP surface, optionally seeded with cookies from
// the browser surface (scoped to seedURL).
func NewHTTP(downloadDir string, seedURL string, seed []*http.Cookie) (*HTTP, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	h := &HTTP{
		jar:         jar,
		downloadDir: downloadDir,
		client: &http.Client{
			Jar:     jar,
			Timeout: HTTPTimeout,
		},
	}
	if seedURL != "" && len(seed) > 0 {
		if u, err := url.Parse(seedURL); err == nil {
			jar.SetCookies(u, seed)
		}
	}
	return h, nil
}

// LastURL returns the final URL of the most recent response.
func (h *HTTP) LastURL() string { return h.lastURL }

// LastBody returns the most recent response body, for http-mode extract.
func (h *HTTP) LastBody() []byte { return h.lastBody }

// Cookies returns the jar's cookies for the given URL, for handoff to the
// browser surface.
func (h *HTTP) Cookies(rawurl string) []*http.Cookie {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil
	}
	return h.jar.Cookies(u)
}

// Fetch issues the request. The method defaults to GET and a body is only
// sent for methods other than GET/HEAD. The response is persisted to the
// download directory when the step is flagged, the response carries an
// attachment disposition, or the URL looks like a document.
func (h *HTTP) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" && method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	defer resp.Body.Close()

	result := &FetchResult{
		Status:   resp.StatusCode,
		FinalURL: resp.Request.URL.String(),
	}
	h.lastURL = result.FinalURL

	disposition := resp.Header.Get("Content-Disposition")
	shouldSave := req.Download || IsAttachment(disposition) || LooksLikeDocument(result.FinalURL)

	if shouldSave {
		name := ResolveFilename(disposition, resp.Header.Get("Content-Type"), req.StepID)
		f, saved, err := CreateUnique(h.downloadDir, name)
		if err != nil {
			return nil, err
		}
		n, copyErr := io.Copy(f, resp.Body)
		closeErr := f.Close()
		if copyErr != nil {
			return nil, fmt.Errorf("save %s: %w", saved, copyErr)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close %s: %w", saved, closeErr)
		}
		result.Saved = saved
		result.SavedBytes = n
		h.lastBody = nil
		return result, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	result.Body = data
	h.lastBody = data
	return result, nil
}

// Close releases the surface. The underlying transport pools connections;
// closing idle ones frees them promptly when the runner switches surfaces.
func (h *HTTP) Close() {
	h.client.CloseIdleConnections()
}
