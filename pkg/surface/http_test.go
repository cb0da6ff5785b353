package surface

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestFetchNormalizesMethod(t *testing.T) {
	var gotMethod string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotBody = make([]byte, r.ContentLength)
		r.Body.Read(gotBody)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h, err := NewHTTP(t.TempDir(), "", nil)
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	defer h.Close()

	// Empty method defaults to GET and the body is dropped.
	res, err := h.Fetch(context.Background(), FetchRequest{URL: srv.URL, Body: "ignored"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("method = %q, want GET", gotMethod)
	}
	if string(res.Body) != "ok" {
		t.Errorf("body = %q", res.Body)
	}

	// Lower-case post is normalized and carries the body.
	_, err = h.Fetch(context.Background(), FetchRequest{URL: srv.URL, Method: "post", Body: `{"a":1}`})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if string(gotBody) != `{"a":1}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestFetchTracksFinalURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/landed", http.StatusFound)
			return
		}
		w.Write([]byte("done"))
	}))
	defer srv.Close()

	h, _ := NewHTTP(t.TempDir(), "", nil)
	defer h.Close()

	res, err := h.Fetch(context.Background(), FetchRequest{URL: srv.URL + "/start"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.HasSuffix(res.FinalURL, "/landed") {
		t.Errorf("final url = %q", res.FinalURL)
	}
	if h.LastURL() != res.FinalURL {
		t.Errorf("LastURL = %q, want %q", h.LastURL(), res.FinalURL)
	}
}

func TestFetchSavesAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''report%20Q1.pdf`)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	h, _ := NewHTTP(dir, "", nil)
	defer h.Close()

	res, err := h.Fetch(context.Background(), FetchRequest{URL: srv.URL, StepID: "s7"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Saved == "" {
		t.Fatal("attachment was not saved")
	}
	if !strings.HasSuffix(res.Saved, "report Q1.pdf") {
		t.Errorf("saved path = %q", res.Saved)
	}
	data, err := os.ReadFile(res.Saved)
	if err != nil {
		t.Fatalf("read saved: %v", err)
	}
	if string(data) != "%PDF-1.4 fake" {
		t.Errorf("saved contents = %q", data)
	}
}

func TestFetchDownloadFlagForcesSave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("a,b\n1,2\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	h, _ := NewHTTP(dir, "", nil)
	defer h.Close()

	res, err := h.Fetch(context.Background(), FetchRequest{URL: srv.URL, StepID: "s3", Download: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.HasSuffix(res.Saved, "s3.csv") {
		t.Errorf("saved path = %q, want s3.csv name", res.Saved)
	}
}

func TestFetchKeepsCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc123", Path: "/"})
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h, _ := NewHTTP(t.TempDir(), "", nil)
	defer h.Close()

	if _, err := h.Fetch(context.Background(), FetchRequest{URL: srv.URL + "/set"}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	cookies := h.Cookies(srv.URL)
	if len(cookies) != 1 || cookies[0].Name != "sid" {
		t.Errorf("cookies = %v", cookies)
	}
}
