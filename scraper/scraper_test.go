package scraper

import (
	"context"
	"errors"
	"fmt"
	"insta-notifier/credentials"
	"insta-notifier/metrics"
	"insta-notifier/pkg/notifier"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const carouselProfile = `{
  "data": {"user": {
    "id": "1067259270",
    "username": "natgeo",
    "full_name": "National Geographic",
    "edge_owner_to_timeline_media": {
      "count": 30000,
      "edges": [{"node": {
        "shortcode": "C0abcDEF123",
        "display_url": "https://cdn.example/cover.jpg",
        "taken_at_timestamp": 1700000000,
        "is_video": false,
        "edge_media_to_caption": {"edges": [{"node": {"text": "Into the canyon"}}]},
        "edge_sidecar_to_children": {"edges": [
          {"node": {"display_url": "https://cdn.example/first.jpg"}},
          {"node": {"display_url": "https://cdn.example/second.jpg"}}
        ]}
      }}]
    }
  }},
  "status": "ok"
}`

type recordingSnapshots struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (r *recordingSnapshots) Save(_ context.Context, target string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = make(map[string][]byte)
	}
	r.saved[target] = append([]byte(nil), body...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCreds(t *testing.T) *credentials.Bundle {
	t.Helper()
	b, err := credentials.Resolve(credentials.Sources{RawCookie: "sessionid=abc123; csrftoken=tok"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return b
}

func failing(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "nope", http.StatusInternalServerError)
}

// upstreams starts one server per endpoint role; nil handlers fail with 500.
func upstreams(t *testing.T, mobile, desktop, web, oembed http.HandlerFunc) Endpoints {
	t.Helper()
	start := func(h http.HandlerFunc) string {
		if h == nil {
			h = failing
		}
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)
		return srv.URL
	}
	return Endpoints{
		MobileAPI:  start(mobile),
		DesktopAPI: start(desktop),
		Web:        start(web),
		OEmbed:     start(oembed),
	}
}

func newTestScraper(t *testing.T, eps Endpoints, snaps SnapshotSink) *Scraper {
	t.Helper()
	s, err := New(Config{Endpoints: eps, Timeout: 5 * time.Second, SnapshotMaxBytes: 64}, snaps, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestFetchLatestMobileProfile(t *testing.T) {
	var mu sync.Mutex
	var got http.Header
	mobile := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Header.Clone()
		mu.Unlock()
		if r.URL.Query().Get("username") != "natgeo" {
			t.Errorf("username query = %q", r.URL.Query().Get("username"))
		}
		fmt.Fprint(w, carouselProfile)
	}
	var desktopCalls atomic.Int32
	desktop := func(w http.ResponseWriter, r *http.Request) {
		desktopCalls.Add(1)
		failing(w, r)
	}

	s := newTestScraper(t, upstreams(t, mobile, desktop, nil, nil), nil)
	post, err := s.FetchLatest(context.Background(), notifier.Target{Username: "natgeo"}, testCreds(t))
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}

	published := time.Unix(1700000000, 0).UTC()
	want := &notifier.Post{
		Target:      "natgeo",
		ID:          "C0abcDEF123",
		URL:         "https://www.instagram.com/p/C0abcDEF123/",
		Caption:     "Into the canyon",
		PublishedAt: &published,
		DisplayName: "National Geographic",
		MediaURL:    "https://cdn.example/first.jpg",
	}
	if diff := cmp.Diff(want, post); diff != "" {
		t.Errorf("post mismatch (-want +got):\n%s", diff)
	}
	mu.Lock()
	defer mu.Unlock()
	if c := got.Get("Cookie"); c != "sessionid=abc123; csrftoken=tok" {
		t.Errorf("Cookie header = %q", c)
	}
	if id := got.Get("X-IG-App-ID"); id != appID {
		t.Errorf("X-IG-App-ID = %q", id)
	}
	if tok := got.Get("X-CSRFToken"); tok != "tok" {
		t.Errorf("X-CSRFToken = %q", tok)
	}
	if desktopCalls.Load() != 0 {
		t.Errorf("desktop strategy called %d times after mobile success", desktopCalls.Load())
	}
}

func TestFetchLatestFallsBackToDesktop(t *testing.T) {
	desktop := func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
			t.Errorf("desktop request missing X-Requested-With")
		}
		fmt.Fprint(w, carouselProfile)
	}

	s := newTestScraper(t, upstreams(t, nil, desktop, nil, nil), nil)
	post, err := s.FetchLatest(context.Background(), notifier.Target{Username: "natgeo"}, testCreds(t))
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if post == nil || post.ID != "C0abcDEF123" {
		t.Fatalf("post = %+v, want C0abcDEF123", post)
	}
}

type strategyOutcome struct {
	Strategy string
	Outcome  string
}

type recordingMetrics struct {
	metrics.Nop
	mu       sync.Mutex
	outcomes []strategyOutcome
}

func (r *recordingMetrics) RecordStrategy(strategy, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, strategyOutcome{strategy, outcome})
}

func TestFetchLatestTimeoutFallsThrough(t *testing.T) {
	release := make(chan struct{})
	mobile := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		case <-time.After(3 * time.Second):
		}
	}
	desktop := func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, carouselProfile)
	}
	eps := upstreams(t, mobile, desktop, nil, nil)
	t.Cleanup(func() { close(release) })

	rec := &recordingMetrics{}
	s, err := New(Config{Endpoints: eps, Timeout: 300 * time.Millisecond}, nil, rec, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	post, err := s.FetchLatest(context.Background(), notifier.Target{Username: "natgeo"}, testCreds(t))
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if post == nil || post.ID != "C0abcDEF123" {
		t.Fatalf("post = %+v, want C0abcDEF123", post)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("FetchLatest took %v, mobile request was not cut off by the timeout", elapsed)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []strategyOutcome{
		{"mobile-profile", "failure"},
		{"desktop-profile", "success"},
	}
	if diff := cmp.Diff(want, rec.outcomes); diff != "" {
		t.Errorf("strategy outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchLatestConfirmedEmpty(t *testing.T) {
	var otherCalls atomic.Int32
	other := func(w http.ResponseWriter, r *http.Request) {
		otherCalls.Add(1)
		failing(w, r)
	}
	mobile := func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"user":{"id":"7","username":"quiet","edge_owner_to_timeline_media":{"count":0,"edges":[]}}},"status":"ok"}`)
	}

	s := newTestScraper(t, upstreams(t, mobile, other, other, other), nil)
	post, err := s.FetchLatest(context.Background(), notifier.Target{Username: "quiet"}, testCreds(t))
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if post != nil {
		t.Errorf("post = %+v, want nil for empty profile", post)
	}
	if otherCalls.Load() != 0 {
		t.Errorf("later strategies made %d requests after empty result", otherCalls.Load())
	}
}

func TestFetchLatestUsesFeedWithAccountID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users/web_profile_info/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"user":{"id":"4242","username":"private","full_name":"Private Person","edge_owner_to_timeline_media":{"edges":[]}}},"status":"ok"}`)
	})
	mux.HandleFunc("/api/v1/feed/user/4242/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("count") != "1" {
			t.Errorf("count = %q", r.URL.Query().Get("count"))
		}
		fmt.Fprint(w, `{"items":[{"code":"FEEDxyz99","taken_at":1710000000,"media_type":2,
			"caption":{"text":"clip"},
			"carousel_media":[{"image_versions2":{"candidates":[{"url":"https://cdn.example/c0.jpg"}]}}],
			"user":{"username":"private","full_name":""}}],"status":"ok"}`)
	})
	var desktopCalls atomic.Int32
	desktop := func(w http.ResponseWriter, r *http.Request) {
		desktopCalls.Add(1)
		failing(w, r)
	}

	s := newTestScraper(t, upstreams(t, mux.ServeHTTP, desktop, nil, nil), nil)
	post, err := s.FetchLatest(context.Background(), notifier.Target{Username: "private"}, testCreds(t))
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}

	published := time.Unix(1710000000, 0).UTC()
	want := &notifier.Post{
		Target:      "private",
		ID:          "FEEDxyz99",
		URL:         "https://www.instagram.com/p/FEEDxyz99/",
		Caption:     "clip",
		PublishedAt: &published,
		IsVideo:     true,
		DisplayName: "Private Person",
		MediaURL:    "https://cdn.example/c0.jpg",
	}
	if diff := cmp.Diff(want, post); diff != "" {
		t.Errorf("post mismatch (-want +got):\n%s", diff)
	}
	if desktopCalls.Load() != 0 {
		t.Errorf("desktop profile requested after mobile profile parsed")
	}
}

func TestFetchLatestAllStrategiesFail(t *testing.T) {
	s := newTestScraper(t, upstreams(t, nil, nil, nil, nil), nil)
	post, err := s.FetchLatest(context.Background(), notifier.Target{Username: "gone"}, testCreds(t))
	if post != nil {
		t.Errorf("post = %+v, want nil", post)
	}
	if !IsFetchError(err) {
		t.Fatalf("err = %v, want FetchError", err)
	}

	var fe *FetchError
	errors.As(err, &fe)
	var names []string
	for _, f := range fe.Failures {
		names = append(names, f.Strategy)
	}
	want := []string{"mobile-profile", "desktop-profile", "html-scrape"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("failed strategies mismatch (-want +got):\n%s", diff)
	}

	var hse *HTTPStatusError
	if !errors.As(err, &hse) || hse.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected wrapped HTTP 500, got %v", err)
	}
}

const profilePage = `<!DOCTYPE html><html><head>
<meta property="og:title" content="Jane Doe (@janedoe) &#8226; Instagram photos and videos">
</head><body><a href="/p/BxYz_12-ab/">latest</a></body></html>`

func TestHTMLScrapePartialWhenLookupFails(t *testing.T) {
	web := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/janedoe/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Sec-Fetch-Mode") != "navigate" {
			t.Errorf("missing navigation headers")
		}
		fmt.Fprint(w, profilePage)
	}

	s := newTestScraper(t, upstreams(t, nil, nil, web, nil), nil)
	post, err := s.FetchLatest(context.Background(), notifier.Target{Username: "janedoe"}, testCreds(t))
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	want := &notifier.Post{
		Target:      "janedoe",
		ID:          "BxYz_12-ab",
		URL:         "https://www.instagram.com/p/BxYz_12-ab/",
		DisplayName: "Jane Doe",
	}
	if diff := cmp.Diff(want, post); diff != "" {
		t.Errorf("post mismatch (-want +got):\n%s", diff)
	}
}

func TestHTMLScrapeWithLookup(t *testing.T) {
	web := func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, profilePage) }
	oembed := func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("url"); got != "https://www.instagram.com/p/BxYz_12-ab/" {
			t.Errorf("oembed url = %q", got)
		}
		fmt.Fprint(w, `{"title":"Sunset hike","author_name":"janedoe","thumbnail_url":"https://cdn.example/t.jpg"}`)
	}

	s := newTestScraper(t, upstreams(t, nil, nil, web, oembed), nil)
	post, err := s.FetchLatest(context.Background(), notifier.Target{Username: "janedoe"}, testCreds(t))
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if post.Caption != "Sunset hike" || post.MediaURL != "https://cdn.example/t.jpg" {
		t.Errorf("post = %+v, want caption and thumbnail from lookup", post)
	}
}

func TestHTMLScrapeSnapshotWhenNoIdentifier(t *testing.T) {
	page := "<html><body>" + strings.Repeat("x", 200) + "</body></html>"
	web := func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, page) }
	snaps := &recordingSnapshots{}

	s := newTestScraper(t, upstreams(t, nil, nil, web, nil), snaps)
	_, err := s.FetchLatest(context.Background(), notifier.Target{Username: "blocked"}, testCreds(t))
	if !IsFetchError(err) {
		t.Fatalf("err = %v, want FetchError", err)
	}
	if !errors.Is(err, ErrNoUsableData) {
		t.Errorf("err = %v, want ErrNoUsableData in chain", err)
	}

	got, ok := snaps.saved["blocked"]
	if !ok {
		t.Fatal("no snapshot saved")
	}
	if len(got) != 64 {
		t.Errorf("snapshot length = %d, want 64 (bounded)", len(got))
	}
}

func TestFetchLatestStopsOnCancelledContext(t *testing.T) {
	var calls atomic.Int32
	count := func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		failing(w, r)
	}
	s := newTestScraper(t, upstreams(t, count, count, count, count), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.FetchLatest(ctx, notifier.Target{Username: "x"}, testCreds(t))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls.Load() != 0 {
		t.Errorf("made %d requests with cancelled context", calls.Load())
	}
}

func TestFindShortcode(t *testing.T) {
	tests := []struct {
		name        string
		markup      string
		wantID      string
		wantPattern int
	}{
		{"embedded json", `{"node":{"shortcode": "Abc_123-x"}}`, "Abc_123-x", 0},
		{"post link", `<a href="/p/LinkID99/">`, "LinkID99", 1},
		{"reel link", `<a href="/reel/ReelID77/">`, "ReelID77", 1},
		{"owner-prefixed link", `<a href="/someone/p/Owned1234/">`, "Owned1234", 1},
		{"query parameter", `<img src="/embed?foo=1&amp;shortcode=QueryID55">`, "QueryID55", 2},
		{"json wins over link", `<a href="/p/Second111/"> {"shortcode":"First0000"}`, "First0000", 0},
		{"nothing", `<html>login required</html>`, "", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, pattern := FindShortcode([]byte(tt.markup))
			if id != tt.wantID || pattern != tt.wantPattern {
				t.Errorf("FindShortcode() = (%q, %d), want (%q, %d)", id, pattern, tt.wantID, tt.wantPattern)
			}
		})
	}
}

func TestPageDisplayName(t *testing.T) {
	if got := pageDisplayName([]byte(profilePage)); got != "Jane Doe" {
		t.Errorf("pageDisplayName() = %q, want %q", got, "Jane Doe")
	}
	if got := pageDisplayName([]byte(`<meta property="og:title" content="Instagram">`)); got != "" {
		t.Errorf("pageDisplayName() = %q, want empty", got)
	}
}

func TestIPv4DialContextLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	client := &http.Client{Transport: newIPv4Transport(), Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET over IPv4 transport: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
}

func TestLocalSnapshotsPrune(t *testing.T) {
	dir := t.TempDir()
	snaps := NewLocalSnapshots(dir, 2, testLogger())
	for i := range 4 {
		if err := snaps.Save(context.Background(), "some/user", []byte(fmt.Sprintf("page %d", i))); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(entries))
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "some_user-") {
			t.Errorf("unexpected snapshot name %q", e.Name())
		}
	}
	last, err := os.ReadFile(filepath.Join(dir, entries[1].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(last) != "page 3" {
		t.Errorf("newest snapshot = %q, want %q", last, "page 3")
	}
}

// TestFetchLatestLive is an integration test against the real service.
func TestFetchLatestLive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	session := os.Getenv("IG_SESSIONID")
	if session == "" {
		t.Skip("IG_SESSIONID not set")
	}

	creds, err := credentials.Resolve(credentials.Sources{SessionID: session})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	s, err := New(Config{Timeout: 30 * time.Second}, nil, nil, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	post, err := s.FetchLatest(context.Background(), notifier.Target{Username: "instagram"}, creds)
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if post == nil {
		t.Fatal("expected a post for a public account")
	}
	t.Logf("Latest post %s by %s: %s", post.ID, post.DisplayName, post.URL)
}
