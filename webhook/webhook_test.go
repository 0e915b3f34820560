package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"insta-notifier/pkg/notifier"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2025, 7, 4, 10, 0, 0, 0, time.UTC)
	published := time.Date(2025, 7, 3, 18, 15, 0, 0, time.UTC)

	tests := []struct {
		name string
		post *notifier.Post
		max  int
		want notifier.Message
	}{
		{
			name: "complete post",
			post: &notifier.Post{
				Target:      "acme",
				ID:          "POST_A",
				URL:         "https://www.instagram.com/p/POST_A/",
				Caption:     "Launch day <b>today</b> & more",
				PublishedAt: &published,
				DisplayName: "Acme Corp",
				MediaURL:    "https://cdn.example/a.jpg",
			},
			max: 300,
			want: notifier.Message{
				Title:     "New post from Acme Corp",
				URL:       "https://www.instagram.com/p/POST_A/",
				Caption:   "Launch day today & more",
				ImageURL:  "https://cdn.example/a.jpg",
				Timestamp: published,
				Author:    "Acme Corp",
				AuthorURL: "https://www.instagram.com/acme/",
			},
		},
		{
			name: "missing optional fields",
			post: &notifier.Post{
				Target: "acme",
				ID:     "POST_B",
				URL:    "https://www.instagram.com/p/POST_B/",
			},
			max: 300,
			want: notifier.Message{
				Title:     "New post from @acme",
				URL:       "https://www.instagram.com/p/POST_B/",
				Timestamp: now,
				Author:    "@acme",
				AuthorURL: "https://www.instagram.com/acme/",
			},
		},
		{
			name: "video",
			post: &notifier.Post{Target: "acme", ID: "V", URL: "u", DisplayName: "Acme", IsVideo: true},
			max:  300,
			want: notifier.Message{
				Title:     "New video from Acme",
				URL:       "u",
				Timestamp: now,
				Author:    "Acme",
				AuthorURL: "https://www.instagram.com/acme/",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildMessage(tt.post, tt.max, now)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("BuildMessage() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int
		want  string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"cut", "hello world", 8, "hello w…"},
		{"trailing space trimmed", "hello world", 7, "hello…"},
		{"multibyte", "日本語のキャプション", 4, "日本語…"},
		{"emoji", "🎉🎉🎉🎉🎉", 3, "🎉🎉…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.limit)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.limit, got, tt.want)
			}
			if utf8.RuneCountInString(got) > tt.limit {
				t.Errorf("truncate() result has %d runes, limit %d", utf8.RuneCountInString(got), tt.limit)
			}
		})
	}
}

func TestTruncateDefaultLimit(t *testing.T) {
	got := truncate(strings.Repeat("a", 500), 0)
	if n := utf8.RuneCountInString(got); n != defaultCaptionMax {
		t.Errorf("default truncation length = %d, want %d", n, defaultCaptionMax)
	}
}

func TestHTTPProviderSend(t *testing.T) {
	var mu sync.Mutex
	var body map[string]any
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProvider(5*time.Second, testLogger())
	msg := notifier.Message{
		Title:     "New post from Acme",
		URL:       "https://www.instagram.com/p/X/",
		Caption:   "hi",
		ImageURL:  "https://cdn.example/x.jpg",
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Author:    "Acme",
		AuthorURL: "https://www.instagram.com/acme/",
	}
	if err := p.Send(context.Background(), srv.URL+"/hooks/secret", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	embeds, ok := body["embeds"].([]any)
	if !ok || len(embeds) != 1 {
		t.Fatalf("embeds = %v", body["embeds"])
	}
	e := embeds[0].(map[string]any)
	want := map[string]any{
		"title":       "New post from Acme",
		"url":         "https://www.instagram.com/p/X/",
		"description": "hi",
		"timestamp":   "2025-01-02T03:04:05Z",
		"color":       float64(embedColor),
		"author":      map[string]any{"name": "Acme", "url": "https://www.instagram.com/acme/"},
		"image":       map[string]any{"url": "https://cdn.example/x.jpg"},
	}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("embed mismatch (-want +got):\n%s", diff)
	}
}

func TestHTTPProviderNon2xx(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider(5*time.Second, testLogger())
	err := p.Send(context.Background(), srv.URL, notifier.Message{Title: "t"})
	if !IsNotifyError(err) {
		t.Fatalf("Send() error = %v, want NotifyError", err)
	}
	var ne *NotifyError
	errors.As(err, &ne)
	if ne.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", ne.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("webhook called %d times, want exactly 1 (no retry)", calls)
	}
}

type endpointRecorder struct {
	endpoints []string
}

func (r *endpointRecorder) Send(_ context.Context, endpoint string, _ notifier.Message) error {
	r.endpoints = append(r.endpoints, endpoint)
	return nil
}

func TestSenderUsesOverride(t *testing.T) {
	rec := &endpointRecorder{}
	s := New(rec, testLogger(), "https://default.example/hook", 300)
	post := &notifier.Post{Target: "acme", ID: "X"}

	_ = s.SendNotification(context.Background(), notifier.Target{Username: "acme"}, post)
	_ = s.SendNotification(context.Background(), notifier.Target{Username: "b", WebhookURL: "https://override.example/hook"}, post)

	want := []string{"https://default.example/hook", "https://override.example/hook"}
	if diff := cmp.Diff(want, rec.endpoints); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestSenderErrors(t *testing.T) {
	post := &notifier.Post{Target: "acme", ID: "X"}

	s := New(NewMockProvider(testLogger()), testLogger(), "", 300)
	if err := s.SendNotification(context.Background(), notifier.Target{Username: "acme"}, post); !IsNotifyError(err) {
		t.Errorf("no endpoint: error = %v, want NotifyError", err)
	}

	mock := NewMockProvider(testLogger())
	mock.Err = errors.New("connection refused")
	s = New(mock, testLogger(), "https://default.example/hook", 300)
	err := s.SendNotification(context.Background(), notifier.Target{Username: "acme"}, post)
	if !IsNotifyError(err) {
		t.Fatalf("provider failure: error = %v, want NotifyError", err)
	}
	if !errors.Is(err, mock.Err) {
		t.Errorf("NotifyError does not wrap provider error")
	}
	if strings.Contains(err.Error(), "/hook") {
		t.Errorf("error %q leaks webhook path", err.Error())
	}
}

func TestMockProviderKeepsRecentHistory(t *testing.T) {
	m := NewMockProvider(testLogger())
	for i := range mockHistory + 5 {
		if err := m.Send(context.Background(), "https://hooks.example/x", notifier.Message{Title: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	sent := m.Sent()
	if len(sent) != mockHistory {
		t.Fatalf("len(Sent()) = %d, want %d", len(sent), mockHistory)
	}
	if sent[0].Title != "5" || sent[len(sent)-1].Title != fmt.Sprint(mockHistory+4) {
		t.Errorf("history window = %q..%q", sent[0].Title, sent[len(sent)-1].Title)
	}
}
