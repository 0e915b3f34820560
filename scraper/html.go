package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"insta-notifier/credentials"
	"insta-notifier/pkg/notifier"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// shortcodePatterns are tried in order against the raw profile markup.
var shortcodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`"shortcode"\s*:\s*"([A-Za-z0-9_-]{5,})"`),
	regexp.MustCompile(`href="/(?:[A-Za-z0-9._]+/)?(?:p|reel)/([A-Za-z0-9_-]{5,})/?`),
	regexp.MustCompile(`[?&](?:amp;)?shortcode=([A-Za-z0-9_-]{5,})`),
}

type oembedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// htmlScrape reads the public profile page over IPv4 and recovers the rest
// of the record from the public metadata endpoint.
type htmlScrape struct {
	up          *upstream
	snapshots   SnapshotSink
	maxSnapshot int
}

func (s *htmlScrape) Name() string { return "html-scrape" }

func (s *htmlScrape) Attempt(ctx context.Context, target notifier.Target, creds *credentials.Bundle, a *Attempt) (*notifier.Post, error) {
	u := joinURL(s.up.endpoints.Web, "/"+url.PathEscape(target.Username)+"/")
	body, err := s.up.get(ctx, s.up.web, "profile_page", u, documentHeaders(creds))
	if err != nil {
		return nil, err
	}

	id, pattern := FindShortcode(body)
	if id == "" {
		s.saveSnapshot(ctx, target.Username, body)
		return nil, fmt.Errorf("%w: no post identifier in %d bytes of profile markup", ErrNoUsableData, len(body))
	}
	s.up.logger.Info("Post identifier found in markup", "target", target.Username, "post_id", id, "pattern", pattern)

	post := &notifier.Post{
		Target:      target.Username,
		ID:          id,
		URL:         CanonicalURL(id),
		DisplayName: firstNonEmpty(a.DisplayName, pageDisplayName(body), target.Username),
	}

	meta, err := s.lookup(ctx, creds, post.URL)
	if err != nil {
		s.up.logger.Warn("Metadata lookup failed, returning partial post",
			"target", target.Username,
			"post_id", id,
			"error", err)
		return post, nil
	}
	post.Caption = meta.Title
	post.MediaURL = meta.ThumbnailURL
	post.DisplayName = firstNonEmpty(meta.AuthorName, post.DisplayName)
	return post, nil
}

func (s *htmlScrape) lookup(ctx context.Context, creds *credentials.Bundle, postURL string) (*oembedResponse, error) {
	u := joinURL(s.up.endpoints.OEmbed, "/api/v1/oembed/?url="+url.QueryEscape(postURL))
	body, err := s.up.get(ctx, s.up.web, "oembed", u, desktopAPIHeaders(creds, ""))
	if err != nil {
		return nil, err
	}
	var meta oembedResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode oembed: %w", err)
	}
	return &meta, nil
}

func (s *htmlScrape) saveSnapshot(ctx context.Context, target string, body []byte) {
	if s.maxSnapshot > 0 && len(body) > s.maxSnapshot {
		body = body[:s.maxSnapshot]
	}
	if err := s.snapshots.Save(ctx, target, body); err != nil {
		s.up.logger.Warn("Failed to save page snapshot", "target", target, "error", err)
	}
}

// FindShortcode returns the first post identifier found in markup and the
// index of the pattern that matched, or "" and -1.
func FindShortcode(markup []byte) (string, int) {
	for i, re := range shortcodePatterns {
		if m := re.FindSubmatch(markup); m != nil {
			return string(m[1]), i
		}
	}
	return "", -1
}

// pageDisplayName reads the name from og:title, which looks like
// "Name (@handle) • Instagram photos and videos".
func pageDisplayName(markup []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return ""
	}
	title, _ := doc.Find(`meta[property="og:title"]`).First().Attr("content")
	if idx := strings.Index(title, " (@"); idx > 0 {
		return strings.TrimSpace(title[:idx])
	}
	return ""
}
