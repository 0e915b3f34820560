package webhook

import (
	"html"
	"insta-notifier/pkg/notifier"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	defaultCaptionMax = 300
	ellipsis          = "…"
)

var strict = bluemonday.StrictPolicy()

// BuildMessage renders a post into a message. Missing optional fields are
// left empty; the timestamp falls back to now.
func BuildMessage(post *notifier.Post, captionMax int, now time.Time) notifier.Message {
	name := plainText(post.DisplayName)
	if name == "" {
		name = "@" + post.Target
	}

	ts := now.UTC()
	if post.PublishedAt != nil && !post.PublishedAt.IsZero() {
		ts = post.PublishedAt.UTC()
	}

	title := "New post from " + name
	if post.IsVideo {
		title = "New video from " + name
	}

	return notifier.Message{
		Title:     title,
		URL:       post.URL,
		Caption:   truncate(plainText(post.Caption), captionMax),
		ImageURL:  post.MediaURL,
		Timestamp: ts,
		Author:    name,
		AuthorURL: "https://www.instagram.com/" + url.PathEscape(post.Target) + "/",
	}
}

// plainText strips any markup and decodes entities.
func plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

// truncate shortens s to at most limit runes, ending in an ellipsis when cut.
func truncate(s string, limit int) string {
	if limit <= 0 {
		limit = defaultCaptionMax
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:limit-1]), isSpace) + ellipsis
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}
