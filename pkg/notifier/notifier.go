// Package notifier contains the core domain types for the post notification service.
package notifier

import (
	"maps"
	"time"
)

// Target is one monitored account.
type Target struct {
	Username   string `yaml:"username"`    // Profile handle
	WebhookURL string `yaml:"webhook_url"` // Optional per-target endpoint override
}

// Post is the normalized latest post of a target.
type Post struct {
	PublishedAt *time.Time // Nil when the source did not expose a timestamp
	Target      string
	ID          string // Shortcode, the only change-detection key
	URL         string // Canonical post URL
	Caption     string
	DisplayName string
	MediaURL    string // Empty when no image could be recovered
	IsVideo     bool
}

// Entry is the persisted marker for one target.
type Entry struct {
	UpdatedAt      time.Time `json:"updated_at"`
	LastSeenPostID string    `json:"last_seen_post_id"`
}

// State maps target username to its last seen post.
type State map[string]Entry

// Lookup returns the last seen post id for a target.
func (s State) Lookup(target string) (string, bool) {
	e, ok := s[target]
	if !ok {
		return "", false
	}
	return e.LastSeenPostID, true
}

// With returns a copy of the state with the target advanced to postID.
// The receiver is never modified.
func (s State) With(target, postID string, now time.Time) State {
	next := make(State, len(s)+1)
	maps.Copy(next, s)
	next[target] = Entry{LastSeenPostID: postID, UpdatedAt: now}
	return next
}

// Message is the payload handed to a webhook provider.
type Message struct {
	Timestamp time.Time
	Title     string
	URL       string
	Caption   string
	ImageURL  string
	Author    string
	AuthorURL string
}
