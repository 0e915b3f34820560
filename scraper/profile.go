package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"insta-notifier/credentials"
	"insta-notifier/pkg/notifier"
	"net/url"
)

type profileResponse struct {
	Data struct {
		User *profileUser `json:"user"`
	} `json:"data"`
	Status string `json:"status"`
}

type profileUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Timeline struct {
		Count *int `json:"count"`
		Edges []struct {
			Node timelineNode `json:"node"`
		} `json:"edges"`
	} `json:"edge_owner_to_timeline_media"`
}

type timelineNode struct {
	Shortcode    string `json:"shortcode"`
	DisplayURL   string `json:"display_url"`
	ThumbnailSrc string `json:"thumbnail_src"`
	TakenAt      int64  `json:"taken_at_timestamp"`
	IsVideo      bool   `json:"is_video"`
	Caption      struct {
		Edges []struct {
			Node struct {
				Text string `json:"text"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"edge_media_to_caption"`
	Sidecar struct {
		Edges []struct {
			Node struct {
				DisplayURL string `json:"display_url"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"edge_sidecar_to_children"`
}

var errNoEdges = errors.New("profile returned no media edges")

type mobileProfile struct {
	up *upstream
}

func (s *mobileProfile) Name() string { return "mobile-profile" }

func (s *mobileProfile) Attempt(ctx context.Context, target notifier.Target, creds *credentials.Bundle, a *Attempt) (*notifier.Post, error) {
	u := joinURL(s.up.endpoints.MobileAPI, "/api/v1/users/web_profile_info/?username="+url.QueryEscape(target.Username))
	body, err := s.up.get(ctx, s.up.api, "mobile_profile", u, mobileHeaders(creds))
	if err != nil {
		return nil, err
	}
	return parseProfile(body, target, a)
}

// desktopProfile only runs when the mobile request itself failed; once any
// profile response parsed there is nothing new to learn from it.
type desktopProfile struct {
	up *upstream
}

func (s *desktopProfile) Name() string { return "desktop-profile" }

func (s *desktopProfile) Attempt(ctx context.Context, target notifier.Target, creds *credentials.Bundle, a *Attempt) (*notifier.Post, error) {
	if a.ProfileLoaded {
		return nil, fmt.Errorf("%w: profile already loaded", ErrSkipped)
	}
	u := joinURL(s.up.endpoints.DesktopAPI, "/api/v1/users/web_profile_info/?username="+url.QueryEscape(target.Username))
	body, err := s.up.get(ctx, s.up.api, "desktop_profile", u, desktopAPIHeaders(creds, target.Username))
	if err != nil {
		return nil, err
	}
	return parseProfile(body, target, a)
}

// parseProfile turns a profile body into a post, ErrEmpty, or a failure.
// A parsed profile always records the account id and display name on a.
func parseProfile(body []byte, target notifier.Target, a *Attempt) (*notifier.Post, error) {
	var resp profileResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	user := resp.Data.User
	if user == nil {
		return nil, fmt.Errorf("profile response without user (status=%q)", resp.Status)
	}

	a.ProfileLoaded = true
	a.UserID = user.ID
	a.DisplayName = firstNonEmpty(user.FullName, user.Username, a.DisplayName)

	for _, edge := range user.Timeline.Edges {
		if edge.Node.Shortcode == "" {
			continue
		}
		return postFromNode(target, edge.Node, a.DisplayName), nil
	}

	if user.Timeline.Count != nil && *user.Timeline.Count == 0 {
		return nil, ErrEmpty
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w and no account id", errNoEdges)
	}
	return nil, fmt.Errorf("%w (account id %s)", errNoEdges, user.ID)
}

func postFromNode(target notifier.Target, n timelineNode, displayName string) *notifier.Post {
	var caption string
	if len(n.Caption.Edges) > 0 {
		caption = n.Caption.Edges[0].Node.Text
	}

	media := n.DisplayURL
	if len(n.Sidecar.Edges) > 0 && n.Sidecar.Edges[0].Node.DisplayURL != "" {
		media = n.Sidecar.Edges[0].Node.DisplayURL
	}

	return &notifier.Post{
		Target:      target.Username,
		ID:          n.Shortcode,
		URL:         CanonicalURL(n.Shortcode),
		Caption:     caption,
		PublishedAt: unixTime(n.TakenAt),
		IsVideo:     n.IsVideo,
		DisplayName: firstNonEmpty(displayName, target.Username),
		MediaURL:    firstNonEmpty(media, n.ThumbnailSrc),
	}
}
