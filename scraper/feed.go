package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"insta-notifier/credentials"
	"insta-notifier/pkg/notifier"
	"net/url"
)

type feedResponse struct {
	Items  []feedItem `json:"items"`
	Status string     `json:"status"`
}

type imageVersions struct {
	Candidates []struct {
		URL string `json:"url"`
	} `json:"candidates"`
}

type feedItem struct {
	Code    string `json:"code"`
	TakenAt int64  `json:"taken_at"`
	Caption *struct {
		Text string `json:"text"`
	} `json:"caption"`
	ImageVersions *imageVersions `json:"image_versions2"`
	Carousel      []struct {
		ImageVersions *imageVersions `json:"image_versions2"`
	} `json:"carousel_media"`
	ThumbnailURL string `json:"thumbnail_url"`
	User         struct {
		Username string `json:"username"`
		FullName string `json:"full_name"`
	} `json:"user"`
	MediaType int `json:"media_type"`
}

const mediaTypeVideo = 2

// userFeed queries the feed of the numeric account id found by a profile strategy.
type userFeed struct {
	up *upstream
}

func (s *userFeed) Name() string { return "user-feed" }

func (s *userFeed) Attempt(ctx context.Context, target notifier.Target, creds *credentials.Bundle, a *Attempt) (*notifier.Post, error) {
	if a.UserID == "" {
		return nil, fmt.Errorf("%w: no account id", ErrSkipped)
	}
	u := joinURL(s.up.endpoints.MobileAPI, "/api/v1/feed/user/"+url.PathEscape(a.UserID)+"/?count=1")
	body, err := s.up.get(ctx, s.up.api, "user_feed", u, mobileHeaders(creds))
	if err != nil {
		return nil, err
	}

	var resp feedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	if resp.Items == nil && resp.Status != "ok" {
		return nil, fmt.Errorf("feed response without items (status=%q)", resp.Status)
	}
	if len(resp.Items) == 0 {
		return nil, ErrEmpty
	}

	item := resp.Items[0]
	if item.Code == "" {
		return nil, fmt.Errorf("%w: feed item without code", ErrNoUsableData)
	}

	var caption string
	if item.Caption != nil {
		caption = item.Caption.Text
	}

	return &notifier.Post{
		Target:      target.Username,
		ID:          item.Code,
		URL:         CanonicalURL(item.Code),
		Caption:     caption,
		PublishedAt: unixTime(item.TakenAt),
		IsVideo:     item.MediaType == mediaTypeVideo,
		DisplayName: firstNonEmpty(item.User.FullName, a.DisplayName, item.User.Username, target.Username),
		MediaURL:    item.imageURL(),
	}, nil
}

// imageURL prefers the item's own candidates, then the first carousel
// child, then the thumbnail.
func (it feedItem) imageURL() string {
	if u := it.ImageVersions.first(); u != "" {
		return u
	}
	if len(it.Carousel) > 0 {
		if u := it.Carousel[0].ImageVersions.first(); u != "" {
			return u
		}
	}
	return it.ThumbnailURL
}

func (iv *imageVersions) first() string {
	if iv == nil || len(iv.Candidates) == 0 {
		return ""
	}
	return iv.Candidates[0].URL
}
