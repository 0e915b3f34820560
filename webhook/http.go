package webhook

import (
	"context"
	"fmt"
	"insta-notifier/pkg/notifier"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

const embedColor = 0xE1306C

type payload struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Author      *embedAuthor `json:"author,omitempty"`
	Image       *embedImage  `json:"image,omitempty"`
	Title       string       `json:"title"`
	URL         string       `json:"url"`
	Description string       `json:"description,omitempty"`
	Timestamp   string       `json:"timestamp"`
	Color       int          `json:"color"`
}

type embedAuthor struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

// HTTPProvider posts an embed-style JSON document to the endpoint.
type HTTPProvider struct {
	client *resty.Client
	logger *slog.Logger
}

// NewHTTPProvider creates a provider with the given per-request timeout.
func NewHTTPProvider(timeout time.Duration, logger *slog.Logger) *HTTPProvider {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetHeader("User-Agent", "insta-notifier/1.0")
	return &HTTPProvider{client: client, logger: logger}
}

// Send posts msg once.
func (p *HTTPProvider) Send(ctx context.Context, endpoint string, msg notifier.Message) error {
	e := embed{
		Title:       msg.Title,
		URL:         msg.URL,
		Description: msg.Caption,
		Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339),
		Color:       embedColor,
	}
	if msg.Author != "" {
		e.Author = &embedAuthor{Name: msg.Author, URL: msg.AuthorURL}
	}
	if msg.ImageURL != "" {
		e.Image = &embedImage{URL: msg.ImageURL}
	}

	p.logger.Debug("HTTP request starting", "method", "POST", "url", redact(endpoint))

	startTime := time.Now()
	res, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload{Embeds: []embed{e}}).
		Post(endpoint)
	duration := time.Since(startTime)
	if err != nil {
		return &NotifyError{Endpoint: endpoint, Err: fmt.Errorf("post webhook: %w", err)}
	}

	p.logger.Info("HTTP request completed",
		"url", redact(endpoint),
		"status_code", res.StatusCode(),
		"duration_ms", duration.Milliseconds())

	if res.StatusCode() < 200 || res.StatusCode() > 299 {
		return &NotifyError{
			Endpoint:   endpoint,
			StatusCode: res.StatusCode(),
			Err:        fmt.Errorf("unexpected status: %s", res.Status()),
		}
	}
	return nil
}

// redact drops the path of a webhook URL, which usually embeds a secret token.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "[invalid url]"
	}
	return u.Scheme + "://" + u.Host + "/…"
}
