// Package webhook delivers new-post notifications to webhook endpoints.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"insta-notifier/pkg/notifier"
	"log/slog"
	"time"
)

// Provider delivers one rendered message to an endpoint.
type Provider interface {
	Send(ctx context.Context, endpoint string, msg notifier.Message) error
}

// NotifyError indicates a notification was not delivered.
type NotifyError struct {
	Err        error
	Endpoint   string
	StatusCode int // Zero when no response was received
}

func (e *NotifyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("notify %s: HTTP %d", redact(e.Endpoint), e.StatusCode)
	}
	return fmt.Sprintf("notify %s: %v", redact(e.Endpoint), e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// IsNotifyError checks if an error is a NotifyError.
func IsNotifyError(err error) bool {
	var ne *NotifyError
	return errors.As(err, &ne)
}

// Sender renders posts and hands them to a provider.
type Sender struct {
	provider   Provider
	logger     *slog.Logger
	now        func() time.Time
	defaultURL string // Used when a target has no override
	captionMax int
}

// New creates a sender.
func New(provider Provider, logger *slog.Logger, defaultURL string, captionMax int) *Sender {
	return &Sender{
		provider:   provider,
		logger:     logger,
		now:        time.Now,
		defaultURL: defaultURL,
		captionMax: captionMax,
	}
}

// SendNotification delivers one post. It never retries; any failure is a *NotifyError.
func (s *Sender) SendNotification(ctx context.Context, target notifier.Target, post *notifier.Post) error {
	endpoint := target.WebhookURL
	if endpoint == "" {
		endpoint = s.defaultURL
	}
	if endpoint == "" {
		return &NotifyError{Err: errors.New("no webhook endpoint configured")}
	}

	msg := BuildMessage(post, s.captionMax, s.now())

	s.logger.Info("Sending notification",
		"target", target.Username,
		"post_id", post.ID,
		"endpoint", redact(endpoint))

	if err := s.provider.Send(ctx, endpoint, msg); err != nil {
		if IsNotifyError(err) {
			return err
		}
		return &NotifyError{Endpoint: endpoint, Err: err}
	}
	return nil
}
