// Package scraper retrieves the latest post of a profile through an ordered
// chain of retrieval strategies.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"insta-notifier/credentials"
	"insta-notifier/metrics"
	"insta-notifier/pkg/notifier"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrEmpty is returned by a strategy that saw a well-formed profile with no posts.
	ErrEmpty = errors.New("profile has no posts")
	// ErrSkipped is returned by a strategy whose preconditions were not met.
	ErrSkipped = errors.New("strategy not applicable")
	// ErrNoUsableData is returned when a response parsed but held no post identifier.
	ErrNoUsableData = errors.New("no usable data")
)

// Strategy is one self-contained retrieval method.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, target notifier.Target, creds *credentials.Bundle, a *Attempt) (*notifier.Post, error)
}

// Attempt carries what earlier strategies learned during one FetchLatest call.
type Attempt struct {
	UserID        string // Numeric account id from a profile response
	DisplayName   string
	ProfileLoaded bool // A well-formed profile response was seen
}

// StrategyFailure records why one strategy produced nothing.
type StrategyFailure struct {
	Err      error
	Strategy string
}

// FetchError indicates every strategy was exhausted.
type FetchError struct {
	Target   string
	Failures []StrategyFailure
}

func (e *FetchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Strategy, f.Err))
	}
	return fmt.Sprintf("fetch %s: all strategies failed (%s)", e.Target, strings.Join(parts, "; "))
}

// Unwrap exposes the individual strategy errors.
func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IsFetchError checks if an error is a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// HTTPStatusError indicates a non-2xx upstream response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Scraper runs the strategy chain.
type Scraper struct {
	logger     *slog.Logger
	metrics    metrics.Recorder
	strategies []Strategy
}

// New creates a scraper with the default strategy order:
// mobile profile, desktop profile, user feed, HTML scrape.
func New(cfg Config, snapshots SnapshotSink, rec metrics.Recorder, logger *slog.Logger) (*Scraper, error) {
	up, err := newUpstream(cfg, logger)
	if err != nil {
		return nil, err
	}
	if snapshots == nil {
		snapshots = NopSnapshots{}
	}
	return NewWithStrategies(rec, logger,
		&mobileProfile{up: up},
		&desktopProfile{up: up},
		&userFeed{up: up},
		&htmlScrape{up: up, snapshots: snapshots, maxSnapshot: cfg.SnapshotMaxBytes},
	), nil
}

// NewWithStrategies creates a scraper running the given strategies in order.
func NewWithStrategies(rec metrics.Recorder, logger *slog.Logger, strategies ...Strategy) *Scraper {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Scraper{
		logger:     logger,
		metrics:    rec,
		strategies: strategies,
	}
}

// FetchLatest returns the newest post of target. A nil post with a nil
// error means the profile was confirmed to have no posts. A *FetchError is
// returned when no strategy produced a post or a confirmed-empty result.
func (s *Scraper) FetchLatest(ctx context.Context, target notifier.Target, creds *credentials.Bundle) (*notifier.Post, error) {
	var a Attempt
	fe := &FetchError{Target: target.Username}

	for _, st := range s.strategies {
		if err := ctx.Err(); err != nil {
			fe.Failures = append(fe.Failures, StrategyFailure{Strategy: st.Name(), Err: err})
			break
		}

		start := time.Now()
		post, err := st.Attempt(ctx, target, creds, &a)
		duration := time.Since(start)

		switch {
		case err == nil && post != nil:
			s.metrics.RecordStrategy(st.Name(), "success", duration)
			s.logger.Info("Strategy produced post",
				"target", target.Username,
				"strategy", st.Name(),
				"post_id", post.ID,
				"duration_ms", duration.Milliseconds())
			return post, nil

		case errors.Is(err, ErrEmpty):
			s.metrics.RecordStrategy(st.Name(), "empty", duration)
			s.logger.Info("Profile confirmed empty",
				"target", target.Username,
				"strategy", st.Name())
			return nil, nil

		case errors.Is(err, ErrSkipped):
			s.metrics.RecordStrategy(st.Name(), "skipped", duration)
			s.logger.Debug("Strategy skipped", "target", target.Username, "strategy", st.Name(), "reason", err)
			continue
		}

		if err == nil {
			err = ErrNoUsableData
		}
		s.metrics.RecordStrategy(st.Name(), "failure", duration)
		s.logger.Warn("Strategy failed",
			"target", target.Username,
			"strategy", st.Name(),
			"duration_ms", duration.Milliseconds(),
			"error", err)
		fe.Failures = append(fe.Failures, StrategyFailure{Strategy: st.Name(), Err: err})
	}

	return nil, fe
}

// CanonicalURL returns the public URL of a post.
func CanonicalURL(postID string) string {
	return "https://www.instagram.com/p/" + postID + "/"
}

// ProfileURL returns the public URL of a profile.
func ProfileURL(username string) string {
	return "https://www.instagram.com/" + username + "/"
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
