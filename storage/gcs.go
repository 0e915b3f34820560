package storage

import (
	"context"
	"errors"
	"fmt"
	"insta-notifier/pkg/notifier"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// GCS stores state as a single object in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	object string
}

// NewGCS creates a bucket-backed store.
func NewGCS(client *storage.Client, bucket, object string, logger *slog.Logger) *GCS {
	if object == "" {
		object = "state.json"
	}
	return &GCS{client: client, bucket: bucket, object: object, logger: logger}
}

// Load reads the state object. A missing or corrupt object yields an empty state.
func (g *GCS) Load(ctx context.Context) (notifier.State, error) {
	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying state load after error", "attempt", n, "object", g.object, "error", retryErr)
		}),
	)
	if err != nil {
		if missing {
			g.logger.Info("No state object, starting cold", "bucket", g.bucket, "object", g.object)
			return notifier.State{}, nil
		}
		return notifier.State{}, &StateIOError{Op: "load", Backend: "gcs", Err: fmt.Errorf("load after retries: %w", err)}
	}

	state, err := Decode(data)
	if err != nil {
		g.logger.Warn("State object is corrupt, starting with empty state", "bucket", g.bucket, "object", g.object, "error", err)
		return notifier.State{}, nil
	}
	g.logger.Info("State loaded", "bucket", g.bucket, "object", g.object, "targets", len(state))
	return state, nil
}

// Save overwrites the state object.
func (g *GCS) Save(ctx context.Context, state notifier.State) error {
	data, err := Encode(state)
	if err != nil {
		return &StateIOError{Op: "save", Backend: "gcs", Err: err}
	}

	err = retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(g.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying state save after error", "attempt", n, "object", g.object, "error", retryErr)
		}),
	)
	if err != nil {
		return &StateIOError{Op: "save", Backend: "gcs", Err: fmt.Errorf("save after retries: %w", err)}
	}

	g.logger.Debug("State saved", "bucket", g.bucket, "object", g.object, "targets", len(state))
	return nil
}
